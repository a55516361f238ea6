package service

import (
	"net/url"
	"strings"
)

// Upstream is the resolved forwarding target.
type Upstream struct {
	BaseURL *url.URL
}

// ResolveUpstream validates the configured upstream base URL.
// Any scheme is accepted; the value must parse and carry both a scheme and a host.
// Resolution is pure string parsing, so it is safe to repeat on every request.
func ResolveUpstream(raw string) (*Upstream, error) {
	if raw == "" {
		return nil, &ConfigError{Value: raw, Reason: "upstream URL is not set"}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, &ConfigError{Value: raw, Reason: "upstream URL does not parse", Err: err}
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, &ConfigError{Value: raw, Reason: "upstream URL must be absolute (scheme://host)"}
	}

	return &Upstream{BaseURL: u}, nil
}

// Target resolves an inbound path and query against the base URL using
// RFC 3986 reference resolution, so slashes are never doubled or lost
// whether or not the base ends in "/". Leading slashes collapse to one, so a
// path like "//host/x" stays a path on the upstream.
func (u *Upstream) Target(path, rawPath, rawQuery string) *url.URL {
	if path == "" {
		path = "/"
		rawPath = ""
	}
	if strings.HasPrefix(path, "//") {
		path = "/" + strings.TrimLeft(path, "/")
		if rawPath != "" {
			rawPath = "/" + strings.TrimLeft(rawPath, "/")
		}
	}
	ref := &url.URL{
		Path:     path,
		RawPath:  rawPath,
		RawQuery: rawQuery,
	}
	return u.BaseURL.ResolveReference(ref)
}
