// Package service implements the core forwarding logic: resolve the upstream,
// build the outbound request, and hand it to the upstream client.
package service

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"passthrough-proxy/internal/config"
	"passthrough-proxy/internal/metrics"
	"passthrough-proxy/internal/model"
)

// hopByHopHeaders are connection-scoped and never forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Doer performs the single outbound call for a request.
type Doer interface {
	DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader, contentLength int64) (*model.ProxyResponse, error)
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client  Doer
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	drop []string
}

// NewProxyService creates a ProxyService. The upstream URL is not checked
// here; it is resolved on every Forward call. m may be nil.
func NewProxyService(c Doer, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
		drop:    cfg.Headers.CanonicalDrop(),
	}
}

// Forward resolves the upstream, sends pr there once, and returns the response.
// The caller is responsible for closing the response body.
//
// Errors are either a *ConfigError (no network call was made) or a
// *ForwardError describing why the upstream produced no response.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstream, err := ResolveUpstream(s.cfg.Upstream.BaseURL)
	if err != nil {
		return nil, err
	}

	target := upstream.Target(pr.Path, pr.RawPath, pr.RawQuery)
	header := s.buildRequestHeaders(pr)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"target_host", target.Host,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, target.String(), header, pr.Body, pr.ContentLength)
	if err != nil {
		fe := &ForwardError{Kind: classify(err, pr.Ctx.Err()), Err: err}
		if s.metrics != nil {
			s.metrics.UpstreamErrors.WithLabelValues(fe.Kind.String()).Inc()
		}
		return nil, fe
	}

	removeHopByHop(resp.Header)
	return resp, nil
}

// buildRequestHeaders copies every inbound header, then applies the declared
// overrides in order: drop, forwarded metadata, set. Set always wins and
// leaves exactly one value.
func (s *ProxyService) buildRequestHeaders(pr *model.ProxyRequest) http.Header {
	dst := pr.Header.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)

	for _, key := range s.drop {
		dst.Del(key)
	}

	if s.cfg.Headers.Forwarded {
		addForwarded(dst, pr)
	}

	for key, val := range s.cfg.Headers.Set {
		dst.Set(key, val)
	}

	return dst
}

// addForwarded appends the client IP to X-Forwarded-For and records the
// original host and scheme.
func addForwarded(h http.Header, pr *model.ProxyRequest) {
	if ip, _, err := net.SplitHostPort(pr.RemoteAddr); err == nil && ip != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			h.Set("X-Forwarded-For", ip)
		}
	}
	if pr.Host != "" {
		h.Set("X-Forwarded-Host", pr.Host)
	}
	if pr.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
}

// removeHopByHop deletes hop-by-hop headers, including any named in Connection.
func removeHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			if k = textproto.TrimString(k); k != "" {
				h.Del(k)
			}
		}
	}
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}
