// Package model defines shared types for the proxy.
package model

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
)

// ProxyRequest is the read-only projection of an inbound request that is
// forwarded upstream. Only these fields cross the proxy; nothing else from
// the inbound *http.Request reaches the outbound call.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string
	RawPath       string
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64

	// Connection metadata, used only for X-Forwarded-* when enabled.
	RemoteAddr string
	Host       string
	TLS        *tls.ConnectionState
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
