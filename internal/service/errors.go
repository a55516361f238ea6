package service

import (
	"context"
	"errors"
	"net"
)

// ErrConfiguration is matched by every *ConfigError.
var ErrConfiguration = errors.New("server configuration error")

// ConfigError reports a missing or malformed upstream URL. Value is the
// offending configured string, kept for operator logs only.
type ConfigError struct {
	Value  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

// Is makes errors.Is(err, ErrConfiguration) true.
func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

func (e *ConfigError) Unwrap() error { return e.Err }

// ForwardKind classifies why an upstream call produced no response.
type ForwardKind int

const (
	// UpstreamUnreachable covers DNS, connect, TLS and protocol failures.
	UpstreamUnreachable ForwardKind = iota
	// UpstreamTimeout means the safety-net timeout elapsed before response headers.
	UpstreamTimeout
	// ClientDisconnect means the inbound request was canceled first.
	ClientDisconnect
)

func (k ForwardKind) String() string {
	switch k {
	case UpstreamTimeout:
		return "timeout"
	case ClientDisconnect:
		return "client_disconnect"
	default:
		return "unreachable"
	}
}

// ForwardError wraps a transport failure with its classification.
type ForwardError struct {
	Kind ForwardKind
	Err  error
}

func (e *ForwardError) Error() string {
	return "forward to upstream (" + e.Kind.String() + "): " + e.Err.Error()
}

func (e *ForwardError) Unwrap() error { return e.Err }

// classify maps a transport error to a ForwardKind. ctxErr is the inbound
// request's context error at the time of failure.
func classify(err, ctxErr error) ForwardKind {
	if ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
		return ClientDisconnect
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return UpstreamTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return UpstreamTimeout
	}
	return UpstreamUnreachable
}
