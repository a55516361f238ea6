// Package client provides the outbound HTTP client used to reach the upstream.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"passthrough-proxy/internal/config"
	"passthrough-proxy/internal/metrics"
	"passthrough-proxy/internal/model"
)

// UpstreamClient sends requests to the configured upstream.
// It is safe for concurrent use; the only shared state is the connection pool.
type UpstreamClient struct {
	httpClient *http.Client
	timeout    time.Duration
	idleRead   time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// Bodies are relayed as-is; never negotiate or decode gzip on the caller's behalf.
		DisableCompression: true,
		ForceAttemptHTTP2:  true,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return NewUpstreamClientWithTransport(cfg, logger, m, transport)
}

// NewUpstreamClientWithTransport is NewUpstreamClient with a caller-supplied
// RoundTripper, e.g. a counting stub in tests.
func NewUpstreamClientWithTransport(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, rt http.RoundTripper) *UpstreamClient {
	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: rt,
			// Redirects belong to the caller: relay 3xx as-is.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:  time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		idleRead: time.Duration(cfg.Upstream.IdleReadTimeoutSeconds) * time.Second,
		logger:   logger.With("component", "upstream_client"),
		metrics:  m,
	}
}

// do sends req and records upstream metrics.
func (c *UpstreamClient) do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
//
// ctx controls the lifetime of the whole exchange: when it is canceled (e.g.
// the client disconnects) the upstream request and any in-flight body read
// are canceled too. Until response headers arrive the call is additionally
// bounded by the configured upstream timeout. Once streaming starts, the
// body is only cut off by ctx or, when configured, by the idle read timeout.
//
// contentLength follows http.Request semantics: -1 means unknown.
func (c *UpstreamClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader, contentLength int64) (*model.ProxyResponse, error) {
	if body == nil || contentLength == 0 {
		body = http.NoBody
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if header == nil {
		header = make(http.Header)
	}
	req.Header = header
	if _, ok := req.Header["User-Agent"]; !ok {
		// An empty value stops net/http from adding its own User-Agent.
		req.Header["User-Agent"] = []string{""}
	}
	if body != http.NoBody {
		req.ContentLength = contentLength
	}

	var timer *time.Timer
	if c.timeout > 0 {
		timer = time.AfterFunc(c.timeout, cancel)
	}

	resp, err := c.do(req)
	if timer != nil && !timer.Stop() {
		// The safety net fired before headers arrived; ctx is already canceled.
		if err == nil {
			_ = resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("upstream request: %w", errHeaderTimeout{d: c.timeout})
	}
	if err != nil {
		cancel()
		return nil, err
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	if c.idleRead > 0 {
		resp.Body = newIdleReadBody(resp.Body, c.idleRead, cancel)
	}
	return resp, nil
}

// errHeaderTimeout reports that the upstream did not answer within the safety-net timeout.
type errHeaderTimeout struct{ d time.Duration }

func (e errHeaderTimeout) Error() string {
	return "no response headers within " + e.d.String()
}

// Timeout implements net.Error.
func (errHeaderTimeout) Timeout() bool { return true }

// Temporary implements net.Error.
func (errHeaderTimeout) Temporary() bool { return true }

// Unwrap lets callers match context.DeadlineExceeded.
func (errHeaderTimeout) Unwrap() error { return context.DeadlineExceeded }

// cancelOnClose releases the per-request context once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// errIdleRead reports that the upstream body went quiet for too long.
type errIdleRead struct{ d time.Duration }

func (e errIdleRead) Error() string {
	return "upstream body idle for " + e.d.String()
}

// Timeout implements net.Error.
func (errIdleRead) Timeout() bool { return true }

// Temporary implements net.Error.
func (errIdleRead) Temporary() bool { return true }

func (errIdleRead) Unwrap() error { return context.DeadlineExceeded }

// idleReadBody cancels the request when no data arrives within d.
// The timer restarts after every read that returns data.
type idleReadBody struct {
	io.ReadCloser
	d     time.Duration
	timer *time.Timer
	fired atomic.Bool
}

func newIdleReadBody(rc io.ReadCloser, d time.Duration, cancel context.CancelFunc) *idleReadBody {
	b := &idleReadBody{ReadCloser: rc, d: d}
	b.timer = time.AfterFunc(d, func() {
		b.fired.Store(true)
		cancel()
	})
	return b
}

func (b *idleReadBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF && b.fired.Load() {
		return n, errIdleRead{d: b.d}
	}
	if n > 0 {
		b.timer.Reset(b.d)
	}
	return n, err
}

func (b *idleReadBody) Close() error {
	b.timer.Stop()
	return b.ReadCloser.Close()
}
