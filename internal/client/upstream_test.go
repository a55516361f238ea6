package client

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"passthrough-proxy/internal/config"
	"passthrough-proxy/internal/metrics"
)

func testConfig(timeoutSeconds int) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  timeoutSeconds,
			IdleConnections: 10,
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpstreamClient_DoStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), discardLogger(), nil)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/test", http.Header{}, nil, 0)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"status":"ok"}`)
	}
}

func TestUpstreamClient_DoStream_BodyAndLength(t *testing.T) {
	const payload = `{"name":"widget"}`

	var gotBody string
	var gotLength int64
	var gotTE []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotLength = r.ContentLength
		gotTE = r.TransferEncoding
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), discardLogger(), nil)

	resp, err := c.DoStream(context.Background(), http.MethodPut, srv.URL+"/items/1", http.Header{},
		io.NopCloser(strings.NewReader(payload)), int64(len(payload)))
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	_ = resp.Body.Close()

	if gotBody != payload {
		t.Errorf("body = %q, want %q", gotBody, payload)
	}
	if gotLength != int64(len(payload)) {
		t.Errorf("ContentLength = %d, want %d", gotLength, len(payload))
	}
	if len(gotTE) != 0 {
		t.Errorf("TransferEncoding = %v, want none for a fixed-length body", gotTE)
	}
}

func TestUpstreamClient_DoStream_Error(t *testing.T) {
	c := NewUpstreamClient(testConfig(1), discardLogger(), nil)

	_, err := c.DoStream(context.Background(), http.MethodGet, "http://127.0.0.1:1/nonexistent", http.Header{}, nil, 0)
	if err == nil {
		t.Fatal("DoStream() expected error for unreachable host, got nil")
	}
}

func TestUpstreamClient_DoStream_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(30), discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.DoStream(ctx, http.MethodGet, srv.URL+"/slow", http.Header{}, nil, 0)
	if err == nil {
		t.Fatal("DoStream() expected error for canceled context, got nil")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestUpstreamClient_DoStream_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewUpstreamClient(testConfig(1), discardLogger(), nil)

	start := time.Now()
	_, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/hang", http.Header{}, nil, 0)
	if err == nil {
		t.Fatal("DoStream() expected timeout error, got nil")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("DoStream() took %v, want about 1s", elapsed)
	}

	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Errorf("error = %v, want a net.Error with Timeout() = true", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
}

func TestUpstreamClient_DoStream_TimeoutDoesNotCutStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(1500 * time.Millisecond)
		_, _ = w.Write([]byte("late"))
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(1), discardLogger(), nil)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/stream", http.Header{}, nil, 0)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "late" {
		t.Errorf("body = %q, want %q", body, "late")
	}
}

func TestUpstreamClient_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), discardLogger(), nil)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/moved", http.Header{}, nil, 0)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if loc := resp.Header.Get("Location"); loc != "/elsewhere" {
		t.Errorf("Location = %q, want %q", loc, "/elsewhere")
	}
}

func TestUpstreamClient_NoTransparentDecompression(t *testing.T) {
	var gotAcceptEncoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAcceptEncoding = r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte("hello"))
		_ = gz.Close()
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), discardLogger(), nil)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/gz", http.Header{}, nil, 0)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if gotAcceptEncoding != "" {
		t.Errorf("Accept-Encoding = %q, want none injected", gotAcceptEncoding)
	}
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", resp.Header.Get("Content-Encoding"))
	}

	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatalf("body is not gzip: %v", err)
	}
	plain, _ := io.ReadAll(zr)
	if string(plain) != "hello" {
		t.Errorf("decoded body = %q, want %q", plain, "hello")
	}
}

func TestUpstreamClient_RecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	m := metrics.New()
	c := NewUpstreamClient(testConfig(10), discardLogger(), m)

	resp, err := c.DoStream(context.Background(), http.MethodPost, srv.URL, http.Header{}, nil, 0)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	_ = resp.Body.Close()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	for _, f := range families {
		if f.GetName() != "passthrough_proxy_upstream_responses_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == "POST" && labels["status_code"] == "201" {
				return
			}
		}
	}
	t.Error("expected passthrough_proxy_upstream_responses_total with method=POST, status_code=201")
}

type countingTransport struct {
	calls int
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls++
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("stub")),
		Request:    req,
	}, nil
}

func TestNewUpstreamClientWithTransport(t *testing.T) {
	rt := &countingTransport{}
	c := NewUpstreamClientWithTransport(testConfig(10), discardLogger(), nil, rt)

	resp, err := c.DoStream(context.Background(), http.MethodGet, "http://upstream.invalid/x", http.Header{}, nil, 0)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if rt.calls != 1 {
		t.Errorf("transport calls = %d, want 1", rt.calls)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "stub" {
		t.Errorf("body = %q, want %q", body, "stub")
	}
}

func TestUpstreamClient_NoDefaultUserAgent(t *testing.T) {
	uas := make(chan []string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uas <- r.Header.Values("User-Agent")
	}))
	defer srv.Close()

	c := NewUpstreamClient(testConfig(10), discardLogger(), nil)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL, nil, nil, 0)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	_ = resp.Body.Close()
	if got := <-uas; len(got) != 0 {
		t.Errorf("User-Agent = %v, want none injected", got)
	}

	resp, err = c.DoStream(context.Background(), http.MethodGet, srv.URL, http.Header{"User-Agent": {"client/2"}}, nil, 0)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	_ = resp.Body.Close()
	if got := <-uas; len(got) != 1 || got[0] != "client/2" {
		t.Errorf("User-Agent = %v, want [client/2]", got)
	}
}

func TestUpstreamClient_IdleReadTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("first"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig(10)
	cfg.Upstream.IdleReadTimeoutSeconds = 1
	c := NewUpstreamClient(cfg, discardLogger(), nil)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/stall", http.Header{}, nil, 0)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	start := time.Now()
	body, err := io.ReadAll(resp.Body)
	if err == nil {
		t.Fatal("ReadAll() expected idle timeout error, got nil")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("ReadAll() took %v, want about 1s", elapsed)
	}
	if string(body) != "first" {
		t.Errorf("body = %q, want %q", body, "first")
	}

	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Errorf("error = %v, want a net.Error with Timeout() = true", err)
	}
}

func TestUpstreamClient_IdleReadTimeoutResetsOnData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		for _, chunk := range []string{"a", "b", "c"} {
			_, _ = w.Write([]byte(chunk))
			w.(http.Flusher).Flush()
			time.Sleep(600 * time.Millisecond)
		}
	}))
	defer srv.Close()

	cfg := testConfig(10)
	cfg.Upstream.IdleReadTimeoutSeconds = 1
	c := NewUpstreamClient(cfg, discardLogger(), nil)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/ticks", http.Header{}, nil, 0)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(body) != "abc" {
		t.Errorf("body = %q, want %q", body, "abc")
	}
}
