package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"passthrough-proxy/internal/config"
	"passthrough-proxy/internal/metrics"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	var upstreamPaths []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamPaths = append(upstreamPaths, r.Method+" "+r.URL.RequestURI())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	cfg.Metrics = config.MetricsConfig{Enabled: true, Path: "/metrics"}
	m := metrics.New()

	proxy := newTestProxy(cfg, nil)
	health := NewHealthHandler(cfg, "test")

	e := echo.New()
	RegisterRoutes(e, cfg, m, proxy, health)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK, `"status":"ok"`},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", http.StatusOK, `"version":"test"`},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK, "go_goroutines"},
		{"GET /", http.MethodGet, "/", http.StatusOK, `{"ok":true}`},
		{"GET /v1/items", http.MethodGet, "/v1/items?x=1", http.StatusOK, `{"ok":true}`},
		{"POST /a/b/c", http.MethodPost, "/a/b/c", http.StatusOK, `{"ok":true}`},
		{"DELETE /v1/items/1", http.MethodDelete, "/v1/items/1", http.StatusOK, `{"ok":true}`},
		{"GET /healthzz is proxied", http.MethodGet, "/healthzz", http.StatusOK, `{"ok":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantBody)
			}
		})
	}

	want := []string{"GET /", "GET /v1/items?x=1", "POST /a/b/c", "DELETE /v1/items/1", "GET /healthzz"}
	if strings.Join(upstreamPaths, "|") != strings.Join(want, "|") {
		t.Errorf("upstream saw %v, want %v", upstreamPaths, want)
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	var hits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusTeapot)
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	e := echo.New()
	RegisterRoutes(e, cfg, nil, newTestProxy(cfg, nil), NewHealthHandler(cfg, "test"))

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d (forwarded upstream)", rec.Code, http.StatusTeapot)
	}
	if hits != 1 {
		t.Errorf("upstream hits = %d, want 1", hits)
	}
}
