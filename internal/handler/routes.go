package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"passthrough-proxy/internal/config"
	"passthrough-proxy/internal/metrics"
)

// Catch-all routes served by the proxy.
const (
	proxyRootRoute = "/"
	proxyAnyRoute  = "/*"
)

// IsProxied reports whether the router matched c to the proxy catch-all.
// It is meant as a middleware Skipper for anything that must not touch
// relayed responses.
func IsProxied(c echo.Context) bool {
	p := c.Path()
	return p == proxyRootRoute || p == proxyAnyRoute
}

// RegisterRoutes wires all route handlers onto the Echo instance.
// The local routes are registered as exact paths; every other method and
// path falls through to the proxy.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any(proxyRootRoute, proxy.Handle)
	e.Any(proxyAnyRoute, proxy.Handle)
}
