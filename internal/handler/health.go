package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"passthrough-proxy/internal/config"
	"passthrough-proxy/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
// It does not look at the upstream.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version and whether the upstream URL resolves.
// A bad upstream is reported as "misconfigured" with 200 so the endpoint
// stays usable for diagnosis.
func (h *HealthHandler) Status(c echo.Context) error {
	status := "ok"
	if _, err := service.ResolveUpstream(h.cfg.Upstream.BaseURL); err != nil {
		status = "misconfigured"
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":       status,
		"version":      string(h.version),
		"upstream_url": h.cfg.Upstream.BaseURL,
	})
}
