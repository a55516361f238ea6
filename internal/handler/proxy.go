package handler

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"passthrough-proxy/internal/model"
	"passthrough-proxy/internal/service"
)

// Forwarder sends a projected request upstream.
type Forwarder interface {
	Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error)
}

// ProxyHandler forwards every request to the configured upstream.
type ProxyHandler struct {
	service Forwarder
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the upstream and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawPath:       req.URL.RawPath,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		RemoteAddr:    req.RemoteAddr,
		Host:          req.Host,
		TLS:           req.TLS,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	h.relay(c, resp)
	return nil
}

// relay writes status, headers and body exactly as received. Upstream
// headers replace anything middleware already set under the same name. Once
// the status line is out, a failed copy can only truncate the body, so it is
// logged rather than reported.
func (h *ProxyHandler) relay(c echo.Context, resp *model.ProxyResponse) {
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = append([]string(nil), vals...)
	}

	c.Response().WriteHeader(resp.StatusCode)

	var err error
	if isEventStream(resp.Header) {
		err = copyFlushing(c.Response(), resp.Body)
	} else {
		_, err = io.Copy(c.Response(), resp.Body)
	}
	if err != nil {
		if c.Request().Context().Err() != nil {
			h.logger.Debug("client went away mid-stream", "path", c.Request().URL.Path)
			return
		}
		h.logger.Error("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
}

// copyFlushing copies src to w and flushes after every read so each event
// reaches the client as soon as the upstream emits it.
func copyFlushing(w *echo.Response, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			w.Flush()
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func isEventStream(h http.Header) bool {
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mt == "text/event-stream"
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	var cfgErr *service.ConfigError
	if errors.As(err, &cfgErr) {
		h.logger.Error("invalid upstream configuration",
			"err", err,
			"upstream_url", cfgErr.Value,
			"path", path,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Server configuration error",
		})
	}

	var fwdErr *service.ForwardError
	if errors.As(err, &fwdErr) {
		switch fwdErr.Kind {
		case service.UpstreamTimeout:
			h.logger.Warn("upstream timed out", "err", err, "path", path)
			return c.JSON(http.StatusGatewayTimeout, map[string]string{
				"error": "upstream request timed out",
			})
		case service.ClientDisconnect:
			h.logger.Debug("client disconnected before upstream answered", "path", path)
			return c.JSON(http.StatusBadGateway, map[string]string{
				"error": "client disconnected",
			})
		}
	}

	h.logger.Error("proxy error", "err", err, "path", path)

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream connection failed",
	})
}
