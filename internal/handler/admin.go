package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"passthrough-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// AdminHandler serves the operator endpoints on the admin listener.
type AdminHandler struct {
	cfg     *config.Config
	version Version
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(cfg *config.Config, v Version) *AdminHandler {
	return &AdminHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *AdminHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *AdminHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":       "ok",
		"version":      string(h.version),
		"upstream_url": h.cfg.Upstream.BaseURL,
		"listen_addr":  h.cfg.Server.Addr(),
	})
}
