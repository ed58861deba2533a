package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"webmirror/internal/config"
	"webmirror/internal/rules"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	rules   rules.RuleSet
	version Version
}

// StatusResponse is the body of GET /mirror/status.
type StatusResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	RenderEnabled  bool   `json:"render_enabled"`
	RenderFallback string `json:"render_fallback"`
	Rules          int    `json:"rules"`
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, rs rules.RuleSet, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, rules: rs, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns mirror status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:         "ok",
		Version:        string(h.version),
		RenderEnabled:  h.cfg.Render.Enabled,
		RenderFallback: h.cfg.Render.Fallback,
		Rules:          h.rules.Count(),
	})
}
