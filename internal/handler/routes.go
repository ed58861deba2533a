package handler

import (
	"github.com/labstack/echo/v4"

	"webmirror/internal/rewrite"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, view *ViewHandler, health *HealthHandler) {
	e.GET("/", Home)
	e.GET(rewrite.ViewPath, view.Handle)

	e.GET("/healthz", health.Healthz)
	e.GET("/mirror/status", health.Status)
}
