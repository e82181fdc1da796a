package health

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes registers the probe, metrics, and job introspection routes.
func RegisterRoutes(e *echo.Echo, h *Handler, j *JobsHandler) {
	e.GET("/healthz", h.Healthz)
	e.GET("/readyz", h.Readyz)
	e.GET("/health", h.Health)
	e.GET("/debug", h.Debug)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/api/health", h.Health)
	e.GET("/api/diagnostics", h.Diagnose)
	e.GET("/api/jobs", j.ListJobs)
	e.GET("/api/jobs/:id", j.GetJob)
}
