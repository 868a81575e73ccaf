// Package handler holds the HTTP handlers and route wiring.
package handler

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"finance-proxy/internal/config"
	"finance-proxy/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
//
// The API prefix is only routed when a backend is configured; otherwise a
// single warning is logged and those paths fall through to static content.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics, logger *slog.Logger) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	if !cfg.Backend.Enabled() {
		logger.Warn("backend.base_url not set; API forwarding disabled",
			"prefix", cfg.Backend.Prefix,
		)
		return
	}

	e.Any(cfg.Backend.Prefix, proxy.Handle)
	e.Any(cfg.Backend.Prefix+"/*", proxy.Handle)
	logger.Info("API forwarding enabled",
		"prefix", cfg.Backend.Prefix,
		"backend", cfg.Backend.BaseURL,
		"auth_bypass", cfg.Auth.Bypass,
	)
}
