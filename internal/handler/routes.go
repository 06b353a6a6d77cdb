package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sendfile-worker/internal/config"
	"sendfile-worker/internal/metrics"
)

// RegisterGatewayRoutes wires the gateway's route handlers onto the Echo
// instance. Every path without a dedicated route is relayed to the worker.
func RegisterGatewayRoutes(e *echo.Echo, gw *GatewayHandler, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)
	registerMetrics(e, cfg, m)

	e.Any("/", gw.Handle)
	e.Any("/*", gw.Handle)
}

// RegisterFileServerRoutes wires the auxiliary file server's routes.
func RegisterFileServerRoutes(e *echo.Echo, fs *FileServerHandler, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	registerMetrics(e, cfg, m)

	e.GET("/file", fs.File)
	e.GET("/file-missing", fs.Missing)
	e.GET("/file-timeout", fs.Slow)
}

// RegisterWorkerRoutes wires the worker's metrics listener.
func RegisterWorkerRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	registerMetrics(e, cfg, m)
}

func registerMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled || m == nil {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}
