// Package middleware provides Echo middleware for logging, metrics and
// header hygiene.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// Context keys handlers use to annotate the request log line.
const (
	// KeySendfileTarget holds the directive target the gateway resolved.
	KeySendfileTarget = "sendfile_target"
	// KeyWorkerID holds the relay request ID sent to the worker.
	KeyWorkerID = "worker_request_id"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			res := c.Response()
			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if id, ok := c.Get(KeyWorkerID).(string); ok && id != "" {
				attrs = append(attrs, "worker_request_id", id)
			}
			if target, ok := c.Get(KeySendfileTarget).(string); ok && target != "" {
				attrs = append(attrs, "sendfile_target", target)
			}
			if err != nil {
				attrs = append(attrs, "err", err)
			}
			logger.Info("request", attrs...)
			return err
		}
	}
}
