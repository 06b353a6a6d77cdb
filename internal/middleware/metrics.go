package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"sendfile-worker/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records request count,
// latency and in-flight gauge per path, and counts responses that went
// through sendfile delegation. extraPaths are labelled as themselves; pass
// the configured metrics path here.
func MetricsMiddleware(m *metrics.Metrics, extraPaths ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)
			duration := time.Since(start).Seconds()

			status := strconv.Itoa(statusOf(c, err))
			method := metrics.NormalizeMethod(c.Request().Method)
			path := metrics.NormalizePath(c.Request().URL.Path, extraPaths...)

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			m.RequestDuration.WithLabelValues(method, status, path).Observe(duration)
			if target, ok := c.Get(KeySendfileTarget).(string); ok && target != "" {
				m.Delegations.WithLabelValues(status).Inc()
			}

			return err
		}
	}
}

// statusOf returns the status the client will see. An *echo.HTTPError is
// written later by Echo's error handler, so its code wins over the
// response's.
func statusOf(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}
