package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	dto "github.com/prometheus/client_model/go"

	"sendfile-worker/internal/metrics"
)

// findSeries returns the series of family name whose labels include want.
func findSeries(t *testing.T, m *metrics.Metrics, name string, want map[string]string) *dto.Metric {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	series:
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue series
				}
			}
			return metric
		}
	}
	return nil
}

// newGatewayEcho mimics the gateway's routes: fixed endpoints plus a
// catch-all relayed to the worker.
func newGatewayEcho(m *metrics.Metrics, metricsPath string) *echo.Echo {
	e := echo.New()
	e.Use(MetricsMiddleware(m, metricsPath))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET(metricsPath, func(c echo.Context) error {
		return c.String(http.StatusOK, "# metrics")
	})
	e.Any("/*", func(c echo.Context) error {
		switch c.Request().URL.Path {
		case "/file":
			return c.String(http.StatusOK, "inline")
		case "/remote-file":
			c.Set(KeySendfileTarget, "http://127.0.0.1:18953/file")
			return c.String(http.StatusOK, "delegated")
		case "/remote-file-not-found":
			c.Set(KeySendfileTarget, "http://127.0.0.1:18953/file-missing")
			return c.NoContent(http.StatusBadRequest)
		case "/remote-file-timeout":
			c.Set(KeySendfileTarget, "http://127.0.0.1:18953/file-timeout")
			return c.NoContent(http.StatusRequestTimeout)
		case "/worker-down":
			return echo.NewHTTPError(http.StatusBadGateway, "worker unavailable")
		}
		return c.NoContent(http.StatusNotFound)
	})
	return e
}

func serve(e *echo.Echo, method, path string) int {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, http.NoBody))
	return rec.Code
}

func TestMetricsMiddleware_RequestsByRoute(t *testing.T) {
	m := metrics.New()
	e := newGatewayEcho(m, "/metrics")

	tests := []struct {
		method string
		path   string
		labels map[string]string
	}{
		{http.MethodGet, "/file", map[string]string{"method": "GET", "path": "/file", "status_code": "200"}},
		{http.MethodGet, "/remote-file", map[string]string{"method": "GET", "path": "/remote-file", "status_code": "200"}},
		{http.MethodGet, "/remote-file-not-found", map[string]string{"path": "/remote-file-not-found", "status_code": "400"}},
		{http.MethodGet, "/remote-file-timeout", map[string]string{"path": "/remote-file-timeout", "status_code": "408"}},
		{http.MethodGet, "/nope", map[string]string{"path": "other", "status_code": "404"}},
		{http.MethodGet, "/metrics", map[string]string{"path": "/metrics", "status_code": "200"}},
		{"XYZZY", "/file", map[string]string{"method": "other", "path": "/file"}},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			serve(e, tt.method, tt.path)
			metric := findSeries(t, m, "sendfile_http_requests_total", tt.labels)
			if metric == nil {
				t.Fatalf("no sendfile_http_requests_total series with %v", tt.labels)
			}
			if v := metric.GetCounter().GetValue(); v != 1 {
				t.Errorf("counter value = %v, want 1", v)
			}
		})
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()
	e := newGatewayEcho(m, "/metrics")

	serve(e, http.MethodGet, "/remote-file")

	metric := findSeries(t, m, "sendfile_http_request_duration_seconds", map[string]string{"path": "/remote-file"})
	if metric == nil {
		t.Fatal("expected sendfile_http_request_duration_seconds for /remote-file")
	}
	if n := metric.GetHistogram().GetSampleCount(); n != 1 {
		t.Errorf("sample count = %d, want 1", n)
	}
}

func TestMetricsMiddleware_HTTPErrorStatus(t *testing.T) {
	m := metrics.New()
	e := newGatewayEcho(m, "/metrics")

	if code := serve(e, http.MethodGet, "/worker-down"); code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", code, http.StatusBadGateway)
	}
	if findSeries(t, m, "sendfile_http_requests_total", map[string]string{"path": "other", "status_code": "502"}) == nil {
		t.Error("expected the HTTPError code to be recorded as status_code=502")
	}
}

func TestMetricsMiddleware_CustomMetricsPath(t *testing.T) {
	m := metrics.New()
	e := newGatewayEcho(m, "/internal/prom")

	serve(e, http.MethodGet, "/internal/prom")

	if findSeries(t, m, "sendfile_http_requests_total", map[string]string{"path": "/internal/prom"}) == nil {
		t.Error("expected the configured metrics path to be labelled as itself")
	}
}

func TestMetricsMiddleware_CountsDelegations(t *testing.T) {
	m := metrics.New()
	e := newGatewayEcho(m, "/metrics")

	for _, path := range []string{"/remote-file", "/remote-file-timeout", "/remote-file-timeout", "/file", "/remote-file-not-found"} {
		serve(e, http.MethodGet, path)
	}

	tests := []struct {
		status string
		want   float64
	}{
		{"200", 1},
		{"400", 1},
		{"408", 2},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			metric := findSeries(t, m, "sendfile_delegations_total", map[string]string{"status_code": tt.status})
			if metric == nil {
				t.Fatalf("no delegation series for status %s", tt.status)
			}
			if v := metric.GetCounter().GetValue(); v != tt.want {
				t.Errorf("delegations = %v, want %v", v, tt.want)
			}
		})
	}
}

func TestMetricsMiddleware_InFlightReturnsToZero(t *testing.T) {
	m := metrics.New()
	e := newGatewayEcho(m, "/metrics")

	serve(e, http.MethodGet, "/file")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == "sendfile_http_requests_in_flight" {
			if v := f.GetMetric()[0].GetGauge().GetValue(); v != 0 {
				t.Errorf("in-flight = %v, want 0", v)
			}
			return
		}
	}
	t.Error("expected sendfile_http_requests_in_flight to be exported")
}
