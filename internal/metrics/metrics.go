// Package metrics provides Prometheus metrics for the worker and the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets. The upper buckets cover the delayed stream pause.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors.
type Metrics struct {
	Registry *prometheus.Registry

	// Gateway (inbound HTTP).
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Responses whose body was replaced by a sendfile target.
	Delegations *prometheus.CounterVec

	// Remote fetches made to resolve sendfile directives.
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	// Worker loop.
	WorkerRequests *prometheus.CounterVec
	WorkerDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sendfile_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sendfile_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sendfile_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		Delegations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sendfile_delegations_total",
			Help: "Gateway responses carrying a sendfile directive, by final status code.",
		}, []string{"status_code"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sendfile_remote_fetch_duration_seconds",
			Help:    "Remote fetch latency until response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sendfile_remote_fetch_responses_total",
			Help: "Total remote fetch responses by method and status code.",
		}, []string{"method", "status_code"}),

		WorkerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sendfile_worker_requests_total",
			Help: "Requests handled by the worker loop, by route and outcome.",
		}, []string{"route", "outcome"}),

		WorkerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sendfile_worker_handle_duration_seconds",
			Help:    "Time from receiving a request to handing off its answer.",
			Buckets: defaultBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.Delegations,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.WorkerRequests,
		m.WorkerDuration,
	)

	return m
}

// Worker outcome label values.
const (
	OutcomeResponse = "response"
	OutcomeError    = "error"
	OutcomeSendFail = "send_failed"
)

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPaths lists the allowed path label values (bounded cardinality).
var knownPaths = map[string]bool{
	"/local-file":            true,
	"/remote-file":           true,
	"/remote-file-not-found": true,
	"/remote-file-timeout":   true,
	"/file":                  true,
	"/file-timeout":          true,
	"/file-missing":          true,
	"/healthz":               true,
	"/status":                true,
}

// NormalizePath returns a bounded path label for Prometheus metrics.
// Matching is exact, like the worker's dispatch table. extra lists further
// paths kept as their own label, such as the configured metrics path.
func NormalizePath(path string, extra ...string) string {
	if knownPaths[path] {
		return path
	}
	for _, p := range extra {
		if p != "" && p == path {
			return path
		}
	}
	return "other"
}
