// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Label values for AuthRequests.
const (
	AuthResultOK     = "ok"
	AuthResultError  = "error"
	AuthResultBypass = "bypass"
)

// staticLabel groups every path that is not a known route; those are served
// from the asset tree or the SPA entry document.
const staticLabel = "static"

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	ResponseBytes    *prometheus.CounterVec

	BackendDuration  *prometheus.HistogramVec
	BackendResponses *prometheus.CounterVec

	AuthRequests *prometheus.CounterVec
	AuthDuration prometheus.Histogram

	knownPrefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. routes are the path prefixes allowed as path_prefix labels in
// addition to the built-in health routes.
func New(routes ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finance_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "finance_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "finance_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		ResponseBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finance_proxy_http_response_bytes_total",
			Help: "Response body bytes written to clients.",
		}, []string{"path_prefix"}),

		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "finance_proxy_backend_request_duration_seconds",
			Help:    "Backend call latency in seconds, up to response headers.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		BackendResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finance_proxy_backend_responses_total",
			Help: "Total backend responses by method and status code.",
		}, []string{"method", "status_code"}),

		AuthRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finance_proxy_credential_requests_total",
			Help: "Backend credential acquisitions by result (ok, error, bypass).",
		}, []string{"result"}),

		AuthDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "finance_proxy_credential_duration_seconds",
			Help:    "Time spent minting backend credentials.",
			Buckets: defaultBuckets,
		}),

		knownPrefixes: append([]string{"/healthz", "/proxy/status"}, routes...),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ResponseBytes,
		m.BackendDuration,
		m.BackendResponses,
		m.AuthRequests,
		m.AuthDuration,
	)

	return m
}

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

// NormalizePath returns a bounded path label for Prometheus metrics.
func (m *Metrics) NormalizePath(path string) string {
	for _, prefix := range m.knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return staticLabel
}
