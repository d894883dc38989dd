// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default histogram buckets for API latency. Chat completions run long, so
// the tail reaches past a minute.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	StreamsTotal *prometheus.CounterVec
	StreamChunks prometheus.Counter

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_gateway_http_requests_total",
			Help: "Total requests that went through the pipeline.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_gateway_http_request_duration_seconds",
			Help:    "Time from request arrival to response completion, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_gateway_http_requests_in_flight",
			Help: "Number of requests currently in the pipeline.",
		}),

		StreamsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_gateway_streams_total",
			Help: "Event streams relayed to clients, by how they ended.",
		}, []string{"outcome"}),

		StreamChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_gateway_stream_chunks_total",
			Help: "Chunks produced for event-stream responses.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_gateway_upstream_request_duration_seconds",
			Help:    "Chat provider call latency until response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"mode"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_gateway_upstream_responses_total",
			Help: "Total chat provider responses by mode and status code.",
		}, []string{"mode", "status_code"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.StreamsTotal,
		m.StreamChunks,
		m.UpstreamDuration,
		m.UpstreamResponses,
	)

	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		Registry:          m.Registry,
		EnableOpenMetrics: true,
	})
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

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/v1/chat/completions", "/v1/health", "/health", "/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics. The
// service url prefix, if any, is stripped first.
func NormalizePath(prefix, path string) string {
	if prefix != "" {
		trimmed, ok := strings.CutPrefix(path, prefix)
		if !ok {
			return "other"
		}
		path = trimmed
	}
	for _, p := range knownPrefixes {
		if path == p || strings.HasPrefix(path, p+"/") || strings.HasPrefix(path, p+"?") {
			return p
		}
	}
	return "other"
}
