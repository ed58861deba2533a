// Package metrics provides Prometheus metrics for the mirror.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Rendering is much slower than fetching.
var renderBuckets = []float64{.25, .5, 1, 2.5, 5, 10, 20, 30, 45, 60}

// Metrics holds all Prometheus metric collectors for the mirror.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  prometheus.Histogram
	UpstreamResponses *prometheus.CounterVec

	StrategyTotal        *prometheus.CounterVec
	RewrittenReferences  prometheus.Counter
	RenderDuration       *prometheus.HistogramVec
	RendersInFlight      prometheus.Gauge
	BrowserLaunches      prometheus.Counter
	RenderFallbacksTotal prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webmirror_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webmirror_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webmirror_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "webmirror_upstream_request_duration_seconds",
			Help:    "Time to upstream response headers in seconds.",
			Buckets: defaultBuckets,
		}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webmirror_upstream_responses_total",
			Help: "Total upstream responses by status class.",
		}, []string{"status_class"}),

		StrategyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webmirror_strategy_decisions_total",
			Help: "Content strategy chosen per mirrored resource.",
		}, []string{"strategy"}),

		RewrittenReferences: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webmirror_rewritten_references_total",
			Help: "References rewritten to point back at the mirror.",
		}),

		RenderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webmirror_render_duration_seconds",
			Help:    "Headless render latency in seconds, including admission wait.",
			Buckets: renderBuckets,
		}, []string{"outcome"}),

		RendersInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webmirror_renders_in_flight",
			Help: "Number of headless browsers currently running.",
		}),

		BrowserLaunches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webmirror_browser_launches_total",
			Help: "Headless browser instances launched.",
		}),

		RenderFallbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webmirror_render_fallbacks_total",
			Help: "Failed renders served as plain rewrites.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.StrategyTotal,
		m.RewrittenReferences,
		m.RenderDuration,
		m.RendersInFlight,
		m.BrowserLaunches,
		m.RenderFallbacksTotal,
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

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/view", "/healthz", "/mirror/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	if path == "/" {
		return "/"
	}
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}

// StatusClass maps an HTTP status code to "2xx", "3xx", ... labels.
func StatusClass(code int) string {
	switch {
	case code >= 100 && code < 600:
		return string(rune('0'+code/100)) + "xx"
	default:
		return "other"
	}
}
