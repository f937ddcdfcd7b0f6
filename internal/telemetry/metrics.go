// Package telemetry exposes Prometheus counters and histograms for the
// execution and risk core's operational surface. The teacher depends on
// prometheus/client_golang without wiring it to any metric; this package is
// that wiring, following the standard promauto registration idiom.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter/histogram the core emits.
type Metrics struct {
	AdapterLatency    *prometheus.HistogramVec
	RMSRejections     *prometheus.CounterVec
	OrchestratorRuns  *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
}

// New registers every metric against reg and returns the bundle. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the default
// registerer across parallel test runs.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AdapterLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "execcore",
			Subsystem: "broker",
			Name:      "adapter_call_latency_seconds",
			Help:      "Latency of broker adapter calls by broker_kind and method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"broker_kind", "method"}),
		RMSRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execcore",
			Subsystem: "rms",
			Name:      "rejections_total",
			Help:      "Pre-trade legs rejected by the RMS Gate, by code.",
		}, []string{"code"}),
		OrchestratorRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execcore",
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "ExecutionRuns by terminal status.",
		}, []string{"status", "mode"}),
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execcore",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook deliveries by outcome (accepted, duplicate, rejected).",
		}, []string{"outcome"}),
	}
}

// Handler returns the HTTP handler serving /metrics for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
