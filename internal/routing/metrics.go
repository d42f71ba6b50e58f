package routing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "linebot"

// Metrics are the Prometheus series for routing. A nil Registerer yields working but
// unregistered collectors.
type Metrics struct {
	routed          *prometheus.CounterVec
	fallbacks       *prometheus.CounterVec
	decisionLatency *prometheus.HistogramVec
	budgetOverruns  prometheus.Counter
	detections      *prometheus.CounterVec
	executions      *prometheus.CounterVec
	attempts        *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		routed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "routing",
			Name:      "decisions_total",
			Help:      "Routing decisions by chosen surface and reason.",
		}, []string{"surface", "reason"}),
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "routing",
			Name:      "fallbacks_total",
			Help:      "Forced switches to the alternate surface by failure kind.",
		}, []string{"from", "error_kind"}),
		decisionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "routing",
			Name:      "decision_duration_seconds",
			Help:      "Time spent deciding which surface to call.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .5, 1, 5},
		}, []string{"reason"}),
		budgetOverruns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "routing",
			Name:      "budget_overruns_total",
			Help:      "Cache-hit decisions slower than the performance budget.",
		}),
		detections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "detector",
			Name:      "probes_total",
			Help:      "Capability probes by outcome.",
		}, []string{"outcome"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Relayed requests by final state and serving surface.",
		}, []string{"state", "surface"}),
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "relay",
			Name:      "attempt_failures_total",
			Help:      "Failed surface calls by surface and classified kind.",
		}, []string{"surface", "error_kind"}),
	}
}

func errorKindLabel(kind string) string {
	if kind == "" {
		return "none"
	}
	return kind
}
