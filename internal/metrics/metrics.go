// Package metrics exposes the engine's Prometheus collectors behind a
// private registry, mirroring the teacher's namespaced-subsystem layout.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every Trinity collector.
var Registry = prometheus.NewRegistry()

var (
	// StepOutcomes counts step completions by step type and terminal status.
	StepOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trinity",
			Subsystem: "scheduler",
			Name:      "step_outcomes_total",
			Help:      "Total step completions by step type and status.",
		},
		[]string{"step_type", "status"},
	)

	// StepDuration observes step handler wall-clock duration.
	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trinity",
			Subsystem: "scheduler",
			Name:      "step_duration_seconds",
			Help:      "Duration of step handler execution.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"step_type"},
	)

	// ExecutionOutcomes counts executions reaching a terminal status.
	ExecutionOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trinity",
			Subsystem: "scheduler",
			Name:      "execution_outcomes_total",
			Help:      "Total executions by terminal status.",
		},
		[]string{"status"},
	)

	// QueueDepth reports the current FIFO depth per agent.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "trinity",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of queued requests per agent.",
		},
		[]string{"agent"},
	)

	// CircuitState reports 0=closed,1=half-open,2=open per agent.
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "trinity",
			Subsystem: "queue",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per agent (0=closed,1=half-open,2=open).",
		},
		[]string{"agent"},
	)

	// RecoveryActions counts recovery sweep outcomes by action taken.
	RecoveryActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trinity",
			Subsystem: "recovery",
			Name:      "actions_total",
			Help:      "Total recovery actions taken by kind.",
		},
		[]string{"action"},
	)
)

func init() {
	Registry.MustRegister(
		StepOutcomes,
		StepDuration,
		ExecutionOutcomes,
		QueueDepth,
		CircuitState,
		RecoveryActions,
	)
}

// Handler returns an http.Handler serving the Trinity metrics in Prometheus
// exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
