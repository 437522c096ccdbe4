// Package telemetry provides the metrics and tracing instruments shared by
// the lifecycle processor and the brokerage service.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "rgehrsitz/invested"

// Tracer returns the tracer used for lifecycle spans. Without a configured
// provider this is the global no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// ProcessMetrics captures per-table lifecycle telemetry.
type ProcessMetrics struct {
	runs       *prometheus.CounterVec
	iterations *prometheus.HistogramVec
	actions    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewProcessMetrics constructs instruments registered against reg, falling
// back to the default registerer.
func NewProcessMetrics(reg prometheus.Registerer) *ProcessMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &ProcessMetrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "invested",
				Subsystem: "lifecycle",
				Name:      "runs_total",
				Help:      "Lifecycle runs by table and outcome.",
			},
			[]string{"table", "outcome"},
		),
		iterations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "invested",
				Subsystem: "lifecycle",
				Name:      "iterations",
				Help:      "Evaluation iterations per lifecycle run.",
				Buckets:   []float64{1, 2, 3, 4, 5, 8, 13, 21, 50},
			},
			[]string{"table"},
		),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "invested",
				Subsystem: "lifecycle",
				Name:      "actions_total",
				Help:      "Actions executed by table and action name.",
			},
			[]string{"table", "action"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "invested",
				Subsystem: "lifecycle",
				Name:      "run_seconds",
				Help:      "Histogram of lifecycle run durations.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"table"},
		),
	}
	reg.MustRegister(m.runs, m.iterations, m.actions, m.duration)
	return m
}

// ObserveRun records one finished run.
func (m *ProcessMetrics) ObserveRun(table, outcome string, iterations int, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(table, outcome).Inc()
	m.iterations.WithLabelValues(table).Observe(float64(iterations))
	if d >= 0 {
		m.duration.WithLabelValues(table).Observe(d.Seconds())
	}
}

// ObserveAction increments the counter for an executed action.
func (m *ProcessMetrics) ObserveAction(table, action string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(table, action).Inc()
}

// RunsCounter exposes the run counter for tests and diagnostics.
func (m *ProcessMetrics) RunsCounter(table, outcome string) prometheus.Counter {
	return m.runs.WithLabelValues(table, outcome)
}

// ActionsCounter exposes the action counter for tests and diagnostics.
func (m *ProcessMetrics) ActionsCounter(table, action string) prometheus.Counter {
	return m.actions.WithLabelValues(table, action)
}
