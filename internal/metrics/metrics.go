// Package metrics exposes run and polling metrics in the Prometheus text
// format. A run is short-lived, so metrics are written to a file at the end
// instead of being scraped.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "localrunner"

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	PollAttempts     *prometheus.CounterVec
	ConditionResults *prometheus.CounterVec
	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	TeardownWarnings prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PollAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "attempts_total",
			Help:      "Poll attempts by observed job state",
		}, []string{"state"}),
		ConditionResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "condition_results_total",
			Help:      "Condition evaluations by condition and result",
		}, []string{"condition", "result"}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "total",
			Help:      "Finished runs by outcome",
		}, []string{"outcome"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall time of finished runs by outcome",
			Buckets:   []float64{5, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"outcome"}),
		TeardownWarnings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "teardown_warnings_total",
			Help:      "Warnings reported while releasing resources",
		}),
	}
}

// ObserveAttempt counts one poll attempt and its condition results.
func (m *Metrics) ObserveAttempt(state string, results map[string]bool) {
	m.PollAttempts.WithLabelValues(state).Inc()
	for name, passed := range results {
		result := "fail"
		if passed {
			result = "pass"
		}
		m.ConditionResults.WithLabelValues(name, result).Inc()
	}
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(outcome string, seconds float64, warnings int) {
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.WithLabelValues(outcome).Observe(seconds)
	if warnings > 0 {
		m.TeardownWarnings.Add(float64(warnings))
	}
}

// WriteFile writes every metric to path in the text exposition format.
func (m *Metrics) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics to %s: %w", path, err)
	}
	return nil
}
