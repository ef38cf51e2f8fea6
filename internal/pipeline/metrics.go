package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the pipeline's Prometheus instrumentation
type Metrics struct {
	runs            *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	gateFailOpen    *prometheus.CounterVec
	analysisAttempt prometheus.Histogram
	trackerWarnings *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// leaves them unregistered, which tests and one-shot commands use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triage",
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome",
		}, []string{"outcome"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "triage",
			Name:      "stage_duration_seconds",
			Help:      "Time spent per pipeline stage",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		gateFailOpen: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triage",
			Name:      "gate_fail_open_total",
			Help:      "Gate checks that failed open because a detector or engine errored",
		}, []string{"gate"}),
		analysisAttempt: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "triage",
			Name:      "analysis_attempts",
			Help:      "Analysis calls needed per run",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
		trackerWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "triage",
			Name:      "tracker_warnings_total",
			Help:      "Tracker calls that still failed after one retry",
		}, []string{"op"}),
	}
}

func (m *Metrics) observeRun(o Outcome) {
	if m != nil {
		m.runs.WithLabelValues(string(o)).Inc()
	}
}

func (m *Metrics) observeStage(stage string, seconds float64) {
	if m != nil {
		m.stageDuration.WithLabelValues(stage).Observe(seconds)
	}
}

func (m *Metrics) observeFailOpen(gate string) {
	if m != nil {
		m.gateFailOpen.WithLabelValues(gate).Inc()
	}
}

func (m *Metrics) observeAttempts(n int) {
	if m != nil {
		m.analysisAttempt.Observe(float64(n))
	}
}

func (m *Metrics) observeTrackerWarning(op string) {
	if m != nil {
		m.trackerWarnings.WithLabelValues(op).Inc()
	}
}
