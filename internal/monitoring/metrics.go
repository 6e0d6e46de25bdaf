// Package monitoring exposes Prometheus metrics for the appraisal workflow
// and refreshes backlog gauges in the background.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "card_appraiser"

// Metrics holds every collector the service records into. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	WorkflowOutcomes *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	SourceCalls      *prometheus.CounterVec
	SnapshotLookups  *prometheus.CounterVec
	ReasoningCalls   *prometheus.CounterVec
	DeadLetters      *prometheus.CounterVec
	DeadLetterDepth  prometheus.Gauge
	BreakerState     *prometheus.GaugeVec
	SourceRate       *prometheus.GaugeVec
	SourceThrottles  *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		WorkflowOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_outcomes_total",
			Help:      "Appraisal workflows by terminal status.",
		}, []string{"status"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time per workflow stage.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage", "result"}),
		SourceCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_source_calls_total",
			Help:      "Price source fetches by outcome.",
		}, []string{"source", "result"}),
		SnapshotLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pricing_snapshot_lookups_total",
			Help:      "Pricing snapshot cache lookups.",
		}, []string{"result"}),
		ReasoningCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reasoning_calls_total",
			Help:      "Reasoning adapter calls; result is ai or fallback.",
		}, []string{"operation", "result"}),
		DeadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Dead-letter records emitted by error type.",
		}, []string{"error_type"}),
		DeadLetterDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dead_letter_depth",
			Help:      "Dead-letter records currently stored.",
		}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "0 closed, 1 open, 2 half-open.",
		}, []string{"service"}),
		SourceRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "price_source_rate_per_second",
			Help:      "Current adaptive request rate per price source.",
		}, []string{"source"}),
		SourceThrottles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_source_throttles_total",
			Help:      "429 responses per price source.",
		}, []string{"source"}),
	}
}

// Outcome counts one finished workflow.
func (m *Metrics) Outcome(status string) {
	if m == nil {
		return
	}
	m.WorkflowOutcomes.WithLabelValues(status).Inc()
}

// Stage records how long a stage took.
func (m *Metrics) Stage(stage string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StageDuration.WithLabelValues(stage, result).Observe(time.Since(start).Seconds())
}

// Source counts one price source fetch.
func (m *Metrics) Source(source, result string) {
	if m == nil {
		return
	}
	m.SourceCalls.WithLabelValues(source, result).Inc()
}

// SourceLimit records a price source's current rate and counts the 429
// that caused the change, if any.
func (m *Metrics) SourceLimit(source string, perSec float64, throttled bool) {
	if m == nil {
		return
	}
	m.SourceRate.WithLabelValues(source).Set(perSec)
	if throttled {
		m.SourceThrottles.WithLabelValues(source).Inc()
	}
}

// Snapshot counts one snapshot lookup: hit, miss or error.
func (m *Metrics) Snapshot(result string) {
	if m == nil {
		return
	}
	m.SnapshotLookups.WithLabelValues(result).Inc()
}

// Reasoning counts one reasoning call.
func (m *Metrics) Reasoning(operation string, verifiedByAI bool) {
	if m == nil {
		return
	}
	result := "fallback"
	if verifiedByAI {
		result = "ai"
	}
	m.ReasoningCalls.WithLabelValues(operation, result).Inc()
}

// DeadLetter counts one emitted dead-letter record.
func (m *Metrics) DeadLetter(errorType string) {
	if m == nil {
		return
	}
	m.DeadLetters.WithLabelValues(errorType).Inc()
}
