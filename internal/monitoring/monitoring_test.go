package monitoring

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/card-appraiser/internal/config"
	"github.com/sells-group/card-appraiser/internal/resilience"
)

type fakeDLQ struct {
	count int
	err   error
	calls atomic.Int32
}

func (f *fakeDLQ) CountDeadLetters(context.Context) (int, error) {
	f.calls.Add(1)
	return f.count, f.err
}

type fakeBreakers map[string]resilience.CircuitState

func (f fakeBreakers) States() map[string]resilience.CircuitState { return f }

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Outcome("completed")
		m.Stage("extract", time.Now(), nil)
		m.Source("ebay", "ok")
		m.Snapshot("hit")
		m.Reasoning("authenticity", true)
		m.DeadLetter("ExtractionError")
		m.SourceLimit("ebay", 2, true)
	})
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.Outcome("completed")
	m.Outcome("completed")
	m.Outcome("failed")
	m.Source("ebay", "error")
	m.Reasoning("valuation", false)
	m.DeadLetter("ExtractionError")
	m.Stage("extract", time.Now().Add(-time.Second), errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.WorkflowOutcomes.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkflowOutcomes.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceCalls.WithLabelValues("ebay", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReasoningCalls.WithLabelValues("valuation", "fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeadLetters.WithLabelValues("ExtractionError")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
}

func TestMetrics_SourceLimit(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SourceLimit("ebay", 10, false)
	assert.Equal(t, 10.0, testutil.ToFloat64(m.SourceRate.WithLabelValues("ebay")))
	assert.Zero(t, testutil.ToFloat64(m.SourceThrottles.WithLabelValues("ebay")))

	m.SourceLimit("ebay", 5, true)
	m.SourceLimit("ebay", 2.5, true)
	assert.Equal(t, 2.5, testutil.ToFloat64(m.SourceRate.WithLabelValues("ebay")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SourceThrottles.WithLabelValues("ebay")))
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestCollector_Collect(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	dlq := &fakeDLQ{count: 7}
	c := NewCollector(dlq, fakeBreakers{"ebay": resilience.CircuitOpen}, m)

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, snap.DLQDepth)
	assert.Equal(t, resilience.CircuitOpen, snap.BreakerStates["ebay"])
	assert.Equal(t, 7.0, testutil.ToFloat64(m.DeadLetterDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("ebay")))
}

func TestCollector_CountError(t *testing.T) {
	c := NewCollector(&fakeDLQ{err: errors.New("db down")}, nil, nil)
	_, err := c.Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: count dead letters")
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	dlq := &fakeDLQ{count: 1}
	checker := NewChecker(NewCollector(dlq, nil, nil), config.MonitoringConfig{CheckIntervalSecs: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	// The first collection runs immediately.
	require.Eventually(t, func() bool { return dlq.calls.Load() >= 1 }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checker did not stop after cancel")
	}
}
