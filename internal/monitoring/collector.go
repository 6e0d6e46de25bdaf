package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/card-appraiser/internal/resilience"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	DLQDepth      int                                `json:"dlq_depth"`
	BreakerStates map[string]resilience.CircuitState `json:"breaker_states"`
	CollectedAt   time.Time                          `json:"collected_at"`
}

// DeadLetterCounter is the store capability the collector reads.
type DeadLetterCounter interface {
	CountDeadLetters(ctx context.Context) (int, error)
}

// BreakerRegistry exposes circuit breaker states.
type BreakerRegistry interface {
	States() map[string]resilience.CircuitState
}

// Collector gathers backlog and breaker state and mirrors them into gauges.
type Collector struct {
	dlq      DeadLetterCounter
	breakers BreakerRegistry
	metrics  *Metrics
}

// NewCollector creates a new metrics collector. breakers and metrics may be nil.
func NewCollector(dlq DeadLetterCounter, breakers BreakerRegistry, metrics *Metrics) *Collector {
	return &Collector{dlq: dlq, breakers: breakers, metrics: metrics}
}

// Collect gathers a snapshot and updates the gauges.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		BreakerStates: map[string]resilience.CircuitState{},
		CollectedAt:   time.Now().UTC(),
	}

	if c.breakers != nil {
		snap.BreakerStates = c.breakers.States()
	}
	if c.metrics != nil {
		for name, state := range snap.BreakerStates {
			c.metrics.BreakerState.WithLabelValues(name).Set(float64(state))
		}
	}

	depth, err := c.dlq.CountDeadLetters(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dead letters")
	}
	snap.DLQDepth = depth
	if c.metrics != nil {
		c.metrics.DeadLetterDepth.Set(float64(depth))
	}

	return snap, nil
}
