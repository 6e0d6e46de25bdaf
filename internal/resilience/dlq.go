package resilience

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/card-appraiser/internal/model"
)

// DeadLetterQueue accepts dead-letter records for unrecoverable workflows.
// Implementations may fail; callers log and continue.
type DeadLetterQueue interface {
	Enqueue(ctx context.Context, rec model.DeadLetterRecord) error
}

// DeadLetterFunc adapts a function to DeadLetterQueue.
type DeadLetterFunc func(ctx context.Context, rec model.DeadLetterRecord) error

// Enqueue calls f.
func (f DeadLetterFunc) Enqueue(ctx context.Context, rec model.DeadLetterRecord) error {
	return f(ctx, rec)
}

// MultiQueue delivers a record to every queue and reports whether at least
// one accepted it.
type MultiQueue []DeadLetterQueue

// Enqueue delivers rec to all queues. It fails only when every queue fails.
func (m MultiQueue) Enqueue(ctx context.Context, rec model.DeadLetterRecord) error {
	if len(m) == 0 {
		return eris.New("dlq: no queues configured")
	}
	var lastErr error
	delivered := 0
	for _, q := range m {
		if err := q.Enqueue(ctx, rec); err != nil {
			lastErr = err
			zap.L().Warn("dlq: queue rejected record",
				zap.String("request_id", rec.RequestID),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return eris.Wrap(lastErr, "dlq: all queues failed")
	}
	return nil
}

// EnsureID assigns a record id when missing.
func EnsureID(rec *model.DeadLetterRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
