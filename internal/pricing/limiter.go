package pricing

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateObserver hears about every limit change of a source's limiter.
// throttled is true when the change came from a 429.
type RateObserver func(source string, limit rate.Limit, throttled bool)

// LimiterState is a point-in-time view of one source's pacing.
type LimiterState struct {
	Limit     rate.Limit
	Throttles int
}

// AdaptiveLimiter paces calls to one price source. Each success raises the
// limit by a fifth up to twice the configured rate and each 429 halves it,
// never below a quarter of the configured rate.
type AdaptiveLimiter struct {
	name    string
	pace    *rate.Limiter
	floor   rate.Limit
	ceiling rate.Limit

	mu        sync.Mutex
	throttles int
	observe   RateObserver
}

// NewAdaptiveLimiter creates an adaptive rate limiter for one price source.
// A non-positive rate paces at 2/s and a non-positive burst allows 1.
func NewAdaptiveLimiter(name string, perSec rate.Limit, burst int) *AdaptiveLimiter {
	if perSec <= 0 {
		perSec = 2
	}
	if burst <= 0 {
		burst = 1
	}
	return &AdaptiveLimiter{
		name:    name,
		pace:    rate.NewLimiter(perSec, burst),
		floor:   perSec / 4,
		ceiling: perSec * 2,
	}
}

// Observe registers fn and reports the current limit to it straight away.
func (a *AdaptiveLimiter) Observe(fn RateObserver) {
	a.mu.Lock()
	a.observe = fn
	limit := a.pace.Limit()
	a.mu.Unlock()
	if fn != nil {
		fn(a.name, limit, false)
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.pace.Wait(ctx)
}

// OnSuccess speeds the source back up after a good response.
func (a *AdaptiveLimiter) OnSuccess() {
	a.adjust(1.2, false)
}

// OnRateLimit backs off after a 429.
func (a *AdaptiveLimiter) OnRateLimit() {
	limit, throttles := a.adjust(0.5, true)
	zap.L().Warn("price source throttled, reducing rate",
		zap.String("source", a.name),
		zap.Float64("new_rate", float64(limit)),
		zap.Int("throttles", throttles),
	)
}

func (a *AdaptiveLimiter) adjust(factor rate.Limit, throttled bool) (rate.Limit, int) {
	a.mu.Lock()
	prev := a.pace.Limit()
	next := min(max(prev*factor, a.floor), a.ceiling)
	if next != prev {
		a.pace.SetLimit(next)
	}
	if throttled {
		a.throttles++
	}
	throttles, observe := a.throttles, a.observe
	a.mu.Unlock()

	if observe != nil && (next != prev || throttled) {
		observe(a.name, next, throttled)
	}
	return next, throttles
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	return a.pace.Limit()
}

// State returns the current limit and the number of 429s seen.
func (a *AdaptiveLimiter) State() LimiterState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return LimiterState{Limit: a.pace.Limit(), Throttles: a.throttles}
}
