package workflow

import (
	"errors"
	"time"

	"github.com/sells-group/card-appraiser/internal/config"
	"github.com/sells-group/card-appraiser/internal/model"
	"github.com/sells-group/card-appraiser/internal/resilience"
	"github.com/sells-group/card-appraiser/internal/store"
	"github.com/sells-group/card-appraiser/internal/vision"
)

// TaskPolicy bounds one workflow task: how often it is retried and how long
// the whole task, retries included, may take.
type TaskPolicy struct {
	Retry   resilience.RetryConfig
	Timeout time.Duration
}

// Policies holds the per-task policies.
type Policies struct {
	Extract      TaskPolicy
	Pricing      TaskPolicy
	Authenticity TaskPolicy
	Aggregate    TaskPolicy
}

// DefaultPolicies returns the stock task policies. Extraction retries three
// times after the first attempt, waiting 2s, 4s and 8s.
func DefaultPolicies() Policies {
	return Policies{
		Extract: TaskPolicy{
			Retry:   resilience.RetryConfig{MaxAttempts: 4, InitialBackoff: 2 * time.Second, MaxBackoff: 8 * time.Second, Multiplier: 2},
			Timeout: 90 * time.Second,
		},
		Pricing: TaskPolicy{
			Retry:   resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Second, MaxBackoff: 4 * time.Second, Multiplier: 2},
			Timeout: 60 * time.Second,
		},
		Authenticity: TaskPolicy{
			Retry:   resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Second, MaxBackoff: 4 * time.Second, Multiplier: 2},
			Timeout: 45 * time.Second,
		},
		Aggregate: TaskPolicy{
			Retry:   resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 2 * time.Second, Multiplier: 2},
			Timeout: 15 * time.Second,
		},
	}
}

// PoliciesFromConfig overlays configured values on the defaults. Task
// policies never jitter so schedules stay predictable.
func PoliciesFromConfig(cfg config.WorkflowConfig) Policies {
	def := DefaultPolicies()
	return Policies{
		Extract:      policyFrom(cfg.Extract, def.Extract),
		Pricing:      policyFrom(cfg.Pricing, def.Pricing),
		Authenticity: policyFrom(cfg.Authenticity, def.Authenticity),
		Aggregate:    policyFrom(cfg.Aggregate, def.Aggregate),
	}
}

func policyFrom(p config.RetryPolicy, def TaskPolicy) TaskPolicy {
	out := def
	if p.MaxAttempts > 0 {
		out.Retry.MaxAttempts = p.MaxAttempts
	}
	if p.InitialBackoffMs > 0 {
		out.Retry.InitialBackoff = time.Duration(p.InitialBackoffMs) * time.Millisecond
	}
	if p.MaxBackoffMs > 0 {
		out.Retry.MaxBackoff = time.Duration(p.MaxBackoffMs) * time.Millisecond
	}
	if p.Multiplier > 0 {
		out.Retry.Multiplier = p.Multiplier
	}
	if p.TimeoutSecs > 0 {
		out.Timeout = time.Duration(p.TimeoutSecs) * time.Second
	}
	out.Retry.JitterFraction = 0
	return out
}

// retryable reports whether a task error is worth another attempt.
// Invalid input and ownership problems never are.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if vision.IsInvalidImage(err) {
		return false
	}
	switch model.ErrorType(err) {
	case model.ErrTypeValidation, model.ErrTypeInvalidImage, model.ErrTypeCancelled:
		return false
	}
	if errors.Is(err, store.ErrForbidden) || errors.Is(err, store.ErrNotFound) {
		return false
	}
	return true
}

// singleAttempt disables in-process retries, for runners that retry tasks
// themselves.
func (p Policies) singleAttempt() Policies {
	p.Extract.Retry.MaxAttempts = 1
	p.Pricing.Retry.MaxAttempts = 1
	p.Authenticity.Retry.MaxAttempts = 1
	p.Aggregate.Retry.MaxAttempts = 1
	return p
}
