package config

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the keys a command mode needs. Modes: serve, worker,
// appraise, migrate, maintenance.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "worker", "appraise":
		errs = append(errs, c.requireStore()...)
		errs = append(errs, c.validateRuntime()...)
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if mode == "worker" || c.Workflow.Runner == "temporal" {
			if c.Temporal.HostPort == "" {
				errs = append(errs, "temporal.host_port is required")
			}
			if c.Temporal.TaskQueue == "" {
				errs = append(errs, "temporal.task_queue is required")
			}
		}
	case "migrate", "maintenance":
		errs = append(errs, c.requireStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) requireStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	return errs
}

func (c *Config) validateRuntime() []string {
	var errs []string

	if c.Vision.BaseURL == "" {
		errs = append(errs, "vision.base_url is required")
	}

	switch c.Reasoning.Provider {
	case "anthropic":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
	case "gemini":
		if c.Gemini.Key == "" {
			errs = append(errs, "gemini.key is required")
		}
	case "none":
	default:
		errs = append(errs, "reasoning.provider must be anthropic, gemini or none")
	}

	switch c.Store.SnapshotBackend {
	case "", "store":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required for the redis snapshot backend")
		}
	default:
		errs = append(errs, "store.snapshot_backend must be store or redis")
	}

	p := c.Pricing
	if p.SnapshotTTLSecs <= 0 {
		errs = append(errs, "pricing.snapshot_ttl_secs must be > 0")
	}
	if p.WindowDays <= 0 {
		errs = append(errs, "pricing.window_days must be > 0")
	}
	if p.LowPercentile < 0 || p.HighPercentile > 100 || p.LowPercentile > 50 || p.HighPercentile < 50 {
		errs = append(errs, "pricing percentiles must satisfy 0 <= low <= 50 <= high <= 100")
	}
	if p.CountScale <= 0 {
		errs = append(errs, "pricing.count_scale must be > 0")
	}
	if p.VolatilityWeight < 0 {
		errs = append(errs, "pricing.volatility_weight must be >= 0")
	}
	for i, s := range p.Sources {
		if s.Name == "" || s.BaseURL == "" {
			errs = append(errs, eris.Errorf("pricing.sources[%d] needs name and base_url", i).Error())
		}
	}

	a := c.Authenticity
	if a.FakeThreshold < 0 || a.FakeThreshold > 1 {
		errs = append(errs, "authenticity.fake_threshold must be between 0 and 1")
	}
	w := a.Weights
	if w.Visual < 0 || w.Text < 0 || w.Holo < 0 || w.Border < 0 || w.Font < 0 {
		errs = append(errs, "authenticity.weights values must be >= 0")
	} else if w.Visual+w.Text+w.Holo+w.Border+w.Font == 0 {
		errs = append(errs, "authenticity.weights must not all be zero")
	}

	if c.Reasoning.TimeoutSecs > 0 {
		for name, policy := range map[string]RetryPolicy{
			"pricing":      c.Workflow.Pricing,
			"authenticity": c.Workflow.Authenticity,
		} {
			if policy.TimeoutSecs > 0 && policy.TimeoutSecs <= c.Reasoning.TimeoutSecs {
				errs = append(errs, "workflow."+name+".timeout_secs must exceed reasoning.timeout_secs")
			}
		}
	}
	if c.Vision.TimeoutSecs > 0 && c.Workflow.Extract.TimeoutSecs > 0 &&
		c.Workflow.Extract.TimeoutSecs <= c.Vision.TimeoutSecs {
		errs = append(errs, "workflow.extract.timeout_secs must exceed vision.timeout_secs")
	}

	return errs
}
