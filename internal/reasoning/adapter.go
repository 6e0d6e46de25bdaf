package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/card-appraiser/internal/authenticity"
	"github.com/sells-group/card-appraiser/internal/config"
	"github.com/sells-group/card-appraiser/internal/model"
	"github.com/sells-group/card-appraiser/internal/monitoring"
)

// Operation names used in logs and metrics.
const (
	OpAuthenticity = "authenticity"
	OpValuation    = "valuation"
)

// Trends a valuation summary may report.
const (
	TrendRising  = "rising"
	TrendFalling = "falling"
	TrendStable  = "stable"
	TrendUnknown = "unknown"
)

const (
	defaultTimeout      = 20 * time.Second
	defaultContextChars = 4000
	maxRationaleChars   = 600
)

// Options configures an Adapter.
type Options struct {
	Timeout         time.Duration
	MaxContextChars int
	Authenticity    config.AuthenticityConfig
	Metrics         *monitoring.Metrics
}

// Adapter wraps an Invoker with timeouts, parsing and fallbacks. Its
// methods never fail.
type Adapter struct {
	invoker    Invoker
	timeout    time.Duration
	maxContext int
	authCfg    config.AuthenticityConfig
	metrics    *monitoring.Metrics
}

// NewAdapter creates an adapter. inv may be nil, in which case every call
// returns its fallback.
func NewAdapter(inv Invoker, opts Options) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxContextChars <= 0 {
		opts.MaxContextChars = defaultContextChars
	}
	if authenticity.WeightSum(opts.Authenticity.Weights) <= 0 {
		opts.Authenticity = authenticity.DefaultConfig()
	}
	return &Adapter{
		invoker:    inv,
		timeout:    opts.Timeout,
		maxContext: opts.MaxContextChars,
		authCfg:    opts.Authenticity,
		metrics:    opts.Metrics,
	}
}

// NewAdapterFromConfig wires the adapter from config.
func NewAdapterFromConfig(cfg *config.Config, inv Invoker, metrics *monitoring.Metrics) *Adapter {
	return NewAdapter(inv, Options{
		Timeout:         time.Duration(cfg.Reasoning.TimeoutSecs) * time.Second,
		MaxContextChars: cfg.Reasoning.MaxContextChars,
		Authenticity:    cfg.Authenticity,
		Metrics:         metrics,
	})
}

// Timeout is the bound applied to each reasoning call.
func (a *Adapter) Timeout() time.Duration { return a.timeout }

// InvokeAuthenticity asks the model for a final authenticity score. Any
// failure yields the weighted-average fallback with VerifiedByAI false.
func (a *Adapter) InvokeAuthenticity(ctx context.Context, c AuthenticityContext) model.AuthenticityResult {
	signals := c.Signals.Clamped()
	fallback := authenticity.Fallback(signals, a.authCfg)

	text, err := a.invoke(ctx, Request{
		Operation: OpAuthenticity,
		System:    authenticitySystem,
		Prompt:    authenticityPrompt(c, a.maxContext),
	})
	if err != nil {
		return a.authFallback(c.CardName, fallback, err)
	}

	var raw struct {
		Score        *float64 `json:"score"`
		FakeDetected *bool    `json:"fake_detected"`
		Rationale    string   `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(text)), &raw); err != nil {
		return a.authFallback(c.CardName, fallback, eris.Wrap(err, "reasoning: malformed authenticity response"))
	}
	if raw.Score == nil || math.IsNaN(*raw.Score) || *raw.Score < 0 || *raw.Score > 1 {
		return a.authFallback(c.CardName, fallback, eris.New("reasoning: authenticity score missing or out of range"))
	}

	res := model.AuthenticityResult{
		Signals:      signals,
		Score:        model.Clamp01(*raw.Score),
		Rationale:    model.Truncate(strings.TrimSpace(raw.Rationale), maxRationaleChars),
		VerifiedByAI: true,
	}
	if raw.FakeDetected != nil {
		res.FakeDetected = *raw.FakeDetected
	} else {
		res.FakeDetected = res.Score < a.authCfg.FakeThreshold
	}
	if res.Rationale == "" {
		res.Rationale = "Verified by AI review of authenticity signals."
	}
	a.metrics.Reasoning(OpAuthenticity, true)
	return res
}

func (a *Adapter) authFallback(cardName string, fb model.AuthenticityResult, err error) model.AuthenticityResult {
	a.logFallback(OpAuthenticity, cardName, err)
	a.metrics.Reasoning(OpAuthenticity, false)
	return fb
}

// InvokeValuation asks the model to summarise the fused price. Any failure,
// or a result with no comps, yields the deterministic summary.
func (a *Adapter) InvokeValuation(ctx context.Context, c ValuationContext) model.ValuationSummary {
	fallback := FallbackValuation(c.Pricing, c.Currency)
	if c.Pricing.IsDegenerate() {
		a.metrics.Reasoning(OpValuation, false)
		return fallback
	}

	text, err := a.invoke(ctx, Request{
		Operation: OpValuation,
		System:    valuationSystem,
		Prompt:    valuationPrompt(c),
	})
	if err != nil {
		return a.valFallback(c.CardName, fallback, err)
	}

	var raw struct {
		Summary string `json:"summary"`
		Trend   string `json:"trend"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(text)), &raw); err != nil {
		return a.valFallback(c.CardName, fallback, eris.Wrap(err, "reasoning: malformed valuation response"))
	}
	summary := strings.TrimSpace(raw.Summary)
	if summary == "" {
		return a.valFallback(c.CardName, fallback, eris.New("reasoning: empty valuation summary"))
	}

	a.metrics.Reasoning(OpValuation, true)
	return model.ValuationSummary{
		Summary:      model.Truncate(summary, maxRationaleChars),
		Trend:        normalizeTrend(raw.Trend),
		VerifiedByAI: true,
	}
}

func (a *Adapter) valFallback(cardName string, fb model.ValuationSummary, err error) model.ValuationSummary {
	a.logFallback(OpValuation, cardName, err)
	a.metrics.Reasoning(OpValuation, false)
	return fb
}

// invoke runs one call under the adapter timeout.
func (a *Adapter) invoke(ctx context.Context, req Request) (string, error) {
	if a.invoker == nil {
		return "", eris.New("reasoning: no provider configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.invoker.Invoke(callCtx, req)
}

func (a *Adapter) logFallback(op, cardName string, err error) {
	zap.L().Warn("reasoning: using fallback",
		zap.String("operation", op),
		zap.String("card_name", cardName),
		zap.Error(err),
	)
}

// FallbackValuation describes the fused price without a model.
func FallbackValuation(p *model.PricingResult, currency string) model.ValuationSummary {
	if currency == "" {
		currency = "USD"
	}
	if p.IsDegenerate() {
		window := 0
		if p != nil {
			window = p.WindowDays
		}
		return model.ValuationSummary{
			Summary: fmt.Sprintf("No comparable sales found in the last %d days; market value unavailable.", window),
			Trend:   TrendUnknown,
		}
	}
	return model.ValuationSummary{
		Summary: fmt.Sprintf("Estimated value %s %.2f (range %.2f to %.2f) from %d comparable sales across %d sources in the last %d days; confidence %.0f%%.",
			currency, *p.ValueMedian, *p.ValueLow, *p.ValueHigh, p.CompsCount, len(p.Sources), p.WindowDays, p.Confidence*100),
		Trend: TrendUnknown,
	}
}

func normalizeTrend(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case TrendRising, "up", "increasing":
		return TrendRising
	case TrendFalling, "down", "decreasing":
		return TrendFalling
	case TrendStable, "flat", "steady":
		return TrendStable
	default:
		return TrendUnknown
	}
}
