package reasoning

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/card-appraiser/internal/authenticity"
	"github.com/sells-group/card-appraiser/internal/model"
	"github.com/sells-group/card-appraiser/internal/monitoring"
)

func ptr(v float64) *float64 { return &v }

func sampleSignals() model.AuthenticitySignals {
	return model.AuthenticitySignals{VisualHash: 0.9, TextMatch: 0.8, HoloPattern: 0.7, BorderConsistency: 0.6, FontValidation: 0.5}
}

func samplePricing() *model.PricingResult {
	return &model.PricingResult{
		ValueLow: ptr(110), ValueMedian: ptr(150), ValueHigh: ptr(190),
		CompsCount: 25, WindowDays: 14, Sources: []string{"auctionhouse", "tcgmarket"},
		Confidence: 0.8, Volatility: 0.2,
	}
}

func replying(text string, calls *atomic.Int32) Invoker {
	return InvokerFunc(func(context.Context, Request) (string, error) {
		if calls != nil {
			calls.Add(1)
		}
		return text, nil
	})
}

// A reasoning outage must still produce a usable, bounded result.
func TestInvokeAuthenticity_TimeoutFallsBack(t *testing.T) {
	hang := InvokerFunc(func(ctx context.Context, _ Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	a := NewAdapter(hang, Options{Timeout: 20 * time.Millisecond, Metrics: metrics})

	start := time.Now()
	res := a.InvokeAuthenticity(context.Background(), AuthenticityContext{CardName: "Charizard", Signals: sampleSignals()})
	assert.Less(t, time.Since(start), time.Second)

	assert.False(t, res.VerifiedByAI)
	assert.Equal(t, authenticity.FallbackRationale, res.Rationale)
	assert.GreaterOrEqual(t, res.Score, 0.0)
	assert.LessOrEqual(t, res.Score, 1.0)
	assert.InDelta(t, authenticity.WeightedScore(sampleSignals(), authenticity.DefaultConfig().Weights), res.Score, 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ReasoningCalls.WithLabelValues(OpAuthenticity, "fallback")))
}

func TestInvokeAuthenticity_FallbackCases(t *testing.T) {
	tests := []struct {
		name string
		inv  Invoker
	}{
		{"no provider", nil},
		{"error", InvokerFunc(func(context.Context, Request) (string, error) { return "", errors.New("429 throttled") })},
		{"malformed", replying("I think it is real", nil)},
		{"missing score", replying(`{"rationale":"fine"}`, nil)},
		{"score above range", replying(`{"score": 7.5, "rationale":"fine"}`, nil)},
		{"negative score", replying(`{"score": -0.2}`, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAdapter(tt.inv, Options{})
			res := a.InvokeAuthenticity(context.Background(), AuthenticityContext{Signals: sampleSignals()})
			assert.False(t, res.VerifiedByAI)
			assert.Equal(t, sampleSignals(), res.Signals)
			assert.Equal(t, authenticity.FallbackRationale, res.Rationale)
		})
	}
}

func TestInvokeAuthenticity_AI(t *testing.T) {
	var calls atomic.Int32
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	a := NewAdapter(replying("```json\n{\"score\": 0.91, \"fake_detected\": false, \"rationale\": \"Hash and fonts match.\"}\n```", &calls),
		Options{Metrics: metrics})

	res := a.InvokeAuthenticity(context.Background(), AuthenticityContext{CardName: "Charizard", Signals: sampleSignals()})
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, res.VerifiedByAI)
	assert.Equal(t, 0.91, res.Score)
	assert.False(t, res.FakeDetected)
	assert.Equal(t, "Hash and fonts match.", res.Rationale)
	assert.Equal(t, sampleSignals(), res.Signals, "signals pass through")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ReasoningCalls.WithLabelValues(OpAuthenticity, "ai")))
}

func TestInvokeAuthenticity_FakeFlagFromThreshold(t *testing.T) {
	a := NewAdapter(replying(`{"score": 0.2, "rationale": ""}`, nil), Options{})
	res := a.InvokeAuthenticity(context.Background(), AuthenticityContext{Signals: sampleSignals()})
	assert.True(t, res.VerifiedByAI)
	assert.True(t, res.FakeDetected)
	assert.NotEmpty(t, res.Rationale)
}

func TestInvokeAuthenticity_BoundsContext(t *testing.T) {
	var prompt string
	inv := InvokerFunc(func(_ context.Context, req Request) (string, error) {
		prompt = req.Prompt
		assert.Equal(t, OpAuthenticity, req.Operation)
		assert.Equal(t, authenticitySystem, req.System)
		return `{"score": 0.7}`, nil
	})
	a := NewAdapter(inv, Options{MaxContextChars: 50})
	a.InvokeAuthenticity(context.Background(), AuthenticityContext{
		CardName: "Charizard",
		OCRText:  strings.Repeat("lorem ipsum ", 1000),
		Signals:  sampleSignals(),
	})
	assert.Less(t, len(prompt), 1500)
	assert.Contains(t, prompt, "…")
	assert.Contains(t, prompt, `"card_name": "Charizard"`)
}

func TestInvokeAuthenticity_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inv := InvokerFunc(func(ctx context.Context, _ Request) (string, error) {
		return "", ctx.Err()
	})
	res := NewAdapter(inv, Options{}).InvokeAuthenticity(ctx, AuthenticityContext{Signals: sampleSignals()})
	assert.False(t, res.VerifiedByAI)
}

func TestInvokeValuation_AI(t *testing.T) {
	a := NewAdapter(replying(`Sure! {"summary": "Trading near $150.", "trend": "Up"}`, nil), Options{})
	res := a.InvokeValuation(context.Background(), ValuationContext{CardName: "Charizard", Currency: "USD", Pricing: samplePricing()})
	assert.True(t, res.VerifiedByAI)
	assert.Equal(t, "Trading near $150.", res.Summary)
	assert.Equal(t, TrendRising, res.Trend)
}

func TestInvokeValuation_Fallbacks(t *testing.T) {
	for name, inv := range map[string]Invoker{
		"error":         InvokerFunc(func(context.Context, Request) (string, error) { return "", context.DeadlineExceeded }),
		"empty summary": replying(`{"summary": "  ", "trend": "rising"}`, nil),
		"malformed":     replying(`{"summary": `, nil),
	} {
		t.Run(name, func(t *testing.T) {
			res := NewAdapter(inv, Options{}).InvokeValuation(context.Background(), ValuationContext{Currency: "EUR", Pricing: samplePricing()})
			assert.False(t, res.VerifiedByAI)
			assert.Equal(t, TrendUnknown, res.Trend)
			assert.Contains(t, res.Summary, "EUR 150.00")
		})
	}
}

func TestInvokeValuation_DegenerateSkipsModel(t *testing.T) {
	var calls atomic.Int32
	a := NewAdapter(replying(`{"summary": "x"}`, &calls), Options{})
	res := a.InvokeValuation(context.Background(), ValuationContext{
		Pricing: model.DegeneratePricing(30, []string{"a"}, time.Now()),
	})
	assert.Zero(t, calls.Load())
	assert.False(t, res.VerifiedByAI)
	assert.Equal(t, "No comparable sales found in the last 30 days; market value unavailable.", res.Summary)

	res = a.InvokeValuation(context.Background(), ValuationContext{})
	assert.False(t, res.VerifiedByAI)
	assert.Zero(t, calls.Load())
}

func TestFallbackValuation(t *testing.T) {
	res := FallbackValuation(samplePricing(), "")
	assert.Equal(t,
		"Estimated value USD 150.00 (range 110.00 to 190.00) from 25 comparable sales across 2 sources in the last 14 days; confidence 80%.",
		res.Summary)
	assert.Equal(t, TrendUnknown, res.Trend)
	assert.False(t, res.VerifiedByAI)
}

func TestNormalizeTrend(t *testing.T) {
	assert.Equal(t, TrendRising, normalizeTrend("RISING"))
	assert.Equal(t, TrendFalling, normalizeTrend("down"))
	assert.Equal(t, TrendStable, normalizeTrend(" flat "))
	assert.Equal(t, TrendUnknown, normalizeTrend("sideways"))
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{`Here you go: {"a":1} hope it helps`, `{"a":1}`},
		{`no json`, `no json`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, cleanJSON(tt.input))
	}
}

func TestNewAdapter_Defaults(t *testing.T) {
	a := NewAdapter(nil, Options{})
	assert.Equal(t, 20*time.Second, a.Timeout())
	assert.Equal(t, 4000, a.maxContext)
	require.Equal(t, authenticity.DefaultConfig().Weights, a.authCfg.Weights)
}
