package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sells-group/card-appraiser/internal/authenticity"
	"github.com/sells-group/card-appraiser/internal/model"
	"github.com/sells-group/card-appraiser/internal/monitoring"
	"github.com/sells-group/card-appraiser/internal/pricing"
	"github.com/sells-group/card-appraiser/internal/reasoning"
	"github.com/sells-group/card-appraiser/internal/resilience"
	"github.com/sells-group/card-appraiser/internal/store"
	"github.com/sells-group/card-appraiser/internal/vision"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

// fakeExtractor fails each image ref with its scripted errors in order,
// then with its standing error if any, then returns features.
type fakeExtractor struct {
	mu     sync.Mutex
	script map[string][]error
	always map[string]error
	calls  map[string]int
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{script: map[string][]error{}, always: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeExtractor) count(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ref]
}

func (f *fakeExtractor) ExtractFeatures(_ context.Context, ref string) (*model.FeatureEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.calls[ref]
	f.calls[ref]++
	if script := f.script[ref]; n < len(script) {
		return nil, script[n]
	}
	if err := f.always[ref]; err != nil {
		return nil, err
	}
	return &model.FeatureEnvelope{
		ImageRef:     ref,
		OCR:          []model.OCRBlock{{Text: "Charizard", Confidence: 0.9}, {Text: "Base Set 4/102", Confidence: 0.7}},
		Border:       model.BorderStats{Left: 0.05, Right: 0.05, Top: 0.04, Bottom: 0.04, Symmetry: 0.95},
		HoloVariance: 0.6,
		Font:         model.FontMetrics{MeanHeight: 0.03, HeightStdDev: 0.002, BaselineDeviation: 0.05},
		Quality:      model.QualitySignals{Brightness: 0.5},
	}, nil
}

func transientExtraction(ref string) error {
	return &vision.ExtractionError{ImageRef: ref, Err: resilience.NewTransientError(errors.New("vision unavailable"), 503)}
}

type fakePricer struct {
	mu     sync.Mutex
	calls  int
	result *model.PricingResult
	err    error
	query  pricing.Query
}

func (f *fakePricer) FetchAllComps(_ context.Context, q pricing.Query, _, _ string, _ bool) (*model.PricingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.query = q
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func samplePricing() *model.PricingResult {
	return &model.PricingResult{
		ValueLow:    ptr(110.0),
		ValueMedian: ptr(150.0),
		ValueHigh:   ptr(190.0),
		CompsCount:  25,
		WindowDays:  14,
		Sources:     []string{"ebay", "tcgplayer"},
		Confidence:  0.8,
		ComputedAt:  testNow,
	}
}

// fakeReasoner returns fixed judgments. blockAuth makes the authenticity
// call wait for its context; valued is closed after the valuation call.
type fakeReasoner struct {
	blockAuth bool
	valued    chan struct{}
	once      sync.Once
}

func (f *fakeReasoner) InvokeAuthenticity(ctx context.Context, c reasoning.AuthenticityContext) model.AuthenticityResult {
	if f.blockAuth {
		<-ctx.Done()
	}
	return model.AuthenticityResult{Score: 0.82, Signals: c.Signals, Rationale: "consistent print", VerifiedByAI: true}
}

func (f *fakeReasoner) InvokeValuation(_ context.Context, c reasoning.ValuationContext) model.ValuationSummary {
	if f.valued != nil {
		f.once.Do(func() { close(f.valued) })
	}
	return reasoning.FallbackValuation(c.Pricing, c.Currency)
}

// fakeCards is an in-memory CardStore keyed on card id.
type fakeCards struct {
	mu       sync.Mutex
	cards    map[string]*model.Card
	applied  map[string]bool
	patches  []model.CardPatch
	applyErr error
	getErr   error
}

func newFakeCards(cards ...*model.Card) *fakeCards {
	f := &fakeCards{cards: map[string]*model.Card{}, applied: map[string]bool{}}
	for _, c := range cards {
		f.cards[c.CardID] = c
	}
	return f
}

func (f *fakeCards) GetCard(_ context.Context, caller, owner, cardID string) (*model.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if caller != owner {
		return nil, store.ErrForbidden
	}
	if f.getErr != nil {
		return nil, f.getErr
	}
	c, ok := f.cards[cardID]
	if !ok || c.OwnerID != owner {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCards) ApplyResults(_ context.Context, owner, cardID, requestID string, patch model.CardPatch) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patch)
	if f.applyErr != nil {
		return false, f.applyErr
	}
	if _, ok := f.cards[cardID]; !ok {
		return false, store.ErrNotFound
	}
	if f.applied[requestID] {
		return false, nil
	}
	f.applied[requestID] = true
	patch.Apply(f.cards[cardID])
	return true, nil
}

func (f *fakeCards) applyCalls() []model.CardPatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.CardPatch(nil), f.patches...)
}

// recordingDLQ collects dead-letter records.
type recordingDLQ struct {
	mu   sync.Mutex
	recs []model.DeadLetterRecord
}

func (q *recordingDLQ) Enqueue(_ context.Context, rec model.DeadLetterRecord) error {
	q.mu.Lock()
	q.recs = append(q.recs, rec)
	q.mu.Unlock()
	return nil
}

func (q *recordingDLQ) records() []model.DeadLetterRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.DeadLetterRecord(nil), q.recs...)
}

func fastPolicies() Policies {
	fast := func(attempts int) TaskPolicy {
		return TaskPolicy{
			Retry:   resilience.RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2, JitterFraction: -1},
			Timeout: 5 * time.Second,
		}
	}
	return Policies{Extract: fast(4), Pricing: fast(2), Authenticity: fast(2), Aggregate: fast(3)}
}

type harness struct {
	extractor *fakeExtractor
	pricer    *fakePricer
	reasoner  *fakeReasoner
	cards     *fakeCards
	dlq       *recordingDLQ
	metrics   *monitoring.Metrics
}

func newHarness() *harness {
	return &harness{
		extractor: newFakeExtractor(),
		pricer:    &fakePricer{result: samplePricing()},
		reasoner:  &fakeReasoner{},
		cards: newFakeCards(&model.Card{
			CardID: "card-1", OwnerID: "user-1", Name: "Charizard", Set: "Base Set",
			Number: "4", Rarity: "Holo Rare", ConditionEstimate: "Near Mint",
			Images: model.ImageRefs{Front: "front.jpg"},
		}),
		dlq:     &recordingDLQ{},
		metrics: monitoring.NewMetrics(prometheus.NewRegistry()),
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Extractor: h.extractor,
		Pricer:    h.pricer,
		Scorer:    authenticity.NewScorer(authenticity.DefaultConfig(), nil),
		Reasoner:  h.reasoner,
		Cards:     h.cards,
		DLQ:       h.dlq,
		Metrics:   h.metrics,
	}
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o := New(h.deps(), fastPolicies())
	o.now = func() time.Time { return testNow }
	return o
}

func validInput() model.WorkflowInput {
	return model.WorkflowInput{
		UserID:    "user-1",
		CardID:    "card-1",
		S3Keys:    model.ImageRefs{Front: "front.jpg", Back: "back.jpg"},
		RequestID: "req-1",
	}
}
