package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/card-appraiser/internal/model"
	"github.com/sells-group/card-appraiser/internal/vision"
)

var happyTrace = []State{StateValidate, StateExtractFeatures, StateParallelAgents, StateAggregate, StateDone}

func TestRun_Completed(t *testing.T) {
	h := newHarness()
	out := h.orchestrator(t).Run(context.Background(), validInput())

	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, happyTrace, out.Trace)
	assert.Empty(t, out.ErrorType)
	require.NotNil(t, out.Pricing)
	require.NotNil(t, out.Valuation)
	require.NotNil(t, out.Authenticity)
	assert.Empty(t, h.dlq.records())

	patches := h.cards.applyCalls()
	require.Len(t, patches, 1)
	p := patches[0]
	require.NotNil(t, p.Valuation)
	assert.Equal(t, 150.0, *p.Valuation.Median)
	require.NotNil(t, p.ValuationSummary)
	assert.Contains(t, *p.ValuationSummary, "USD 150.00")
	require.NotNil(t, p.Authenticity)
	assert.InDelta(t, 0.82, p.Authenticity.Score, 1e-9)
	require.NotNil(t, p.BackImage)
	assert.Equal(t, "back.jpg", *p.BackImage)
	require.NotNil(t, p.IdentificationConfidence)
	assert.InDelta(t, 0.8, *p.IdentificationConfidence, 1e-9)

	// Stored hints drive pricing.
	assert.Equal(t, "Charizard", h.pricer.query.Name)
	assert.Equal(t, "Base Set", h.pricer.query.Set)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WorkflowOutcomes.WithLabelValues("completed")))
}

func TestRun_InputHintsWinOverStoredCard(t *testing.T) {
	h := newHarness()
	in := validInput()
	in.CardName = "Blastoise"
	h.orchestrator(t).Run(context.Background(), in)
	assert.Equal(t, "Blastoise", h.pricer.query.Name)
	assert.Equal(t, "Base Set", h.pricer.query.Set)
}

func TestRun_ExtractionExhaustsRetries(t *testing.T) {
	h := newHarness()
	h.extractor.always["front.jpg"] = transientExtraction("front.jpg")

	out := h.orchestrator(t).Run(context.Background(), validInput())

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, []State{StateValidate, StateExtractFeatures, StateErrorHandler, StateDone}, out.Trace)
	assert.Equal(t, model.ErrTypeExtraction, out.ErrorType)
	assert.Equal(t, 4, h.extractor.count("front.jpg"))
	assert.Zero(t, h.pricer.calls)
	assert.Empty(t, h.cards.applyCalls(), "nothing to persist")

	recs := h.dlq.records()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, model.ErrTypeExtraction, rec.Error.Type)
	assert.Contains(t, rec.Error.Cause, "vision unavailable")
	assert.Equal(t, "req-1", rec.RequestID)
	assert.Equal(t, validInput(), rec.Input)
	assert.Empty(t, rec.PartialResults.Available())
	assert.Equal(t, testNow, rec.Timestamp)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DeadLetters.WithLabelValues(model.ErrTypeExtraction)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WorkflowOutcomes.WithLabelValues("failed")))
}

func TestRun_ExtractionRecoversAfterTransientFailures(t *testing.T) {
	h := newHarness()
	h.extractor.script["front.jpg"] = []error{transientExtraction("front.jpg"), transientExtraction("front.jpg")}

	out := h.orchestrator(t).Run(context.Background(), validInput())

	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, 3, h.extractor.count("front.jpg"))
	assert.Empty(t, h.dlq.records())
}

func TestRun_InvalidImageNotRetried(t *testing.T) {
	h := newHarness()
	h.extractor.always["front.jpg"] = &vision.InvalidImageError{ImageRef: "front.jpg", Reason: "corrupt jpeg"}

	out := h.orchestrator(t).Run(context.Background(), validInput())

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, model.ErrTypeInvalidImage, out.ErrorType)
	assert.Equal(t, 1, h.extractor.count("front.jpg"))
	require.Len(t, h.dlq.records(), 1)
}

func TestRun_BackImageBestEffort(t *testing.T) {
	h := newHarness()
	h.extractor.always["back.jpg"] = &vision.InvalidImageError{ImageRef: "back.jpg", Reason: "blank"}

	out := h.orchestrator(t).Run(context.Background(), validInput())

	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, 1, h.extractor.count("back.jpg"))
	patches := h.cards.applyCalls()
	require.Len(t, patches, 1)
	assert.Nil(t, patches[0].BackImage)
	assert.InDelta(t, 0.8, *patches[0].IdentificationConfidence, 1e-9)
}

func TestRun_ValidationFailure(t *testing.T) {
	h := newHarness()
	in := validInput()
	in.S3Keys.Front = ""

	out := h.orchestrator(t).Run(context.Background(), in)

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, []State{StateValidate, StateErrorHandler, StateDone}, out.Trace)
	assert.Equal(t, model.ErrTypeValidation, out.ErrorType)
	assert.Zero(t, h.extractor.count("front.jpg"))
	require.Len(t, h.dlq.records(), 1)
}

func TestRun_CardNotFound(t *testing.T) {
	h := newHarness()
	in := validInput()
	in.CardID = "missing"

	out := h.orchestrator(t).Run(context.Background(), in)

	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, model.ErrTypeNotFound, out.ErrorType)
	assert.Empty(t, h.cards.applyCalls())
	require.Len(t, h.dlq.records(), 1)
}

func TestRun_CardLookupErrorOnlyLosesHints(t *testing.T) {
	h := newHarness()
	h.cards.getErr = errors.New("connection reset")
	in := validInput()
	in.S3Keys.Back = ""

	out := h.orchestrator(t).Run(context.Background(), in)

	assert.Equal(t, StatusCompleted, out.Status)
	// Name falls back to the first OCR block.
	assert.Equal(t, "Charizard", h.pricer.query.Name)
	assert.Empty(t, h.pricer.query.Set)
}

func TestRun_PricingFailurePersistsPartial(t *testing.T) {
	h := newHarness()
	h.pricer.err = errors.New("all sources down")

	out := h.orchestrator(t).Run(context.Background(), validInput())

	assert.Equal(t, StatusPartial, out.Status)
	assert.Equal(t, model.ErrTypePricing, out.ErrorType)
	assert.Equal(t, []State{StateValidate, StateExtractFeatures, StateParallelAgents, StateErrorHandler, StateDone}, out.Trace)
	assert.Equal(t, 2, h.pricer.calls, "pricing retried per its policy")

	patches := h.cards.applyCalls()
	require.Len(t, patches, 1)
	assert.Nil(t, patches[0].Valuation)
	require.NotNil(t, patches[0].Authenticity)

	recs := h.dlq.records()
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"features", "authenticityResult"}, recs[0].PartialResults.Available())
}

func TestRun_AggregateFailureRoutesToErrorHandler(t *testing.T) {
	h := newHarness()
	h.cards.applyErr = errors.New("disk full")

	out := h.orchestrator(t).Run(context.Background(), validInput())

	assert.Equal(t, StatusPartial, out.Status)
	assert.Equal(t, model.ErrTypePersistence, out.ErrorType)
	// Three aggregate attempts plus three partial persist attempts.
	assert.Len(t, h.cards.applyCalls(), 6)
	require.Len(t, h.dlq.records(), 1)
}

func TestRun_DuplicateRequestIsNoop(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(t)

	first := o.Run(context.Background(), validInput())
	second := o.Run(context.Background(), validInput())

	assert.Equal(t, StatusCompleted, first.Status)
	assert.Equal(t, StatusDuplicate, second.Status)
	assert.Empty(t, h.dlq.records())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WorkflowOutcomes.WithLabelValues("duplicate")))
}

func TestRun_CancellationStopsWaiting(t *testing.T) {
	h := newHarness()
	h.reasoner.blockAuth = true
	h.reasoner.valued = make(chan struct{})
	o := h.orchestrator(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan *Outcome, 1)
	go func() { done <- o.Run(ctx, validInput()) }()

	select {
	case <-h.reasoner.valued:
	case <-time.After(5 * time.Second):
		t.Fatal("pricing branch never finished")
	}
	time.Sleep(50 * time.Millisecond)
	cancel()

	var out *Outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not stop after cancellation")
	}

	assert.Equal(t, model.ErrTypeCancelled, out.ErrorType)
	assert.Equal(t, StatusPartial, out.Status)
	assert.Nil(t, out.Authenticity)

	// The error handler still runs after the caller has gone.
	patches := h.cards.applyCalls()
	require.Len(t, patches, 1)
	assert.NotNil(t, patches[0].Valuation)
	require.Len(t, h.dlq.records(), 1)
}

func TestRun_NoDeadLetterQueue(t *testing.T) {
	h := newHarness()
	h.extractor.always["front.jpg"] = &vision.InvalidImageError{ImageRef: "front.jpg", Reason: "corrupt"}
	deps := h.deps()
	deps.DLQ = nil

	out := New(deps, fastPolicies()).Run(context.Background(), validInput())
	assert.Equal(t, StatusFailed, out.Status)
}

func TestMergePatch_Commutative(t *testing.T) {
	priced := Results{Pricing: samplePricing(), Valuation: &model.ValuationSummary{Summary: "steady", Trend: "stable"}}
	authed := Results{Authenticity: &model.AuthenticityResult{Score: 0.4, FakeDetected: true}}
	extracted := Results{
		Features:  &model.FeatureEnvelope{OCR: []model.OCRBlock{{Text: "a", Confidence: 0.5}}},
		BackImage: "back.jpg",
	}

	a := MergePatch(extracted, priced, authed)
	b := MergePatch(authed, priced, extracted)
	c := MergePatch(priced.Merge(authed), extracted)
	assert.Equal(t, a, b)
	assert.Equal(t, a, c)

	require.NotNil(t, a.Valuation)
	assert.Equal(t, []string{"ebay", "tcgplayer"}, a.Valuation.Sources)
	assert.Equal(t, "steady", *a.ValuationSummary)
	assert.True(t, a.Authenticity.FakeDetected)
	assert.Equal(t, "back.jpg", *a.BackImage)
	assert.InDelta(t, 0.5, *a.IdentificationConfidence, 1e-9)
}

func TestMergePatch_OnlyPresentFields(t *testing.T) {
	assert.True(t, MergePatch().IsEmpty())
	assert.True(t, MergePatch(Results{Valuation: &model.ValuationSummary{}}).IsEmpty())

	p := MergePatch(Results{Authenticity: &model.AuthenticityResult{Score: 0.9}})
	assert.True(t, p.HasResults())
	assert.Nil(t, p.Valuation)
	assert.Nil(t, p.ValuationSummary)
	assert.Nil(t, p.IdentificationConfidence)
}

func TestMergePatch_SourceOutageKeepsStoredValuation(t *testing.T) {
	outage := Results{
		Pricing:   model.DegeneratePricing(30, []string{"ebay", "tcgplayer"}, time.Now()),
		Valuation: &model.ValuationSummary{Summary: "insufficient market data"},
	}
	authed := Results{Authenticity: &model.AuthenticityResult{Score: 0.9}}

	p := MergePatch(outage, authed)
	assert.Nil(t, p.Valuation)
	assert.Nil(t, p.ValuationSummary)
	require.NotNil(t, p.Authenticity)
	assert.True(t, MergePatch(outage).IsEmpty())

	// No sales in the window with every source healthy is a real answer.
	quiet := Results{Pricing: model.DegeneratePricing(30, nil, time.Now())}
	q := MergePatch(quiet)
	require.NotNil(t, q.Valuation)
	assert.Zero(t, q.Valuation.CompsCount)
	assert.Nil(t, q.Valuation.Median)
}

func TestResults_MergeKeepsFirst(t *testing.T) {
	first := Results{Pricing: samplePricing()}
	second := Results{Pricing: &model.PricingResult{CompsCount: 1}}
	assert.Equal(t, 25, first.Merge(second).Pricing.CompsCount)
	assert.Equal(t, 1, second.Merge(first).Pricing.CompsCount)
}

func TestHints_WithFeatures(t *testing.T) {
	f := &model.FeatureEnvelope{OCR: []model.OCRBlock{{Text: "  "}, {Text: "Pikachu "}}}
	assert.Equal(t, "Pikachu", Hints{}.WithFeatures(f).Name)
	assert.Equal(t, "Mew", Hints{Name: "Mew"}.WithFeatures(f).Name)
	assert.Empty(t, Hints{}.WithFeatures(nil).Name)
}

func TestErrorTypeOf(t *testing.T) {
	assert.Equal(t, model.ErrTypeUnknown, errorTypeOf(nil))
	assert.Equal(t, model.ErrTypePricing, errorTypeOf(stageFailure(StateParallelAgents, model.ErrTypePricing, errors.New("x"))))
	assert.Equal(t, model.ErrTypeInvalidImage, errorTypeOf(stageFailure(StateExtractFeatures, model.ErrTypeExtraction,
		&vision.InvalidImageError{ImageRef: "f", Reason: "r"})))
	assert.Equal(t, model.ErrTypeCancelled, errorTypeOf(stageFailure(StateAggregate, model.ErrTypePersistence, context.Canceled)))
	assert.Equal(t, model.ErrTypePricing, errorTypeOf(stageFailure(StateParallelAgents, model.ErrTypePricing, context.DeadlineExceeded)))
}
