package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/card-appraiser/internal/authenticity"
	"github.com/sells-group/card-appraiser/internal/model"
	"github.com/sells-group/card-appraiser/internal/pricing"
	"github.com/sells-group/card-appraiser/internal/reasoning"
	"github.com/sells-group/card-appraiser/internal/resilience"
	"github.com/sells-group/card-appraiser/internal/store"
)

// Hints identify the card for pricing and authenticity.
type Hints struct {
	Name      string `json:"name,omitempty"`
	Set       string `json:"set,omitempty"`
	Number    string `json:"number,omitempty"`
	Rarity    string `json:"rarity,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// WithFeatures fills a missing name from the first OCR block.
func (h Hints) WithFeatures(f *model.FeatureEnvelope) Hints {
	if h.Name != "" || f == nil {
		return h
	}
	for _, b := range f.OCR {
		if t := strings.TrimSpace(b.Text); t != "" {
			h.Name = t
			break
		}
	}
	return h
}

// Extraction holds the features of both card faces. Back is nil when no
// back image was supplied or its extraction failed.
type Extraction struct {
	Front *model.FeatureEnvelope `json:"front"`
	Back  *model.FeatureEnvelope `json:"back,omitempty"`
}

// Results converts the extraction into its share of the workflow results.
func (e *Extraction) Results(in model.WorkflowInput) Results {
	if e == nil {
		return Results{}
	}
	r := Results{Features: e.Front, Back: e.Back}
	if e.Back != nil {
		r.BackImage = in.S3Keys.Back
	}
	return r
}

// BranchInput is what each parallel branch works from.
type BranchInput struct {
	Input    model.WorkflowInput    `json:"input"`
	Hints    Hints                  `json:"hints"`
	Features *model.FeatureEnvelope `json:"features"`
}

// stageError attaches a dead-letter type to a task failure.
type stageError struct {
	stage State
	typ   string
	err   error
}

func (e *stageError) Error() string     { return fmt.Sprintf("%s: %v", e.stage, e.err) }
func (e *stageError) Unwrap() error     { return e.err }
func (e *stageError) ErrorType() string { return e.typ }

// stageFailure wraps err, keeping any type the cause already carries and
// falling back to def.
func stageFailure(stage State, def string, err error) error {
	typ := model.ErrorType(err)
	if typ == model.ErrTypeUnknown {
		typ = def
	}
	return &stageError{stage: stage, typ: typ, err: err}
}

// storeFailure types a store error.
func storeFailure(stage State, err error) error {
	switch {
	case errors.Is(err, store.ErrForbidden):
		return stageFailure(stage, model.ErrTypeOwnership, err)
	case errors.Is(err, store.ErrNotFound):
		return stageFailure(stage, model.ErrTypeNotFound, err)
	default:
		return stageFailure(stage, model.ErrTypePersistence, err)
	}
}

// errorTypeOf names the dead-letter type for a workflow failure.
func errorTypeOf(err error) string {
	if typ := model.ErrorType(err); typ != "" {
		return typ
	}
	return model.ErrTypeUnknown
}

func (o *Orchestrator) retryConfig(p TaskPolicy, task string, shouldRetry func(error) bool) resilience.RetryConfig {
	cfg := p.Retry
	cfg.ShouldRetry = shouldRetry
	cfg.OnRetry = resilience.RetryLogger("workflow", task)
	return cfg
}

// Prepare validates the input and resolves identification hints. Hints
// supplied with the input win over the stored card record. A missing card
// fails the workflow; other lookup errors only lose the stored hints.
func (o *Orchestrator) Prepare(ctx context.Context, in model.WorkflowInput) (Hints, error) {
	if err := model.Validate(ctx, in); err != nil {
		return Hints{}, stageFailure(StateValidate, model.ErrTypeValidation, err)
	}

	h := Hints{Name: in.CardName, Set: in.SetName, Number: in.Number, Rarity: in.Rarity}
	if o.deps.Cards == nil {
		return h, nil
	}
	card, err := o.deps.Cards.GetCard(ctx, in.UserID, in.UserID, in.CardID)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrForbidden):
		return h, storeFailure(StateValidate, err)
	case err != nil:
		zap.L().Warn("workflow: card lookup failed, continuing without stored hints",
			zap.String("card_id", in.CardID), zap.Error(err))
		return h, nil
	}

	h.Name = firstNonEmpty(h.Name, card.Name)
	h.Set = firstNonEmpty(h.Set, card.Set)
	h.Number = firstNonEmpty(h.Number, card.Number)
	h.Rarity = firstNonEmpty(h.Rarity, card.Rarity)
	h.Condition = card.ConditionEstimate
	return h, nil
}

// Extract runs feature extraction on the front image with retries, then on
// the back image once. A failed back extraction is logged and ignored.
func (o *Orchestrator) Extract(ctx context.Context, in model.WorkflowInput) (*Extraction, error) {
	p := o.policies.Extract
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	cfg := o.retryConfig(p, "extract", func(err error) bool {
		return retryable(err) && resilience.IsTransient(err)
	})
	front, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*model.FeatureEnvelope, error) {
		return o.deps.Extractor.ExtractFeatures(ctx, in.S3Keys.Front)
	})
	if err != nil {
		return nil, stageFailure(StateExtractFeatures, model.ErrTypeExtraction, err)
	}

	ext := &Extraction{Front: front}
	if in.S3Keys.Back == "" {
		return ext, nil
	}
	back, err := o.deps.Extractor.ExtractFeatures(ctx, in.S3Keys.Back)
	if err != nil {
		zap.L().Warn("workflow: back image extraction failed",
			zap.String("request_id", in.RequestID),
			zap.String("image_ref", in.S3Keys.Back),
			zap.Error(err),
		)
		return ext, nil
	}
	ext.Back = back
	return ext, nil
}

// PricingBranch fetches and fuses comps, then summarises them.
func (o *Orchestrator) PricingBranch(ctx context.Context, b BranchInput) (Results, error) {
	p := o.policies.Pricing
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	q := pricing.Query{Name: b.Hints.Name, Set: b.Hints.Set, Number: b.Hints.Number}
	result, err := resilience.DoVal(ctx, o.retryConfig(p, "pricing", retryable),
		func(ctx context.Context) (*model.PricingResult, error) {
			return o.deps.Pricer.FetchAllComps(ctx, q, b.Input.UserID, b.Input.CardID, b.Input.ForceRefresh)
		})
	if err != nil {
		return Results{}, stageFailure(StateParallelAgents, model.ErrTypePricing, err)
	}

	summary := o.deps.Reasoner.InvokeValuation(ctx, reasoning.ValuationContext{
		CardName:          b.Hints.Name,
		Set:               b.Hints.Set,
		Number:            b.Hints.Number,
		ConditionEstimate: b.Hints.Condition,
		Currency:          o.deps.Currency,
		Pricing:           result,
	})
	return Results{Pricing: result, Valuation: &summary}, nil
}

// AuthenticityBranch scores the front image and asks for a judgment.
func (o *Orchestrator) AuthenticityBranch(ctx context.Context, b BranchInput) (Results, error) {
	p := o.policies.Authenticity
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	signals := o.deps.Scorer.Signals(b.Features, authenticity.CardHints{Name: b.Hints.Name, Rarity: b.Hints.Rarity})
	actx := reasoning.AuthenticityContext{
		CardName:     b.Hints.Name,
		Set:          b.Hints.Set,
		Number:       b.Hints.Number,
		Rarity:       b.Hints.Rarity,
		ExpectedHolo: authenticity.ExpectsHolo(b.Hints.Rarity),
		Signals:      signals,
		OCRText:      b.Features.Text(),
	}
	if b.Features != nil {
		actx.HoloVariance = b.Features.HoloVariance
		actx.Quality = b.Features.Quality
	}

	// The adapter absorbs its own failures; only the task deadline or
	// cancellation can fail this branch.
	result, err := resilience.DoVal(ctx, o.retryConfig(p, "authenticity", retryable),
		func(ctx context.Context) (model.AuthenticityResult, error) {
			r := o.deps.Reasoner.InvokeAuthenticity(ctx, actx)
			return r, ctx.Err()
		})
	if err != nil {
		return Results{}, stageFailure(StateParallelAgents, model.ErrTypeAuthenticity, err)
	}
	return Results{Authenticity: &result}, nil
}

// RunBranches runs both branches concurrently and joins their results.
// Each branch writes only its own slot, so the join does not depend on
// completion order. When ctx ends first it stops waiting and returns the
// slots filled so far.
func (o *Orchestrator) RunBranches(ctx context.Context, in model.WorkflowInput, hints Hints, features *model.FeatureEnvelope) (Results, error) {
	b := BranchInput{Input: in, Hints: hints, Features: features}

	var (
		mu                  sync.Mutex
		priced, authed      Results
		pricingErr, authErr error
	)
	run := func(g *errgroup.Group, stage string, fn func(context.Context, BranchInput) (Results, error), slot *Results, slotErr *error) {
		g.Go(func() error {
			start := time.Now()
			r, err := fn(ctx, b)
			o.deps.Metrics.Stage(stage, start, err)
			mu.Lock()
			*slot, *slotErr = r, err
			mu.Unlock()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var g errgroup.Group
		run(&g, "pricing", o.PricingBranch, &priced, &pricingErr)
		run(&g, "authenticity", o.AuthenticityBranch, &authed, &authErr)
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	joined := priced.Merge(authed)

	select {
	case <-done:
	default:
		return joined, stageFailure(StateParallelAgents, model.ErrTypeCancelled,
			eris.Wrap(ctx.Err(), "workflow: stopped waiting for branches"))
	}
	if err := errors.Join(pricingErr, authErr); err != nil {
		return joined, err
	}
	return joined, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
