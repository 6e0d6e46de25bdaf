package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/card-appraiser/internal/model"
	"github.com/sells-group/card-appraiser/internal/resilience"
)

// maxCauseLen bounds the error cause stored in a dead-letter record.
const maxCauseLen = 2000

// Results are the task outputs gathered by a workflow. Every field is
// written by exactly one task.
type Results struct {
	Features     *model.FeatureEnvelope    `json:"features,omitempty"`
	Back         *model.FeatureEnvelope    `json:"back,omitempty"`
	BackImage    string                    `json:"backImage,omitempty"`
	Pricing      *model.PricingResult      `json:"pricing,omitempty"`
	Valuation    *model.ValuationSummary   `json:"valuation,omitempty"`
	Authenticity *model.AuthenticityResult `json:"authenticity,omitempty"`
}

// Merge fills the empty slots of r from other. Since tasks own disjoint
// slots, the order of merging does not matter.
func (r Results) Merge(other Results) Results {
	if r.Features == nil {
		r.Features = other.Features
	}
	if r.Back == nil {
		r.Back = other.Back
	}
	if r.BackImage == "" {
		r.BackImage = other.BackImage
	}
	if r.Pricing == nil {
		r.Pricing = other.Pricing
	}
	if r.Valuation == nil {
		r.Valuation = other.Valuation
	}
	if r.Authenticity == nil {
		r.Authenticity = other.Authenticity
	}
	return r
}

// Usable reports whether any branch produced a result worth keeping.
func (r Results) Usable() bool {
	return r.Pricing != nil || r.Authenticity != nil
}

// Partial projects r onto the dead-letter partial results.
func (r Results) Partial() model.PartialResults {
	return model.PartialResults{
		Features:           r.Features,
		PricingResult:      r.Pricing,
		AuthenticityResult: r.Authenticity,
	}
}

// MergePatch joins task results into one card patch. Only present results
// produce fields. Pricing that came back empty because sources failed
// leaves the stored valuation and its summary untouched.
func MergePatch(parts ...Results) model.CardPatch {
	var r Results
	for _, p := range parts {
		r = r.Merge(p)
	}

	var patch model.CardPatch
	outage := r.Pricing != nil && r.Pricing.IsDegenerate() && len(r.Pricing.FailedSources) > 0
	if r.Pricing != nil && !outage {
		patch.Valuation = r.Pricing.Valuation()
	}
	if r.Valuation != nil && r.Valuation.Summary != "" && !outage {
		s := r.Valuation.Summary
		patch.ValuationSummary = &s
	}
	if r.Authenticity != nil {
		a := *r.Authenticity
		patch.Authenticity = &a
	}
	if r.BackImage != "" {
		b := r.BackImage
		patch.BackImage = &b
	}
	if c, ok := identificationConfidence(r.Features, r.Back); ok {
		patch.IdentificationConfidence = &c
	}
	return patch
}

// identificationConfidence averages OCR confidence over both faces.
func identificationConfidence(faces ...*model.FeatureEnvelope) (float64, bool) {
	var sum float64
	var n int
	for _, f := range faces {
		if f == nil {
			continue
		}
		for _, b := range f.OCR {
			sum += model.Clamp01(b.Confidence)
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Aggregate writes the merged results once, keyed on the request id.
func (o *Orchestrator) Aggregate(ctx context.Context, in model.WorkflowInput, r Results) (Status, error) {
	p := o.policies.Aggregate
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	patch := MergePatch(r)
	applied, err := resilience.DoVal(ctx, o.retryConfig(p, "aggregate", retryable),
		func(ctx context.Context) (bool, error) {
			return o.deps.Cards.ApplyResults(ctx, in.UserID, in.CardID, in.RequestID, patch)
		})
	if err != nil {
		return "", storeFailure(StateAggregate, err)
	}
	if !applied {
		zap.L().Info("workflow: request already applied",
			zap.String("request_id", in.RequestID), zap.String("card_id", in.CardID))
		return StatusDuplicate, nil
	}
	return StatusCompleted, nil
}

// HandleError persists whatever results are present, records exactly one
// dead letter and reports the terminal status. It never fails and keeps
// running after ctx is cancelled.
func (o *Orchestrator) HandleError(ctx context.Context, in model.WorkflowInput, failure error, r Results) Status {
	cause := "unknown failure"
	if failure != nil {
		cause = failure.Error()
	}
	return o.handleFailure(ctx, in, errorTypeOf(failure), cause, r)
}

func (o *Orchestrator) handleFailure(ctx context.Context, in model.WorkflowInput, errType, cause string, r Results) Status {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.policies.Aggregate.Timeout)
	defer cancel()

	log := zap.L().With(
		zap.String("request_id", in.RequestID),
		zap.String("card_id", in.CardID),
		zap.String("error_type", errType),
	)

	patch := MergePatch(r)
	if patch.HasResults() && persistable(errType) && o.deps.Cards != nil {
		cfg := o.retryConfig(o.policies.Aggregate, "partial_persist", retryable)
		if _, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (bool, error) {
			return o.deps.Cards.ApplyResults(ctx, in.UserID, in.CardID, in.RequestID, patch)
		}); err != nil {
			log.Error("workflow: partial persist failed", zap.Error(err))
		} else {
			log.Info("workflow: partial results persisted")
		}
	}

	rec := model.DeadLetterRecord{
		UserID:         in.UserID,
		CardID:         in.CardID,
		RequestID:      in.RequestID,
		Error:          model.ErrorInfo{Type: errType, Cause: model.Truncate(cause, maxCauseLen)},
		PartialResults: r.Partial(),
		Input:          in,
		Timestamp:      o.now().UTC(),
	}
	resilience.EnsureID(&rec)
	if o.deps.DLQ == nil {
		log.Warn("workflow: no dead-letter queue configured, record dropped", zap.String("dead_letter_id", rec.ID))
	} else if err := o.deps.DLQ.Enqueue(ctx, rec); err != nil {
		log.Error("workflow: dead-letter enqueue failed", zap.String("dead_letter_id", rec.ID), zap.Error(err))
	}
	o.deps.Metrics.DeadLetter(errType)

	if r.Usable() {
		return StatusPartial
	}
	return StatusFailed
}

// persistable reports whether a failure of this type leaves a card that
// may still be written.
func persistable(errType string) bool {
	switch errType {
	case model.ErrTypeOwnership, model.ErrTypeNotFound, model.ErrTypeValidation:
		return false
	}
	return true
}
