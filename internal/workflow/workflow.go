// Package workflow runs one card appraisal: feature extraction, the pricing
// and authenticity branches in parallel, and a single idempotent write of
// the merged results. Failures end in an error handler that persists what
// it can and emits exactly one dead-letter record.
package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/card-appraiser/internal/authenticity"
	"github.com/sells-group/card-appraiser/internal/model"
	"github.com/sells-group/card-appraiser/internal/monitoring"
	"github.com/sells-group/card-appraiser/internal/pricing"
	"github.com/sells-group/card-appraiser/internal/reasoning"
	"github.com/sells-group/card-appraiser/internal/resilience"
)

// State is a workflow state.
type State string

// Workflow states in visiting order. StateErrorHandler is entered from any
// failing task and always leads to StateDone.
const (
	StateValidate        State = "Validate"
	StateExtractFeatures State = "ExtractFeatures"
	StateParallelAgents  State = "ParallelAgents"
	StateAggregate       State = "Aggregate"
	StateErrorHandler    State = "ErrorHandler"
	StateDone            State = "Done"
)

// Status is the terminal outcome of a workflow.
type Status string

// Terminal statuses.
const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusDuplicate Status = "duplicate"
)

// Outcome summarises one workflow execution.
type Outcome struct {
	RequestID    string                    `json:"requestId"`
	UserID       string                    `json:"userId"`
	CardID       string                    `json:"cardId"`
	Status       Status                    `json:"status"`
	Trace        []State                   `json:"trace"`
	ErrorType    string                    `json:"errorType,omitempty"`
	Error        string                    `json:"error,omitempty"`
	Pricing      *model.PricingResult      `json:"pricing,omitempty"`
	Valuation    *model.ValuationSummary   `json:"valuation,omitempty"`
	Authenticity *model.AuthenticityResult `json:"authenticity,omitempty"`
}

func (o *Outcome) fill(r Results) {
	o.Pricing = r.Pricing
	o.Valuation = r.Valuation
	o.Authenticity = r.Authenticity
}

// Extractor produces features for one image.
type Extractor interface {
	ExtractFeatures(ctx context.Context, imageRef string) (*model.FeatureEnvelope, error)
}

// Pricer fuses comparable sales for a card.
type Pricer interface {
	FetchAllComps(ctx context.Context, q pricing.Query, ownerID, cardID string, forceRefresh bool) (*model.PricingResult, error)
}

// SignalScorer computes authenticity signals from features.
type SignalScorer interface {
	Signals(features *model.FeatureEnvelope, hints authenticity.CardHints) model.AuthenticitySignals
}

// Reasoner produces AI-backed judgments with built-in fallbacks.
type Reasoner interface {
	InvokeAuthenticity(ctx context.Context, c reasoning.AuthenticityContext) model.AuthenticityResult
	InvokeValuation(ctx context.Context, c reasoning.ValuationContext) model.ValuationSummary
}

// CardStore is the part of the card store the workflow touches.
type CardStore interface {
	GetCard(ctx context.Context, caller, ownerID, cardID string) (*model.Card, error)
	ApplyResults(ctx context.Context, ownerID, cardID, requestID string, patch model.CardPatch) (bool, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Extractor Extractor
	Pricer    Pricer
	Scorer    SignalScorer
	Reasoner  Reasoner
	Cards     CardStore
	DLQ       resilience.DeadLetterQueue
	Metrics   *monitoring.Metrics
	// Currency labels valuation summaries.
	Currency string
}

// Orchestrator runs appraisal workflows in process.
type Orchestrator struct {
	deps     Deps
	policies Policies
	now      func() time.Time
}

// New creates an Orchestrator.
func New(deps Deps, policies Policies) *Orchestrator {
	if deps.Currency == "" {
		deps.Currency = "USD"
	}
	return &Orchestrator{deps: deps, policies: policies, now: time.Now}
}

// Run drives one workflow to a terminal state. It never returns an error;
// failures are reported in the Outcome and the dead-letter queue.
func (o *Orchestrator) Run(ctx context.Context, in model.WorkflowInput) *Outcome {
	log := zap.L().With(
		zap.String("request_id", in.RequestID),
		zap.String("user_id", in.UserID),
		zap.String("card_id", in.CardID),
	)
	log.Info("workflow: starting appraisal")
	started := time.Now()

	out := &Outcome{RequestID: in.RequestID, UserID: in.UserID, CardID: in.CardID}
	var (
		hints   Hints
		ext     *Extraction
		results Results
		failure error
	)

	state := StateValidate
	for state != StateDone {
		out.Trace = append(out.Trace, state)
		stageStart := time.Now()

		var (
			next State
			err  error
		)
		switch state {
		case StateValidate:
			hints, err = o.Prepare(ctx, in)
			next = StateExtractFeatures

		case StateExtractFeatures:
			ext, err = o.Extract(ctx, in)
			if ext != nil {
				results = results.Merge(ext.Results(in))
				hints = hints.WithFeatures(ext.Front)
			}
			next = StateParallelAgents

		case StateParallelAgents:
			var branch Results
			branch, err = o.RunBranches(ctx, in, hints, ext.Front)
			results = results.Merge(branch)
			next = StateAggregate

		case StateAggregate:
			out.Status, err = o.Aggregate(ctx, in, results)
			next = StateDone

		case StateErrorHandler:
			out.Status = o.HandleError(ctx, in, failure, results)
			next = StateDone
		}

		if state != StateErrorHandler {
			o.deps.Metrics.Stage(string(state), stageStart, err)
		}
		if err != nil {
			failure = err
			log.Warn("workflow: task failed", zap.String("state", string(state)), zap.Error(err))
			next = StateErrorHandler
		}
		state = next
	}
	out.Trace = append(out.Trace, StateDone)

	if failure != nil {
		out.ErrorType = errorTypeOf(failure)
		out.Error = failure.Error()
	}
	out.fill(results)
	o.deps.Metrics.Outcome(string(out.Status))

	log.Info("workflow: finished",
		zap.String("status", string(out.Status)),
		zap.Duration("elapsed", time.Since(started)),
		zap.Any("trace", out.Trace),
	)
	return out
}
