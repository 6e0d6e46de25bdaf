package workflow

import (
	"context"
	"errors"

	"go.temporal.io/sdk/temporal"
	temporalwf "go.temporal.io/sdk/workflow"

	"github.com/sells-group/card-appraiser/internal/model"
)

// Durable workflow registration names.
const (
	WorkflowName     = "CardWorkflow"
	DefaultTaskQueue = "card-appraisal"
)

// nonRetryable lists activity error types Temporal must not retry.
var nonRetryable = []string{
	model.ErrTypeInvalidImage,
	model.ErrTypeValidation,
	model.ErrTypeOwnership,
	model.ErrTypeNotFound,
}

// Activities exposes the orchestrator tasks as Temporal activities. Retries
// belong to Temporal, so the wrapped orchestrator makes single attempts.
type Activities struct {
	o *Orchestrator
}

// NewActivities creates Activities over deps.
func NewActivities(deps Deps, policies Policies) *Activities {
	return &Activities{o: New(deps, policies.singleAttempt())}
}

// PersistInput is the input of the Persist activity.
type PersistInput struct {
	Input   model.WorkflowInput `json:"input"`
	Results Results             `json:"results"`
}

// FailureInput is the input of the HandleFailure activity.
type FailureInput struct {
	Input     model.WorkflowInput `json:"input"`
	ErrorType string              `json:"errorType"`
	Cause     string              `json:"cause"`
	Results   Results             `json:"results"`
}

// Prepare validates the input and resolves hints.
func (a *Activities) Prepare(ctx context.Context, in model.WorkflowInput) (Hints, error) {
	h, err := a.o.Prepare(ctx, in)
	return h, activityError(err)
}

// Extract extracts features from the card images.
func (a *Activities) Extract(ctx context.Context, in model.WorkflowInput) (*Extraction, error) {
	ext, err := a.o.Extract(ctx, in)
	return ext, activityError(err)
}

// Pricing runs the pricing branch.
func (a *Activities) Pricing(ctx context.Context, b BranchInput) (Results, error) {
	r, err := a.o.PricingBranch(ctx, b)
	return r, activityError(err)
}

// Authenticity runs the authenticity branch.
func (a *Activities) Authenticity(ctx context.Context, b BranchInput) (Results, error) {
	r, err := a.o.AuthenticityBranch(ctx, b)
	return r, activityError(err)
}

// Persist writes the merged results.
func (a *Activities) Persist(ctx context.Context, p PersistInput) (Status, error) {
	s, err := a.o.Aggregate(ctx, p.Input, p.Results)
	return s, activityError(err)
}

// HandleFailure persists partial results and records the dead letter.
func (a *Activities) HandleFailure(ctx context.Context, f FailureInput) (Status, error) {
	return a.o.handleFailure(ctx, f.Input, f.ErrorType, f.Cause, f.Results), nil
}

// activityError converts a task error into a typed Temporal application
// error.
func activityError(err error) error {
	if err == nil {
		return nil
	}
	typ := errorTypeOf(err)
	if !retryable(err) {
		return temporal.NewNonRetryableApplicationError(err.Error(), typ, err)
	}
	return temporal.NewApplicationError(err.Error(), typ, err)
}

// DurableWorkflow is CardWorkflow bound to its task policies.
type DurableWorkflow struct {
	policies Policies
}

// NewDurableWorkflow creates a DurableWorkflow.
func NewDurableWorkflow(policies Policies) *DurableWorkflow {
	return &DurableWorkflow{policies: policies}
}

func activityOptions(p TaskPolicy) temporalwf.ActivityOptions {
	return temporalwf.ActivityOptions{
		ScheduleToCloseTimeout: p.Timeout,
		StartToCloseTimeout:    p.Timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        p.Retry.InitialBackoff,
			BackoffCoefficient:     p.Retry.Multiplier,
			MaximumInterval:        p.Retry.MaxBackoff,
			MaximumAttempts:        int32(p.Retry.MaxAttempts),
			NonRetryableErrorTypes: nonRetryable,
		},
	}
}

// Run is the durable appraisal workflow. It visits the same states as
// Orchestrator.Run, with each task executed as an activity.
func (d *DurableWorkflow) Run(ctx temporalwf.Context, in model.WorkflowInput) (*Outcome, error) {
	log := temporalwf.GetLogger(ctx)
	var a *Activities

	out := &Outcome{RequestID: in.RequestID, UserID: in.UserID, CardID: in.CardID}
	var results Results

	fail := func(err error, def string) (*Outcome, error) {
		out.Trace = append(out.Trace, StateErrorHandler)
		out.ErrorType = durableErrorType(err, def)
		out.Error = err.Error()
		log.Warn("task failed", "request_id", in.RequestID, "error_type", out.ErrorType, "error", err)

		hctx, cancel := temporalwf.NewDisconnectedContext(ctx)
		defer cancel()
		hctx = temporalwf.WithActivityOptions(hctx, activityOptions(d.policies.Aggregate))
		var status Status
		if herr := temporalwf.ExecuteActivity(hctx, a.HandleFailure, FailureInput{
			Input:     in,
			ErrorType: out.ErrorType,
			Cause:     out.Error,
			Results:   results,
		}).Get(hctx, &status); herr != nil {
			log.Error("error handler failed", "request_id", in.RequestID, "error", herr)
			status = StatusFailed
			if results.Usable() {
				status = StatusPartial
			}
		}
		out.Status = status
		out.Trace = append(out.Trace, StateDone)
		out.fill(results)
		return out, nil
	}
	with := func(p TaskPolicy) temporalwf.Context {
		return temporalwf.WithActivityOptions(ctx, activityOptions(p))
	}

	out.Trace = append(out.Trace, StateValidate)
	var hints Hints
	if err := temporalwf.ExecuteActivity(with(d.policies.Aggregate), a.Prepare, in).Get(ctx, &hints); err != nil {
		return fail(err, model.ErrTypeValidation)
	}

	out.Trace = append(out.Trace, StateExtractFeatures)
	var ext Extraction
	if err := temporalwf.ExecuteActivity(with(d.policies.Extract), a.Extract, in).Get(ctx, &ext); err != nil {
		return fail(err, model.ErrTypeExtraction)
	}
	results = results.Merge(ext.Results(in))
	hints = hints.WithFeatures(ext.Front)

	out.Trace = append(out.Trace, StateParallelAgents)
	b := BranchInput{Input: in, Hints: hints, Features: ext.Front}
	pf := temporalwf.ExecuteActivity(with(d.policies.Pricing), a.Pricing, b)
	af := temporalwf.ExecuteActivity(with(d.policies.Authenticity), a.Authenticity, b)
	var priced, authed Results
	perr := pf.Get(ctx, &priced)
	aerr := af.Get(ctx, &authed)
	results = results.Merge(priced).Merge(authed)
	if perr != nil {
		return fail(errors.Join(perr, aerr), model.ErrTypePricing)
	}
	if aerr != nil {
		return fail(aerr, model.ErrTypeAuthenticity)
	}

	out.Trace = append(out.Trace, StateAggregate)
	var status Status
	if err := temporalwf.ExecuteActivity(with(d.policies.Aggregate), a.Persist,
		PersistInput{Input: in, Results: results}).Get(ctx, &status); err != nil {
		return fail(err, model.ErrTypePersistence)
	}
	out.Status = status
	out.Trace = append(out.Trace, StateDone)
	out.fill(results)
	return out, nil
}

// durableErrorType recovers the dead-letter type from an activity failure.
func durableErrorType(err error, def string) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() != "" {
		return appErr.Type()
	}
	var canceled *temporal.CanceledError
	if errors.As(err, &canceled) {
		return model.ErrTypeCancelled
	}
	return def
}
