package workflow

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/card-appraiser/internal/model"
)

// Runner starts appraisal workflows asynchronously.
type Runner interface {
	// Start validates in and schedules the workflow, returning the run id.
	Start(ctx context.Context, in model.WorkflowInput) (string, error)
}

// LocalRunner runs workflows on goroutines of the current process.
type LocalRunner struct {
	o  *Orchestrator
	wg sync.WaitGroup

	mu       sync.Mutex
	onFinish func(*Outcome)
}

// NewLocalRunner creates a LocalRunner.
func NewLocalRunner(o *Orchestrator) *LocalRunner {
	return &LocalRunner{o: o}
}

// OnFinish registers a callback receiving every outcome.
func (r *LocalRunner) OnFinish(fn func(*Outcome)) {
	r.mu.Lock()
	r.onFinish = fn
	r.mu.Unlock()
}

// Start validates in and runs the workflow in the background. The workflow
// outlives ctx.
func (r *LocalRunner) Start(ctx context.Context, in model.WorkflowInput) (string, error) {
	if err := model.Validate(ctx, in); err != nil {
		return "", err
	}
	bg := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		out := r.o.Run(bg, in)
		r.mu.Lock()
		fn := r.onFinish
		r.mu.Unlock()
		if fn != nil {
			fn(out)
		}
	}()
	return in.RequestID, nil
}

// Wait blocks until every started workflow has finished.
func (r *LocalRunner) Wait() {
	r.wg.Wait()
}

// TemporalRunner starts durable workflows on a Temporal cluster.
type TemporalRunner struct {
	client    client.Client
	taskQueue string
}

// NewTemporalRunner creates a TemporalRunner.
func NewTemporalRunner(c client.Client, taskQueue string) *TemporalRunner {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &TemporalRunner{client: c, taskQueue: taskQueue}
}

// Start validates in and starts CardWorkflow with the request id as the
// workflow id, so a resubmitted request cannot run twice concurrently.
func (r *TemporalRunner) Start(ctx context.Context, in model.WorkflowInput) (string, error) {
	if err := model.Validate(ctx, in); err != nil {
		return "", err
	}
	run, err := r.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        in.RequestID,
		TaskQueue: r.taskQueue,
	}, WorkflowName, in)
	if err != nil {
		return "", eris.Wrapf(err, "workflow: start %s", in.RequestID)
	}
	zap.L().Info("workflow: started durable appraisal",
		zap.String("request_id", in.RequestID),
		zap.String("run_id", run.GetRunID()),
	)
	return run.GetRunID(), nil
}

var (
	_ Runner = (*LocalRunner)(nil)
	_ Runner = (*TemporalRunner)(nil)
)
