package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"

	"github.com/sells-group/card-appraiser/internal/model"
)

func TestLocalRunner_RunsInBackground(t *testing.T) {
	h := newHarness()
	r := NewLocalRunner(h.orchestrator(t))

	var mu sync.Mutex
	var outcomes []*Outcome
	r.OnFinish(func(o *Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	id, err := r.Start(ctx, validInput())
	require.NoError(t, err)
	assert.Equal(t, "req-1", id)
	cancel() // the workflow outlives the request context

	r.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, outcomes, 1)
	assert.Equal(t, StatusCompleted, outcomes[0].Status)
}

func TestLocalRunner_RejectsInvalidInput(t *testing.T) {
	h := newHarness()
	r := NewLocalRunner(h.orchestrator(t))

	in := validInput()
	in.RequestID = ""
	_, err := r.Start(context.Background(), in)

	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "requestId", ve.Field)
	r.Wait()
	assert.Zero(t, h.extractor.count("front.jpg"))
}

func TestTemporalRunner_Start(t *testing.T) {
	c := &mocks.Client{}
	run := &mocks.WorkflowRun{}
	run.On("GetRunID").Return("run-1")
	c.On("ExecuteWorkflow", mock.Anything,
		mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
			return o.ID == "req-1" && o.TaskQueue == DefaultTaskQueue
		}),
		WorkflowName, validInput(),
	).Return(run, nil)

	id, err := NewTemporalRunner(c, "").Start(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, "run-1", id)
	c.AssertExpectations(t)
}

func TestTemporalRunner_StartError(t *testing.T) {
	c := &mocks.Client{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, WorkflowName, validInput()).
		Return(nil, errors.New("unavailable"))

	_, err := NewTemporalRunner(c, "custom").Start(context.Background(), validInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start req-1")
}
