package chaos

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/helixir/review-orchestrator/internal/domain"
	pl "github.com/helixir/review-orchestrator/internal/pipeline"
	litemporal "github.com/helixir/review-orchestrator/internal/temporal"
	"github.com/helixir/review-orchestrator/internal/temporal/activities"
	"github.com/helixir/review-orchestrator/internal/temporal/workflows"
)

// flakyRunner fails the first failures calls with err, then succeeds.
type flakyRunner struct {
	mu       sync.Mutex
	failures int
	err      error
	ops      []string
}

func (r *flakyRunner) record(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	if len(r.ops) <= r.failures {
		return r.err
	}
	return nil
}

func (r *flakyRunner) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func (r *flakyRunner) ExecuteWorkflow(_ context.Context, id uuid.UUID, _ map[string]any, _ pl.ExecuteOptions) (*pl.Result, error) {
	if err := r.record("execute"); err != nil {
		return nil, err
	}
	return &pl.Result{WorkflowID: id, Status: pl.RunCompleted}, nil
}

func (r *flakyRunner) ResumeWorkflow(_ context.Context, id uuid.UUID) (*pl.Result, error) {
	if err := r.record("resume"); err != nil {
		return nil, err
	}
	return &pl.Result{WorkflowID: id, Status: pl.RunCompleted}, nil
}

func (r *flakyRunner) RerunStage(_ context.Context, _ uuid.UUID, _ domain.Stage, _ map[string]any) (*pl.StageResult, error) {
	if err := r.record("rerun"); err != nil {
		return nil, err
	}
	return &pl.StageResult{Success: true}, nil
}

func runPipeline(t *testing.T, runner activities.Runner, input litemporal.PipelineInput) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	s := &testsuite.WorkflowTestSuite{}
	env := s.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(workflows.NewPipelineWorkflow(workflows.Options{MaxAttempts: 3}),
		workflow.RegisterOptions{Name: litemporal.PipelineWorkflowName})
	acts := activities.NewPipelineActivities(runner, zerolog.Nop(), time.Second)
	env.RegisterActivityWithOptions(acts.RunPipeline, activity.RegisterOptions{Name: litemporal.RunPipelineActivity})

	env.ExecuteWorkflow(litemporal.PipelineWorkflowName, input)
	require.True(t, env.IsWorkflowCompleted())
	return env
}

func TestTemporalChaos_HeldLeaseIsRetriedAsResume(t *testing.T) {
	runner := &flakyRunner{failures: 1, err: domain.ErrLeaseHeld}
	env := runPipeline(t, runner, litemporal.PipelineInput{WorkflowID: uuid.New(), Operation: litemporal.OperationExecute})

	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, []string{"execute", "resume"}, runner.calls())

	var out litemporal.PipelineOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, pl.RunCompleted, out.Result.Status)
}

func TestTemporalChaos_TransientFailuresExhaustAttempts(t *testing.T) {
	runner := &flakyRunner{failures: 10, err: errors.New("database connection reset")}
	env := runPipeline(t, runner, litemporal.PipelineInput{WorkflowID: uuid.New(), Operation: litemporal.OperationResume})

	require.Error(t, env.GetWorkflowError())
	assert.Len(t, runner.calls(), 3)
}

func TestTemporalChaos_PermanentErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType string
	}{
		{"missing workflow", domain.NewNotFoundError("workflow", "x"), litemporal.ErrTypeNotFound},
		{"invalid input", domain.NewValidationError("stage", "unknown"), litemporal.ErrTypeInvalidInput},
		{"unmet dependency", &domain.DependencyError{Stage: domain.StageExtract, Missing: []domain.Stage{domain.StageScreen}}, litemporal.ErrTypePrecondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &flakyRunner{failures: 10, err: tt.err}
			env := runPipeline(t, runner, litemporal.PipelineInput{
				WorkflowID: uuid.New(),
				Operation:  litemporal.OperationRerun,
				Stage:      domain.StageExtract,
			})

			err := env.GetWorkflowError()
			require.Error(t, err)
			var appErr *temporal.ApplicationError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.wantType, appErr.Type())
			assert.Len(t, runner.calls(), 1)
		})
	}
}
