package activities

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/pipeline"
	litemporal "github.com/helixir/review-orchestrator/internal/temporal"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) ExecuteWorkflow(ctx context.Context, id uuid.UUID, initialData map[string]any, opts pipeline.ExecuteOptions) (*pipeline.Result, error) {
	args := m.Called(ctx, id, initialData, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Result), args.Error(1)
}

func (m *mockRunner) ResumeWorkflow(ctx context.Context, id uuid.UUID) (*pipeline.Result, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Result), args.Error(1)
}

func (m *mockRunner) RerunStage(ctx context.Context, id uuid.UUID, stage domain.Stage, inputOverride map[string]any) (*pipeline.StageResult, error) {
	args := m.Called(ctx, id, stage, inputOverride)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.StageResult), args.Error(1)
}

func newActivityEnv(t *testing.T, runner Runner) *testsuite.TestActivityEnvironment {
	t.Helper()
	s := &testsuite.WorkflowTestSuite{}
	env := s.NewTestActivityEnvironment()
	env.RegisterActivity(NewPipelineActivities(runner, zerolog.Nop(), 0))
	return env
}

func TestRunPipeline_Execute(t *testing.T) {
	runner := &mockRunner{}
	id := uuid.New()
	runner.On("ExecuteWorkflow", mock.Anything, id, map[string]any(nil), pipeline.ExecuteOptions{
		StartFrom: domain.StageScreen,
		Skip:      []domain.Stage{domain.StageAnalysis},
		Trigger:   "execute",
	}).Return(&pipeline.Result{WorkflowID: id, Status: pipeline.RunCompleted, TotalCost: 0.4}, nil).Once()

	env := newActivityEnv(t, runner)
	val, err := env.ExecuteActivity((&PipelineActivities{}).RunPipeline, litemporal.PipelineInput{
		WorkflowID: id,
		Operation:  litemporal.OperationExecute,
		StartFrom:  domain.StageScreen,
		Skip:       []domain.Stage{domain.StageAnalysis},
	})
	require.NoError(t, err)

	var out litemporal.PipelineOutput
	require.NoError(t, val.Get(&out))
	require.NotNil(t, out.Result)
	assert.Equal(t, pipeline.RunCompleted, out.Result.Status)
	assert.Nil(t, out.StageResult)
	runner.AssertExpectations(t)
}

func TestRunPipeline_Resume(t *testing.T) {
	runner := &mockRunner{}
	id := uuid.New()
	runner.On("ResumeWorkflow", mock.Anything, id).
		Return(&pipeline.Result{WorkflowID: id, Status: pipeline.RunAlreadyCompleted}, nil).Once()

	env := newActivityEnv(t, runner)
	val, err := env.ExecuteActivity((&PipelineActivities{}).RunPipeline, litemporal.PipelineInput{
		WorkflowID: id,
		Operation:  litemporal.OperationResume,
	})
	require.NoError(t, err)

	var out litemporal.PipelineOutput
	require.NoError(t, val.Get(&out))
	assert.Equal(t, pipeline.RunAlreadyCompleted, out.Result.Status)
	runner.AssertExpectations(t)
}

func TestRunPipeline_Rerun(t *testing.T) {
	runner := &mockRunner{}
	id := uuid.New()
	override := map[string]any{"max_papers": float64(20)}
	runner.On("RerunStage", mock.Anything, id, domain.StageSearch, override).
		Return(&pipeline.StageResult{Success: true, Cost: 0.03}, nil).Once()

	env := newActivityEnv(t, runner)
	val, err := env.ExecuteActivity((&PipelineActivities{}).RunPipeline, litemporal.PipelineInput{
		WorkflowID:    id,
		Operation:     litemporal.OperationRerun,
		Stage:         domain.StageSearch,
		InputOverride: override,
	})
	require.NoError(t, err)

	var out litemporal.PipelineOutput
	require.NoError(t, val.Get(&out))
	require.NotNil(t, out.StageResult)
	assert.True(t, out.StageResult.Success)
	assert.InDelta(t, 0.03, out.StageResult.Cost, 1e-9)
	runner.AssertExpectations(t)
}

func TestRunPipeline_InvalidInputIsNonRetryable(t *testing.T) {
	env := newActivityEnv(t, &mockRunner{})
	_, err := env.ExecuteActivity((&PipelineActivities{}).RunPipeline, litemporal.PipelineInput{
		WorkflowID: uuid.New(),
		Operation:  "publish",
	})
	require.Error(t, err)

	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, litemporal.ErrTypeInvalidInput, appErr.Type())
	assert.True(t, appErr.NonRetryable())
}

func TestRunPipeline_NotFound(t *testing.T) {
	runner := &mockRunner{}
	id := uuid.New()
	runner.On("ResumeWorkflow", mock.Anything, id).
		Return(nil, fmt.Errorf("get workflow: %w", domain.ErrNotFound)).Once()

	env := newActivityEnv(t, runner)
	_, err := env.ExecuteActivity((&PipelineActivities{}).RunPipeline, litemporal.PipelineInput{
		WorkflowID: id,
		Operation:  litemporal.OperationResume,
	})

	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, litemporal.ErrTypeNotFound, appErr.Type())
	assert.True(t, appErr.NonRetryable())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantType     string
		nonRetryable bool
	}{
		{"invalid", domain.NewValidationError("stage", "unknown"), litemporal.ErrTypeInvalidInput, true},
		{"not found", domain.ErrNotFound, litemporal.ErrTypeNotFound, true},
		{"precondition", fmt.Errorf("rerun: %w", domain.ErrPrecondition), litemporal.ErrTypePrecondition, true},
		{"lease", fmt.Errorf("acquire: %w", domain.ErrLeaseHeld), litemporal.ErrTypeLeaseHeld, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var appErr *temporal.ApplicationError
			require.ErrorAs(t, classify(tt.err), &appErr)
			assert.Equal(t, tt.wantType, appErr.Type())
			assert.Equal(t, tt.nonRetryable, appErr.NonRetryable())
		})
	}

	plain := errors.New("database unavailable")
	assert.Same(t, plain, classify(plain))
}

func TestOperationFor(t *testing.T) {
	assert.Equal(t, litemporal.OperationExecute, operationFor(litemporal.OperationExecute, 1))
	assert.Equal(t, litemporal.OperationResume, operationFor(litemporal.OperationExecute, 2))
	assert.Equal(t, litemporal.OperationRerun, operationFor(litemporal.OperationRerun, 3))
	assert.Equal(t, litemporal.OperationResume, operationFor(litemporal.OperationResume, 1))
}
