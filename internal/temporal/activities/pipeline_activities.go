// Package activities contains the Temporal activity that runs the review
// pipeline orchestrator.
package activities

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/observability"
	"github.com/helixir/review-orchestrator/internal/pipeline"
	litemporal "github.com/helixir/review-orchestrator/internal/temporal"
)

// DefaultHeartbeatInterval is how often RunPipeline heartbeats while the
// orchestrator works.
const DefaultHeartbeatInterval = 30 * time.Second

// Runner is the orchestrator surface the activity drives.
// *pipeline.Orchestrator satisfies it.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, id uuid.UUID, initialData map[string]any, opts pipeline.ExecuteOptions) (*pipeline.Result, error)
	ResumeWorkflow(ctx context.Context, id uuid.UUID) (*pipeline.Result, error)
	RerunStage(ctx context.Context, id uuid.UUID, stage domain.Stage, inputOverride map[string]any) (*pipeline.StageResult, error)
}

var _ Runner = (*pipeline.Orchestrator)(nil)

// PipelineActivities exposes the orchestrator as Temporal activities.
type PipelineActivities struct {
	runner            Runner
	logger            zerolog.Logger
	heartbeatInterval time.Duration
}

// NewPipelineActivities creates the activity set. A non-positive
// heartbeatInterval uses DefaultHeartbeatInterval.
func NewPipelineActivities(runner Runner, logger zerolog.Logger, heartbeatInterval time.Duration) *PipelineActivities {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &PipelineActivities{
		runner:            runner,
		logger:            observability.WithComponent(logger, "pipeline-activity"),
		heartbeatInterval: heartbeatInterval,
	}
}

// RunPipeline performs one orchestrator operation. A retried execute attempt
// resumes from the last checkpoint instead of starting over.
func (a *PipelineActivities) RunPipeline(ctx context.Context, input litemporal.PipelineInput) (*litemporal.PipelineOutput, error) {
	info := activity.GetInfo(ctx)
	logger := observability.WithActivityContext(a.logger, info.ActivityType.Name, info.WorkflowExecution.RunID, int(info.Attempt)).
		With().Str("workflow_id", input.WorkflowID.String()).Logger()

	if err := input.Validate(); err != nil {
		return nil, classify(err)
	}

	op := operationFor(input.Operation, info.Attempt)
	if op != input.Operation {
		logger.Info().Msg("retried execute attempt, resuming from checkpoints")
	}

	stop := a.startHeartbeat(ctx, op)
	defer stop()

	var (
		out litemporal.PipelineOutput
		err error
	)
	switch op {
	case litemporal.OperationExecute:
		out.Result, err = a.runner.ExecuteWorkflow(ctx, input.WorkflowID, nil, pipeline.ExecuteOptions{
			StartFrom: input.StartFrom,
			Skip:      input.Skip,
			Trigger:   string(litemporal.OperationExecute),
		})
	case litemporal.OperationResume:
		out.Result, err = a.runner.ResumeWorkflow(ctx, input.WorkflowID)
	case litemporal.OperationRerun:
		out.StageResult, err = a.runner.RerunStage(ctx, input.WorkflowID, input.Stage, input.InputOverride)
	}
	if err != nil {
		logger.Error().Err(err).Str("operation", string(op)).Msg("pipeline operation failed")
		return nil, classify(err)
	}

	if out.Result != nil {
		logger.Info().
			Str("status", string(out.Result.Status)).
			Float64("total_cost", out.Result.TotalCost).
			Msg("pipeline operation finished")
	}
	return &out, nil
}

func operationFor(op litemporal.Operation, attempt int32) litemporal.Operation {
	if op == litemporal.OperationExecute && attempt > 1 {
		return litemporal.OperationResume
	}
	return op
}

// startHeartbeat heartbeats until the returned stop function is called.
func (a *PipelineActivities) startHeartbeat(ctx context.Context, op litemporal.Operation) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(a.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, string(op))
			}
		}
	}()
	return func() { close(done) }
}

// classify maps orchestrator errors to Temporal application errors so the
// workflow retry policy can tell permanent failures from transient ones.
func classify(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return temporal.NewNonRetryableApplicationError(err.Error(), litemporal.ErrTypeInvalidInput, err)
	case errors.Is(err, domain.ErrNotFound):
		return temporal.NewNonRetryableApplicationError(err.Error(), litemporal.ErrTypeNotFound, err)
	case errors.Is(err, domain.ErrPrecondition):
		return temporal.NewNonRetryableApplicationError(err.Error(), litemporal.ErrTypePrecondition, err)
	case errors.Is(err, domain.ErrLeaseHeld):
		return temporal.NewApplicationErrorWithCause(err.Error(), litemporal.ErrTypeLeaseHeld, err)
	default:
		return err
	}
}
