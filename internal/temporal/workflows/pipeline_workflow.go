// Package workflows contains the Temporal workflow that drives a review
// pipeline run.
package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	litemporal "github.com/helixir/review-orchestrator/internal/temporal"
)

// Options configures the pipeline activity.
type Options struct {
	// ActivityTimeout bounds one RunPipeline attempt.
	ActivityTimeout time.Duration

	// HeartbeatTimeout is the longest gap between activity heartbeats.
	HeartbeatTimeout time.Duration

	// MaxAttempts caps RunPipeline attempts. Later attempts resume from
	// the last checkpoint.
	MaxAttempts int32
}

func (o Options) withDefaults() Options {
	if o.ActivityTimeout <= 0 {
		o.ActivityTimeout = 6 * time.Hour
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 2 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	return o
}

// PipelineWorkflow runs one orchestrator operation as a single long-running
// activity and reports its phase through the status query.
type PipelineWorkflow func(ctx workflow.Context, input litemporal.PipelineInput) (*litemporal.PipelineOutput, error)

// NewPipelineWorkflow returns the workflow function to register under
// litemporal.PipelineWorkflowName.
func NewPipelineWorkflow(opts Options) PipelineWorkflow {
	opts = opts.withDefaults()

	return func(ctx workflow.Context, input litemporal.PipelineInput) (*litemporal.PipelineOutput, error) {
		logger := workflow.GetLogger(ctx)

		status := &litemporal.RunStatus{Operation: input.Operation, Phase: litemporal.PhaseRunning}
		if err := workflow.SetQueryHandler(ctx, litemporal.QueryStatus, func() (*litemporal.RunStatus, error) {
			return status, nil
		}); err != nil {
			return nil, err
		}

		if err := input.Validate(); err != nil {
			status.Phase = litemporal.PhaseFailed
			status.Error = err.Error()
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), litemporal.ErrTypeInvalidInput, err)
		}

		actCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: opts.ActivityTimeout,
			HeartbeatTimeout:    opts.HeartbeatTimeout,
			WaitForCancellation: true,
			RetryPolicy: &temporal.RetryPolicy{
				InitialInterval:        10 * time.Second,
				BackoffCoefficient:     2.0,
				MaximumInterval:        5 * time.Minute,
				MaximumAttempts:        opts.MaxAttempts,
				NonRetryableErrorTypes: litemporal.NonRetryableErrorTypes(),
			},
		})

		logger.Info("pipeline run started",
			"workflowID", input.WorkflowID.String(),
			"operation", string(input.Operation))

		var out litemporal.PipelineOutput
		if err := workflow.ExecuteActivity(actCtx, litemporal.RunPipelineActivity, input).Get(actCtx, &out); err != nil {
			status.Phase = litemporal.PhaseFailed
			status.Error = err.Error()
			logger.Error("pipeline run failed", "workflowID", input.WorkflowID.String(), "error", err)
			return nil, err
		}

		status.Phase = litemporal.PhaseFinished
		if out.Result != nil {
			logger.Info("pipeline run finished",
				"workflowID", input.WorkflowID.String(),
				"status", string(out.Result.Status),
				"totalCost", out.Result.TotalCost)
		}
		return &out, nil
	}
}
