package temporal

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/pipeline"
)

// Registered names. Workflows and activities are registered under fixed
// names so clients can start them without importing the implementations.
const (
	PipelineWorkflowName = "PipelineWorkflow"
	RunPipelineActivity  = "RunPipeline"

	// QueryStatus returns the RunStatus of a running pipeline workflow.
	QueryStatus = "status"
)

// Operation selects which orchestrator entry point a run invokes.
type Operation string

const (
	OperationExecute Operation = "execute"
	OperationResume  Operation = "resume"
	OperationRerun   Operation = "rerun"
)

// PipelineInput is the input of PipelineWorkflow and RunPipeline.
type PipelineInput struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	Operation  Operation `json:"operation"`

	// Execute only.
	StartFrom domain.Stage   `json:"start_from,omitempty"`
	Skip      []domain.Stage `json:"skip,omitempty"`

	// Rerun only.
	Stage         domain.Stage   `json:"stage,omitempty"`
	InputOverride map[string]any `json:"input_override,omitempty"`
}

// Validate checks the input before a run is started.
func (in PipelineInput) Validate() error {
	if in.WorkflowID == uuid.Nil {
		return domain.NewValidationError("workflow_id", "is required")
	}
	switch in.Operation {
	case OperationExecute:
		if in.StartFrom != "" && !in.StartFrom.Valid() {
			return domain.NewValidationError("start_from", fmt.Sprintf("unknown stage %q", in.StartFrom))
		}
		for _, s := range in.Skip {
			if !s.Valid() {
				return domain.NewValidationError("skip", fmt.Sprintf("unknown stage %q", s))
			}
		}
	case OperationResume:
	case OperationRerun:
		if !in.Stage.Valid() {
			return domain.NewValidationError("stage", fmt.Sprintf("unknown stage %q", in.Stage))
		}
	default:
		return domain.NewValidationError("operation", fmt.Sprintf("unknown operation %q", in.Operation))
	}
	return nil
}

// PipelineOutput is the result of a pipeline run. Result is set for execute
// and resume, StageResult for rerun.
type PipelineOutput struct {
	Result      *pipeline.Result      `json:"result,omitempty"`
	StageResult *pipeline.StageResult `json:"stage_result,omitempty"`
}

// RunStatus is the answer to QueryStatus.
type RunStatus struct {
	Operation Operation `json:"operation"`
	Phase     string    `json:"phase"`
	Error     string    `json:"error,omitempty"`
}

// Run phases reported by QueryStatus.
const (
	PhaseRunning  = "running"
	PhaseFinished = "finished"
	PhaseFailed   = "failed"
)

// Application error types raised by RunPipeline. The first three are never
// retried by the workflow.
const (
	ErrTypeInvalidInput = "InvalidInput"
	ErrTypeNotFound     = "NotFound"
	ErrTypePrecondition = "Precondition"
	ErrTypeLeaseHeld    = "LeaseHeld"
)

// NonRetryableErrorTypes lists the error types the pipeline retry policy
// gives up on immediately.
func NonRetryableErrorTypes() []string {
	return []string{ErrTypeInvalidInput, ErrTypeNotFound, ErrTypePrecondition}
}
