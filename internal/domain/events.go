package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants for workflow lifecycle events.
const (
	EventTypeWorkflowStarted     = "workflow.started"
	EventTypeWorkflowCompleted   = "workflow.completed"
	EventTypeWorkflowFailed      = "workflow.failed"
	EventTypeWorkflowNeedsReview = "workflow.needs_review"
	EventTypeStageStarted        = "workflow.stage_started"
	EventTypeStageCompleted      = "workflow.stage_completed"
	EventTypeStageFailed         = "workflow.stage_failed"
	EventTypeStageSkipped        = "workflow.stage_skipped"
)

// WorkflowEvent is a lifecycle notification published for downstream consumers.
type WorkflowEvent struct {
	EventID      string          `json:"event_id"`
	EventVersion int             `json:"event_version"`
	EventType    string          `json:"event_type"`
	WorkflowID   uuid.UUID       `json:"workflow_id"`
	Stage        Stage           `json:"stage,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// NewWorkflowEvent creates a new event with the given parameters.
// The payload is JSON-serialized automatically.
func NewWorkflowEvent(eventType string, workflowID uuid.UUID, stage Stage, payload interface{}) (*WorkflowEvent, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	return &WorkflowEvent{
		EventID:      uuid.New().String(),
		EventVersion: 1,
		EventType:    eventType,
		WorkflowID:   workflowID,
		Stage:        stage,
		Payload:      raw,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// StageOutcomePayload is the payload for stage completed/failed events.
type StageOutcomePayload struct {
	Status         CheckpointStatus `json:"status"`
	Cost           float64          `json:"cost"`
	RetryCount     int              `json:"retry_count"`
	DurationMS     int64            `json:"duration_ms"`
	Error          string           `json:"error,omitempty"`
	ActionRequired string           `json:"action_required,omitempty"`
}

// WorkflowOutcomePayload is the payload for workflow-level events.
type WorkflowOutcomePayload struct {
	Status         WorkflowStatus `json:"status"`
	Mode           string         `json:"mode"`
	TotalCost      float64        `json:"total_cost"`
	FailedStage    Stage          `json:"failed_stage,omitempty"`
	Error          string         `json:"error,omitempty"`
	ActionRequired string         `json:"action_required,omitempty"`
}

// Command names accepted on the commands topic.
const (
	CommandResume = "resume"
	CommandRerun  = "rerun"
	CommandCancel = "cancel"
)

// WorkflowCommand is an operator instruction consumed from the commands topic.
type WorkflowCommand struct {
	Command       string         `json:"command"`
	WorkflowID    uuid.UUID      `json:"workflow_id"`
	Stage         Stage          `json:"stage,omitempty"`
	InputOverride map[string]any `json:"input_override,omitempty"`
}

// Validate checks the command fields.
func (c *WorkflowCommand) Validate() error {
	if c.WorkflowID == uuid.Nil {
		return NewValidationError("workflow_id", "is required")
	}
	switch c.Command {
	case CommandResume, CommandCancel:
		return nil
	case CommandRerun:
		if !c.Stage.Valid() {
			return NewValidationError("stage", "unknown stage "+string(c.Stage))
		}
		return nil
	default:
		return NewValidationError("command", "unknown command "+c.Command)
	}
}
