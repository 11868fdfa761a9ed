package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is the durable record of one stage's outcome for one workflow.
// Exactly one checkpoint exists per (workflow, stage); rows are upserted and
// never deleted.
type Checkpoint struct {
	WorkflowID   uuid.UUID        `json:"workflow_id"`
	Stage        Stage            `json:"stage"`
	Status       CheckpointStatus `json:"status"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	OutputData   json.RawMessage  `json:"output_data,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	RetryCount   int              `json:"retry_count"`
	Cost         float64          `json:"cost"`
	ProgressData json.RawMessage  `json:"progress_data,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Output decodes the stored output payload into a map.
// A checkpoint without output yields an empty map.
func (c *Checkpoint) Output() (map[string]any, error) {
	out := map[string]any{}
	if len(c.OutputData) == 0 || string(c.OutputData) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(c.OutputData, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckpointIndex maps stages to their checkpoints for one workflow.
type CheckpointIndex map[Stage]*Checkpoint

// IndexCheckpoints builds a CheckpointIndex from a list of rows.
func IndexCheckpoints(cps []*Checkpoint) CheckpointIndex {
	idx := make(CheckpointIndex, len(cps))
	for _, cp := range cps {
		idx[cp.Stage] = cp
	}
	return idx
}

// Done reports whether the stage has a completed or skipped checkpoint.
func (idx CheckpointIndex) Done(s Stage) bool {
	cp, ok := idx[s]
	return ok && cp.Status.IsDone()
}

// ResumePoint returns the first stage whose checkpoint is missing or not
// done. ok is false when every stage is completed or skipped.
func (idx CheckpointIndex) ResumePoint() (stage Stage, ok bool) {
	for _, s := range StageOrder() {
		if !idx.Done(s) {
			return s, true
		}
	}
	return "", false
}

// StageStatus is the read-only projection of a checkpoint used by status APIs.
type StageStatus struct {
	Stage        Stage            `json:"stage"`
	Status       CheckpointStatus `json:"status"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	RetryCount   int              `json:"retry_count"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Cost         float64          `json:"cost"`
}
