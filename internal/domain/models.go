// Package domain provides domain models and business logic for the review orchestrator.
package domain

// WorkflowStatus represents the lifecycle states of a review workflow.
// These values must match the database enum workflow_status.
type WorkflowStatus string

const (
	WorkflowStatusPending     WorkflowStatus = "pending"
	WorkflowStatusRunning     WorkflowStatus = "running"
	WorkflowStatusNeedsReview WorkflowStatus = "needs_review"
	WorkflowStatusFailed      WorkflowStatus = "failed"
	WorkflowStatusCompleted   WorkflowStatus = "completed"
)

// IsTerminal returns true if the status represents a final state of a run.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known workflow status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusPending, WorkflowStatusRunning, WorkflowStatusNeedsReview,
		WorkflowStatusFailed, WorkflowStatusCompleted:
		return true
	default:
		return false
	}
}

// CheckpointStatus represents the state of a single stage checkpoint.
// These values must match the database enum checkpoint_status.
type CheckpointStatus string

const (
	CheckpointStatusPending   CheckpointStatus = "pending"
	CheckpointStatusCompleted CheckpointStatus = "completed"
	CheckpointStatusFailed    CheckpointStatus = "failed"
	CheckpointStatusSkipped   CheckpointStatus = "skipped"
)

// IsDone reports whether downstream stages may rely on this checkpoint.
func (s CheckpointStatus) IsDone() bool {
	return s == CheckpointStatusCompleted || s == CheckpointStatusSkipped
}

// SourceType represents the bibliographic database that provided paper data.
type SourceType string

const (
	SourceTypeSemanticScholar SourceType = "semantic_scholar"
	SourceTypeOpenAlex        SourceType = "openalex"
	SourceTypePubMed          SourceType = "pubmed"
)

// Valid reports whether s is a supported source.
func (s SourceType) Valid() bool {
	switch s {
	case SourceTypeSemanticScholar, SourceTypeOpenAlex, SourceTypePubMed:
		return true
	default:
		return false
	}
}
