package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/helixir/review-orchestrator/internal/domain"
)

// CheckpointRepository persists per-stage checkpoints. Rows are keyed by
// (workflow_id, stage), upserted and never deleted.
type CheckpointRepository interface {
	// Get returns one checkpoint, or domain.ErrNotFound when the stage has
	// never been started.
	Get(ctx context.Context, workflowID uuid.UUID, stage domain.Stage) (*domain.Checkpoint, error)

	// List returns all checkpoints of a workflow in stage order.
	List(ctx context.Context, workflowID uuid.UUID) ([]*domain.Checkpoint, error)

	// Upsert writes the full checkpoint, replacing any existing row.
	// A nil StartedAt or ProgressData keeps the stored value.
	Upsert(ctx context.Context, cp *domain.Checkpoint) error

	// MarkStarted records that a stage began: status pending, started_at now,
	// and completed_at, output, error and progress cleared.
	MarkStarted(ctx context.Context, workflowID uuid.UUID, stage domain.Stage) error

	// Mark sets a terminal status with started_at and completed_at both now.
	// It is used for skipped stages.
	Mark(ctx context.Context, workflowID uuid.UUID, stage domain.Stage, status domain.CheckpointStatus) error

	// UpdateProgress replaces only progress_data.
	// Returns domain.ErrNotFound if the checkpoint row does not exist.
	UpdateProgress(ctx context.Context, workflowID uuid.UUID, stage domain.Stage, data json.RawMessage) error
}
