package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/review-orchestrator/internal/domain"
)

const checkpointColumns = `workflow_id, stage, status, started_at, completed_at, output_data,
		error_message, retry_count, cost, progress_data, updated_at`

// PgCheckpointRepository implements CheckpointRepository using PostgreSQL.
type PgCheckpointRepository struct {
	db DBTX
}

// NewPgCheckpointRepository creates a new PostgreSQL checkpoint repository.
func NewPgCheckpointRepository(db DBTX) *PgCheckpointRepository {
	return &PgCheckpointRepository{db: db}
}

// Compile-time check that PgCheckpointRepository implements CheckpointRepository.
var _ CheckpointRepository = (*PgCheckpointRepository)(nil)

// Get retrieves one checkpoint.
func (r *PgCheckpointRepository) Get(ctx context.Context, workflowID uuid.UUID, stage domain.Stage) (*domain.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + `
		FROM workflow_stage_checkpoints
		WHERE workflow_id = $1 AND stage = $2`

	rows, err := r.db.Query(ctx, query, workflowID, string(stage))
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query checkpoint: %w", err)
		}
		return nil, domain.NewNotFoundError("checkpoint", workflowID.String()+"/"+string(stage))
	}
	return scanCheckpoint(rows)
}

// List returns all checkpoints of a workflow sorted by stage order.
func (r *PgCheckpointRepository) List(ctx context.Context, workflowID uuid.UUID) ([]*domain.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + `
		FROM workflow_stage_checkpoints
		WHERE workflow_id = $1`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*domain.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}

	sortCheckpoints(checkpoints)
	return checkpoints, nil
}

// Upsert inserts or replaces a checkpoint.
func (r *PgCheckpointRepository) Upsert(ctx context.Context, cp *domain.Checkpoint) error {
	if cp == nil {
		return domain.NewValidationError("checkpoint", "is required")
	}
	if !cp.Stage.Valid() {
		return domain.NewValidationError("stage", "unknown stage "+string(cp.Stage))
	}
	if cp.Cost < 0 {
		return domain.NewValidationError("cost", "must be non-negative")
	}

	query := `
		INSERT INTO workflow_stage_checkpoints (
			workflow_id, stage, status, started_at, completed_at, output_data,
			error_message, retry_count, cost, progress_data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (workflow_id, stage) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = COALESCE(EXCLUDED.started_at, workflow_stage_checkpoints.started_at),
			completed_at = EXCLUDED.completed_at,
			output_data = EXCLUDED.output_data,
			error_message = EXCLUDED.error_message,
			retry_count = EXCLUDED.retry_count,
			cost = EXCLUDED.cost,
			progress_data = COALESCE(EXCLUDED.progress_data, workflow_stage_checkpoints.progress_data),
			updated_at = now()
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		cp.WorkflowID,
		string(cp.Stage),
		cp.Status,
		cp.StartedAt,
		cp.CompletedAt,
		jsonArg(cp.OutputData),
		nullString(cp.ErrorMessage),
		cp.RetryCount,
		cp.Cost,
		jsonArg(cp.ProgressData),
	).Scan(&cp.UpdatedAt)
	if err != nil {
		if isPgForeignKeyViolation(err) {
			return domain.NewNotFoundError("workflow", cp.WorkflowID.String())
		}
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// MarkStarted records the start of a stage attempt.
func (r *PgCheckpointRepository) MarkStarted(ctx context.Context, workflowID uuid.UUID, stage domain.Stage) error {
	query := `
		INSERT INTO workflow_stage_checkpoints (workflow_id, stage, status, started_at)
		VALUES ($1, $2, 'pending', now())
		ON CONFLICT (workflow_id, stage) DO UPDATE SET
			status = 'pending',
			started_at = now(),
			completed_at = NULL,
			output_data = NULL,
			error_message = NULL,
			progress_data = NULL,
			updated_at = now()`

	if _, err := r.db.Exec(ctx, query, workflowID, string(stage)); err != nil {
		if isPgForeignKeyViolation(err) {
			return domain.NewNotFoundError("workflow", workflowID.String())
		}
		return fmt.Errorf("mark stage started: %w", err)
	}
	return nil
}

// Mark records a terminal status without output. Output, cost and retry
// count left by an earlier run of the stage are cleared.
func (r *PgCheckpointRepository) Mark(ctx context.Context, workflowID uuid.UUID, stage domain.Stage, status domain.CheckpointStatus) error {
	query := `
		INSERT INTO workflow_stage_checkpoints (workflow_id, stage, status, started_at, completed_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (workflow_id, stage) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = now(),
			completed_at = now(),
			output_data = NULL,
			retry_count = 0,
			cost = 0,
			error_message = NULL,
			progress_data = NULL,
			updated_at = now()`

	if _, err := r.db.Exec(ctx, query, workflowID, string(stage), status); err != nil {
		if isPgForeignKeyViolation(err) {
			return domain.NewNotFoundError("workflow", workflowID.String())
		}
		return fmt.Errorf("mark stage %s: %w", status, err)
	}
	return nil
}

// UpdateProgress replaces the progress snapshot of an existing checkpoint.
func (r *PgCheckpointRepository) UpdateProgress(ctx context.Context, workflowID uuid.UUID, stage domain.Stage, data json.RawMessage) error {
	query := `
		UPDATE workflow_stage_checkpoints SET
			progress_data = $3,
			updated_at = now()
		WHERE workflow_id = $1 AND stage = $2`

	result, err := r.db.Exec(ctx, query, workflowID, string(stage), jsonArg(data))
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("checkpoint", workflowID.String()+"/"+string(stage))
	}
	return nil
}

func scanCheckpoint(rows pgx.Rows) (*domain.Checkpoint, error) {
	var (
		cp           domain.Checkpoint
		stage        string
		outputData   []byte
		errorMessage *string
		progressData []byte
	)
	err := rows.Scan(
		&cp.WorkflowID,
		&stage,
		&cp.Status,
		&cp.StartedAt,
		&cp.CompletedAt,
		&outputData,
		&errorMessage,
		&cp.RetryCount,
		&cp.Cost,
		&progressData,
		&cp.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}

	cp.Stage = domain.Stage(stage)
	cp.ErrorMessage = derefString(errorMessage)
	if len(outputData) > 0 {
		cp.OutputData = append(json.RawMessage(nil), outputData...)
	}
	if len(progressData) > 0 {
		cp.ProgressData = append(json.RawMessage(nil), progressData...)
	}
	return &cp, nil
}

func sortCheckpoints(cps []*domain.Checkpoint) {
	sort.Slice(cps, func(i, j int) bool {
		return cps[i].Stage.Index() < cps[j].Stage.Index()
	})
}
