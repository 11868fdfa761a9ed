package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/review-orchestrator/internal/domain"
)

// validStatusTransitions lists the allowed workflow status changes.
// A completed workflow may be reopened by a stage rerun; failed and
// needs_review workflows are reopened by resume.
var validStatusTransitions = map[domain.WorkflowStatus][]domain.WorkflowStatus{
	domain.WorkflowStatusPending: {domain.WorkflowStatusRunning},
	domain.WorkflowStatusRunning: {
		domain.WorkflowStatusNeedsReview,
		domain.WorkflowStatusFailed,
		domain.WorkflowStatusCompleted,
	},
	domain.WorkflowStatusNeedsReview: {domain.WorkflowStatusRunning},
	domain.WorkflowStatusFailed:      {domain.WorkflowStatusRunning},
	domain.WorkflowStatusCompleted:   {domain.WorkflowStatusRunning},
}

// CanTransition reports whether a workflow may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to domain.WorkflowStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range validStatusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

const workflowColumns = `id, research_question, inclusion_criteria, exclusion_criteria, target_databases,
		mode, status, needs_user_action, action_required, error_message,
		total_cost, papers_found, papers_screened, papers_included, final_output,
		lease_holder, lease_expires_at, created_at, updated_at, started_at, completed_at`

// PgWorkflowRepository implements WorkflowRepository using PostgreSQL.
type PgWorkflowRepository struct {
	db DBTX
}

// NewPgWorkflowRepository creates a new PostgreSQL workflow repository.
func NewPgWorkflowRepository(db DBTX) *PgWorkflowRepository {
	return &PgWorkflowRepository{db: db}
}

// Compile-time check that PgWorkflowRepository implements WorkflowRepository.
var _ WorkflowRepository = (*PgWorkflowRepository)(nil)

// Create inserts a new workflow.
func (r *PgWorkflowRepository) Create(ctx context.Context, wf *domain.Workflow) error {
	if wf == nil {
		return domain.NewValidationError("workflow", "is required")
	}
	if strings.TrimSpace(wf.ResearchQuestion) == "" {
		return domain.NewValidationError("research_question", "is required")
	}
	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	if wf.Status == "" {
		wf.Status = domain.WorkflowStatusPending
	}

	query := `
		INSERT INTO workflows (
			id, research_question, inclusion_criteria, exclusion_criteria, target_databases,
			mode, status, needs_user_action, action_required, error_message,
			total_cost, papers_found, papers_screened, papers_included, final_output
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		wf.ID,
		wf.ResearchQuestion,
		nonNilStrings(wf.InclusionCriteria),
		nonNilStrings(wf.ExclusionCriteria),
		sourceTypesToStrings(wf.TargetDatabases),
		wf.Mode,
		wf.Status,
		wf.NeedsUserAction,
		nullString(wf.ActionRequired),
		nullString(wf.ErrorMessage),
		wf.TotalCost,
		wf.PapersFound,
		wf.PapersScreened,
		wf.PapersIncluded,
		jsonArg(wf.FinalOutput),
	).Scan(&wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		if isPgUniqueViolation(err) {
			return domain.NewAlreadyExistsError("workflow", wf.ID.String())
		}
		return fmt.Errorf("insert workflow: %w", err)
	}

	return nil
}

// Get retrieves a workflow by ID.
func (r *PgWorkflowRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`

	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query workflow: %w", err)
	}
	wf, err := scanSingleWorkflow(rows)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("workflow", id.String())
		}
		return nil, err
	}
	return wf, nil
}

// List retrieves workflows matching the filter.
func (r *PgWorkflowRepository) List(ctx context.Context, filter domain.WorkflowFilter) ([]*domain.Workflow, int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}

	var conditions []string
	var args []interface{}
	argIndex := 1

	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		conditions = append(conditions, fmt.Sprintf("status::text = ANY($%d)", argIndex))
		args = append(args, statuses)
		argIndex++
	}
	if filter.Mode != "" {
		conditions = append(conditions, fmt.Sprintf("mode = $%d", argIndex))
		args = append(args, filter.Mode)
		argIndex++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var totalCount int64
	countQuery := "SELECT COUNT(*) FROM workflows " + whereClause
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("count workflows: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM workflows %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, workflowColumns, whereClause, argIndex, argIndex+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*domain.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, 0, err
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate workflows: %w", err)
	}

	return workflows, totalCount, nil
}

// Update applies fn to the locked workflow row and persists the result.
// When the underlying DBTX can begin transactions the lock and the write
// share one transaction; inside a caller's transaction that one is used.
func (r *PgWorkflowRepository) Update(ctx context.Context, id uuid.UUID, fn func(*domain.Workflow) error) error {
	if beginner, ok := r.db.(txBeginner); ok {
		tx, err := beginner.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin workflow update: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := r.updateInTx(ctx, tx, id, fn); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit workflow update: %w", err)
		}
		return nil
	}
	return r.updateInTx(ctx, r.db, id, fn)
}

func (r *PgWorkflowRepository) updateInTx(ctx context.Context, db DBTX, id uuid.UUID, fn func(*domain.Workflow) error) error {
	rows, err := db.Query(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return fmt.Errorf("lock workflow: %w", err)
	}
	wf, err := scanSingleWorkflow(rows)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewNotFoundError("workflow", id.String())
		}
		return err
	}

	previous := wf.Status
	if err := fn(wf); err != nil {
		return err
	}
	if !CanTransition(previous, wf.Status) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStatusTransition, previous, wf.Status)
	}

	query := `
		UPDATE workflows SET
			status = $2,
			needs_user_action = $3,
			action_required = $4,
			error_message = $5,
			total_cost = $6,
			papers_found = $7,
			papers_screened = $8,
			papers_included = $9,
			final_output = $10,
			started_at = $11,
			completed_at = $12,
			mode = $13,
			updated_at = now()
		WHERE id = $1`

	_, err = db.Exec(ctx, query,
		id,
		wf.Status,
		wf.NeedsUserAction,
		nullString(wf.ActionRequired),
		nullString(wf.ErrorMessage),
		wf.TotalCost,
		wf.PapersFound,
		wf.PapersScreened,
		wf.PapersIncluded,
		jsonArg(wf.FinalOutput),
		wf.StartedAt,
		wf.CompletedAt,
		wf.Mode,
	)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	return nil
}

// AcquireLease takes or refreshes the single-writer lease on a workflow.
func (r *PgWorkflowRepository) AcquireLease(ctx context.Context, id uuid.UUID, holder string, ttl time.Duration) error {
	if holder == "" {
		return domain.NewValidationError("holder", "is required")
	}

	query := `
		UPDATE workflows SET
			lease_holder = $2,
			lease_expires_at = now() + make_interval(secs => $3),
			updated_at = now()
		WHERE id = $1
			AND (lease_holder IS NULL OR lease_expires_at < now() OR lease_holder = $2)`

	result, err := r.db.Exec(ctx, query, id, holder, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM workflows WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check workflow exists: %w", err)
	}
	if !exists {
		return domain.NewNotFoundError("workflow", id.String())
	}
	return fmt.Errorf("workflow %s: %w", id, domain.ErrLeaseHeld)
}

// RenewLease extends the lease if holder still owns it.
func (r *PgWorkflowRepository) RenewLease(ctx context.Context, id uuid.UUID, holder string, ttl time.Duration) error {
	query := `
		UPDATE workflows SET
			lease_expires_at = now() + make_interval(secs => $3)
		WHERE id = $1 AND lease_holder = $2`

	result, err := r.db.Exec(ctx, query, id, holder, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("workflow %s: %w", id, domain.ErrLeaseHeld)
	}
	return nil
}

// ReleaseLease clears the lease. Releasing a lease that was already lost is not an error.
func (r *PgWorkflowRepository) ReleaseLease(ctx context.Context, id uuid.UUID, holder string) error {
	query := `
		UPDATE workflows SET
			lease_holder = NULL,
			lease_expires_at = NULL
		WHERE id = $1 AND lease_holder = $2`

	if _, err := r.db.Exec(ctx, query, id, holder); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// workflowScanDest holds the nullable intermediates for one workflow row.
type workflowScanDest struct {
	wf              domain.Workflow
	targetDatabases []string
	actionRequired  *string
	errorMessage    *string
	finalOutput     []byte
	leaseHolder     *string
}

func (d *workflowScanDest) destinations() []any {
	return []any{
		&d.wf.ID,
		&d.wf.ResearchQuestion,
		&d.wf.InclusionCriteria,
		&d.wf.ExclusionCriteria,
		&d.targetDatabases,
		&d.wf.Mode,
		&d.wf.Status,
		&d.wf.NeedsUserAction,
		&d.actionRequired,
		&d.errorMessage,
		&d.wf.TotalCost,
		&d.wf.PapersFound,
		&d.wf.PapersScreened,
		&d.wf.PapersIncluded,
		&d.finalOutput,
		&d.leaseHolder,
		&d.wf.LeaseExpiresAt,
		&d.wf.CreatedAt,
		&d.wf.UpdatedAt,
		&d.wf.StartedAt,
		&d.wf.CompletedAt,
	}
}

func (d *workflowScanDest) finalize() *domain.Workflow {
	wf := d.wf
	wf.ActionRequired = derefString(d.actionRequired)
	wf.ErrorMessage = derefString(d.errorMessage)
	wf.LeaseHolder = derefString(d.leaseHolder)
	wf.TargetDatabases = make([]domain.SourceType, len(d.targetDatabases))
	for i, s := range d.targetDatabases {
		wf.TargetDatabases[i] = domain.SourceType(s)
	}
	if len(d.finalOutput) > 0 {
		wf.FinalOutput = append([]byte(nil), d.finalOutput...)
	}
	return &wf
}

func scanWorkflow(rows pgx.Rows) (*domain.Workflow, error) {
	var d workflowScanDest
	if err := rows.Scan(d.destinations()...); err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	return d.finalize(), nil
}

// scanSingleWorkflow reads exactly one row and closes rows.
// Returns pgx.ErrNoRows when the result set is empty.
func scanSingleWorkflow(rows pgx.Rows) (*domain.Workflow, error) {
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query workflow: %w", err)
		}
		return nil, pgx.ErrNoRows
	}
	return scanWorkflow(rows)
}

func sourceTypesToStrings(in []domain.SourceType) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
