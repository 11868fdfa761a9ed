package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/review-orchestrator/internal/domain"
)

// WorkflowRepository persists review workflows.
type WorkflowRepository interface {
	// Create inserts a new workflow.
	// Returns domain.ErrAlreadyExists if the ID is taken and domain.ErrInvalidInput
	// when required fields are missing.
	Create(ctx context.Context, wf *domain.Workflow) error

	// Get retrieves a workflow by ID.
	// Returns domain.ErrNotFound if no matching workflow exists.
	Get(ctx context.Context, id uuid.UUID) (*domain.Workflow, error)

	// List returns workflows matching the filter, newest first, and the
	// total number of matches regardless of paging.
	List(ctx context.Context, filter domain.WorkflowFilter) ([]*domain.Workflow, int64, error)

	// Update locks the row with SELECT FOR UPDATE, applies fn and persists
	// the result. A status change that is not an allowed transition aborts
	// with domain.ErrInvalidStatusTransition. If fn returns an error nothing
	// is written and that error is returned.
	Update(ctx context.Context, id uuid.UUID, fn func(*domain.Workflow) error) error

	// AcquireLease makes holder the single writer for ttl. It succeeds when
	// the lease is free, expired, or already held by holder.
	// Returns domain.ErrLeaseHeld when another holder owns a live lease.
	AcquireLease(ctx context.Context, id uuid.UUID, holder string, ttl time.Duration) error

	// RenewLease extends a lease still held by holder.
	// Returns domain.ErrLeaseHeld if the lease was lost.
	RenewLease(ctx context.Context, id uuid.UUID, holder string, ttl time.Duration) error

	// ReleaseLease clears the lease if holder still owns it.
	ReleaseLease(ctx context.Context, id uuid.UUID, holder string) error
}
