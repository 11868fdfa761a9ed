// Package repository provides PostgreSQL persistence for review workflows
// and their per-stage checkpoints.
//
// WorkflowRepository owns the workflows table: the review protocol, the
// workflow status machine, running totals and the single-writer lease.
// CheckpointRepository owns workflow_stage_checkpoints: one row per
// (workflow, stage), upserted and never deleted.
//
// Methods return domain errors (domain.ErrNotFound, domain.ErrAlreadyExists,
// domain.ErrInvalidStatusTransition, domain.ErrLeaseHeld) wrapped with
// fmt.Errorf, so callers match them with errors.Is.
//
// Repositories accept a DBTX, so the same code runs against the pool or
// inside a caller's transaction:
//
//	err := db.WithTransaction(ctx, func(tx pgx.Tx) error {
//	    return repository.NewPgCheckpointRepository(tx).Upsert(ctx, cp)
//	})
package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/helixir/review-orchestrator/internal/database"
)

// DBTX is the database interface supporting both pool and transaction contexts.
type DBTX = database.DBTX

// txBeginner is implemented by pools (*pgxpool.Pool, *database.DB) but not by
// pgx.Tx. Update uses it to open its own transaction only when needed.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgreSQL error codes used for constraint violation detection.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isPgUniqueViolation(err error) bool {
	return isPgError(err, pgUniqueViolation)
}

func isPgForeignKeyViolation(err error) bool {
	return isPgError(err, pgForeignKeyViolation)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// jsonArg converts an optional JSON payload into a query argument; empty
// payloads become SQL NULL.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
