// Package pipeline sequences the review stages into one resumable run.
//
// The Orchestrator owns checkpoint and workflow writes. Stage executors do
// the work of one stage and report a StageResult; they never persist.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/progress"
)

// StageInput is everything a stage may read.
type StageInput struct {
	WorkflowID uuid.UUID
	Stage      domain.Stage
	Mode       domain.ModeConfig

	// Data holds the workflow protocol and the outputs of earlier stages.
	// Executors must treat it as read-only.
	Data *Accumulator

	// Tracker receives sub-stage progress events. It may be nil.
	Tracker *progress.Tracker

	Logger zerolog.Logger

	// Attempt is 0 on the first call and increments on each retry.
	Attempt int
}

// StageResult is the outcome of one stage execution. It is translated into
// a checkpoint immediately after the stage returns.
type StageResult struct {
	Success         bool           `json:"success"`
	Output          map[string]any `json:"output,omitempty"`
	Err             error          `json:"-"`
	Error           string         `json:"error,omitempty"`
	NeedsUserAction bool           `json:"needs_user_action"`
	ActionRequired  string         `json:"action_required,omitempty"`
	Cost            float64        `json:"cost"`
	RetryCount      int            `json:"retry_count"`
}

// Executor performs one stage's work.
type Executor interface {
	// Stage returns the stage this executor implements.
	Stage() domain.Stage

	// RequiredStages lists stages whose completed output this stage reads.
	RequiredStages() []domain.Stage

	// Execute does the work once. The returned result carries Output and
	// Cost; Success and RetryCount are filled in by the retry wrapper.
	// A result returned alongside an error still contributes its Cost.
	Execute(ctx context.Context, in *StageInput) (*StageResult, error)
}

// StageExecutor is an Executor with its own retry policy.
type StageExecutor interface {
	Executor

	// RunWithRetry executes the stage with retries and never returns an error;
	// failures are reported through the result.
	RunWithRetry(ctx context.Context, in *StageInput) *StageResult
}

// ActionRequiredError pauses the workflow for human review instead of failing it.
type ActionRequiredError struct {
	Action string
	Err    error
}

// NewActionRequired creates an ActionRequiredError with a formatted action.
func NewActionRequired(format string, args ...any) *ActionRequiredError {
	return &ActionRequiredError{Action: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *ActionRequiredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("action required: %s: %v", e.Action, e.Err)
	}
	return "action required: " + e.Action
}

// Unwrap returns the underlying cause.
func (e *ActionRequiredError) Unwrap() error {
	return e.Err
}

// IsTransient reports false so that retry loops stop immediately.
func (e *ActionRequiredError) IsTransient() bool {
	return false
}

// IsActionRequired reports whether err asks for human review.
func IsActionRequired(err error) bool {
	var ar *ActionRequiredError
	return errors.As(err, &ar)
}

// Succeed builds a successful result from a typed stage output.
func Succeed(output any, cost float64) (*StageResult, error) {
	m, err := OutputMap(output)
	if err != nil {
		return nil, fmt.Errorf("encode stage output: %w", err)
	}
	return &StageResult{Success: true, Output: m, Cost: cost}, nil
}

// OutputMap converts a typed output struct into the generic map stored in
// checkpoints and the accumulator.
func OutputMap(output any) (map[string]any, error) {
	if output == nil {
		return map[string]any{}, nil
	}
	if m, ok := output.(map[string]any); ok {
		return m, nil
	}
	b, err := json.Marshal(output)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
