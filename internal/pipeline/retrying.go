package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/review-orchestrator/internal/resilience"
)

// budgetAction is the action reported when a provider refuses work for lack
// of quota.
const budgetAction = "LLM provider quota exhausted; add credit and resume the workflow"

// panicError wraps a recovered panic. It is never retried.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("stage panicked: %v", e.value)
}

func (e *panicError) IsTransient() bool { return false }

// RetryingExecutor adds RunWithRetry to an Executor using a RetryPolicy.
type RetryingExecutor struct {
	Executor

	policy resilience.RetryPolicy
	sleep  resilience.Sleeper
}

// Compile-time check that RetryingExecutor implements StageExecutor.
var _ StageExecutor = (*RetryingExecutor)(nil)

// WithRetry wraps exec with the given policy.
func WithRetry(exec Executor, policy resilience.RetryPolicy) *RetryingExecutor {
	return &RetryingExecutor{Executor: exec, policy: policy, sleep: resilience.SleepContext}
}

// WithSleeper replaces the backoff sleeper, for tests.
func (r *RetryingExecutor) WithSleeper(s resilience.Sleeper) *RetryingExecutor {
	r.sleep = s
	return r
}

// Policy returns the retry policy.
func (r *RetryingExecutor) Policy() resilience.RetryPolicy {
	return r.policy
}

// RunWithRetry executes the stage, retrying transient errors with
// exponential backoff. Panics are recovered into hard failures.
func (r *RetryingExecutor) RunWithRetry(ctx context.Context, in *StageInput) *StageResult {
	logger := in.Logger
	var (
		last *StageResult
		cost float64
	)

	outcome := resilience.Retry(ctx, r.policy, r.sleep, func(attempt int) error {
		attemptIn := *in
		attemptIn.Attempt = attempt
		res, err := r.safeExecute(ctx, &attemptIn)
		if res != nil {
			cost += res.Cost
		}
		if err != nil {
			return err
		}
		if res == nil {
			res = &StageResult{}
		}
		last = res
		return nil
	}, func(attempt int, err error, backoff time.Duration) {
		logger.Warn().
			Err(err).
			Str("stage", string(r.Stage())).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("retrying stage after transient error")
	})

	result := &StageResult{Cost: cost, RetryCount: outcome.Retries()}
	if outcome.Err == nil {
		result.Success = true
		result.Output = last.Output
		if result.Output == nil {
			result.Output = map[string]any{}
		}
		return result
	}

	result.Err = outcome.Err
	result.Error = outcome.Err.Error()

	var ar *ActionRequiredError
	switch {
	case errors.As(outcome.Err, &ar):
		result.NeedsUserAction = true
		result.ActionRequired = ar.Action
	case outcome.Category == resilience.Budget:
		result.NeedsUserAction = true
		result.ActionRequired = budgetAction
	}

	var pe *panicError
	if errors.As(outcome.Err, &pe) {
		logger.Error().
			Str("stage", string(r.Stage())).
			Str("panic", fmt.Sprint(pe.value)).
			Bytes("stack", pe.stack).
			Msg("stage panicked")
	}
	return result
}

func (r *RetryingExecutor) safeExecute(ctx context.Context, in *StageInput) (res *StageResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = &panicError{value: p, stack: debug.Stack()}
		}
	}()
	return r.Execute(ctx, in)
}

// stageLogger returns the logger used for a stage input when none was set.
func stageLogger(base zerolog.Logger, in *StageInput) zerolog.Logger {
	return base.With().
		Str("workflow_id", in.WorkflowID.String()).
		Str("stage", string(in.Stage)).
		Str("mode", in.Mode.Name).
		Logger()
}
