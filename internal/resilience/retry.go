package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/helixir/review-orchestrator/internal/config"
	"github.com/helixir/review-orchestrator/internal/domain"
)

// RetryPolicy configures exponential backoff for a stage.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// Multiplier controls exponential growth of the backoff interval.
	Multiplier float64

	// MaxBackoff caps the backoff interval.
	MaxBackoff time.Duration
}

// PolicyFromConfig converts the orchestrator retry settings into a RetryPolicy.
func PolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		Multiplier:     cfg.Multiplier,
		MaxBackoff:     cfg.MaxBackoff,
	}
}

// DefaultRetryPolicy is used when no configuration is supplied.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 2 * time.Second,
		Multiplier:     2.0,
		MaxBackoff:     60 * time.Second,
	}
}

// BackoffForAttempt computes the backoff before retry number attempt (0-indexed).
func (p RetryPolicy) BackoffForAttempt(attempt int) time.Duration {
	backoff := p.InitialBackoff
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * multiplier)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		return p.MaxBackoff
	}
	return backoff
}

// StagePolicies returns per-stage retry policies derived from base.
// Search and PDF retrieval talk to rate-limited public APIs and start from
// twice the base backoff; deterministic stages never retry.
func StagePolicies(base RetryPolicy) map[domain.Stage]RetryPolicy {
	policies := make(map[domain.Stage]RetryPolicy, domain.StageCount)
	for _, s := range domain.StageOrder() {
		policies[s] = base
	}

	slow := base
	slow.InitialBackoff *= 2
	if slow.MaxBackoff > 0 && slow.InitialBackoff > slow.MaxBackoff {
		slow.InitialBackoff = slow.MaxBackoff
	}
	policies[domain.StageSearch] = slow
	policies[domain.StagePDFFetch] = slow

	for _, s := range []domain.Stage{domain.StageAnalysis, domain.StagePRISMA, domain.StageTables} {
		p := base
		p.MaxRetries = 0
		policies[s] = p
	}
	return policies
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Outcome describes how a retried call finished.
type Outcome struct {
	// Attempts is the total number of calls made (1 = succeeded on first try).
	Attempts int

	// Category of the last error; meaningless when Err is nil.
	Category ErrorCategory

	// Err is the last error, nil on success.
	Err error
}

// Retries returns the number of retries performed.
func (o Outcome) Retries() int {
	if o.Attempts == 0 {
		return 0
	}
	return o.Attempts - 1
}

// Retry runs fn until it succeeds, returns a non-transient error, the
// policy is exhausted, or ctx is done. onRetry, if set, is called before
// each backoff.
func Retry(ctx context.Context, p RetryPolicy, sleep Sleeper, fn func(attempt int) error, onRetry func(attempt int, err error, backoff time.Duration)) Outcome {
	if sleep == nil {
		sleep = SleepContext
	}

	for attempt := 0; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return Outcome{Attempts: attempt + 1}
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{Attempts: attempt + 1, Category: Permanent, Err: err}
		}

		category := Classify(err)
		if category != Transient {
			return Outcome{Attempts: attempt + 1, Category: category, Err: err}
		}
		if attempt >= p.MaxRetries {
			return Outcome{
				Attempts: attempt + 1,
				Category: Transient,
				Err:      fmt.Errorf("retries exhausted after %d attempts: %w", attempt+1, err),
			}
		}

		backoff := p.BackoffForAttempt(attempt)
		if onRetry != nil {
			onRetry(attempt+1, err, backoff)
		}
		if sleepErr := sleep(ctx, backoff); sleepErr != nil {
			return Outcome{
				Attempts: attempt + 1,
				Category: Permanent,
				Err:      fmt.Errorf("cancelled during retry backoff: %w", err),
			}
		}
	}
}
