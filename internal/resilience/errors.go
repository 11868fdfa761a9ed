// Package resilience provides error classification, retry with exponential
// backoff, and circuit breakers for stage execution and the external services
// stages depend on.
package resilience

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/helixir/review-orchestrator/internal/domain"
)

// ErrorCategory classifies errors into categories that determine the retry
// behaviour of a stage.
type ErrorCategory int

const (
	// Transient errors are temporary failures that should be retried with
	// exponential backoff (e.g. network timeouts, rate limits, circuit open).
	Transient ErrorCategory = iota

	// Budget errors indicate exhausted provider quota or credit. Retrying
	// will not help; the workflow pauses for an operator.
	Budget

	// Permanent errors are non-recoverable.
	Permanent
)

// String returns a human-readable name for the category.
func (c ErrorCategory) String() string {
	switch c {
	case Transient:
		return "transient"
	case Budget:
		return "budget"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// TransientError is implemented by structured client errors that know
// whether they are worth retrying.
type TransientError interface {
	error
	IsTransient() bool
}

// BudgetError is implemented by client errors that report exhausted quota.
type BudgetError interface {
	error
	IsBudgetExhausted() bool
}

// transientSubstrings are error message substrings that indicate a transient failure
// when the error is not already classified by a structured error type.
var transientSubstrings = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"circuit breaker",
	"rate limit",
	"rate_limit",
	"server_error",
	"service unavailable",
	"temporary",
	"eof",
}

// permanentSubstrings indicate a permanent failure. They are narrow on
// purpose: "unauthorized" rather than "auth", which would match "author".
var permanentSubstrings = []string{
	"unauthorized",
	"forbidden",
	"bad request",
	"not found",
	"invalid request",
	"validation",
	"content_filter",
}

// Classify inspects err and returns its ErrorCategory.
//
// Classification priority:
//  1. Nil and cancellation errors are Permanent.
//  2. Structured client errors (BudgetError, TransientError).
//  3. Open circuit breakers are Transient.
//  4. Domain sentinels and typed errors.
//  5. Message substrings, transient first.
//  6. Default: Transient.
func Classify(err error) ErrorCategory {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrCancelled) {
		return Permanent
	}

	var budgetErr BudgetError
	if errors.As(err, &budgetErr) && budgetErr.IsBudgetExhausted() {
		return Budget
	}
	var transientErr TransientError
	if errors.As(err, &transientErr) {
		if transientErr.IsTransient() {
			return Transient
		}
		return Permanent
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Transient
	}

	if errors.Is(err, domain.ErrRateLimited) || errors.Is(err, domain.ErrServiceUnavailable) {
		return Transient
	}
	var apiErr *domain.ExternalAPIError
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return Transient
		}
		return Permanent
	}
	if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrPrecondition) || errors.Is(err, domain.ErrLeaseHeld) {
		return Permanent
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "quota") && strings.Contains(msg, "exceeded") {
		return Budget
	}
	for _, sub := range transientSubstrings {
		if strings.Contains(msg, sub) {
			return Transient
		}
	}
	for _, sub := range permanentSubstrings {
		if strings.Contains(msg, sub) {
			return Permanent
		}
	}

	return Transient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == Transient
}
