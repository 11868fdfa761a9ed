package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError represents an error returned by an LLM provider API.
type APIError struct {
	// Provider is the name of the LLM provider (e.g., "openai", "anthropic").
	Provider string
	// StatusCode is the HTTP status code returned by the API. Zero means no
	// HTTP response was received.
	StatusCode int
	// Message is the error message from the API.
	Message string
	// Type is the error type classification from the API.
	Type string
	// Code is the provider-specific error code (if available).
	Code string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: API error (status %d, type %s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// IsTransient returns true if the error may succeed on retry: rate limiting
// (429), server errors (5xx) and network errors. Quota exhaustion is never
// transient even when reported with 429.
func (e *APIError) IsTransient() bool {
	if e.IsBudgetExhausted() {
		return false
	}
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

// IsBudgetExhausted reports whether the provider refused the call because
// the account is out of credit or quota.
func (e *APIError) IsBudgetExhausted() bool {
	if e.StatusCode == http.StatusPaymentRequired {
		return true
	}
	switch e.Code {
	case "insufficient_quota", "billing_hard_limit_reached":
		return true
	}
	switch e.Type {
	case "insufficient_quota", "billing_error":
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "credit balance is too low")
}

// isTransientError reports whether err is an APIError that can be retried.
func isTransientError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsTransient()
	}
	return false
}
