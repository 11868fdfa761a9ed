package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sony/gobreaker"

	"github.com/helixir/review-orchestrator/internal/domain"
)

type fakeClientErr struct {
	transient bool
	budget    bool
}

func (e *fakeClientErr) Error() string           { return "client error" }
func (e *fakeClientErr) IsTransient() bool       { return e.transient }
func (e *fakeClientErr) IsBudgetExhausted() bool { return e.budget }

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCategory
	}{
		{"nil", nil, Permanent},
		{"context canceled", context.Canceled, Permanent},
		{"wrapped cancel", fmt.Errorf("stage: %w", context.Canceled), Permanent},
		{"client transient", &fakeClientErr{transient: true}, Transient},
		{"client permanent", &fakeClientErr{}, Permanent},
		{"client budget", &fakeClientErr{budget: true}, Budget},
		{"wrapped client transient", fmt.Errorf("llm: %w", &fakeClientErr{transient: true}), Transient},
		{"breaker open", gobreaker.ErrOpenState, Transient},
		{"breaker half-open saturated", gobreaker.ErrTooManyRequests, Transient},
		{"rate limited", domain.NewRateLimitError("openalex", 0), Transient},
		{"service unavailable", fmt.Errorf("pubmed: %w", domain.ErrServiceUnavailable), Transient},
		{"api 503", domain.NewExternalAPIError("s2", 503, "down", nil), Transient},
		{"api 429", domain.NewExternalAPIError("s2", 429, "slow down", nil), Transient},
		{"api 400", domain.NewExternalAPIError("s2", 400, "bad query", nil), Permanent},
		{"validation", domain.NewValidationError("mode", "unknown"), Permanent},
		{"not found", domain.NewNotFoundError("workflow", "x"), Permanent},
		{"lease held", domain.ErrLeaseHeld, Permanent},
		{"precondition", &domain.DependencyError{Stage: domain.StageRiskOfBias}, Permanent},
		{"quota message", errors.New("monthly quota exceeded"), Budget},
		{"timeout message", errors.New("i/o timeout"), Transient},
		{"author is not auth", errors.New("author list malformed: unauthorized token"), Permanent},
		{"unknown defaults to transient", errors.New("something odd"), Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestErrorCategory_String(t *testing.T) {
	cases := map[ErrorCategory]string{
		Transient:         "transient",
		Budget:            "budget",
		Permanent:         "permanent",
		ErrorCategory(42): "unknown",
	}
	for c, want := range cases {
		if got := c.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", c, got, want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil must not be transient")
	}
	if !IsTransient(domain.ErrRateLimited) {
		t.Error("rate limited should be transient")
	}
}
