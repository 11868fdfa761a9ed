// Package llm provides chat completion clients for the review stages.
//
// Two providers are supported, OpenAI Chat Completions and the Anthropic
// Messages API. Both implement Client. Stage code talks to a Service, which
// adds rate limiting, circuit breaking, token metrics and cost accounting on
// top of a Client.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidResponse marks a completion whose content could not be parsed.
// It is not retried at the call site.
var ErrInvalidResponse = errors.New("invalid LLM response")

// IsInvalidResponse reports whether err wraps ErrInvalidResponse.
func IsInvalidResponse(err error) bool {
	return errors.Is(err, ErrInvalidResponse)
}

// Request is one chat completion call.
type Request struct {
	// System is the instruction prompt.
	System string

	// Prompt is the user message.
	Prompt string

	// JSON asks the provider for a JSON object response.
	JSON bool

	// MaxTokens bounds the response. Zero uses the provider default.
	MaxTokens int

	// Temperature overrides the client temperature when non-nil.
	Temperature *float64
}

// Response is the completion text and its token usage.
type Response struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int

	// Cost is filled in by Service from the configured pricing.
	Cost float64
}

// Client performs chat completions against one provider.
type Client interface {
	// Complete sends the request and returns the first text completion.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Provider returns the name of the LLM provider (e.g., "openai", "anthropic").
	Provider() string

	// Model returns the model identifier being used.
	Model() string
}

// DecodeJSON parses a JSON completion into dst. Markdown code fences around
// the object are tolerated.
func DecodeJSON(content string, dst any) error {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if start, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); start > 0 && end > start {
		s = s[start : end+1]
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		return fmt.Errorf("%w: parse LLM JSON response: %w", ErrInvalidResponse, err)
	}
	return nil
}

// Float returns a pointer to v, for Request.Temperature.
func Float(v float64) *float64 {
	return &v
}
