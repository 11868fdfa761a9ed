package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAnthropicTestProvider(t *testing.T, handler http.HandlerFunc, maxRetries int) *AnthropicProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p := NewAnthropicProvider(AnthropicConfig{
		APIKey:  "sk-ant-test",
		Model:   "claude-3-5-haiku-latest",
		BaseURL: server.URL,
	}, 0.1, 10*time.Second, maxRetries)
	p.retryDelay = time.Millisecond
	return p
}

func TestAnthropicProvider_Complete(t *testing.T) {
	t.Run("sends headers and joins text blocks", func(t *testing.T) {
		var received messagesRequest
		p := newAnthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/messages", r.URL.Path)
			assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
			assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

			_ = json.NewEncoder(w).Encode(messagesResponse{
				ID:    "msg_1",
				Type:  "message",
				Model: "claude-3-5-haiku-20241022",
				Content: []contentBlock{
					{Type: "text", Text: `{"overall":`},
					{Type: "text", Text: `"low"}`},
				},
				Usage: anthropicUsage{InputTokens: 900, OutputTokens: 20},
			})
		}, 0)

		resp, err := p.Complete(context.Background(), Request{System: "Assess bias.", Prompt: "Study text", JSON: true})
		require.NoError(t, err)
		assert.Equal(t, `{"overall":"low"}`, resp.Content)
		assert.Equal(t, "claude-3-5-haiku-20241022", resp.Model)
		assert.Equal(t, 900, resp.InputTokens)
		assert.Equal(t, 20, resp.OutputTokens)

		assert.Equal(t, "claude-3-5-haiku-latest", received.Model)
		assert.Equal(t, defaultAnthropicMaxTokens, received.MaxTokens)
		assert.Contains(t, received.System, "Assess bias.")
		assert.Contains(t, received.System, "valid JSON object")
		require.Len(t, received.Messages, 1)
		assert.Equal(t, "user", received.Messages[0].Role)
	})

	t.Run("retries overloaded responses", func(t *testing.T) {
		var calls atomic.Int32
		p := newAnthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(529)
				_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
				return
			}
			_ = json.NewEncoder(w).Encode(messagesResponse{Content: []contentBlock{{Type: "text", Text: "done"}}})
		}, 2)

		resp, err := p.Complete(context.Background(), Request{Prompt: "x"})
		require.NoError(t, err)
		assert.Equal(t, "done", resp.Content)
		assert.Equal(t, "claude-3-5-haiku-latest", resp.Model)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("parses error body", func(t *testing.T) {
		p := newAnthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"Your credit balance is too low to access the Anthropic API."}}`))
		}, 2)

		_, err := p.Complete(context.Background(), Request{Prompt: "x"})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "invalid_request_error", apiErr.Type)
		assert.True(t, apiErr.IsBudgetExhausted())
	})

	t.Run("no text blocks", func(t *testing.T) {
		p := newAnthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(messagesResponse{Content: []contentBlock{{Type: "tool_use"}}})
		}, 0)
		_, err := p.Complete(context.Background(), Request{Prompt: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no text content blocks")
	})
}
