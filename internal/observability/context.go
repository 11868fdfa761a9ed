package observability

import (
	"context"
)

// Context keys for observability data.
type contextKey string

const (
	requestIDKey  contextKey = "request_id"
	workflowIDKey contextKey = "workflow_id"
	stageKey      contextKey = "stage"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext retrieves the request ID from context.
// Returns empty string if not present.
func RequestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// WithWorkflowStage adds the review workflow ID and the running stage to the
// context. An empty stage leaves only the workflow ID set.
func WithWorkflowStage(ctx context.Context, workflowID, stage string) context.Context {
	ctx = context.WithValue(ctx, workflowIDKey, workflowID)
	if stage != "" {
		ctx = context.WithValue(ctx, stageKey, stage)
	}
	return ctx
}

// WorkflowStageFromContext retrieves the workflow ID and stage from context.
// Returns empty strings if not present.
func WorkflowStageFromContext(ctx context.Context) (workflowID, stage string) {
	if v := ctx.Value(workflowIDKey); v != nil {
		if id, ok := v.(string); ok {
			workflowID = id
		}
	}
	if v := ctx.Value(stageKey); v != nil {
		if s, ok := v.(string); ok {
			stage = s
		}
	}
	return workflowID, stage
}
