package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestIDFromContext(ctx))

	ctx = WithRequestID(ctx, "req-123")
	assert.Equal(t, "req-123", RequestIDFromContext(ctx))
}

func TestWorkflowStageContext(t *testing.T) {
	ctx := context.Background()
	wf, stage := WorkflowStageFromContext(ctx)
	assert.Empty(t, wf)
	assert.Empty(t, stage)

	ctx = WithWorkflowStage(ctx, "wf-1", "")
	wf, stage = WorkflowStageFromContext(ctx)
	assert.Equal(t, "wf-1", wf)
	assert.Empty(t, stage)

	ctx = WithWorkflowStage(ctx, "wf-1", "screen")
	wf, stage = WorkflowStageFromContext(ctx)
	assert.Equal(t, "wf-1", wf)
	assert.Equal(t, "screen", stage)
}

func TestContextOverwrite(t *testing.T) {
	ctx := WithWorkflowStage(context.Background(), "wf-1", "search")
	ctx = WithWorkflowStage(ctx, "wf-1", "screen")

	_, stage := WorkflowStageFromContext(ctx)
	assert.Equal(t, "screen", stage)
}

func TestContext_WrongValueType(t *testing.T) {
	ctx := context.WithValue(context.Background(), requestIDKey, 42)
	assert.Empty(t, RequestIDFromContext(ctx))
}
