package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/helixir/review-orchestrator/internal/observability"
)

func TestWorkflowIDMiddleware(t *testing.T) {
	var got uuid.UUID
	r := chi.NewRouter()
	r.With(workflowIDMiddleware).Get("/w/{workflowID}", func(w http.ResponseWriter, r *http.Request) {
		got = workflowIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	id := uuid.New()
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/w/"+id.String(), nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, id, got)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/w/123", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWorkflowIDFromContext_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, uuid.Nil, workflowIDFromContext(req.Context()))
}

func TestCorrelationIDMiddleware(t *testing.T) {
	var seen string
	h := correlationIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.RequestIDFromContext(r.Context())
	}))

	t.Run("propagates header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Correlation-ID", "abc-123")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, "abc-123", rr.Header().Get("X-Correlation-ID"))
		assert.Equal(t, "abc-123", seen)
	})

	t.Run("generates when absent", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		id := rr.Header().Get("X-Correlation-ID")
		assert.Len(t, id, 16)
		assert.Equal(t, id, seen)
	})
}

func TestCorrelationID_ThroughServer(t *testing.T) {
	ts := newTestServer()
	rr := ts.do(http.MethodGet, "/api/v1/modes", "")
	assert.NotEmpty(t, rr.Header().Get("X-Correlation-ID"))
}

func TestJSONContentTypeMiddleware(t *testing.T) {
	h := jsonContentTypeMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}
