package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/helixir/review-orchestrator/internal/domain"
)

// sseMaxDuration is the maximum time a progress stream may remain open.
const sseMaxDuration = 4 * time.Hour

// sseEvent is one server-sent event of the progress stream.
type sseEvent struct {
	EventType      string                   `json:"event_type"`
	WorkflowID     string                   `json:"workflow_id"`
	Stage          domain.Stage             `json:"stage"`
	WorkflowStatus string                   `json:"workflow_status,omitempty"`
	Progress       *domain.ProgressSnapshot `json:"progress,omitempty"`
	Message        string                   `json:"message,omitempty"`
	Timestamp      time.Time                `json:"timestamp"`
}

// streamProgress handles GET /workflows/{workflowID}/stages/{stage}/progress/stream.
// It polls the stage checkpoint and sends a progress event whenever the
// snapshot changes, until the workflow stops running.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := workflowIDFromContext(ctx)

	stage, err := domain.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	wf, err := s.workflows.Get(ctx, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	base := sseEvent{WorkflowID: id.String(), Stage: stage}
	send := func(eventType, status, msg string, snap *domain.ProgressSnapshot) {
		ev := base
		ev.EventType = eventType
		ev.WorkflowStatus = status
		ev.Message = msg
		ev.Progress = snap
		ev.Timestamp = time.Now().UTC()
		sendSSEEvent(w, flusher, ev)
	}

	var lastUpdate time.Time
	poll := func(status domain.WorkflowStatus) {
		snap, err := s.stages.GetStageProgress(ctx, id, stage)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return
		case err != nil:
			s.logger.Error().Err(err).Str("workflow_id", id.String()).Msg("failed to read stage progress")
			return
		}
		if snap.UpdatedAt.Equal(lastUpdate) && !lastUpdate.IsZero() {
			return
		}
		lastUpdate = snap.UpdatedAt
		send("progress", string(status), "", snap)
	}

	send("stream_started", string(wf.Status), "progress stream started", nil)
	poll(wf.Status)
	if wf.Status != domain.WorkflowStatusRunning {
		send("stream_closed", string(wf.Status), "workflow is not running", nil)
		return
	}

	deadline := time.NewTimer(sseMaxDuration)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			send("timeout", "", "stream max duration exceeded", nil)
			return
		case <-ticker.C:
			current, err := s.workflows.Get(ctx, id)
			if err != nil {
				s.logger.Error().Err(err).Str("workflow_id", id.String()).Msg("failed to poll workflow status")
				continue
			}
			poll(current.Status)
			if current.Status != domain.WorkflowStatusRunning {
				send("stream_closed", string(current.Status), "workflow finished with status: "+string(current.Status), nil)
				return
			}
		}
	}
}

// sendSSEEvent writes a single SSE event to the response writer.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event sseEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
	flusher.Flush()
}
