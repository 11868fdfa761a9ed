package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/temporal"
)

// Pagination and validation constants.
const (
	defaultPageSize    = 50
	maxPageSize        = 100
	maxRequestBodySize = 1 << 20
)

type createWorkflowRequest struct {
	ResearchQuestion  string   `json:"research_question" validate:"required,min=3,max=10000"`
	InclusionCriteria []string `json:"inclusion_criteria" validate:"max=50,dive,required,max=1000"`
	ExclusionCriteria []string `json:"exclusion_criteria" validate:"max=50,dive,required,max=1000"`
	TargetDatabases   []string `json:"target_databases" validate:"max=3,dive,oneof=openalex semantic_scholar pubmed"`
	Mode              string   `json:"mode" validate:"max=64"`

	// Start begins a run right after the workflow is created.
	Start bool `json:"start"`
}

type runWorkflowRequest struct {
	StartFrom string   `json:"start_from" validate:"max=32"`
	Skip      []string `json:"skip" validate:"max=12,dive,required"`
}

type rerunStageRequest struct {
	InputOverride map[string]any `json:"input_override"`
}

// decodeBody reads a JSON body into dst and validates it. An empty body is
// allowed when optional is set.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if len(body) > maxRequestBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		if optional {
			return true
		}
		writeError(w, http.StatusBadRequest, "request body is required")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	if reflect.ValueOf(dst).Elem().Kind() == reflect.Struct {
		if err := s.validate.Struct(dst); err != nil {
			writeError(w, http.StatusBadRequest, validationMessage(err))
			return false
		}
	}
	return true
}

// validationMessage renders validator errors as "field: rule" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := jsonFieldName(fe)
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, field+": "+rule)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// jsonFieldName maps a struct namespace like "createWorkflowRequest.TargetDatabases[0]"
// to its snake_case JSON name.
func jsonFieldName(fe validator.FieldError) string {
	name := fe.Field()
	idx := ""
	if i := strings.IndexByte(name, '['); i >= 0 {
		name, idx = name[:i], name[i:]
	}
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String() + idx
}

// createWorkflow handles POST /workflows.
func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createWorkflowRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	req.ResearchQuestion = strings.TrimSpace(req.ResearchQuestion)
	if req.ResearchQuestion == "" {
		writeError(w, http.StatusBadRequest, "research_question is required")
		return
	}
	if _, err := domain.LookupMode(req.Mode); err != nil {
		writeDomainError(w, err)
		return
	}

	dbs := make([]domain.SourceType, len(req.TargetDatabases))
	for i, db := range req.TargetDatabases {
		dbs[i] = domain.SourceType(db)
	}
	wf := domain.NewWorkflow(req.ResearchQuestion, req.InclusionCriteria, req.ExclusionCriteria, dbs, req.Mode)

	if err := s.workflows.Create(ctx, wf); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info().
		Str("workflow_id", wf.ID.String()).
		Str("mode", wf.Mode).
		Msg("workflow created")

	resp := createWorkflowResponse{Workflow: toWorkflowResponse(wf)}
	if req.Start {
		info, err := s.runs.Execute(ctx, wf.ID, "", nil)
		if err != nil {
			s.logger.Error().Err(err).Str("workflow_id", wf.ID.String()).Msg("failed to start run")
			resp.RunError = "workflow created but the run could not be started; retry with POST /run"
		}
		resp.Run = info
	}
	writeJSON(w, http.StatusCreated, resp)
}

// listWorkflows handles GET /workflows.
func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePaginationParams(r)

	filter := domain.WorkflowFilter{
		Mode:   r.URL.Query().Get("mode"),
		Limit:  limit,
		Offset: offset,
	}
	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		for _, st := range strings.Split(statusParam, ",") {
			filter.Status = append(filter.Status, domain.WorkflowStatus(strings.TrimSpace(st)))
		}
	}
	if err := filter.Validate(); err != nil {
		writeDomainError(w, err)
		return
	}

	wfs, total, err := s.workflows.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	summaries := make([]workflowSummaryResponse, len(wfs))
	for i, wf := range wfs {
		summaries[i] = toWorkflowSummary(wf)
	}
	writeJSON(w, http.StatusOK, listWorkflowsResponse{
		Workflows:     summaries,
		NextPageToken: encodeHTTPPageToken(offset, limit, int(total)),
		TotalCount:    int(total),
	})
}

// getWorkflow handles GET /workflows/{workflowID}.
func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflows.Get(r.Context(), workflowIDFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowResponse(wf))
}

// runWorkflow handles POST /workflows/{workflowID}/run.
func (s *Server) runWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := workflowIDFromContext(ctx)

	var req runWorkflowRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}

	var startFrom domain.Stage
	if req.StartFrom != "" {
		st, err := domain.ParseStage(req.StartFrom)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		startFrom = st
	}
	skip := make([]domain.Stage, 0, len(req.Skip))
	for _, raw := range req.Skip {
		st, err := domain.ParseStage(raw)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		skip = append(skip, st)
	}

	if _, err := s.workflows.Get(ctx, id); err != nil {
		writeDomainError(w, err)
		return
	}

	info, err := s.runs.Execute(ctx, id, startFrom, skip)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{WorkflowID: id.String(), Run: info, Message: "run started"})
}

// resumeWorkflow handles POST /workflows/{workflowID}/resume.
func (s *Server) resumeWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := workflowIDFromContext(ctx)

	if _, err := s.workflows.Get(ctx, id); err != nil {
		writeDomainError(w, err)
		return
	}
	info, err := s.runs.Resume(ctx, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{WorkflowID: id.String(), Run: info, Message: "resume started"})
}

// cancelWorkflow handles POST /workflows/{workflowID}/cancel. The run stops
// at the next stage boundary and the workflow is left resumable.
func (s *Server) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := workflowIDFromContext(ctx)

	if err := s.runs.Cancel(ctx, id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{WorkflowID: id.String(), Message: "cancellation requested"})
}

// describeRun handles GET /workflows/{workflowID}/run.
func (s *Server) describeRun(w http.ResponseWriter, r *http.Request) {
	desc, err := s.runs.Describe(r.Context(), workflowIDFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

// rerunStage handles POST /workflows/{workflowID}/stages/{stage}/rerun.
func (s *Server) rerunStage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := workflowIDFromContext(ctx)

	stage, err := domain.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req rerunStageRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}

	if _, err := s.workflows.Get(ctx, id); err != nil {
		writeDomainError(w, err)
		return
	}
	info, err := s.runs.Rerun(ctx, id, stage, req.InputOverride)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{
		WorkflowID: id.String(),
		Run:        info,
		Message:    fmt.Sprintf("rerun of %s started", stage),
	})
}

// getStageStatus handles GET /workflows/{workflowID}/stages.
func (s *Server) getStageStatus(w http.ResponseWriter, r *http.Request) {
	id := workflowIDFromContext(r.Context())
	stages, err := s.stages.GetStageStatus(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stageStatusResponse{WorkflowID: id.String(), Stages: stages})
}

// getStageProgress handles GET /workflows/{workflowID}/stages/{stage}/progress.
func (s *Server) getStageProgress(w http.ResponseWriter, r *http.Request) {
	stage, err := domain.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	snap, err := s.stages.GetStageProgress(r.Context(), workflowIDFromContext(r.Context()), stage)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// listModes handles GET /modes.
func (s *Server) listModes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, modesResponse{Default: domain.DefaultModeName, Modes: domain.Modes()})
}

// writeDomainError maps domain and temporal errors to HTTP status codes.
// Internal error details are not leaked to clients.
func writeDomainError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, domain.ErrInvalidInput):
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
		} else {
			writeError(w, http.StatusBadRequest, "invalid input")
		}
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "resource already exists")
	case errors.Is(err, domain.ErrPrecondition):
		writeError(w, http.StatusConflict, "precondition failed: an earlier stage is incomplete")
	case errors.Is(err, domain.ErrLeaseHeld):
		writeError(w, http.StatusConflict, "workflow is being run by another worker")
	case errors.Is(err, domain.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid status transition")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, domain.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	case errors.Is(err, temporal.ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, "no run found for workflow")
	case errors.Is(err, temporal.ErrWorkflowAlreadyStarted):
		writeError(w, http.StatusConflict, "a run is already in progress")
	case errors.Is(err, temporal.ErrConnectionFailed), errors.Is(err, temporal.ErrClientClosed):
		writeError(w, http.StatusServiceUnavailable, "workflow engine unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parsePaginationParams reads page_size and page_token.
func parsePaginationParams(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if pageSizeStr := r.URL.Query().Get("page_size"); pageSizeStr != "" {
		if parsed, err := strconv.Atoi(pageSizeStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if pageToken := r.URL.Query().Get("page_token"); pageToken != "" {
		decoded, err := base64.StdEncoding.DecodeString(pageToken)
		if err == nil {
			if parsed, parseErr := strconv.Atoi(string(decoded)); parseErr == nil && parsed > 0 {
				offset = parsed
			}
		}
	}
	return limit, offset
}

// encodeHTTPPageToken returns "" when there are no more results.
func encodeHTTPPageToken(offset, limit, totalCount int) string {
	nextOffset := offset + limit
	if nextOffset < totalCount {
		return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(nextOffset)))
	}
	return ""
}
