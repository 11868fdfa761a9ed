package httpserver

import (
	"encoding/json"
	"time"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/temporal"
)

type workflowResponse struct {
	ID                string          `json:"id"`
	ResearchQuestion  string          `json:"research_question"`
	InclusionCriteria []string        `json:"inclusion_criteria"`
	ExclusionCriteria []string        `json:"exclusion_criteria"`
	TargetDatabases   []string        `json:"target_databases"`
	Mode              string          `json:"mode"`
	Status            string          `json:"status"`
	NeedsUserAction   bool            `json:"needs_user_action"`
	ActionRequired    string          `json:"action_required,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	TotalCost         float64         `json:"total_cost"`
	PapersFound       int             `json:"papers_found"`
	PapersScreened    int             `json:"papers_screened"`
	PapersIncluded    int             `json:"papers_included"`
	FinalOutput       json.RawMessage `json:"final_output,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	Duration          string          `json:"duration,omitempty"`
}

type workflowSummaryResponse struct {
	ID               string     `json:"id"`
	ResearchQuestion string     `json:"research_question"`
	Mode             string     `json:"mode"`
	Status           string     `json:"status"`
	NeedsUserAction  bool       `json:"needs_user_action"`
	TotalCost        float64    `json:"total_cost"`
	PapersIncluded   int        `json:"papers_included"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

type listWorkflowsResponse struct {
	Workflows     []workflowSummaryResponse `json:"workflows"`
	NextPageToken string                    `json:"next_page_token,omitempty"`
	TotalCount    int                       `json:"total_count"`
}

type createWorkflowResponse struct {
	Workflow workflowResponse  `json:"workflow"`
	Run      *temporal.RunInfo `json:"run,omitempty"`
	RunError string            `json:"run_error,omitempty"`
}

type runResponse struct {
	WorkflowID string            `json:"workflow_id"`
	Run        *temporal.RunInfo `json:"run,omitempty"`
	Message    string            `json:"message"`
}

type stageStatusResponse struct {
	WorkflowID string               `json:"workflow_id"`
	Stages     []domain.StageStatus `json:"stages"`
}

type modesResponse struct {
	Default string              `json:"default"`
	Modes   []domain.ModeConfig `json:"modes"`
}

func toWorkflowResponse(wf *domain.Workflow) workflowResponse {
	dbs := make([]string, len(wf.TargetDatabases))
	for i, db := range wf.TargetDatabases {
		dbs[i] = string(db)
	}
	resp := workflowResponse{
		ID:                wf.ID.String(),
		ResearchQuestion:  wf.ResearchQuestion,
		InclusionCriteria: nonNil(wf.InclusionCriteria),
		ExclusionCriteria: nonNil(wf.ExclusionCriteria),
		TargetDatabases:   dbs,
		Mode:              wf.Mode,
		Status:            string(wf.Status),
		NeedsUserAction:   wf.NeedsUserAction,
		ActionRequired:    wf.ActionRequired,
		ErrorMessage:      wf.ErrorMessage,
		TotalCost:         wf.TotalCost,
		PapersFound:       wf.PapersFound,
		PapersScreened:    wf.PapersScreened,
		PapersIncluded:    wf.PapersIncluded,
		FinalOutput:       wf.FinalOutput,
		CreatedAt:         wf.CreatedAt,
		StartedAt:         wf.StartedAt,
		CompletedAt:       wf.CompletedAt,
	}
	if d := wf.Duration(); d > 0 {
		resp.Duration = d.Round(time.Second).String()
	}
	return resp
}

func toWorkflowSummary(wf *domain.Workflow) workflowSummaryResponse {
	return workflowSummaryResponse{
		ID:               wf.ID.String(),
		ResearchQuestion: wf.ResearchQuestion,
		Mode:             wf.Mode,
		Status:           string(wf.Status),
		NeedsUserAction:  wf.NeedsUserAction,
		TotalCost:        wf.TotalCost,
		PapersIncluded:   wf.PapersIncluded,
		CreatedAt:        wf.CreatedAt,
		CompletedAt:      wf.CompletedAt,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
