package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Workflow is one systematic review run. It is created once at submission
// and afterwards mutated only by the orchestrator.
type Workflow struct {
	ID uuid.UUID `json:"id"`

	// Review protocol.
	ResearchQuestion  string       `json:"research_question"`
	InclusionCriteria []string     `json:"inclusion_criteria"`
	ExclusionCriteria []string     `json:"exclusion_criteria"`
	TargetDatabases   []SourceType `json:"target_databases"`
	Mode              string       `json:"mode"`

	// Status and human-review state.
	Status          WorkflowStatus `json:"status"`
	NeedsUserAction bool           `json:"needs_user_action"`
	ActionRequired  string         `json:"action_required,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`

	// Running totals.
	TotalCost      float64 `json:"total_cost"`
	PapersFound    int     `json:"papers_found"`
	PapersScreened int     `json:"papers_screened"`
	PapersIncluded int     `json:"papers_included"`

	// FinalOutput is the assembled manuscript, set on completion.
	FinalOutput json.RawMessage `json:"final_output,omitempty"`

	// Single-writer lease.
	LeaseHolder    string     `json:"lease_holder,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// Timestamps
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Duration returns the duration of the workflow run.
// Returns zero if the workflow has not started.
func (w *Workflow) Duration() time.Duration {
	if w.StartedAt == nil {
		return 0
	}
	if w.CompletedAt != nil {
		return w.CompletedAt.Sub(*w.StartedAt)
	}
	return time.Since(*w.StartedAt)
}

// InitialData returns the protocol fields that seed the stage accumulator.
func (w *Workflow) InitialData() map[string]any {
	dbs := make([]string, len(w.TargetDatabases))
	for i, db := range w.TargetDatabases {
		dbs[i] = string(db)
	}
	return map[string]any{
		"workflow_id":        w.ID.String(),
		"research_question":  w.ResearchQuestion,
		"inclusion_criteria": w.InclusionCriteria,
		"exclusion_criteria": w.ExclusionCriteria,
		"target_databases":   dbs,
	}
}

// NewWorkflow builds a pending workflow with a fresh identifier.
func NewWorkflow(question string, inclusion, exclusion []string, databases []SourceType, mode string) *Workflow {
	now := time.Now().UTC()
	if mode == "" {
		mode = DefaultModeName
	}
	if len(databases) == 0 {
		databases = []SourceType{SourceTypeOpenAlex, SourceTypeSemanticScholar, SourceTypePubMed}
	}
	return &Workflow{
		ID:                uuid.New(),
		ResearchQuestion:  question,
		InclusionCriteria: inclusion,
		ExclusionCriteria: exclusion,
		TargetDatabases:   databases,
		Mode:              mode,
		Status:            WorkflowStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// WorkflowFilter holds criteria for listing workflows.
type WorkflowFilter struct {
	Status []WorkflowStatus
	Mode   string
	Limit  int
	Offset int
}

// Validate checks the filter and applies paging defaults.
func (f *WorkflowFilter) Validate() error {
	for _, s := range f.Status {
		if !s.Valid() {
			return NewValidationError("status", "unknown status "+string(s))
		}
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		return NewValidationError("limit", "must be at most 500")
	}
	if f.Offset < 0 {
		return NewValidationError("offset", "must be non-negative")
	}
	return nil
}
