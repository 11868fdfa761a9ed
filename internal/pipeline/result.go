package pipeline

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/helixir/review-orchestrator/internal/domain"
)

// RunStatus is the outcome of ExecuteWorkflow or ResumeWorkflow.
type RunStatus string

const (
	RunCompleted        RunStatus = "completed"
	RunNeedsReview      RunStatus = "needs_review"
	RunFailed           RunStatus = "failed"
	RunAlreadyCompleted RunStatus = "already_completed"
)

// Result summarizes a workflow run. It always carries enough detail for a
// caller to choose between asking the user and reporting a fault.
type Result struct {
	WorkflowID      uuid.UUID       `json:"workflow_id"`
	Status          RunStatus       `json:"status"`
	FailedStage     domain.Stage    `json:"failed_stage,omitempty"`
	Error           string          `json:"error,omitempty"`
	ActionRequired  string          `json:"action_required,omitempty"`
	CompletedStages []domain.Stage  `json:"completed_stages"`
	SkippedStages   []domain.Stage  `json:"skipped_stages,omitempty"`
	TotalCost       float64         `json:"total_cost"`
	FinalOutput     json.RawMessage `json:"final_output,omitempty"`
}

// ExecuteOptions controls where a run starts and which stages it skips.
type ExecuteOptions struct {
	// StartFrom is the first stage to run. Empty starts at search.
	StartFrom domain.Stage

	// Skip lists stages to skip in addition to those the mode skips.
	Skip []domain.Stage

	// Trigger labels the run in metrics ("execute", "resume").
	Trigger string
}

// FinalOutput is the assembled review stored on a completed workflow.
type FinalOutput struct {
	ResearchQuestion string                   `json:"research_question"`
	Mode             string                   `json:"mode"`
	PRISMA           *domain.PRISMAOutput     `json:"prisma,omitempty"`
	Analysis         *domain.MetaAnalysis     `json:"meta_analysis,omitempty"`
	Tables           []domain.Table           `json:"tables,omitempty"`
	Manuscript       map[string]ManuscriptDoc `json:"manuscript"`
	SkippedStages    []domain.Stage           `json:"skipped_stages,omitempty"`
	TotalCost        float64                  `json:"total_cost"`
}

// ManuscriptDoc is one drafted manuscript section.
type ManuscriptDoc struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	WordCount int    `json:"word_count"`
}

// manuscriptStages are the writing stages, in manuscript order.
var manuscriptStages = []domain.Stage{
	domain.StageIntroduction,
	domain.StageMethods,
	domain.StageResults,
	domain.StageDiscussion,
}

// assembleFinalOutput builds the final document from stage outputs.
// Missing outputs, such as skipped stages, are left out.
func assembleFinalOutput(acc *Accumulator, mode string, skipped []domain.Stage, totalCost float64) FinalOutput {
	out := FinalOutput{
		ResearchQuestion: acc.ResearchQuestion(),
		Mode:             mode,
		Manuscript:       make(map[string]ManuscriptDoc, len(manuscriptStages)),
		SkippedStages:    skipped,
		TotalCost:        totalCost,
	}
	if p, err := acc.PRISMA(); err == nil {
		out.PRISMA = p
	}
	if a, err := acc.Analysis(); err == nil {
		out.Analysis = &a.MetaAnalysis
	}
	if t, err := acc.Tables(); err == nil {
		out.Tables = t.Tables
	}
	for _, s := range manuscriptStages {
		if sec, err := acc.Section(s); err == nil {
			out.Manuscript[string(s)] = ManuscriptDoc{Title: sec.Title, Content: sec.Content, WordCount: sec.WordCount}
		}
	}
	return out
}
