package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageOrder(t *testing.T) {
	order := StageOrder()
	require.Len(t, order, 12)
	assert.Equal(t, StageCount, len(order))

	expected := []Stage{
		"search", "screen", "pdf_fetch", "extract", "rob", "analysis",
		"prisma", "tables", "introduction", "methods", "results", "discussion",
	}
	assert.Equal(t, expected, order)

	// Mutating the returned slice must not affect the fixed order.
	order[0] = "mutated"
	assert.Equal(t, StageSearch, StageOrder()[0])
}

func TestParseStage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Stage
		wantErr bool
	}{
		{name: "first stage", input: "search", want: StageSearch},
		{name: "underscore name", input: "pdf_fetch", want: StagePDFFetch},
		{name: "last stage", input: "discussion", want: StageDiscussion},
		{name: "unknown", input: "peer_review", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "case sensitive", input: "Search", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStage(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStage_IndexAndBefore(t *testing.T) {
	assert.Equal(t, 0, StageSearch.Index())
	assert.Equal(t, 11, StageDiscussion.Index())
	assert.Equal(t, -1, Stage("nope").Index())

	assert.Nil(t, StageSearch.Before())
	assert.Equal(t, []Stage{StageSearch, StageScreen}, StagePDFFetch.Before())
	assert.Len(t, StageDiscussion.Before(), 11)
	assert.Nil(t, Stage("nope").Before())
}

func TestWorkflowStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   WorkflowStatus
		terminal bool
	}{
		{WorkflowStatusPending, false},
		{WorkflowStatusRunning, false},
		{WorkflowStatusNeedsReview, false},
		{WorkflowStatusFailed, true},
		{WorkflowStatusCompleted, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.True(t, tt.status.Valid())
		})
	}
	assert.False(t, WorkflowStatus("paused").Valid())
}

func TestCheckpointStatus_IsDone(t *testing.T) {
	assert.True(t, CheckpointStatusCompleted.IsDone())
	assert.True(t, CheckpointStatusSkipped.IsDone())
	assert.False(t, CheckpointStatusPending.IsDone())
	assert.False(t, CheckpointStatusFailed.IsDone())
}

func TestCheckpointIndex_ResumePoint(t *testing.T) {
	wfID := uuid.New()
	cp := func(s Stage, status CheckpointStatus) *Checkpoint {
		return &Checkpoint{WorkflowID: wfID, Stage: s, Status: status}
	}

	t.Run("empty resumes at search", func(t *testing.T) {
		stage, ok := IndexCheckpoints(nil).ResumePoint()
		require.True(t, ok)
		assert.Equal(t, StageSearch, stage)
	})

	t.Run("skipped stages count as done", func(t *testing.T) {
		idx := IndexCheckpoints([]*Checkpoint{
			cp(StageSearch, CheckpointStatusCompleted),
			cp(StageScreen, CheckpointStatusCompleted),
			cp(StagePDFFetch, CheckpointStatusSkipped),
			cp(StageExtract, CheckpointStatusFailed),
		})
		stage, ok := idx.ResumePoint()
		require.True(t, ok)
		assert.Equal(t, StageExtract, stage)
	})

	t.Run("pending interrupted stage is the resume point", func(t *testing.T) {
		idx := IndexCheckpoints([]*Checkpoint{
			cp(StageSearch, CheckpointStatusCompleted),
			cp(StageScreen, CheckpointStatusPending),
		})
		stage, ok := idx.ResumePoint()
		require.True(t, ok)
		assert.Equal(t, StageScreen, stage)
	})

	t.Run("all done", func(t *testing.T) {
		var cps []*Checkpoint
		for _, s := range StageOrder() {
			cps = append(cps, cp(s, CheckpointStatusCompleted))
		}
		_, ok := IndexCheckpoints(cps).ResumePoint()
		assert.False(t, ok)
	})
}

func TestCheckpoint_Output(t *testing.T) {
	cp := &Checkpoint{OutputData: []byte(`{"papers_found": 3}`)}
	out, err := cp.Output()
	require.NoError(t, err)
	assert.Equal(t, float64(3), out["papers_found"])

	empty := &Checkpoint{}
	out, err = empty.Output()
	require.NoError(t, err)
	assert.Empty(t, out)

	bad := &Checkpoint{OutputData: []byte(`[1,2]`)}
	_, err = bad.Output()
	assert.Error(t, err)
}

func TestLookupMode(t *testing.T) {
	fast, err := LookupMode("fast")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Stage{StageRiskOfBias, StageAnalysis}, fast.SkippedStages())

	balanced, err := LookupMode("")
	require.NoError(t, err)
	assert.Equal(t, DefaultModeName, balanced.Name)
	assert.Empty(t, balanced.SkippedStages())

	thorough, err := LookupMode("thorough")
	require.NoError(t, err)
	assert.Equal(t, 2, thorough.ScreeningPasses)

	_, err = LookupMode("luxury")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	names := make([]string, 0)
	for _, m := range Modes() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"balanced", "fast", "thorough"}, names)
}

func TestNewWorkflow(t *testing.T) {
	wf := NewWorkflow("Does X improve Y?", []string{"RCT"}, nil, nil, "")

	assert.NotEqual(t, uuid.Nil, wf.ID)
	assert.Equal(t, WorkflowStatusPending, wf.Status)
	assert.Equal(t, DefaultModeName, wf.Mode)
	assert.Len(t, wf.TargetDatabases, 3)

	data := wf.InitialData()
	assert.Equal(t, "Does X improve Y?", data["research_question"])
	assert.Equal(t, wf.ID.String(), data["workflow_id"])
}

func TestWorkflow_Duration(t *testing.T) {
	wf := &Workflow{}
	assert.Zero(t, wf.Duration())

	start := time.Now().Add(-2 * time.Minute)
	end := start.Add(90 * time.Second)
	wf.StartedAt = &start
	wf.CompletedAt = &end
	assert.Equal(t, 90*time.Second, wf.Duration())
}

func TestWorkflowFilter_Validate(t *testing.T) {
	f := WorkflowFilter{}
	require.NoError(t, f.Validate())
	assert.Equal(t, 50, f.Limit)

	f = WorkflowFilter{Status: []WorkflowStatus{"bogus"}}
	assert.Error(t, f.Validate())

	f = WorkflowFilter{Limit: 1000}
	assert.Error(t, f.Validate())
}

func TestPaper_GenerateCanonicalID(t *testing.T) {
	tests := []struct {
		name     string
		ids      PaperIdentifiers
		expected string
	}{
		{name: "DOI has highest priority", ids: PaperIdentifiers{DOI: "10.1000/ABC", PubMedID: "123"}, expected: "doi:10.1000/abc"},
		{name: "PubMed when no DOI", ids: PaperIdentifiers{PubMedID: "123", OpenAlexID: "W1"}, expected: "pubmed:123"},
		{name: "Semantic Scholar", ids: PaperIdentifiers{SemanticScholarID: "abc"}, expected: "s2:abc"},
		{name: "OpenAlex last", ids: PaperIdentifiers{OpenAlexID: "W1"}, expected: "openalex:W1"},
		{name: "whitespace only", ids: PaperIdentifiers{DOI: "   "}, expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GenerateCanonicalID(tt.ids))
		})
	}
}

func TestPaper_EnsureIDAndDedupKey(t *testing.T) {
	p := &Paper{Title: "Effects of Exercise:  A Trial!"}
	p.EnsureID()
	assert.Equal(t, "title:effects of exercise a trial", p.ID)
	assert.Equal(t, "title:effects of exercise a trial", p.DedupKey())

	p2 := &Paper{Identifiers: PaperIdentifiers{DOI: "10.1/X"}, Title: "Other"}
	p2.EnsureID()
	assert.Equal(t, "doi:10.1/x", p2.ID)
	assert.Equal(t, "doi:10.1/x", p2.DedupKey())
}

func TestPaper_FirstAuthor(t *testing.T) {
	assert.Equal(t, "Anonymous", (&Paper{}).FirstAuthor())
	assert.Equal(t, "Smith", (&Paper{Authors: []Author{{Name: "Jane Smith"}}}).FirstAuthor())
	assert.Equal(t, "Smith et al.", (&Paper{Authors: []Author{{Name: "Jane Smith"}, {Name: "Li Wei"}}}).FirstAuthor())
}

func TestAuthor_String(t *testing.T) {
	assert.Equal(t, "Jane Smith", Author{Name: "Jane Smith"}.String())
	assert.Equal(t, "Jane Smith (MIT)", Author{Name: "Jane Smith", Affiliation: "MIT"}.String())
}

func TestErrors_Unwrap(t *testing.T) {
	assert.True(t, errors.Is(NewValidationError("f", "bad"), ErrInvalidInput))
	assert.True(t, errors.Is(NewNotFoundError("workflow", "1"), ErrNotFound))
	assert.True(t, errors.Is(NewAlreadyExistsError("workflow", "1"), ErrAlreadyExists))
	assert.True(t, errors.Is(NewRateLimitError("openalex", time.Second), ErrRateLimited))

	dep := &DependencyError{Stage: StageExtract, Missing: []Stage{StageScreen, StagePDFFetch}}
	assert.True(t, errors.Is(dep, ErrPrecondition))
	assert.Equal(t, "stage extract has unfinished dependencies: screen, pdf_fetch", dep.Error())

	cause := errors.New("boom")
	apiErr := NewExternalAPIError("pubmed", 502, "bad gateway", cause)
	assert.True(t, errors.Is(apiErr, cause))
	assert.Contains(t, apiErr.Error(), "status 502")
}

func TestNewWorkflowEvent(t *testing.T) {
	id := uuid.New()
	ev, err := NewWorkflowEvent(EventTypeStageCompleted, id, StageScreen, StageOutcomePayload{Status: CheckpointStatusCompleted, Cost: 0.5})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, 1, ev.EventVersion)
	assert.Equal(t, id, ev.WorkflowID)
	assert.JSONEq(t, `{"status":"completed","cost":0.5,"retry_count":0,"duration_ms":0}`, string(ev.Payload))

	_, err = NewWorkflowEvent(EventTypeStageCompleted, id, StageScreen, make(chan int))
	assert.Error(t, err)
}

func TestWorkflowCommand_Validate(t *testing.T) {
	id := uuid.New()
	assert.NoError(t, (&WorkflowCommand{Command: CommandResume, WorkflowID: id}).Validate())
	assert.NoError(t, (&WorkflowCommand{Command: CommandRerun, WorkflowID: id, Stage: StageTables}).Validate())
	assert.Error(t, (&WorkflowCommand{Command: CommandRerun, WorkflowID: id}).Validate())
	assert.Error(t, (&WorkflowCommand{Command: CommandResume}).Validate())
	assert.Error(t, (&WorkflowCommand{Command: "explode", WorkflowID: id}).Validate())
}
