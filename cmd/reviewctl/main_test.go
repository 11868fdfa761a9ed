package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/review-orchestrator/internal/domain"
)

// executeCommand runs rootCmd with args and returns what it printed.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		remote = false
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestModesCommand(t *testing.T) {
	out, err := executeCommand(t, "modes")
	require.NoError(t, err)

	var modes []domain.ModeConfig
	require.NoError(t, json.Unmarshal([]byte(out), &modes))
	assert.Len(t, modes, len(domain.Modes()))
}

func TestCommandArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		err  string
	}{
		{"status needs id", []string{"status"}, "accepts 1 arg"},
		{"progress needs stage", []string{"progress", "8d3b6f4e-1111-4c4c-9a9a-0123456789ab"}, "accepts 2 arg"},
		{"bad id", []string{"status", "nope"}, `invalid workflow id "nope"`},
		{"bad stage", []string{"progress", "8d3b6f4e-1111-4c4c-9a9a-0123456789ab", "abstract"}, "unknown stage"},
		{"bad skip", []string{"run", "8d3b6f4e-1111-4c4c-9a9a-0123456789ab", "--skip", "rob,summary"}, "unknown stage"},
		{"bad override", []string{"rerun", "8d3b6f4e-1111-4c4c-9a9a-0123456789ab", "methods", "--override", "[1,2]"}, "must be a JSON object"},
		{"cancel is remote only", []string{"cancel", "8d3b6f4e-1111-4c4c-9a9a-0123456789ab"}, "needs --remote"},
		{"create needs question", []string{"create"}, `required flag(s) "question"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executeCommand(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestParseStages(t *testing.T) {
	got, err := parseStages([]string{"rob, analysis", "tables", ""})
	require.NoError(t, err)
	assert.Equal(t, []domain.Stage{domain.StageRiskOfBias, domain.StageAnalysis, domain.StageTables}, got)

	got, err = parseStages(nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = parseStages([]string{"screen,bogus"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestParseOverride(t *testing.T) {
	got, err := parseOverride("")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parseOverride(`{"tone":"formal","max_words":800}`)
	require.NoError(t, err)
	assert.Equal(t, "formal", got["tone"])
	assert.Equal(t, float64(800), got["max_words"])

	_, err = parseOverride(`"text"`)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestNewWorkflowFromFlags(t *testing.T) {
	t.Cleanup(func() {
		createQuestion, createMode = "", ""
		createInclude, createExclude, createDatabases = nil, nil, nil
	})

	createQuestion = "  Do statins reduce dementia risk?  "
	createInclude = []string{"cohort studies"}
	createDatabases = []string{"pubmed", " openalex"}
	createMode = "fast"

	wf, err := newWorkflowFromFlags()
	require.NoError(t, err)
	assert.Equal(t, "Do statins reduce dementia risk?", wf.ResearchQuestion)
	assert.Equal(t, []domain.SourceType{domain.SourceTypePubMed, domain.SourceTypeOpenAlex}, wf.TargetDatabases)
	assert.Equal(t, "fast", wf.Mode)
	assert.Equal(t, domain.WorkflowStatusPending, wf.Status)

	createDatabases = []string{"scopus"}
	_, err = newWorkflowFromFlags()
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	createDatabases = nil
	createMode = "turbo"
	_, err = newWorkflowFromFlags()
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	createMode = ""
	createQuestion = "   "
	_, err = newWorkflowFromFlags()
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
