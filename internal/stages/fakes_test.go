package stages

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/llm"
	"github.com/helixir/review-orchestrator/internal/papersources"
	"github.com/helixir/review-orchestrator/internal/pipeline"
	"github.com/helixir/review-orchestrator/internal/progress"
	"github.com/helixir/review-orchestrator/internal/resilience"
)

const callCost = 0.01

// scriptedLLM answers each call with reply(stage, req).
type scriptedLLM struct {
	mu    sync.Mutex
	reply func(stage domain.Stage, req llm.Request) (string, error)
	calls []llm.Request
}

func (f *scriptedLLM) Complete(_ context.Context, stage domain.Stage, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	content, err := f.reply(stage, req)
	if err != nil {
		return nil, err
	}
	return &llm.Response{Content: content, Model: "fake", InputTokens: 100, OutputTokens: 10, Cost: callCost}, nil
}

func (f *scriptedLLM) CompleteJSON(ctx context.Context, stage domain.Stage, req llm.Request, dst any) (*llm.Response, error) {
	resp, err := f.Complete(ctx, stage, req)
	if err != nil {
		return nil, err
	}
	if err := llm.DecodeJSON(resp.Content, dst); err != nil {
		return resp, err
	}
	return resp, nil
}

func (f *scriptedLLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSearcher struct {
	mu      sync.Mutex
	results func(params papersources.SearchParams) []papersources.SourceResult
	params  []papersources.SearchParams
	types   [][]domain.SourceType
}

func (f *fakeSearcher) SearchSources(_ context.Context, types []domain.SourceType, params papersources.SearchParams) []papersources.SourceResult {
	f.mu.Lock()
	f.params = append(f.params, params)
	f.types = append(f.types, types)
	f.mu.Unlock()
	return f.results(params)
}

type fakeFetcher struct {
	fetch func(p domain.Paper) (*domain.Document, error)
}

func (f *fakeFetcher) Fetch(_ context.Context, p domain.Paper) (*domain.Document, error) {
	return f.fetch(p)
}

type nopFlusher struct{}

func (nopFlusher) UpdateProgress(context.Context, uuid.UUID, domain.Stage, json.RawMessage) error {
	return nil
}

func testMode() domain.ModeConfig {
	m, _ := domain.LookupMode("balanced")
	m.QueryExpansion = false
	m.ExtractionReview = false
	m.Concurrency = 3
	return m
}

func protocol() map[string]any {
	return map[string]any{
		"research_question":  "Does exercise reduce depressive symptoms in adults?",
		"inclusion_criteria": []any{"randomized controlled trials", "adults"},
		"exclusion_criteria": []any{"case reports"},
		"target_databases":   []any{"openalex", "pubmed"},
	}
}

// newInput builds a StageInput over acc with a live tracker.
func newInput(t *testing.T, stage domain.Stage, mode domain.ModeConfig, acc *pipeline.Accumulator) *pipeline.StageInput {
	t.Helper()
	id := uuid.New()
	return &pipeline.StageInput{
		WorkflowID: id,
		Stage:      stage,
		Mode:       mode,
		Data:       acc,
		Tracker:    progress.NewTracker(id, stage, nopFlusher{}, progress.Options{}),
		Logger:     zerolog.Nop(),
	}
}

// withOutput records a typed output for stage on acc.
func withOutput(t *testing.T, acc *pipeline.Accumulator, stage domain.Stage, out any) {
	t.Helper()
	m, err := pipeline.OutputMap(out)
	require.NoError(t, err)
	acc.SetStageOutput(stage, m)
}

func paper(id, title, abstract string, year int) domain.Paper {
	return domain.Paper{
		ID:       id,
		Title:    title,
		Abstract: abstract,
		Year:     year,
		Authors:  []domain.Author{{Name: "Ada Lovelace"}, {Name: "Alan Turing"}},
		Source:   domain.SourceTypeOpenAlex,
	}
}

func promptHas(req llm.Request, s string) bool {
	return strings.Contains(req.Prompt, s)
}

var errUpstream = domain.NewExternalAPIError("openai", 503, "overloaded", errors.New("503"))

func f64(v float64) *float64 { return &v }

// decode converts a result's generic output back into its typed form.
func decode[T any](t *testing.T, res *pipeline.StageResult) T {
	t.Helper()
	require.NotNil(t, res)
	b, err := json.Marshal(res.Output)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func resilienceTestPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{MaxRetries: 2, InitialBackoff: time.Millisecond, Multiplier: 1, MaxBackoff: time.Millisecond}
}
