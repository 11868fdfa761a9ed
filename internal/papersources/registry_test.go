package papersources

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/review-orchestrator/internal/domain"
)

type mockPaperSource struct {
	sourceType domain.SourceType
	enabled    bool
	searchFunc func(ctx context.Context, params SearchParams) (*SearchResult, error)
	calls      atomic.Int32
}

func newMockPaperSource(sourceType domain.SourceType, enabled bool) *mockPaperSource {
	return &mockPaperSource{sourceType: sourceType, enabled: enabled}
}

func (m *mockPaperSource) Search(ctx context.Context, params SearchParams) (*SearchResult, error) {
	m.calls.Add(1)
	if m.searchFunc != nil {
		return m.searchFunc(ctx, params)
	}
	return &SearchResult{Source: m.sourceType}, nil
}

func (m *mockPaperSource) SourceType() domain.SourceType { return m.sourceType }
func (m *mockPaperSource) Name() string                  { return string(m.sourceType) }
func (m *mockPaperSource) IsEnabled() bool               { return m.enabled }

func TestRegistry_RegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	assert.Nil(t, registry.Get(domain.SourceTypeOpenAlex))

	first := newMockPaperSource(domain.SourceTypeOpenAlex, true)
	second := newMockPaperSource(domain.SourceTypeOpenAlex, false)
	registry.Register(first)
	assert.Same(t, first, registry.Get(domain.SourceTypeOpenAlex))

	registry.Register(second)
	assert.Same(t, second, registry.Get(domain.SourceTypeOpenAlex))
}

func TestRegistry_EnabledSources(t *testing.T) {
	registry := NewRegistry()
	registry.Register(newMockPaperSource(domain.SourceTypeSemanticScholar, true))
	registry.Register(newMockPaperSource(domain.SourceTypePubMed, false))
	registry.Register(newMockPaperSource(domain.SourceTypeOpenAlex, true))

	sources := registry.EnabledSources()
	require.Len(t, sources, 2)
	assert.Equal(t, domain.SourceTypeOpenAlex, sources[0].SourceType())
	assert.Equal(t, domain.SourceTypeSemanticScholar, sources[1].SourceType())
}

func TestRegistry_Resolve(t *testing.T) {
	registry := NewRegistry()
	registry.Register(newMockPaperSource(domain.SourceTypeSemanticScholar, true))
	registry.Register(newMockPaperSource(domain.SourceTypePubMed, false))
	registry.Register(newMockPaperSource(domain.SourceTypeOpenAlex, true))

	tests := []struct {
		name  string
		types []domain.SourceType
		want  []domain.SourceType
	}{
		{name: "empty selects all enabled", types: nil, want: []domain.SourceType{domain.SourceTypeOpenAlex, domain.SourceTypeSemanticScholar}},
		{name: "keeps requested order", types: []domain.SourceType{domain.SourceTypeSemanticScholar, domain.SourceTypeOpenAlex}, want: []domain.SourceType{domain.SourceTypeSemanticScholar, domain.SourceTypeOpenAlex}},
		{name: "drops disabled", types: []domain.SourceType{domain.SourceTypePubMed, domain.SourceTypeOpenAlex}, want: []domain.SourceType{domain.SourceTypeOpenAlex}},
		{name: "drops duplicates and unknown", types: []domain.SourceType{domain.SourceTypeOpenAlex, "scopus", domain.SourceTypeOpenAlex}, want: []domain.SourceType{domain.SourceTypeOpenAlex}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := registry.Resolve(tt.types)
			types := make([]domain.SourceType, 0, len(got))
			for _, s := range got {
				types = append(types, s.SourceType())
			}
			assert.Equal(t, tt.want, types)
		})
	}
}

func TestRegistry_SearchSources(t *testing.T) {
	t.Run("runs sources concurrently and keeps failures local", func(t *testing.T) {
		registry := NewRegistry()

		release := make(chan struct{})
		var started atomic.Int32
		blocking := func(paper string) func(context.Context, SearchParams) (*SearchResult, error) {
			return func(ctx context.Context, params SearchParams) (*SearchResult, error) {
				if started.Add(1) == 2 {
					close(release)
				}
				select {
				case <-release:
				case <-time.After(5 * time.Second):
					return nil, errors.New("sources did not run concurrently")
				}
				return &SearchResult{Papers: []domain.Paper{{ID: paper, Title: params.Query}}}, nil
			}
		}

		openalex := newMockPaperSource(domain.SourceTypeOpenAlex, true)
		openalex.searchFunc = blocking("a")
		s2 := newMockPaperSource(domain.SourceTypeSemanticScholar, true)
		s2.searchFunc = blocking("b")
		pubmed := newMockPaperSource(domain.SourceTypePubMed, true)
		pubmed.searchFunc = func(context.Context, SearchParams) (*SearchResult, error) {
			return nil, errors.New("pubmed down")
		}
		registry.Register(openalex)
		registry.Register(s2)
		registry.Register(pubmed)

		results := registry.SearchSources(context.Background(),
			[]domain.SourceType{domain.SourceTypeOpenAlex, domain.SourceTypeSemanticScholar, domain.SourceTypePubMed},
			SearchParams{Query: "statins"})

		require.Len(t, results, 3)
		assert.Equal(t, domain.SourceTypeOpenAlex, results[0].Source)
		require.NoError(t, results[0].Error)
		assert.Equal(t, "a", results[0].Result.Papers[0].ID)
		assert.Equal(t, "statins", results[0].Result.Papers[0].Title)
		require.NoError(t, results[1].Error)
		assert.Equal(t, "b", results[1].Result.Papers[0].ID)
		assert.EqualError(t, results[2].Error, "pubmed down")
	})

	t.Run("no sources", func(t *testing.T) {
		assert.Empty(t, NewRegistry().SearchSources(context.Background(), nil, SearchParams{}))
	})
}

func TestSearchParams_Limit(t *testing.T) {
	assert.Equal(t, 25, SearchParams{}.Limit(25, 200))
	assert.Equal(t, 200, SearchParams{MaxResults: 500}.Limit(25, 200))
	assert.Equal(t, 40, SearchParams{MaxResults: 40}.Limit(25, 200))
	assert.Equal(t, 500, SearchParams{MaxResults: 500}.Limit(25, 0))
}
