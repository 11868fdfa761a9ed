package papersources

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/helixir/review-orchestrator/internal/domain"
)

// Registry holds the configured paper sources.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[domain.SourceType]PaperSource
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[domain.SourceType]PaperSource),
	}
}

// Register adds a source, replacing any source with the same type.
func (r *Registry) Register(source PaperSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[source.SourceType()] = source
}

// Get returns the source for sourceType, or nil.
func (r *Registry) Get(sourceType domain.SourceType) PaperSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources[sourceType]
}

// EnabledSources returns the enabled sources ordered by type.
func (r *Registry) EnabledSources() []PaperSource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sources := make([]PaperSource, 0, len(r.sources))
	for _, s := range r.sources {
		if s.IsEnabled() {
			sources = append(sources, s)
		}
	}
	sort.Slice(sources, func(i, j int) bool {
		return sources[i].SourceType() < sources[j].SourceType()
	})
	return sources
}

// Resolve returns the enabled sources among types, in the order given.
// Unknown, disabled and duplicate types are dropped. An empty types slice
// selects every enabled source.
func (r *Registry) Resolve(types []domain.SourceType) []PaperSource {
	if len(types) == 0 {
		return r.EnabledSources()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[domain.SourceType]bool, len(types))
	sources := make([]PaperSource, 0, len(types))
	for _, t := range types {
		s, ok := r.sources[t]
		if !ok || seen[t] || !s.IsEnabled() {
			continue
		}
		seen[t] = true
		sources = append(sources, s)
	}
	return sources
}

// SourceResult is the outcome of searching one source.
type SourceResult struct {
	Source domain.SourceType
	Result *SearchResult
	Error  error
}

// SearchSources searches the enabled sources among types concurrently.
// A failing source does not cancel the others; its error is reported in
// its SourceResult. Results are returned in the resolved source order.
func (r *Registry) SearchSources(ctx context.Context, types []domain.SourceType, params SearchParams) []SourceResult {
	sources := r.Resolve(types)
	results := make([]SourceResult, len(sources))

	var g errgroup.Group
	for i, s := range sources {
		g.Go(func() error {
			res, err := s.Search(ctx, params)
			results[i] = SourceResult{Source: s.SourceType(), Result: res, Error: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}
