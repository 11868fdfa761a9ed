// Package papersources provides clients for the bibliographic databases the
// search stage queries.
package papersources

import (
	"context"
	"time"

	"github.com/helixir/review-orchestrator/internal/domain"
)

// SearchParams contains parameters for searching papers.
type SearchParams struct {
	// Query is the search query string.
	Query string

	// YearFrom and YearTo bound the publication year. Zero means unbounded.
	YearFrom int
	YearTo   int

	// MaxResults caps the number of papers returned. Zero uses the source default.
	MaxResults int

	// OpenAccessOnly limits results to open-access papers.
	OpenAccessOnly bool
}

// SearchResult contains the results of a paper search.
type SearchResult struct {
	Papers         []domain.Paper
	TotalResults   int
	Source         domain.SourceType
	SearchDuration time.Duration
}

// PaperSource is a searchable bibliographic database.
// Implementations must be safe for concurrent use.
type PaperSource interface {
	// Search returns papers matching params. Every returned paper has its
	// Source and ID set.
	Search(ctx context.Context, params SearchParams) (*SearchResult, error)

	// SourceType returns the source type identifier.
	SourceType() domain.SourceType

	// Name returns a human-readable name for logs.
	Name() string

	// IsEnabled reports whether the source is enabled in configuration.
	IsEnabled() bool
}

// Limit returns MaxResults, falling back to def and clamped to limit.
func (p SearchParams) Limit(def, limit int) int {
	n := p.MaxResults
	if n <= 0 {
		n = def
	}
	if limit > 0 && n > limit {
		n = limit
	}
	return n
}
