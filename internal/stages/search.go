package stages

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/helixir/review-orchestrator/internal/dedup"
	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/llm"
	"github.com/helixir/review-orchestrator/internal/papersources"
	"github.com/helixir/review-orchestrator/internal/pipeline"
)

const maxExpandedQueries = 4

// Search queries the target databases and deduplicates the results.
type Search struct {
	deps   Deps
	merger dedup.Merger
}

// NewSearch creates the search executor.
func NewSearch(deps Deps) *Search {
	return &Search{deps: deps, merger: dedup.Merger{MinAuthorOverlap: dedup.DefaultMinAuthorOverlap}}
}

func (s *Search) Stage() domain.Stage            { return domain.StageSearch }
func (s *Search) RequiredStages() []domain.Stage { return nil }

type queryExpansion struct {
	Queries []string `json:"queries"`
}

// Execute runs the search.
func (s *Search) Execute(ctx context.Context, in *pipeline.StageInput) (*pipeline.StageResult, error) {
	question := strings.TrimSpace(in.Data.ResearchQuestion())
	if question == "" {
		return nil, domain.NewValidationError("research_question", "is required")
	}

	meter := &llm.Meter{}
	queries := []string{question}
	if in.Mode.QueryExpansion {
		expanded, err := s.expand(ctx, in, question, meter)
		if err != nil {
			if !llm.IsInvalidResponse(err) {
				return failed(meter, err)
			}
			in.Logger.Warn().Err(err).Msg("query expansion unusable, searching with the research question")
		}
		queries = mergeQueries(queries, expanded)
	}
	in.Tracker.PhaseChanged(ctx, "searching", len(queries))

	params := papersources.SearchParams{MaxResults: in.Mode.MaxPapers}
	if from, ok := intValue(in.Data, "year_from"); ok {
		params.YearFrom = from
	}
	if to, ok := intValue(in.Data, "year_to"); ok {
		params.YearTo = to
	}

	targets := in.Data.TargetDatabases()
	counts := make(map[string]int)
	var (
		all     []domain.Paper
		errs    []string
		sources int
	)
	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return failed(meter, err)
		}
		in.Tracker.ItemStarted(ctx, q)
		params.Query = q
		found := 0
		for _, r := range s.deps.Sources.SearchSources(ctx, targets, params) {
			sources++
			name := string(r.Source)
			if r.Error != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, r.Error))
				in.Logger.Warn().Err(r.Error).Str("source", name).Str("query", q).Msg("source search failed")
				continue
			}
			if r.Result == nil {
				continue
			}
			counts[name] += len(r.Result.Papers)
			found += len(r.Result.Papers)
			all = append(all, r.Result.Papers...)
		}
		in.Tracker.ItemCompleted(ctx, q, found, "")
	}
	if err := ctx.Err(); err != nil {
		return failed(meter, err)
	}
	if sources == 0 {
		return &pipeline.StageResult{Cost: meter.Cost()}, pipeline.NewActionRequired("none of the requested databases are enabled: %v", targets)
	}
	if len(errs) == sources {
		return failed(meter, fmt.Errorf("all paper source searches failed: %s", strings.Join(errs, "; ")))
	}

	papers, removed := s.merger.Merge(all)
	sort.SliceStable(papers, func(i, j int) bool { return papers[i].CitationCount > papers[j].CitationCount })
	if in.Mode.MaxPapers > 0 && len(papers) > in.Mode.MaxPapers {
		papers = papers[:in.Mode.MaxPapers]
	}
	if len(papers) == 0 {
		return &pipeline.StageResult{Cost: meter.Cost()}, pipeline.NewActionRequired("no papers found for %q; broaden the research question or target databases", question)
	}

	in.Tracker.Increment(ctx, "papers_found", len(papers))
	in.Tracker.Increment(ctx, "duplicates_removed", removed)
	in.Logger.Info().
		Int("papers", len(papers)).
		Int("duplicates_removed", removed).
		Int("queries", len(queries)).
		Msg("search complete")

	return pipeline.Succeed(domain.SearchOutput{
		Papers:            papers,
		PapersFound:       len(papers),
		DuplicatesRemoved: removed,
		Queries:           queries,
		SourceCounts:      counts,
		SourceErrors:      errs,
	}, meter.Cost())
}

func (s *Search) expand(ctx context.Context, in *pipeline.StageInput, question string, meter *llm.Meter) ([]string, error) {
	var out queryExpansion
	resp, err := s.deps.LLM.CompleteJSON(ctx, domain.StageSearch, llm.Request{
		System:    queryExpansionPrompt,
		Prompt:    fmt.Sprintf("Research question: %s\n\nInclusion criteria:\n%s", question, bullets(in.Data.InclusionCriteria())),
		MaxTokens: 400,
	}, &out)
	meter.Add(resp)
	if err != nil {
		return nil, err
	}
	in.Tracker.Thought(ctx, fmt.Sprintf("expanded research question into %d queries", len(out.Queries)))
	return out.Queries, nil
}

// mergeQueries appends non-empty, distinct expansions to base.
func mergeQueries(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	for _, q := range base {
		seen[strings.ToLower(q)] = true
	}
	for _, q := range extra {
		q = strings.TrimSpace(q)
		key := strings.ToLower(q)
		if q == "" || seen[key] {
			continue
		}
		if len(base) > maxExpandedQueries {
			break
		}
		seen[key] = true
		base = append(base, q)
	}
	return base
}

func intValue(acc *pipeline.Accumulator, key string) (int, bool) {
	v, ok := acc.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
