// Package stages implements the twelve review stage executors.
//
// Executors read earlier outputs from the accumulator, call the paper
// sources, PDF downloader and LLM through narrow interfaces, and return a
// typed output. They never write checkpoints.
package stages

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/llm"
	"github.com/helixir/review-orchestrator/internal/papersources"
	"github.com/helixir/review-orchestrator/internal/pipeline"
	"github.com/helixir/review-orchestrator/internal/resilience"
)

// Completer is the LLM surface the stages use. *llm.Service implements it.
type Completer interface {
	Complete(ctx context.Context, stage domain.Stage, req llm.Request) (*llm.Response, error)
	CompleteJSON(ctx context.Context, stage domain.Stage, req llm.Request, dst any) (*llm.Response, error)
}

// Searcher fans a query out to paper sources. *papersources.Registry
// implements it.
type Searcher interface {
	SearchSources(ctx context.Context, types []domain.SourceType, params papersources.SearchParams) []papersources.SourceResult
}

// Fetcher retrieves a paper's full text. *pdf.Downloader implements it.
type Fetcher interface {
	Fetch(ctx context.Context, paper domain.Paper) (*domain.Document, error)
}

// Deps are the collaborators shared by the executors.
type Deps struct {
	LLM     Completer
	Sources Searcher
	PDFs    Fetcher
	Logger  zerolog.Logger
}

// Validate reports missing collaborators.
func (d Deps) Validate() error {
	switch {
	case d.LLM == nil:
		return fmt.Errorf("stages: LLM is required")
	case d.Sources == nil:
		return fmt.Errorf("stages: paper sources are required")
	case d.PDFs == nil:
		return fmt.Errorf("stages: PDF fetcher is required")
	}
	return nil
}

var (
	_ pipeline.Executor = (*Search)(nil)
	_ pipeline.Executor = (*Screen)(nil)
	_ pipeline.Executor = (*PDFFetch)(nil)
	_ pipeline.Executor = (*Extract)(nil)
	_ pipeline.Executor = (*RiskOfBias)(nil)
	_ pipeline.Executor = (*Analysis)(nil)
	_ pipeline.Executor = (*PRISMA)(nil)
	_ pipeline.Executor = (*Tables)(nil)
	_ pipeline.Executor = (*Section)(nil)
)

// Executors returns one executor per stage, in stage order.
func Executors(deps Deps) []pipeline.Executor {
	return []pipeline.Executor{
		NewSearch(deps),
		NewScreen(deps),
		NewPDFFetch(deps),
		NewExtract(deps),
		NewRiskOfBias(deps),
		NewAnalysis(),
		NewPRISMA(),
		NewTables(),
		NewSection(deps, domain.StageIntroduction),
		NewSection(deps, domain.StageMethods),
		NewSection(deps, domain.StageResults),
		NewSection(deps, domain.StageDiscussion),
	}
}

// NewRegistry wraps every executor with its stage's policy, derived from
// base by resilience.StagePolicies, and validates the result.
func NewRegistry(deps Deps, base resilience.RetryPolicy) (*pipeline.Registry, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	policies := resilience.StagePolicies(base)
	execs := Executors(deps)
	wrapped := make([]pipeline.StageExecutor, len(execs))
	for i, e := range execs {
		wrapped[i] = pipeline.WithRetry(e, policies[e.Stage()])
	}
	return pipeline.NewRegistry(wrapped...)
}

// forEach runs fn for every index in [0,n) with at most limit running at
// once. The first error cancels the remaining work and is returned.
func forEach(ctx context.Context, n, limit int, fn func(ctx context.Context, i int) error) error {
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// errgroup cancels gctx once Wait returns; only the caller's context
	// decides whether the loop was interrupted.
	return ctx.Err()
}

// failed returns a result carrying the cost spent so far together with err.
func failed(meter *llm.Meter, err error) (*pipeline.StageResult, error) {
	return &pipeline.StageResult{Cost: meter.Cost()}, err
}
