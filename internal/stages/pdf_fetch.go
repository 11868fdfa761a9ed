package stages

import (
	"context"
	"errors"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/pipeline"
)

// PDFFetch downloads full texts for the included papers. A paper without
// a retrievable PDF is recorded as missing.
type PDFFetch struct {
	deps Deps
}

// NewPDFFetch creates the pdf_fetch executor.
func NewPDFFetch(deps Deps) *PDFFetch { return &PDFFetch{deps: deps} }

func (s *PDFFetch) Stage() domain.Stage            { return domain.StagePDFFetch }
func (s *PDFFetch) RequiredStages() []domain.Stage { return []domain.Stage{domain.StageScreen} }

// Execute fetches every included paper.
func (s *PDFFetch) Execute(ctx context.Context, in *pipeline.StageInput) (*pipeline.StageResult, error) {
	screen, err := in.Data.Screen()
	if err != nil {
		return nil, err
	}
	papers := screen.IncludedPapers
	docs := make([]*domain.Document, len(papers))

	var (
		mu      sync.Mutex
		tripped []error
	)
	in.Tracker.PhaseChanged(ctx, "downloading", len(papers))
	err = forEach(ctx, len(papers), in.Mode.Concurrency, func(ctx context.Context, i int) error {
		p := papers[i]
		in.Tracker.ItemStarted(ctx, p.ID)
		doc, err := s.deps.PDFs.Fetch(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				mu.Lock()
				tripped = append(tripped, err)
				mu.Unlock()
			}
			in.Logger.Debug().Err(err).Str("paper_id", p.ID).Msg("pdf not retrieved")
			in.Tracker.Increment(ctx, "missing", 1)
			in.Tracker.ItemCompleted(ctx, p.ID, "missing", err.Error())
			return nil
		}
		docs[i] = doc
		in.Tracker.Increment(ctx, "retrieved", 1)
		in.Tracker.ItemCompleted(ctx, p.ID, "retrieved", "")
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := domain.PDFFetchOutput{Documents: []domain.Document{}}
	for i, d := range docs {
		if d == nil {
			out.MissingPapers = append(out.MissingPapers, papers[i].ID)
			continue
		}
		out.Documents = append(out.Documents, *d)
	}
	out.PDFsRetrieved = len(out.Documents)
	out.PDFsMissing = len(out.MissingPapers)

	// An open breaker on every download fails the stage so it can be retried.
	if len(papers) > 0 && out.PDFsRetrieved == 0 && len(tripped) == len(papers) {
		return nil, errors.Join(tripped...)
	}

	in.Logger.Info().
		Int("retrieved", out.PDFsRetrieved).
		Int("missing", out.PDFsMissing).
		Msg("pdf fetch complete")
	return pipeline.Succeed(out, 0)
}
