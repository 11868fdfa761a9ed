package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/llm"
	"github.com/helixir/review-orchestrator/internal/pipeline"
)

// Screen applies title/abstract screening to the search results.
type Screen struct {
	deps Deps
}

// NewScreen creates the screen executor.
func NewScreen(deps Deps) *Screen { return &Screen{deps: deps} }

func (s *Screen) Stage() domain.Stage            { return domain.StageScreen }
func (s *Screen) RequiredStages() []domain.Stage { return []domain.Stage{domain.StageSearch} }

type screeningVote struct {
	Decision  string `json:"decision"`
	Rationale string `json:"rationale"`
}

// Execute screens every paper found by the search stage.
func (s *Screen) Execute(ctx context.Context, in *pipeline.StageInput) (*pipeline.StageResult, error) {
	search, err := in.Data.Search()
	if err != nil {
		return nil, err
	}
	filter, err := CompilePreFilter(in.Mode.PreScreenFilter)
	if err != nil {
		return nil, err
	}

	papers := search.Papers
	meter := &llm.Meter{}
	decisions := make([]domain.ScreeningDecision, len(papers))
	criteria := fmt.Sprintf("Research question: %s\n\nInclusion criteria:\n%s\n\nExclusion criteria:\n%s",
		in.Data.ResearchQuestion(), bullets(in.Data.InclusionCriteria()), bullets(in.Data.ExclusionCriteria()))

	in.Tracker.PhaseChanged(ctx, "screening", len(papers))
	err = forEach(ctx, len(papers), in.Mode.Concurrency, func(ctx context.Context, i int) error {
		p := papers[i]
		in.Tracker.ItemStarted(ctx, p.ID)
		d, err := s.screenPaper(ctx, in, filter, criteria, p, meter)
		if err != nil {
			return err
		}
		decisions[i] = d
		in.Tracker.Increment(ctx, tally(d.Decision), 1)
		in.Tracker.ItemCompleted(ctx, p.ID, d.Decision, d.Rationale)
		return nil
	})
	if err != nil {
		return failed(meter, err)
	}

	out := domain.ScreenOutput{
		IncludedPapers: []domain.Paper{},
		Decisions:      decisions,
		PapersScreened: len(papers),
	}
	for i, d := range decisions {
		switch d.Decision {
		case domain.DecisionInclude:
			out.IncludedPapers = append(out.IncludedPapers, papers[i])
			out.PapersIncluded++
		case domain.DecisionConflict:
			out.Conflicts++
		default:
			out.PapersExcluded++
		}
	}
	in.Logger.Info().
		Int("screened", out.PapersScreened).
		Int("included", out.PapersIncluded).
		Int("excluded", out.PapersExcluded).
		Int("conflicts", out.Conflicts).
		Msg("screening complete")

	if out.PapersIncluded == 0 {
		return &pipeline.StageResult{Cost: meter.Cost()},
			pipeline.NewActionRequired("no papers passed screening (%d screened, %d conflicts); revise the eligibility criteria", out.PapersScreened, out.Conflicts)
	}
	return pipeline.Succeed(out, meter.Cost())
}

func (s *Screen) screenPaper(ctx context.Context, in *pipeline.StageInput, filter *PreFilter, criteria string, p domain.Paper, meter *llm.Meter) (domain.ScreeningDecision, error) {
	d := domain.ScreeningDecision{PaperID: p.ID}

	ok, err := filter.Allow(p)
	if err != nil {
		return d, err
	}
	if !ok {
		d.Decision = domain.DecisionExclude
		d.Filtered = true
		d.Rationale = "excluded by pre-screen filter: " + filter.String()
		return d, nil
	}

	passes := in.Mode.ScreeningPasses
	if passes < 1 {
		passes = 1
	}
	prompt := criteria + "\n\nPaper:\n" + paperBrief(p)
	var rationales []string
	for pass := 0; pass < passes; pass++ {
		system, temp := screeningPrompt, 0.0
		if pass > 0 {
			system, temp = screeningSecondPrompt, 0.3
		}
		var vote screeningVote
		resp, err := s.deps.LLM.CompleteJSON(ctx, domain.StageScreen, llm.Request{
			System:      system,
			Prompt:      prompt,
			MaxTokens:   300,
			Temperature: llm.Float(temp),
		}, &vote)
		meter.Add(resp)
		if err != nil {
			if !llm.IsInvalidResponse(err) {
				return d, err
			}
			in.Logger.Warn().Err(err).Str("paper_id", p.ID).Msg("unparseable screening response")
			d.Decision = domain.DecisionConflict
			d.Rationale = "screening response could not be parsed"
			return d, nil
		}
		decision := normalizeDecision(vote.Decision)
		if decision == "" {
			d.Decision = domain.DecisionConflict
			d.Rationale = fmt.Sprintf("unrecognized screening decision %q", vote.Decision)
			return d, nil
		}
		d.Votes = append(d.Votes, decision)
		if vote.Rationale != "" {
			rationales = append(rationales, vote.Rationale)
		}
	}

	d.Decision = d.Votes[0]
	for _, v := range d.Votes[1:] {
		if v != d.Decision {
			d.Decision = domain.DecisionConflict
		}
	}
	d.Rationale = strings.Join(rationales, " | ")
	return d, nil
}

func normalizeDecision(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "include", "included", "yes":
		return domain.DecisionInclude
	case "exclude", "excluded", "no":
		return domain.DecisionExclude
	default:
		return ""
	}
}

// tally maps a decision to its summary counter.
func tally(decision string) string {
	switch decision {
	case domain.DecisionInclude:
		return "included"
	case domain.DecisionConflict:
		return "conflict"
	default:
		return "excluded"
	}
}
