package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/llm"
	"github.com/helixir/review-orchestrator/internal/pipeline"
)

// RiskOfBias judges each extracted study across the RoB 2 domains.
type RiskOfBias struct {
	deps Deps
}

// NewRiskOfBias creates the rob executor.
func NewRiskOfBias(deps Deps) *RiskOfBias { return &RiskOfBias{deps: deps} }

func (s *RiskOfBias) Stage() domain.Stage            { return domain.StageRiskOfBias }
func (s *RiskOfBias) RequiredStages() []domain.Stage { return []domain.Stage{domain.StageExtract} }

type robJudgement struct {
	Domains   map[string]string `json:"domains"`
	Overall   string            `json:"overall"`
	Rationale string            `json:"rationale"`
}

// Execute assesses every extracted study.
func (s *RiskOfBias) Execute(ctx context.Context, in *pipeline.StageInput) (*pipeline.StageResult, error) {
	ext, err := in.Data.Extract()
	if err != nil {
		return nil, err
	}
	abstracts := map[string]string{}
	if screen, err := in.Data.Screen(); err == nil {
		for _, p := range screen.IncludedPapers {
			abstracts[p.ID] = p.Abstract
		}
	}

	studies := ext.Extractions
	meter := &llm.Meter{}
	assessments := make([]domain.RiskOfBiasAssessment, len(studies))

	in.Tracker.PhaseChanged(ctx, "assessing", len(studies))
	err = forEach(ctx, len(studies), in.Mode.Concurrency, func(ctx context.Context, i int) error {
		e := studies[i]
		in.Tracker.ItemStarted(ctx, e.PaperID)
		a, err := s.assess(ctx, e, abstracts[e.PaperID], meter)
		if err != nil {
			if !llm.IsInvalidResponse(err) {
				return err
			}
			in.Logger.Warn().Err(err).Str("paper_id", e.PaperID).Msg("unparseable risk-of-bias response")
			a = unassessed(e)
		}
		assessments[i] = a
		in.Tracker.Increment(ctx, a.Overall, 1)
		in.Tracker.ItemCompleted(ctx, e.PaperID, a.Overall, a.Rationale)
		return nil
	})
	if err != nil {
		return failed(meter, err)
	}

	return pipeline.Succeed(domain.RiskOfBiasOutput{Assessments: assessments}, meter.Cost())
}

func (s *RiskOfBias) assess(ctx context.Context, e domain.Extraction, abstract string, meter *llm.Meter) (domain.RiskOfBiasAssessment, error) {
	var j robJudgement
	prompt := fmt.Sprintf("Study: %s\nDesign: %s\nPopulation: %s (n=%d)\nIntervention: %s\nComparator: %s\nOutcomes: %s\nNotes: %s\n\nAbstract: %s",
		e.Citation, e.StudyDesign, e.Population, e.SampleSize, e.Intervention, e.Comparator,
		strings.Join(e.Outcomes, "; "), e.Notes, truncate(abstract, 4000))
	resp, err := s.deps.LLM.CompleteJSON(ctx, domain.StageRiskOfBias, llm.Request{
		System:      riskOfBiasPrompt,
		Prompt:      prompt,
		MaxTokens:   500,
		Temperature: llm.Float(0),
	}, &j)
	meter.Add(resp)
	if err != nil {
		return domain.RiskOfBiasAssessment{}, err
	}

	a := domain.RiskOfBiasAssessment{
		PaperID:   e.PaperID,
		Citation:  e.Citation,
		Domains:   make(map[string]string, len(domain.RiskOfBiasDomains)),
		Rationale: j.Rationale,
	}
	for _, d := range domain.RiskOfBiasDomains {
		a.Domains[d] = normalizeRisk(j.Domains[d])
	}
	a.Overall = normalizeRisk(j.Overall)
	if worst := worstRisk(a.Domains); riskRank(worst) > riskRank(a.Overall) {
		a.Overall = worst
	}
	return a, nil
}

// unassessed is recorded when the model's judgement cannot be read.
func unassessed(e domain.Extraction) domain.RiskOfBiasAssessment {
	a := domain.RiskOfBiasAssessment{
		PaperID:   e.PaperID,
		Citation:  e.Citation,
		Domains:   make(map[string]string, len(domain.RiskOfBiasDomains)),
		Overall:   domain.RiskSomeConcerns,
		Rationale: "assessment could not be parsed",
	}
	for _, d := range domain.RiskOfBiasDomains {
		a.Domains[d] = domain.RiskSomeConcerns
	}
	return a
}

// normalizeRisk maps free-form judgements onto the three levels. Anything
// unrecognized is some_concerns.
func normalizeRisk(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	switch s {
	case "low", "low_risk":
		return domain.RiskLow
	case "high", "high_risk", "serious", "critical":
		return domain.RiskHigh
	default:
		return domain.RiskSomeConcerns
	}
}

func riskRank(r string) int {
	switch r {
	case domain.RiskLow:
		return 0
	case domain.RiskHigh:
		return 2
	default:
		return 1
	}
}

// worstRisk returns the highest risk across domains. Under RoB 2 a single
// high-risk domain makes the study high risk overall.
func worstRisk(domains map[string]string) string {
	worst := domain.RiskLow
	for _, r := range domains {
		if riskRank(r) > riskRank(worst) {
			worst = r
		}
	}
	return worst
}
