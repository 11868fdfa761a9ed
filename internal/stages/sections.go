package stages

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/llm"
	"github.com/helixir/review-orchestrator/internal/pipeline"
)

type sectionSpec struct {
	title    string
	requires []domain.Stage
	brief    string
	facts    func(*pipeline.StageInput) string
}

var sectionSpecs = map[domain.Stage]sectionSpec{
	domain.StageIntroduction: {
		title:    "Introduction",
		requires: []domain.Stage{domain.StageSearch},
		brief:    "Write the Introduction: background, rationale and the review objective.",
		facts:    introductionFacts,
	},
	domain.StageMethods: {
		title:    "Methods",
		requires: []domain.Stage{domain.StageSearch, domain.StageScreen},
		brief:    "Write the Methods: eligibility criteria, information sources, search strategy, selection, data collection, risk of bias and synthesis methods.",
		facts:    methodsFacts,
	},
	domain.StageResults: {
		title:    "Results",
		requires: []domain.Stage{domain.StageExtract, domain.StagePRISMA},
		brief:    "Write the Results: study selection, study characteristics, risk of bias and results of syntheses.",
		facts:    resultsFacts,
	},
	domain.StageDiscussion: {
		title:    "Discussion",
		requires: []domain.Stage{domain.StageExtract},
		brief:    "Write the Discussion: summary of evidence, limitations and implications.",
		facts:    discussionFacts,
	},
}

// Section drafts one manuscript section with the LLM.
type Section struct {
	deps  Deps
	stage domain.Stage
	spec  sectionSpec
}

// NewSection creates the executor for a writing stage. It panics on a
// stage that is not a manuscript section.
func NewSection(deps Deps, stage domain.Stage) *Section {
	spec, ok := sectionSpecs[stage]
	if !ok {
		panic(fmt.Sprintf("stages: %s is not a manuscript section", stage))
	}
	return &Section{deps: deps, stage: stage, spec: spec}
}

func (s *Section) Stage() domain.Stage            { return s.stage }
func (s *Section) RequiredStages() []domain.Stage { return s.spec.requires }

// Execute drafts the section.
func (s *Section) Execute(ctx context.Context, in *pipeline.StageInput) (*pipeline.StageResult, error) {
	meter := &llm.Meter{}
	prompt := fmt.Sprintf("%s\n\nResearch question: %s\n\nFacts:\n%s", s.spec.brief, in.Data.ResearchQuestion(), s.spec.facts(in))
	maxTokens := in.Mode.SectionMaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}

	in.Tracker.PhaseChanged(ctx, "drafting", 1)
	resp, err := s.deps.LLM.Complete(ctx, s.stage, llm.Request{
		System:      sectionPrompt,
		Prompt:      prompt,
		MaxTokens:   maxTokens,
		Temperature: llm.Float(0.4),
	})
	meter.Add(resp)
	if err != nil {
		return failed(meter, err)
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return failed(meter, fmt.Errorf("%w: empty %s section", llm.ErrInvalidResponse, s.stage))
	}

	out := domain.SectionOutput{Title: s.spec.title, Content: content, WordCount: wordCount(content)}
	in.Tracker.ItemCompleted(ctx, s.spec.title, out.WordCount, "")
	return pipeline.Succeed(out, meter.Cost())
}

func introductionFacts(in *pipeline.StageInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Inclusion criteria:\n%s\n", bullets(in.Data.InclusionCriteria()))
	if search, err := in.Data.Search(); err == nil {
		fmt.Fprintf(&b, "Records found: %d\n", search.PapersFound)
	}
	return b.String()
}

func methodsFacts(in *pipeline.StageInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Inclusion criteria:\n%s\nExclusion criteria:\n%s\n",
		bullets(in.Data.InclusionCriteria()), bullets(in.Data.ExclusionCriteria()))
	if search, err := in.Data.Search(); err == nil {
		fmt.Fprintf(&b, "Databases searched: %s\n", joinKeys(search.SourceCounts))
		fmt.Fprintf(&b, "Search queries:\n%s\n", bullets(search.Queries))
	}
	passes := "a single reviewer"
	if in.Mode.ScreeningPasses > 1 {
		passes = "two independent reviewers, with disagreements flagged as conflicts"
	}
	fmt.Fprintf(&b, "Screening: titles and abstracts screened by %s.\n", passes)
	if in.Mode.PreScreenFilter != "" {
		fmt.Fprintf(&b, "Automatic pre-screen filter: %s\n", in.Mode.PreScreenFilter)
	}
	if in.Mode.ExtractionReview {
		b.WriteString("Data extraction: extracted data verified in a second review pass.\n")
	}
	if in.Mode.SkipRiskOfBias {
		b.WriteString("Risk of bias: not assessed.\n")
	} else {
		b.WriteString("Risk of bias: RoB 2 domains (randomization, deviations, missing data, measurement, reporting).\n")
	}
	if in.Mode.SkipAnalysis {
		b.WriteString("Synthesis: narrative only.\n")
	} else {
		b.WriteString("Synthesis: inverse-variance fixed-effect and DerSimonian-Laird random-effects meta-analysis with I² heterogeneity.\n")
	}
	return b.String()
}

func resultsFacts(in *pipeline.StageInput) string {
	var b strings.Builder
	if p, err := in.Data.PRISMA(); err == nil {
		c := p.PRISMA
		fmt.Fprintf(&b, "Identified %d, duplicates removed %d, screened %d, excluded %d, reports sought %d, not retrieved %d, included %d.\n",
			c.Identified, c.DuplicatesRemoved, c.Screened, c.ExcludedScreening, c.ReportsSought, c.ReportsNotRetrieved, c.Included)
	}
	if t, err := in.Data.Tables(); err == nil {
		for _, tbl := range t.Tables {
			b.WriteString("\n" + tbl.Markdown)
		}
	}
	if a, err := in.Data.Analysis(); err == nil {
		b.WriteString("\n" + describeAnalysis(a.MetaAnalysis))
	}
	return b.String()
}

func discussionFacts(in *pipeline.StageInput) string {
	var b strings.Builder
	if ext, err := in.Data.Extract(); err == nil {
		fmt.Fprintf(&b, "Included studies: %d\n", len(ext.Extractions))
		for _, e := range ext.Extractions {
			fmt.Fprintf(&b, "- %s: %s, %s\n", e.Citation, e.StudyDesign, strings.Join(e.Outcomes, "; "))
		}
	}
	if rob, err := in.Data.RiskOfBias(); err == nil {
		counts := map[string]int{}
		for _, a := range rob.Assessments {
			counts[a.Overall]++
		}
		fmt.Fprintf(&b, "Overall risk of bias: %d low, %d some concerns, %d high\n",
			counts[domain.RiskLow], counts[domain.RiskSomeConcerns], counts[domain.RiskHigh])
	}
	if a, err := in.Data.Analysis(); err == nil {
		b.WriteString(describeAnalysis(a.MetaAnalysis))
	}
	return b.String()
}

func describeAnalysis(m domain.MetaAnalysis) string {
	if m.InsufficientData {
		return fmt.Sprintf("Meta-analysis: not performed, %d studies reported a usable effect size.\n", m.Studies)
	}
	re := m.RandomEffects
	return fmt.Sprintf("Meta-analysis (%s, %d studies): random-effects estimate %.2f (95%% CI %.2f to %.2f); I² = %.1f%%, τ² = %.3f, Q = %.2f (df %d).\n",
		m.EffectMeasure, m.Studies, re.Estimate, re.CILower, re.CIUpper, m.I2, m.Tau2, m.Q, m.DF)
}

func joinKeys(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
