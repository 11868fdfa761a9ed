package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/llm"
	"github.com/helixir/review-orchestrator/internal/pipeline"
)

// Extract pulls structured study data from each included paper.
type Extract struct {
	deps Deps
}

// NewExtract creates the extract executor.
func NewExtract(deps Deps) *Extract { return &Extract{deps: deps} }

func (s *Extract) Stage() domain.Stage            { return domain.StageExtract }
func (s *Extract) RequiredStages() []domain.Stage { return []domain.Stage{domain.StageScreen} }

type extractionFields struct {
	StudyDesign   string   `json:"study_design"`
	Population    string   `json:"population"`
	SampleSize    int      `json:"sample_size"`
	Intervention  string   `json:"intervention"`
	Comparator    string   `json:"comparator"`
	Outcomes      []string `json:"outcomes"`
	EffectMeasure string   `json:"effect_measure"`
	EffectSize    *float64 `json:"effect_size"`
	StandardError *float64 `json:"standard_error"`
	Notes         string   `json:"notes"`
}

// Execute extracts every included paper. Papers whose extraction cannot be
// parsed or validated are listed in extraction_failures.
func (s *Extract) Execute(ctx context.Context, in *pipeline.StageInput) (*pipeline.StageResult, error) {
	screen, err := in.Data.Screen()
	if err != nil {
		return nil, err
	}
	retrieved := map[string]bool{}
	if fetch, err := in.Data.PDFFetch(); err == nil {
		for _, d := range fetch.Documents {
			retrieved[d.PaperID] = true
		}
	}

	papers := screen.IncludedPapers
	meter := &llm.Meter{}
	results := make([]*domain.Extraction, len(papers))
	failures := make([]string, len(papers))

	in.Tracker.PhaseChanged(ctx, "extracting", len(papers))
	err = forEach(ctx, len(papers), in.Mode.Concurrency, func(ctx context.Context, i int) error {
		p := papers[i]
		in.Tracker.ItemStarted(ctx, p.ID)
		ext, err := s.extractPaper(ctx, in, p, retrieved[p.ID], meter)
		if err != nil {
			if !llm.IsInvalidResponse(err) && !isSchemaError(err) {
				return err
			}
			failures[i] = fmt.Sprintf("%s: %v", p.ID, err)
			in.Tracker.Increment(ctx, "failed", 1)
			in.Tracker.ItemCompleted(ctx, p.ID, "failed", err.Error())
			return nil
		}
		results[i] = ext
		in.Tracker.Increment(ctx, "extracted", 1)
		in.Tracker.ItemCompleted(ctx, p.ID, "extracted", ext.StudyDesign)
		return nil
	})
	if err != nil {
		return failed(meter, err)
	}

	out := domain.ExtractOutput{Extractions: []domain.Extraction{}}
	for i, r := range results {
		if r != nil {
			out.Extractions = append(out.Extractions, *r)
		} else if failures[i] != "" {
			out.ExtractionFailures = append(out.ExtractionFailures, failures[i])
		}
	}
	if len(papers) > 0 && len(out.Extractions) == 0 {
		return &pipeline.StageResult{Cost: meter.Cost()},
			pipeline.NewActionRequired("data could not be extracted from any of the %d included papers", len(papers))
	}

	in.Logger.Info().
		Int("extracted", len(out.Extractions)).
		Int("failed", len(out.ExtractionFailures)).
		Msg("extraction complete")
	return pipeline.Succeed(out, meter.Cost())
}

func (s *Extract) extractPaper(ctx context.Context, in *pipeline.StageInput, p domain.Paper, fullText bool, meter *llm.Meter) (*domain.Extraction, error) {
	source := paperBrief(p)
	if fullText {
		source += "\n\n(Full text retrieved; the abstract above is the indexed summary.)"
	}

	fields, err := s.complete(ctx, extractionPrompt, "Research question: "+in.Data.ResearchQuestion()+"\n\n"+source, meter)
	if err != nil {
		return nil, err
	}

	reviewed := false
	if in.Mode.ExtractionReview {
		draft, _ := json.Marshal(fields)
		prompt := fmt.Sprintf("Source:\n%s\n\nExtraction:\n%s", source, draft)
		checked, err := s.complete(ctx, extractionReviewPrompt, prompt, meter)
		switch {
		case err == nil:
			fields = checked
			reviewed = true
		case llm.IsInvalidResponse(err) || isSchemaError(err):
			in.Logger.Warn().Err(err).Str("paper_id", p.ID).Msg("extraction review unusable, keeping first pass")
		default:
			return nil, err
		}
	}

	return &domain.Extraction{
		PaperID:       p.ID,
		Citation:      citation(p),
		StudyDesign:   fields.StudyDesign,
		Population:    fields.Population,
		SampleSize:    fields.SampleSize,
		Intervention:  fields.Intervention,
		Comparator:    fields.Comparator,
		Outcomes:      fields.Outcomes,
		EffectMeasure: fields.EffectMeasure,
		EffectSize:    fields.EffectSize,
		StandardError: fields.StandardError,
		Notes:         fields.Notes,
		Reviewed:      reviewed,
	}, nil
}

// complete asks for an extraction and validates it against the schema.
func (s *Extract) complete(ctx context.Context, system, prompt string, meter *llm.Meter) (*extractionFields, error) {
	var raw json.RawMessage
	resp, err := s.deps.LLM.CompleteJSON(ctx, domain.StageExtract, llm.Request{
		System:      system,
		Prompt:      prompt,
		MaxTokens:   800,
		Temperature: llm.Float(0),
	}, &raw)
	meter.Add(resp)
	if err != nil {
		return nil, err
	}
	if err := validateExtraction(raw); err != nil {
		return nil, err
	}
	var fields extractionFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", llm.ErrInvalidResponse, err)
	}
	if fields.Outcomes == nil {
		fields.Outcomes = []string{}
	}
	return &fields, nil
}

func isSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}
