package stages

import (
	"context"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/pipeline"
)

// Analysis pools the extracted effect sizes.
type Analysis struct{}

// NewAnalysis creates the analysis executor.
func NewAnalysis() *Analysis { return &Analysis{} }

func (s *Analysis) Stage() domain.Stage            { return domain.StageAnalysis }
func (s *Analysis) RequiredStages() []domain.Stage { return []domain.Stage{domain.StageExtract} }

// Execute runs the meta-analysis. Insufficient data is a successful result.
func (s *Analysis) Execute(ctx context.Context, in *pipeline.StageInput) (*pipeline.StageResult, error) {
	ext, err := in.Data.Extract()
	if err != nil {
		return nil, err
	}
	ma := MetaAnalyze(ext.Extractions)
	if ma.InsufficientData {
		in.Tracker.Thought(ctx, "fewer than two studies report a usable effect size; pooling skipped")
	}
	in.Logger.Info().
		Int("studies", ma.Studies).
		Bool("insufficient_data", ma.InsufficientData).
		Float64("i2", ma.I2).
		Msg("meta-analysis complete")
	return pipeline.Succeed(domain.AnalysisOutput{MetaAnalysis: ma}, 0)
}
