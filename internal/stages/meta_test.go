package stages

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/pipeline"
)

func TestMetaAnalyze_Homogeneous(t *testing.T) {
	ma := MetaAnalyze([]domain.Extraction{
		{PaperID: "a", EffectMeasure: "SMD", EffectSize: f64(0.5), StandardError: f64(0.1)},
		{PaperID: "b", EffectMeasure: "SMD", EffectSize: f64(0.5), StandardError: f64(0.2)},
	})

	require.False(t, ma.InsufficientData)
	assert.Equal(t, 2, ma.Studies)
	assert.Equal(t, "SMD", ma.EffectMeasure)
	assert.InDelta(t, 0.5, ma.FixedEffect.Estimate, 1e-12)
	assert.Zero(t, ma.Q)
	assert.Zero(t, ma.I2)
	assert.Zero(t, ma.Tau2)
	assert.Equal(t, 1, ma.DF)
	assert.Equal(t, ma.FixedEffect, ma.RandomEffects)

	// w = 100 and 25, so SE = sqrt(1/125).
	se := math.Sqrt(1.0 / 125)
	assert.InDelta(t, se, ma.FixedEffect.SE, 1e-12)
	assert.InDelta(t, 0.5-z95*se, ma.FixedEffect.CILower, 1e-12)
	assert.InDelta(t, 0.5+z95*se, ma.FixedEffect.CIUpper, 1e-12)
	assert.InDelta(t, 80.0, ma.Effects[0].Weight, 1e-9)
	assert.InDelta(t, 20.0, ma.Effects[1].Weight, 1e-9)
}

func TestMetaAnalyze_Heterogeneous(t *testing.T) {
	// Equal variances of 0.01: w = 100 each, fixed = 0.5,
	// Q = 100*(0.5^2)*2 = 50, df = 1, I2 = 98%,
	// C = 200 - 20000/200 = 100, tau2 = 49/100 = 0.49.
	ma := MetaAnalyze([]domain.Extraction{
		{PaperID: "a", EffectMeasure: "SMD", EffectSize: f64(0), StandardError: f64(0.1)},
		{PaperID: "b", EffectMeasure: "SMD", EffectSize: f64(1), StandardError: f64(0.1)},
	})

	assert.InDelta(t, 0.5, ma.FixedEffect.Estimate, 1e-12)
	assert.InDelta(t, 50.0, ma.Q, 1e-9)
	assert.InDelta(t, 98.0, ma.I2, 1e-9)
	assert.InDelta(t, 0.49, ma.Tau2, 1e-9)
	assert.InDelta(t, 0.5, ma.RandomEffects.Estimate, 1e-12)
	// Random-effects weights are 1/0.5 each, so SE = sqrt(1/4).
	assert.InDelta(t, 0.5, ma.RandomEffects.SE, 1e-12)
	assert.Greater(t, ma.RandomEffects.CIUpper-ma.RandomEffects.CILower, ma.FixedEffect.CIUpper-ma.FixedEffect.CILower)
}

func TestMetaAnalyze_InsufficientData(t *testing.T) {
	tests := []struct {
		name string
		in   []domain.Extraction
	}{
		{"none", nil},
		{"one usable", []domain.Extraction{
			{PaperID: "a", EffectSize: f64(0.3), StandardError: f64(0.1)},
			{PaperID: "b", EffectSize: f64(0.3)},
		}},
		{"non-positive SE", []domain.Extraction{
			{PaperID: "a", EffectSize: f64(0.3), StandardError: f64(0)},
			{PaperID: "b", EffectSize: f64(0.3), StandardError: f64(-1)},
		}},
		{"mixed measures", []domain.Extraction{
			{PaperID: "a", EffectMeasure: "SMD", EffectSize: f64(0.3), StandardError: f64(0.1)},
			{PaperID: "b", EffectMeasure: "log OR", EffectSize: f64(0.3), StandardError: f64(0.1)},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ma := MetaAnalyze(tt.in)
			assert.True(t, ma.InsufficientData)
			assert.Less(t, ma.Studies, 2)
		})
	}
}

func TestMetaAnalyze_PicksMostCommonMeasure(t *testing.T) {
	ma := MetaAnalyze([]domain.Extraction{
		{PaperID: "a", EffectMeasure: "log OR", EffectSize: f64(0.3), StandardError: f64(0.1)},
		{PaperID: "b", EffectMeasure: "SMD", EffectSize: f64(0.3), StandardError: f64(0.1)},
		{PaperID: "c", EffectMeasure: "smd ", EffectSize: f64(0.4), StandardError: f64(0.1)},
	})
	assert.Equal(t, "SMD", ma.EffectMeasure)
	assert.Equal(t, 2, ma.Studies)
}

func TestAnalysis_Execute(t *testing.T) {
	in := newInput(t, domain.StageAnalysis, testMode(), extractedAccumulator(t, sampleExtractions()...))

	res, err := NewAnalysis().Execute(t.Context(), in)
	require.NoError(t, err)
	out := decode[domain.AnalysisOutput](t, res)
	assert.Equal(t, 2, out.MetaAnalysis.Studies)
	assert.False(t, out.MetaAnalysis.InsufficientData)
	assert.Less(t, out.MetaAnalysis.FixedEffect.Estimate, 0.0)
}

func TestAnalysis_InsufficientIsSuccess(t *testing.T) {
	in := newInput(t, domain.StageAnalysis, testMode(), extractedAccumulator(t, sampleExtractions()[0]))

	res, err := NewAnalysis().Execute(t.Context(), in)
	require.NoError(t, err)
	assert.True(t, decode[domain.AnalysisOutput](t, res).MetaAnalysis.InsufficientData)
}

func TestAnalysis_RequiresExtract(t *testing.T) {
	in := newInput(t, domain.StageAnalysis, testMode(), pipeline.NewAccumulator(nil))
	_, err := NewAnalysis().Execute(t.Context(), in)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
