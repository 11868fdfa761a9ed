package domain

import (
	"fmt"
	"sort"
)

// DefaultModeName is the mode applied when a workflow does not name one.
const DefaultModeName = "balanced"

// ModeConfig is a named cost/quality profile. It is resolved once per run
// and passed by value; the orchestrator reads only the skip flags, the
// remaining knobs are consumed by stage executors.
type ModeConfig struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	SkipRiskOfBias bool `json:"skip_risk_of_bias"`
	SkipAnalysis   bool `json:"skip_analysis"`

	// QueryExpansion asks the LLM to rewrite the research question into
	// database queries before searching.
	QueryExpansion bool `json:"query_expansion"`

	// ScreeningPasses is 1 for single-reviewer screening and 2 for dual
	// review where disagreements are recorded as conflicts.
	ScreeningPasses int `json:"screening_passes"`

	// ExtractionReview enables a second LLM pass that verifies extracted fields.
	ExtractionReview bool `json:"extraction_review"`

	// MaxPapers caps the deduplicated search result set.
	MaxPapers int `json:"max_papers"`

	// Concurrency bounds per-paper parallelism inside a stage.
	Concurrency int `json:"concurrency"`

	// PreScreenFilter is an optional boolean expression evaluated against
	// paper metadata before LLM screening (e.g. "year >= 2010 && has_abstract").
	PreScreenFilter string `json:"pre_screen_filter,omitempty"`

	// SectionMaxTokens bounds each drafted manuscript section.
	SectionMaxTokens int `json:"section_max_tokens"`
}

// SkippedStages returns the stages this mode forces to be skipped.
func (m ModeConfig) SkippedStages() []Stage {
	var out []Stage
	if m.SkipRiskOfBias {
		out = append(out, StageRiskOfBias)
	}
	if m.SkipAnalysis {
		out = append(out, StageAnalysis)
	}
	return out
}

var modes = map[string]ModeConfig{
	"fast": {
		Name:             "fast",
		Description:      "Lowest cost: single screening pass, no risk-of-bias or meta-analysis",
		SkipRiskOfBias:   true,
		SkipAnalysis:     true,
		QueryExpansion:   false,
		ScreeningPasses:  1,
		ExtractionReview: false,
		MaxPapers:        50,
		Concurrency:      4,
		SectionMaxTokens: 1200,
	},
	"balanced": {
		Name:             "balanced",
		Description:      "All stages with single screening and extraction review",
		QueryExpansion:   true,
		ScreeningPasses:  1,
		ExtractionReview: true,
		MaxPapers:        200,
		Concurrency:      6,
		SectionMaxTokens: 2000,
	},
	"thorough": {
		Name:             "thorough",
		Description:      "Dual-reviewer screening, extraction review and larger corpus",
		QueryExpansion:   true,
		ScreeningPasses:  2,
		ExtractionReview: true,
		MaxPapers:        500,
		Concurrency:      8,
		PreScreenFilter:  "has_abstract",
		SectionMaxTokens: 3000,
	},
}

// LookupMode resolves a mode by name. An empty name resolves to the default mode.
func LookupMode(name string) (ModeConfig, error) {
	if name == "" {
		name = DefaultModeName
	}
	m, ok := modes[name]
	if !ok {
		return ModeConfig{}, NewValidationError("mode", fmt.Sprintf("unknown mode %q", name))
	}
	return m, nil
}

// Modes returns all built-in modes sorted by name.
func Modes() []ModeConfig {
	out := make([]ModeConfig, 0, len(modes))
	for _, m := range modes {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
