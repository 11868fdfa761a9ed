package pipeline

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/helixir/review-orchestrator/internal/domain"
)

// Accumulator carries data between stages. Top-level keys are first-writer
// wins; each stage's full output is also kept under its stage name.
type Accumulator struct {
	mu     sync.RWMutex
	data   map[string]any
	stages map[domain.Stage]map[string]any
}

// NewAccumulator seeds an accumulator with the workflow's initial data.
func NewAccumulator(initial map[string]any) *Accumulator {
	a := &Accumulator{
		data:   make(map[string]any, len(initial)),
		stages: make(map[domain.Stage]map[string]any),
	}
	for k, v := range initial {
		a.data[k] = v
	}
	return a
}

// SetIfAbsent stores v under key unless the key already exists.
// It reports whether the value was stored.
func (a *Accumulator) SetIfAbsent(key string, v any) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.data[key]; ok {
		return false
	}
	a.data[key] = v
	return true
}

// SetStageOutput records a stage's output and merges its keys into the
// top level with SetIfAbsent.
func (a *Accumulator) SetStageOutput(stage domain.Stage, output map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	copied := make(map[string]any, len(output))
	for k, v := range output {
		copied[k] = v
		if _, ok := a.data[k]; !ok {
			a.data[k] = v
		}
	}
	a.stages[stage] = copied
}

// Override applies a caller-supplied input override before a stage rerun.
// A key naming a stage with an object value is merged into that stage's
// output. Any other key replaces the top-level value and the same key in
// the stage output that first wrote it. Stage-named keys are applied last,
// so they win over plain keys.
func (a *Accumulator) Override(values map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	staged := make(map[domain.Stage]map[string]any)
	for k, v := range values {
		if stage, err := domain.ParseStage(k); err == nil {
			if m, ok := v.(map[string]any); ok {
				staged[stage] = m
				continue
			}
		}
		a.data[k] = v
		if owner, ok := a.ownerLocked(k); ok {
			a.setStageKeyLocked(owner, k, v)
		}
	}
	for _, stage := range domain.StageOrder() {
		for k, v := range staged[stage] {
			a.setStageKeyLocked(stage, k, v)
		}
	}
}

// ownerLocked returns the earliest stage whose output carries key.
func (a *Accumulator) ownerLocked(key string) (domain.Stage, bool) {
	for _, stage := range domain.StageOrder() {
		if out, ok := a.stages[stage]; ok {
			if _, has := out[key]; has {
				return stage, true
			}
		}
	}
	return "", false
}

// setStageKeyLocked writes one key of a stage's output without mutating
// maps previously handed out by StageOutput.
func (a *Accumulator) setStageKeyLocked(stage domain.Stage, key string, v any) {
	old := a.stages[stage]
	out := make(map[string]any, len(old)+1)
	for k, ov := range old {
		out[k] = ov
	}
	out[key] = v
	a.stages[stage] = out
}

// Get returns a top-level value.
func (a *Accumulator) Get(key string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.data[key]
	return v, ok
}

// Data returns a shallow copy of the top-level values.
func (a *Accumulator) Data() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]any, len(a.data))
	for k, v := range a.data {
		out[k] = v
	}
	return out
}

// StageOutput returns the full output recorded for stage.
func (a *Accumulator) StageOutput(stage domain.Stage) (map[string]any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out, ok := a.stages[stage]
	return out, ok
}

// HasStage reports whether stage produced output in this run.
func (a *Accumulator) HasStage(stage domain.Stage) bool {
	_, ok := a.StageOutput(stage)
	return ok
}

// String returns a top-level string value, or "" if absent or not a string.
func (a *Accumulator) String(key string) string {
	v, _ := a.Get(key)
	s, _ := v.(string)
	return s
}

// Strings returns a top-level string list. Values decoded from JSON arrive
// as []any and are converted.
func (a *Accumulator) Strings(key string) []string {
	v, _ := a.Get(key)
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// ResearchQuestion returns the workflow's research question.
func (a *Accumulator) ResearchQuestion() string { return a.String("research_question") }

// InclusionCriteria returns the workflow's inclusion criteria.
func (a *Accumulator) InclusionCriteria() []string { return a.Strings("inclusion_criteria") }

// ExclusionCriteria returns the workflow's exclusion criteria.
func (a *Accumulator) ExclusionCriteria() []string { return a.Strings("exclusion_criteria") }

// TargetDatabases returns the requested paper sources.
func (a *Accumulator) TargetDatabases() []domain.SourceType {
	names := a.Strings("target_databases")
	out := make([]domain.SourceType, 0, len(names))
	for _, n := range names {
		out = append(out, domain.SourceType(n))
	}
	return out
}

// Search decodes the search stage output.
func (a *Accumulator) Search() (*domain.SearchOutput, error) {
	var out domain.SearchOutput
	return &out, a.decodeStage(domain.StageSearch, &out)
}

// Screen decodes the screen stage output.
func (a *Accumulator) Screen() (*domain.ScreenOutput, error) {
	var out domain.ScreenOutput
	return &out, a.decodeStage(domain.StageScreen, &out)
}

// PDFFetch decodes the pdf_fetch stage output.
func (a *Accumulator) PDFFetch() (*domain.PDFFetchOutput, error) {
	var out domain.PDFFetchOutput
	return &out, a.decodeStage(domain.StagePDFFetch, &out)
}

// Extract decodes the extract stage output.
func (a *Accumulator) Extract() (*domain.ExtractOutput, error) {
	var out domain.ExtractOutput
	return &out, a.decodeStage(domain.StageExtract, &out)
}

// RiskOfBias decodes the rob stage output.
func (a *Accumulator) RiskOfBias() (*domain.RiskOfBiasOutput, error) {
	var out domain.RiskOfBiasOutput
	return &out, a.decodeStage(domain.StageRiskOfBias, &out)
}

// Analysis decodes the analysis stage output.
func (a *Accumulator) Analysis() (*domain.AnalysisOutput, error) {
	var out domain.AnalysisOutput
	return &out, a.decodeStage(domain.StageAnalysis, &out)
}

// PRISMA decodes the prisma stage output.
func (a *Accumulator) PRISMA() (*domain.PRISMAOutput, error) {
	var out domain.PRISMAOutput
	return &out, a.decodeStage(domain.StagePRISMA, &out)
}

// Tables decodes the tables stage output.
func (a *Accumulator) Tables() (*domain.TablesOutput, error) {
	var out domain.TablesOutput
	return &out, a.decodeStage(domain.StageTables, &out)
}

// Section decodes the output of a manuscript writing stage.
func (a *Accumulator) Section(stage domain.Stage) (*domain.SectionOutput, error) {
	var out domain.SectionOutput
	return &out, a.decodeStage(stage, &out)
}

// decodeStage returns a NotFoundError when the stage has no output.
func (a *Accumulator) decodeStage(stage domain.Stage, dst any) error {
	raw, ok := a.StageOutput(stage)
	if !ok {
		return domain.NewNotFoundError("stage output", string(stage))
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode %s output: %w", stage, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("decode %s output: %w", stage, err)
	}
	return nil
}
