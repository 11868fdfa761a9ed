package domain

import "fmt"

// Stage identifies one step of the review pipeline. The set of stages is
// closed: every valid value is declared below and appears in StageOrder.
type Stage string

const (
	StageSearch       Stage = "search"
	StageScreen       Stage = "screen"
	StagePDFFetch     Stage = "pdf_fetch"
	StageExtract      Stage = "extract"
	StageRiskOfBias   Stage = "rob"
	StageAnalysis     Stage = "analysis"
	StagePRISMA       Stage = "prisma"
	StageTables       Stage = "tables"
	StageIntroduction Stage = "introduction"
	StageMethods      Stage = "methods"
	StageResults      Stage = "results"
	StageDiscussion   Stage = "discussion"
)

// stageOrder is the fixed execution order.
var stageOrder = [...]Stage{
	StageSearch,
	StageScreen,
	StagePDFFetch,
	StageExtract,
	StageRiskOfBias,
	StageAnalysis,
	StagePRISMA,
	StageTables,
	StageIntroduction,
	StageMethods,
	StageResults,
	StageDiscussion,
}

var stageIndex = func() map[Stage]int {
	m := make(map[Stage]int, len(stageOrder))
	for i, s := range stageOrder {
		m[s] = i
	}
	return m
}()

// StageCount is the number of pipeline stages.
const StageCount = len(stageOrder)

// StageOrder returns a copy of the fixed stage order.
func StageOrder() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder[:])
	return out
}

// ParseStage converts a stage name into a Stage, rejecting unknown names.
func ParseStage(name string) (Stage, error) {
	s := Stage(name)
	if !s.Valid() {
		return "", NewValidationError("stage", fmt.Sprintf("unknown stage %q", name))
	}
	return s, nil
}

// Valid reports whether s is one of the pipeline stages.
func (s Stage) Valid() bool {
	_, ok := stageIndex[s]
	return ok
}

// Index returns the position of s in the stage order, or -1 if s is unknown.
func (s Stage) Index() int {
	if i, ok := stageIndex[s]; ok {
		return i
	}
	return -1
}

// Before returns the stages that precede s in order.
func (s Stage) Before() []Stage {
	i := s.Index()
	if i <= 0 {
		return nil
	}
	out := make([]Stage, i)
	copy(out, stageOrder[:i])
	return out
}

// String implements fmt.Stringer.
func (s Stage) String() string {
	return string(s)
}
