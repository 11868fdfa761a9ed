package pipeline

import (
	"fmt"
	"strings"

	"github.com/helixir/review-orchestrator/internal/domain"
)

// Registry maps every stage to its executor. It is built once and has no
// mutators.
type Registry struct {
	executors map[domain.Stage]StageExecutor
}

// NewRegistry validates that execs cover every stage exactly once and that
// each executor only requires stages that run before it.
func NewRegistry(execs ...StageExecutor) (*Registry, error) {
	byStage := make(map[domain.Stage]StageExecutor, len(execs))
	for _, e := range execs {
		if e == nil {
			return nil, fmt.Errorf("registry: nil executor")
		}
		s := e.Stage()
		if !s.Valid() {
			return nil, fmt.Errorf("registry: unknown stage %q", s)
		}
		if _, dup := byStage[s]; dup {
			return nil, fmt.Errorf("registry: duplicate executor for stage %s", s)
		}
		for _, req := range e.RequiredStages() {
			if !req.Valid() {
				return nil, fmt.Errorf("registry: stage %s requires unknown stage %q", s, req)
			}
			if req.Index() >= s.Index() {
				return nil, fmt.Errorf("registry: stage %s requires %s, which does not run before it", s, req)
			}
		}
		byStage[s] = e
	}

	var missing []string
	for _, s := range domain.StageOrder() {
		if _, ok := byStage[s]; !ok {
			missing = append(missing, string(s))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("registry: missing executors for stages: %s", strings.Join(missing, ", "))
	}

	return &Registry{executors: byStage}, nil
}

// Get returns the executor for stage.
func (r *Registry) Get(stage domain.Stage) (StageExecutor, bool) {
	e, ok := r.executors[stage]
	return e, ok
}

// MustGet returns the executor for a stage known to be valid.
func (r *Registry) MustGet(stage domain.Stage) StageExecutor {
	e, ok := r.executors[stage]
	if !ok {
		panic(fmt.Sprintf("registry: no executor for stage %q", stage))
	}
	return e
}
