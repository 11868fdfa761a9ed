package stages

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/helixir/review-orchestrator/internal/domain"
)

// PreFilter is a compiled boolean expression over paper metadata.
type PreFilter struct {
	source  string
	program *vm.Program
}

// filterEnv is the variable set available to pre-screen expressions.
func filterEnv(p domain.Paper) map[string]any {
	return map[string]any{
		"year":         p.Year,
		"title":        p.Title,
		"abstract":     p.Abstract,
		"venue":        p.Venue,
		"source":       string(p.Source),
		"citations":    p.CitationCount,
		"open_access":  p.OpenAccess,
		"has_abstract": strings.TrimSpace(p.Abstract) != "",
		"has_doi":      p.Identifiers.DOI != "",
	}
}

// CompilePreFilter compiles expression. An empty expression returns nil.
func CompilePreFilter(expression string) (*PreFilter, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, nil
	}
	program, err := expr.Compile(expression,
		expr.Env(filterEnv(domain.Paper{})),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, domain.NewValidationError("pre_screen_filter", fmt.Sprintf("compile %q: %v", expression, err))
	}
	return &PreFilter{source: expression, program: program}, nil
}

// Allow reports whether p passes the filter. A nil filter allows everything.
func (f *PreFilter) Allow(p domain.Paper) (bool, error) {
	if f == nil {
		return true, nil
	}
	out, err := expr.Run(f.program, filterEnv(p))
	if err != nil {
		return false, fmt.Errorf("evaluate pre-screen filter %q: %w", f.source, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// String returns the source expression.
func (f *PreFilter) String() string {
	if f == nil {
		return ""
	}
	return f.source
}
