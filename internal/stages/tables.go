package stages

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/pipeline"
)

// Tables renders the manuscript tables.
type Tables struct{}

// NewTables creates the tables executor.
func NewTables() *Tables { return &Tables{} }

func (s *Tables) Stage() domain.Stage            { return domain.StageTables }
func (s *Tables) RequiredStages() []domain.Stage { return []domain.Stage{domain.StageExtract} }

// Execute builds the study characteristics table, plus the risk-of-bias
// table when the rob stage produced output.
func (s *Tables) Execute(_ context.Context, in *pipeline.StageInput) (*pipeline.StageResult, error) {
	ext, err := in.Data.Extract()
	if err != nil {
		return nil, err
	}
	tables := []domain.Table{characteristicsTable(ext.Extractions)}
	if rob, err := in.Data.RiskOfBias(); err == nil {
		tables = append(tables, riskOfBiasTable(rob.Assessments))
	}
	return pipeline.Succeed(domain.TablesOutput{Tables: tables}, 0)
}

func characteristicsTable(extractions []domain.Extraction) domain.Table {
	t := domain.Table{
		Title:   "Characteristics of included studies",
		Columns: []string{"Study", "Design", "Population", "N", "Intervention", "Comparator", "Outcomes", "Effect"},
		Rows:    [][]string{},
	}
	for _, e := range extractions {
		n := ""
		if e.SampleSize > 0 {
			n = strconv.Itoa(e.SampleSize)
		}
		t.Rows = append(t.Rows, []string{
			e.Citation, e.StudyDesign, e.Population, n, e.Intervention, e.Comparator,
			strings.Join(e.Outcomes, "; "), formatEffect(e),
		})
	}
	t.Markdown = renderMarkdown(t)
	return t
}

func riskOfBiasTable(assessments []domain.RiskOfBiasAssessment) domain.Table {
	cols := append([]string{"Study"}, domain.RiskOfBiasDomains...)
	cols = append(cols, "overall")
	t := domain.Table{Title: "Risk of bias", Columns: cols, Rows: [][]string{}}
	for _, a := range assessments {
		row := []string{a.Citation}
		for _, d := range domain.RiskOfBiasDomains {
			row = append(row, a.Domains[d])
		}
		t.Rows = append(t.Rows, append(row, a.Overall))
	}
	t.Markdown = renderMarkdown(t)
	return t
}

func formatEffect(e domain.Extraction) string {
	if e.EffectSize == nil {
		return ""
	}
	s := strconv.FormatFloat(*e.EffectSize, 'f', 2, 64)
	if e.StandardError != nil {
		s += fmt.Sprintf(" (SE %.2f)", *e.StandardError)
	}
	if e.EffectMeasure != "" {
		s = e.EffectMeasure + " " + s
	}
	return s
}

func renderMarkdown(t domain.Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\n\n", t.Title)
	writeRow(&b, t.Columns)
	seps := make([]string, len(t.Columns))
	for i := range seps {
		seps[i] = "---"
	}
	writeRow(&b, seps)
	for _, r := range t.Rows {
		writeRow(&b, r)
	}
	return b.String()
}

func writeRow(b *strings.Builder, cells []string) {
	b.WriteString("|")
	for _, c := range cells {
		c = strings.ReplaceAll(c, "|", `\|`)
		c = strings.ReplaceAll(c, "\n", " ")
		b.WriteString(" " + c + " |")
	}
	b.WriteString("\n")
}
