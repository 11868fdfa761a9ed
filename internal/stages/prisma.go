package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/pipeline"
)

// PRISMA computes the PRISMA 2020 flow counts and renders the diagram.
type PRISMA struct{}

// NewPRISMA creates the prisma executor.
func NewPRISMA() *PRISMA { return &PRISMA{} }

func (s *PRISMA) Stage() domain.Stage { return domain.StagePRISMA }
func (s *PRISMA) RequiredStages() []domain.Stage {
	return []domain.Stage{domain.StageSearch, domain.StageScreen}
}

// Execute builds the flow from the search, screen, pdf_fetch and extract outputs.
func (s *PRISMA) Execute(_ context.Context, in *pipeline.StageInput) (*pipeline.StageResult, error) {
	search, err := in.Data.Search()
	if err != nil {
		return nil, err
	}
	screen, err := in.Data.Screen()
	if err != nil {
		return nil, err
	}

	c := domain.PRISMACounts{
		Identified:        search.PapersFound + search.DuplicatesRemoved,
		DuplicatesRemoved: search.DuplicatesRemoved,
		Screened:          screen.PapersScreened,
		ExcludedScreening: screen.PapersExcluded + screen.Conflicts,
		ReportsSought:     screen.PapersIncluded,
		Included:          screen.PapersIncluded,
	}
	if fetch, err := in.Data.PDFFetch(); err == nil {
		c.ReportsNotRetrieved = fetch.PDFsMissing
	}
	c.ReportsAssessed = c.ReportsSought - c.ReportsNotRetrieved
	if ext, err := in.Data.Extract(); err == nil {
		c.Included = len(ext.Extractions)
	}

	return pipeline.Succeed(domain.PRISMAOutput{PRISMA: c, Diagram: MermaidDiagram(c)}, 0)
}

// MermaidDiagram renders counts as a Mermaid flowchart.
func MermaidDiagram(c domain.PRISMACounts) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	node := func(id, label string, n int) {
		fmt.Fprintf(&b, "    %s[\"%s<br/>(n = %d)\"]\n", id, label, n)
	}
	node("A", "Records identified from databases", c.Identified)
	node("B", "Duplicate records removed", c.DuplicatesRemoved)
	node("C", "Records screened", c.Screened)
	node("D", "Records excluded", c.ExcludedScreening)
	node("E", "Reports sought for retrieval", c.ReportsSought)
	node("F", "Reports not retrieved", c.ReportsNotRetrieved)
	node("G", "Reports assessed for eligibility", c.ReportsAssessed)
	node("H", "Studies included in review", c.Included)
	b.WriteString("    A --> B\n")
	b.WriteString("    A --> C\n")
	b.WriteString("    C --> D\n")
	b.WriteString("    C --> E\n")
	b.WriteString("    E --> F\n")
	b.WriteString("    E --> G\n")
	b.WriteString("    G --> H\n")
	return b.String()
}
