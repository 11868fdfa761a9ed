package stages

import (
	"fmt"
	"strings"

	"github.com/helixir/review-orchestrator/internal/domain"
)

const queryExpansionPrompt = `You design literature database searches for systematic reviews.
Rewrite the research question into up to four concise keyword queries that together cover synonyms
and related terms. Respond with JSON: {"queries": ["..."]}.`

const screeningPrompt = `You screen titles and abstracts for a systematic review.
Decide whether the paper should be included based strictly on the inclusion and exclusion criteria.
When information is missing but the paper could plausibly qualify, include it.
Respond with JSON: {"decision": "include" | "exclude", "rationale": "one or two sentences"}.`

const screeningSecondPrompt = `You are the second, independent reviewer screening titles and abstracts
for a systematic review. Apply the inclusion and exclusion criteria conservatively: exclude papers that
do not clearly report a study relevant to the question.
Respond with JSON: {"decision": "include" | "exclude", "rationale": "one or two sentences"}.`

const extractionPrompt = `You extract structured data from studies included in a systematic review.
Report only what the text states. Use an empty string or omit numeric fields when a value is not reported.
Respond with JSON containing: study_design, population, sample_size (integer), intervention, comparator,
outcomes (array of strings), effect_measure (e.g. "SMD", "log OR"), effect_size (number),
standard_error (number), notes.`

const extractionReviewPrompt = `You verify data extracted from a study for a systematic review.
Compare the extraction with the source text and return the corrected extraction with the same JSON fields.
Remove any value the source does not support.`

const riskOfBiasPrompt = `You assess risk of bias for a study in a systematic review, following RoB 2.
Judge each domain as "low", "some_concerns" or "high": randomization, deviations, missing_data,
measurement, reporting. Then give an overall judgement.
Respond with JSON: {"domains": {"randomization": "...", ...}, "overall": "...", "rationale": "..."}.`

const sectionPrompt = `You write sections of a systematic review manuscript in academic English.
Use only the facts provided. Do not invent studies, numbers or citations. Write Markdown paragraphs
without a heading.`

func bullets(items []string) string {
	if len(items) == 0 {
		return "- (none specified)"
	}
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(it)
	}
	return b.String()
}

// paperBrief renders the metadata the LLM sees for one paper.
func paperBrief(p domain.Paper) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", p.Title)
	if p.Year > 0 {
		fmt.Fprintf(&b, "Year: %d\n", p.Year)
	}
	if p.Venue != "" {
		fmt.Fprintf(&b, "Venue: %s\n", p.Venue)
	}
	abstract := p.Abstract
	if abstract == "" {
		abstract = "(no abstract available)"
	}
	fmt.Fprintf(&b, "Abstract: %s", truncate(abstract, 6000))
	return b.String()
}

// citation formats "Author et al. (Year)".
func citation(p domain.Paper) string {
	author := p.FirstAuthor()
	if p.Year > 0 {
		return fmt.Sprintf("%s (%d)", author, p.Year)
	}
	return author + " (n.d.)"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
