package dedup

import (
	"strings"

	"github.com/helixir/review-orchestrator/internal/domain"
)

// DefaultMinAuthorOverlap is the author overlap below which two papers with
// the same title are kept apart.
const DefaultMinAuthorOverlap = 0.3

// Merger collapses duplicates in source order. The first record of a paper
// is kept and enriched with fields the later duplicates carry.
type Merger struct {
	// MinAuthorOverlap applies only to title matches where both sides list
	// authors.
	MinAuthorOverlap float64
}

// Merge returns the distinct papers and the number of records removed.
//
// Two records are the same paper when their DOIs match, or when their
// normalized titles match, their DOIs do not conflict, and their author
// lists overlap enough.
func (m Merger) Merge(papers []domain.Paper) ([]domain.Paper, int) {
	kept := make([]domain.Paper, 0, len(papers))
	byDOI := make(map[string]int, len(papers))
	byTitle := make(map[string][]int, len(papers))
	removed := 0

	for _, p := range papers {
		doi := normalizeDOI(p.Identifiers.DOI)
		title := domain.NormalizeTitle(p.Title)

		idx := -1
		if doi != "" {
			if i, ok := byDOI[doi]; ok {
				idx = i
			}
		}
		if idx < 0 && title != "" {
			for _, i := range byTitle[title] {
				if m.sameWork(&kept[i], &p) {
					idx = i
					break
				}
			}
		}

		if idx >= 0 {
			enrich(&kept[idx], p)
			if d := normalizeDOI(kept[idx].Identifiers.DOI); d != "" {
				byDOI[d] = idx
			}
			removed++
			continue
		}

		p.EnsureID()
		kept = append(kept, p)
		i := len(kept) - 1
		if doi != "" {
			byDOI[doi] = i
		}
		if title != "" {
			byTitle[title] = append(byTitle[title], i)
		}
	}
	return kept, removed
}

func (m Merger) sameWork(a, b *domain.Paper) bool {
	da, db := normalizeDOI(a.Identifiers.DOI), normalizeDOI(b.Identifiers.DOI)
	if da != "" && db != "" && da != db {
		return false
	}
	if len(a.Authors) > 0 && len(b.Authors) > 0 {
		return AuthorOverlap(a.Authors, b.Authors) >= m.MinAuthorOverlap
	}
	return true
}

// enrich fills gaps in dst from src. Identity fields of dst are kept.
func enrich(dst *domain.Paper, src domain.Paper) {
	ids := &dst.Identifiers
	fill(&ids.DOI, src.Identifiers.DOI)
	fill(&ids.PubMedID, src.Identifiers.PubMedID)
	fill(&ids.PMCID, src.Identifiers.PMCID)
	fill(&ids.SemanticScholarID, src.Identifiers.SemanticScholarID)
	fill(&ids.OpenAlexID, src.Identifiers.OpenAlexID)

	if len(src.Abstract) > len(dst.Abstract) {
		dst.Abstract = src.Abstract
	}
	if len(dst.Authors) == 0 {
		dst.Authors = src.Authors
	}
	if dst.Year == 0 {
		dst.Year = src.Year
	}
	fill(&dst.Venue, src.Venue)
	fill(&dst.URL, src.URL)
	fill(&dst.PDFURL, src.PDFURL)
	dst.CitationCount = max(dst.CitationCount, src.CitationCount)
	dst.OpenAccess = dst.OpenAccess || src.OpenAccess
}

func fill(dst *string, src string) {
	if *dst == "" {
		*dst = src
	}
}

func normalizeDOI(doi string) string {
	return strings.ToLower(strings.TrimSpace(doi))
}
