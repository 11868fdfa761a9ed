package domain

import (
	"strings"
	"unicode"
)

// PaperIdentifiers holds all possible identifiers for an academic paper.
type PaperIdentifiers struct {
	DOI               string `json:"doi,omitempty"`
	PubMedID          string `json:"pmid,omitempty"`
	PMCID             string `json:"pmcid,omitempty"`
	SemanticScholarID string `json:"s2_id,omitempty"`
	OpenAlexID        string `json:"openalex_id,omitempty"`
}

// GenerateCanonicalID generates a canonical identifier from paper identifiers.
// Priority order: DOI > PubMed > SemanticScholar > OpenAlex.
// Returns empty string if no identifiers are available.
func GenerateCanonicalID(ids PaperIdentifiers) string {
	if doi := strings.TrimSpace(ids.DOI); doi != "" {
		return "doi:" + strings.ToLower(doi)
	}
	if pubmed := strings.TrimSpace(ids.PubMedID); pubmed != "" {
		return "pubmed:" + pubmed
	}
	if s2 := strings.TrimSpace(ids.SemanticScholarID); s2 != "" {
		return "s2:" + s2
	}
	if openalex := strings.TrimSpace(ids.OpenAlexID); openalex != "" {
		return "openalex:" + openalex
	}
	return ""
}

// Author represents a paper author with optional affiliation and ORCID.
type Author struct {
	Name        string `json:"name"`
	Affiliation string `json:"affiliation,omitempty"`
	ORCID       string `json:"orcid,omitempty"`
}

// String returns a formatted string representation of the author.
func (a Author) String() string {
	var sb strings.Builder
	sb.WriteString(a.Name)
	if a.Affiliation != "" {
		sb.WriteString(" (")
		sb.WriteString(a.Affiliation)
		sb.WriteString(")")
	}
	return sb.String()
}

// Paper is a bibliographic record found during search. Papers travel
// between stages inside checkpoint outputs, so every field is JSON-tagged.
type Paper struct {
	ID            string           `json:"id"`
	Identifiers   PaperIdentifiers `json:"identifiers"`
	Title         string           `json:"title"`
	Abstract      string           `json:"abstract,omitempty"`
	Authors       []Author         `json:"authors,omitempty"`
	Year          int              `json:"year,omitempty"`
	Venue         string           `json:"venue,omitempty"`
	CitationCount int              `json:"citation_count,omitempty"`
	URL           string           `json:"url,omitempty"`
	PDFURL        string           `json:"pdf_url,omitempty"`
	OpenAccess    bool             `json:"open_access,omitempty"`
	Source        SourceType       `json:"source"`
}

// EnsureID fills ID from the canonical identifier or, failing that, the
// normalized title.
func (p *Paper) EnsureID() {
	if p.ID != "" {
		return
	}
	if id := GenerateCanonicalID(p.Identifiers); id != "" {
		p.ID = id
		return
	}
	if t := NormalizeTitle(p.Title); t != "" {
		p.ID = "title:" + t
	}
}

// DedupKey returns the key used to collapse the same paper found in several sources.
func (p *Paper) DedupKey() string {
	if doi := strings.TrimSpace(p.Identifiers.DOI); doi != "" {
		return "doi:" + strings.ToLower(doi)
	}
	return "title:" + NormalizeTitle(p.Title)
}

// FirstAuthor returns the first author's surname-ish label for citations.
func (p *Paper) FirstAuthor() string {
	if len(p.Authors) == 0 {
		return "Anonymous"
	}
	name := strings.TrimSpace(p.Authors[0].Name)
	if i := strings.LastIndex(name, " "); i >= 0 {
		name = name[i+1:]
	}
	if len(p.Authors) > 1 {
		return name + " et al."
	}
	return name
}

// NormalizeTitle lowercases a title and drops punctuation and extra spaces.
func NormalizeTitle(title string) string {
	var sb strings.Builder
	space := false
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			space = false
		case unicode.IsSpace(r) && !space && sb.Len() > 0:
			sb.WriteRune(' ')
			space = true
		}
	}
	return strings.TrimSpace(sb.String())
}
