// Package semanticscholar searches the Semantic Scholar Graph API.
//
// API documentation: https://api.semanticscholar.org/api-docs/
package semanticscholar

type searchResponse struct {
	Total int           `json:"total"`
	Data  []paperResult `json:"data"`
}

type paperResult struct {
	PaperID       string         `json:"paperId"`
	Title         string         `json:"title"`
	Abstract      string         `json:"abstract"`
	Year          int            `json:"year"`
	Venue         string         `json:"venue"`
	Journal       *journal       `json:"journal,omitempty"`
	Authors       []author       `json:"authors"`
	CitationCount int            `json:"citationCount"`
	IsOpenAccess  bool           `json:"isOpenAccess"`
	OpenAccessPDF *openAccessPDF `json:"openAccessPdf,omitempty"`
	ExternalIDs   *externalIDs   `json:"externalIds,omitempty"`
	URL           string         `json:"url"`
}

type externalIDs struct {
	DOI           string `json:"DOI,omitempty"`
	PubMed        string `json:"PubMed,omitempty"`
	PubMedCentral string `json:"PubMedCentral,omitempty"`
}

type journal struct {
	Name string `json:"name,omitempty"`
}

type author struct {
	Name string `json:"name"`
}

type openAccessPDF struct {
	URL string `json:"url,omitempty"`
}
