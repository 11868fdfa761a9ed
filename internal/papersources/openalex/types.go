// Package openalex searches the OpenAlex works API.
//
// API documentation: https://docs.openalex.org/
package openalex

type searchResponse struct {
	Meta    meta   `json:"meta"`
	Results []work `json:"results"`
}

type meta struct {
	Count int `json:"count"`
}

type work struct {
	ID              string       `json:"id"`
	DOI             string       `json:"doi"`
	Title           string       `json:"title"`
	DisplayName     string       `json:"display_name"`
	PublicationYear int          `json:"publication_year"`
	CitedByCount    int          `json:"cited_by_count"`
	OpenAccess      *openAccess  `json:"open_access"`
	Authorships     []authorship `json:"authorships"`
	PrimaryLocation *location    `json:"primary_location"`
	IDs             ids          `json:"ids"`

	// Abstracts are delivered as an inverted index of word -> positions.
	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
}

type openAccess struct {
	IsOA  bool   `json:"is_oa"`
	OAURL string `json:"oa_url"`
}

type authorship struct {
	Author struct {
		DisplayName string `json:"display_name"`
		ORCID       string `json:"orcid"`
	} `json:"author"`
	Institutions []struct {
		DisplayName string `json:"display_name"`
	} `json:"institutions"`
}

type location struct {
	LandingPageURL string `json:"landing_page_url"`
	PDFURL         string `json:"pdf_url"`
	Source         *struct {
		DisplayName string `json:"display_name"`
	} `json:"source"`
}

type ids struct {
	OpenAlex string `json:"openalex"`
	DOI      string `json:"doi"`
	PMID     string `json:"pmid"`
	PMCID    string `json:"pmcid"`
}
