package openalex

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/observability"
	"github.com/helixir/review-orchestrator/internal/papersources"
	"github.com/helixir/review-orchestrator/internal/resilience"
)

const (
	// DefaultBaseURL is the OpenAlex API base URL.
	DefaultBaseURL = "https://api.openalex.org"

	// DefaultRateLimit is requests per second.
	DefaultRateLimit = 10.0

	DefaultTimeout    = 30 * time.Second
	DefaultMaxResults = 25

	// maxPerPage is the API's page size limit.
	maxPerPage = 200

	doiPrefix        = "https://doi.org/"
	openAlexIDPrefix = "https://openalex.org/"

	// maxAbstractWords rejects abusive inverted indexes.
	maxAbstractWords = 100_000
)

// Config holds configuration for the OpenAlex client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RateLimit  float64
	MaxResults int
	Enabled    bool

	Breakers *resilience.BreakerRegistry
	Metrics  *observability.Metrics
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RateLimit == 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.MaxResults == 0 {
		c.MaxResults = DefaultMaxResults
	}
}

// Client implements papersources.PaperSource for OpenAlex.
type Client struct {
	config     Config
	httpClient *papersources.HTTPClient
}

var _ papersources.PaperSource = (*Client)(nil)

// New creates an OpenAlex client.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		config: cfg,
		httpClient: papersources.NewHTTPClient(papersources.HTTPClientConfig{
			Source:    resilience.BreakerOpenAlex,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			Breakers:  cfg.Breakers,
			Metrics:   cfg.Metrics,
		}),
	}
}

// NewWithHTTPClient creates a client that uses httpClient, for tests.
func NewWithHTTPClient(cfg Config, httpClient *papersources.HTTPClient) *Client {
	cfg.applyDefaults()
	return &Client{config: cfg, httpClient: httpClient}
}

// Search queries the works endpoint.
func (c *Client) Search(ctx context.Context, params papersources.SearchParams) (*papersources.SearchResult, error) {
	start := time.Now()

	searchURL, err := c.buildSearchURL(params)
	if err != nil {
		return nil, fmt.Errorf("building search URL: %w", err)
	}

	var resp searchResponse
	if err := c.httpClient.GetJSON(ctx, "works", searchURL, &resp); err != nil {
		return nil, err
	}

	papers := make([]domain.Paper, 0, len(resp.Results))
	for i := range resp.Results {
		if p, ok := workToPaper(&resp.Results[i]); ok {
			papers = append(papers, p)
		}
	}

	return &papersources.SearchResult{
		Papers:         papers,
		TotalResults:   resp.Meta.Count,
		Source:         domain.SourceTypeOpenAlex,
		SearchDuration: time.Since(start),
	}, nil
}

func (c *Client) SourceType() domain.SourceType { return domain.SourceTypeOpenAlex }
func (c *Client) Name() string                  { return "OpenAlex" }
func (c *Client) IsEnabled() bool               { return c.config.Enabled }

func (c *Client) buildSearchURL(params papersources.SearchParams) (string, error) {
	u, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/works"

	q := url.Values{}
	q.Set("search", params.Query)
	q.Set("per_page", strconv.Itoa(params.Limit(c.config.MaxResults, maxPerPage)))
	if filters := buildFilters(params); len(filters) > 0 {
		q.Set("filter", strings.Join(filters, ","))
	}
	if c.config.APIKey != "" {
		q.Set("api_key", c.config.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func buildFilters(params papersources.SearchParams) []string {
	var filters []string
	if params.YearFrom > 0 {
		filters = append(filters, fmt.Sprintf("from_publication_date:%d-01-01", params.YearFrom))
	}
	if params.YearTo > 0 {
		filters = append(filters, fmt.Sprintf("to_publication_date:%d-12-31", params.YearTo))
	}
	if params.OpenAccessOnly {
		filters = append(filters, "is_oa:true")
	}
	filters = append(filters, "type:!preprint")
	return filters
}

// workToPaper converts a work, dropping works that carry no identifier.
func workToPaper(w *work) (domain.Paper, bool) {
	doi := normalizeDOI(w.DOI)
	if doi == "" {
		doi = normalizeDOI(w.IDs.DOI)
	}
	openAlexID := strings.TrimPrefix(strings.TrimSpace(w.ID), openAlexIDPrefix)
	if openAlexID == "" {
		openAlexID = strings.TrimPrefix(strings.TrimSpace(w.IDs.OpenAlex), openAlexIDPrefix)
	}

	identifiers := domain.PaperIdentifiers{
		DOI:        doi,
		PubMedID:   strings.TrimPrefix(strings.TrimSpace(w.IDs.PMID), "https://pubmed.ncbi.nlm.nih.gov/"),
		PMCID:      w.IDs.PMCID,
		OpenAlexID: openAlexID,
	}
	if domain.GenerateCanonicalID(identifiers) == "" {
		return domain.Paper{}, false
	}

	title := w.DisplayName
	if title == "" {
		title = w.Title
	}

	authors := make([]domain.Author, 0, len(w.Authorships))
	for _, a := range w.Authorships {
		author := domain.Author{
			Name:  a.Author.DisplayName,
			ORCID: strings.TrimPrefix(a.Author.ORCID, "https://orcid.org/"),
		}
		if len(a.Institutions) > 0 {
			author.Affiliation = a.Institutions[0].DisplayName
		}
		authors = append(authors, author)
	}

	p := domain.Paper{
		Identifiers:   identifiers,
		Title:         title,
		Abstract:      reconstructAbstract(w.AbstractInvertedIndex),
		Authors:       authors,
		Year:          w.PublicationYear,
		CitationCount: w.CitedByCount,
		Source:        domain.SourceTypeOpenAlex,
	}
	if w.PrimaryLocation != nil {
		p.URL = w.PrimaryLocation.LandingPageURL
		p.PDFURL = w.PrimaryLocation.PDFURL
		if w.PrimaryLocation.Source != nil {
			p.Venue = w.PrimaryLocation.Source.DisplayName
		}
	}
	if w.OpenAccess != nil {
		p.OpenAccess = w.OpenAccess.IsOA
		if p.PDFURL == "" {
			p.PDFURL = w.OpenAccess.OAURL
		}
	}
	if p.URL == "" && doi != "" {
		p.URL = doiPrefix + doi
	}
	p.EnsureID()
	return p, true
}

func normalizeDOI(doi string) string {
	doi = strings.TrimSpace(doi)
	doi = strings.TrimPrefix(doi, doiPrefix)
	doi = strings.TrimPrefix(doi, "http://doi.org/")
	doi = strings.TrimPrefix(doi, "doi:")
	return strings.ToLower(strings.TrimSpace(doi))
}

// reconstructAbstract rebuilds abstract text from an inverted index.
func reconstructAbstract(index map[string][]int) string {
	if len(index) == 0 {
		return ""
	}

	type posWord struct {
		pos  int
		word string
	}
	total := 0
	for _, positions := range index {
		total += len(positions)
	}
	if total > maxAbstractWords {
		return ""
	}

	pairs := make([]posWord, 0, total)
	for word, positions := range index {
		for _, pos := range positions {
			pairs = append(pairs, posWord{pos: pos, word: word})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].pos < pairs[j].pos })

	var sb strings.Builder
	sb.Grow(total * 7)
	for i, pw := range pairs {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(pw.word)
	}
	return sb.String()
}
