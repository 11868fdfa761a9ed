package semanticscholar

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/observability"
	"github.com/helixir/review-orchestrator/internal/papersources"
	"github.com/helixir/review-orchestrator/internal/resilience"
)

const (
	DefaultBaseURL = "https://api.semanticscholar.org/graph/v1"

	// DefaultRateLimit fits the unauthenticated shared pool; keyed clients may raise it.
	DefaultRateLimit = 1.0

	DefaultTimeout    = 30 * time.Second
	DefaultMaxResults = 100

	apiKeyHeader = "x-api-key"

	paperFields = "paperId,externalIds,url,title,abstract,year,venue,journal,authors,citationCount,isOpenAccess,openAccessPdf"
)

// Config contains configuration for the Semantic Scholar client.
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
	if c.MaxResults == 0 || c.MaxResults > DefaultMaxResults {
		c.MaxResults = DefaultMaxResults
	}
}

// Client implements papersources.PaperSource for Semantic Scholar.
type Client struct {
	config     Config
	httpClient *papersources.HTTPClient
}

var _ papersources.PaperSource = (*Client)(nil)

// New creates a Semantic Scholar client.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	return NewClient(cfg, papersources.NewHTTPClient(papersources.HTTPClientConfig{
		Source:       resilience.BreakerSemanticScholar,
		Timeout:      cfg.Timeout,
		RateLimit:    cfg.RateLimit,
		APIKey:       cfg.APIKey,
		APIKeyHeader: apiKeyHeader,
		Breakers:     cfg.Breakers,
		Metrics:      cfg.Metrics,
	}))
}

// NewClient creates a client around an existing HTTP client.
func NewClient(cfg Config, httpClient *papersources.HTTPClient) *Client {
	cfg.applyDefaults()
	return &Client{config: cfg, httpClient: httpClient}
}

// Search queries the paper search endpoint.
func (c *Client) Search(ctx context.Context, params papersources.SearchParams) (*papersources.SearchResult, error) {
	start := time.Now()

	searchURL, err := c.buildSearchURL(params)
	if err != nil {
		return nil, fmt.Errorf("building search URL: %w", err)
	}

	var resp searchResponse
	if err := c.httpClient.GetJSON(ctx, "paper_search", searchURL, &resp); err != nil {
		return nil, err
	}

	papers := make([]domain.Paper, 0, len(resp.Data))
	for _, r := range resp.Data {
		if r.Title == "" {
			continue
		}
		papers = append(papers, convertToPaper(r))
	}

	return &papersources.SearchResult{
		Papers:         papers,
		TotalResults:   resp.Total,
		Source:         domain.SourceTypeSemanticScholar,
		SearchDuration: time.Since(start),
	}, nil
}

func (c *Client) SourceType() domain.SourceType { return domain.SourceTypeSemanticScholar }
func (c *Client) Name() string                  { return "Semantic Scholar" }
func (c *Client) IsEnabled() bool               { return c.config.Enabled }

func (c *Client) buildSearchURL(params papersources.SearchParams) (string, error) {
	baseURL, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	searchURL := baseURL.JoinPath("paper", "search")

	q := searchURL.Query()
	q.Set("query", params.Query)
	q.Set("fields", paperFields)
	q.Set("limit", strconv.Itoa(params.Limit(c.config.MaxResults, c.config.MaxResults)))
	if params.OpenAccessOnly {
		q.Set("openAccessPdf", "")
	}
	if yr := yearRange(params.YearFrom, params.YearTo); yr != "" {
		q.Set("year", yr)
	}

	searchURL.RawQuery = q.Encode()
	return searchURL.String(), nil
}

// yearRange renders the API's "from-to" year filter; either bound may be open.
func yearRange(from, to int) string {
	switch {
	case from > 0 && to > 0:
		return fmt.Sprintf("%d-%d", from, to)
	case from > 0:
		return fmt.Sprintf("%d-", from)
	case to > 0:
		return fmt.Sprintf("-%d", to)
	default:
		return ""
	}
}

func convertToPaper(r paperResult) domain.Paper {
	p := domain.Paper{
		Identifiers:   domain.PaperIdentifiers{SemanticScholarID: r.PaperID},
		Title:         strings.TrimSpace(r.Title),
		Abstract:      r.Abstract,
		Year:          r.Year,
		Venue:         r.Venue,
		CitationCount: r.CitationCount,
		URL:           r.URL,
		OpenAccess:    r.IsOpenAccess,
		Source:        domain.SourceTypeSemanticScholar,
	}
	if r.ExternalIDs != nil {
		p.Identifiers.DOI = strings.ToLower(strings.TrimSpace(r.ExternalIDs.DOI))
		p.Identifiers.PubMedID = r.ExternalIDs.PubMed
		p.Identifiers.PMCID = r.ExternalIDs.PubMedCentral
	}
	if r.Journal != nil && r.Journal.Name != "" {
		p.Venue = r.Journal.Name
	}
	if r.OpenAccessPDF != nil {
		p.PDFURL = r.OpenAccessPDF.URL
	}
	for _, a := range r.Authors {
		if a.Name != "" {
			p.Authors = append(p.Authors, domain.Author{Name: a.Name})
		}
	}
	p.EnsureID()
	return p
}
