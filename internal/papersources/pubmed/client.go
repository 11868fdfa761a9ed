package pubmed

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/observability"
	"github.com/helixir/review-orchestrator/internal/papersources"
	"github.com/helixir/review-orchestrator/internal/resilience"
)

const (
	DefaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

	// DefaultRateLimit is the unauthenticated E-utilities limit; an API key allows 10.
	DefaultRateLimit = 3.0

	DefaultTimeout    = 30 * time.Second
	DefaultMaxResults = 100

	// maxRetMax caps PMIDs per esearch call.
	maxRetMax = 10000

	toolName = "review-orchestrator"
)

var yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// Config holds configuration for the PubMed client.
type Config struct {
	BaseURL    string
	APIKey     string
	Email      string
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
		if c.APIKey != "" {
			c.RateLimit = 10
		}
	}
	if c.MaxResults == 0 {
		c.MaxResults = DefaultMaxResults
	}
}

// Client implements papersources.PaperSource for PubMed.
type Client struct {
	config     Config
	httpClient *papersources.HTTPClient
}

var _ papersources.PaperSource = (*Client)(nil)

// New creates a PubMed client.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		config: cfg,
		httpClient: papersources.NewHTTPClient(papersources.HTTPClientConfig{
			Source:    resilience.BreakerPubMed,
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

// Search runs esearch for matching PMIDs and efetch for their records.
func (c *Client) Search(ctx context.Context, params papersources.SearchParams) (*papersources.SearchResult, error) {
	start := time.Now()

	ids, total, err := c.esearch(ctx, params)
	if err != nil {
		return nil, err
	}

	papers := []domain.Paper{}
	if len(ids) > 0 {
		set, err := c.efetch(ctx, ids)
		if err != nil {
			return nil, err
		}
		papers = make([]domain.Paper, 0, len(set.Articles))
		for _, a := range set.Articles {
			if p, ok := articleToPaper(a); ok {
				papers = append(papers, p)
			}
		}
	}

	return &papersources.SearchResult{
		Papers:         papers,
		TotalResults:   total,
		Source:         domain.SourceTypePubMed,
		SearchDuration: time.Since(start),
	}, nil
}

func (c *Client) SourceType() domain.SourceType { return domain.SourceTypePubMed }
func (c *Client) Name() string                  { return "PubMed" }
func (c *Client) IsEnabled() bool               { return c.config.Enabled }

func (c *Client) esearch(ctx context.Context, params papersources.SearchParams) ([]string, int, error) {
	q := c.baseQuery()
	term := params.Query
	if params.OpenAccessOnly {
		term = "(" + term + ") AND free full text[sb]"
	}
	q.Set("term", term)
	q.Set("retmode", "json")
	q.Set("retmax", strconv.Itoa(params.Limit(c.config.MaxResults, maxRetMax)))
	if params.YearFrom > 0 || params.YearTo > 0 {
		from, to := params.YearFrom, params.YearTo
		if from == 0 {
			from = 1800
		}
		if to == 0 {
			to = 3000
		}
		q.Set("datetype", "pdat")
		q.Set("mindate", strconv.Itoa(from))
		q.Set("maxdate", strconv.Itoa(to))
	}

	var resp esearchResponse
	if err := c.httpClient.GetJSON(ctx, "esearch", c.endpoint("esearch.fcgi", q), &resp); err != nil {
		return nil, 0, err
	}
	total, _ := strconv.Atoi(resp.Result.Count)
	return resp.Result.IDList, total, nil
}

func (c *Client) efetch(ctx context.Context, ids []string) (*articleSet, error) {
	q := c.baseQuery()
	q.Set("id", strings.Join(ids, ","))
	q.Set("retmode", "xml")
	q.Set("rettype", "abstract")

	var set articleSet
	err := c.httpClient.GetBody(ctx, "efetch", c.endpoint("efetch.fcgi", q), func(body io.Reader) error {
		if err := xml.NewDecoder(body).Decode(&set); err != nil {
			return fmt.Errorf("decoding pubmed efetch response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &set, nil
}

func (c *Client) baseQuery() url.Values {
	q := url.Values{}
	q.Set("db", "pubmed")
	q.Set("tool", toolName)
	if c.config.Email != "" {
		q.Set("email", c.config.Email)
	}
	if c.config.APIKey != "" {
		q.Set("api_key", c.config.APIKey)
	}
	return q
}

func (c *Client) endpoint(name string, q url.Values) string {
	return strings.TrimSuffix(c.config.BaseURL, "/") + "/" + name + "?" + q.Encode()
}

func articleToPaper(a pubmedArticle) (domain.Paper, bool) {
	pmid := strings.TrimSpace(a.Citation.PMID)
	art := a.Citation.Article
	title := strings.TrimSpace(art.Title)
	if pmid == "" || title == "" {
		return domain.Paper{}, false
	}

	p := domain.Paper{
		Identifiers: domain.PaperIdentifiers{
			PubMedID: pmid,
			DOI:      extractID(a, "doi"),
			PMCID:    extractID(a, "pmc"),
		},
		Title:    title,
		Abstract: extractAbstract(art.Abstract),
		Authors:  extractAuthors(art.Authors),
		Year:     extractYear(art),
		Venue:    strings.TrimSpace(art.Journal.Title),
		URL:      "https://pubmed.ncbi.nlm.nih.gov/" + pmid + "/",
		Source:   domain.SourceTypePubMed,
	}
	if p.Identifiers.PMCID != "" {
		p.OpenAccess = true
		p.PDFURL = "https://www.ncbi.nlm.nih.gov/pmc/articles/" + p.Identifiers.PMCID + "/pdf/"
	}
	p.EnsureID()
	return p, true
}

// extractID looks in ELocationID first, then the PubmedData article ids.
func extractID(a pubmedArticle, kind string) string {
	for _, ids := range [][]articleID{a.Citation.Article.ELocationIDs, a.Data.ArticleIDs} {
		for _, id := range ids {
			if strings.EqualFold(id.kind(), kind) {
				if v := strings.TrimSpace(id.Value); v != "" {
					if kind == "doi" {
						return strings.ToLower(v)
					}
					return v
				}
			}
		}
	}
	return ""
}

func extractYear(art article) int {
	pd := art.Journal.Issue.PubDate
	if y, err := strconv.Atoi(strings.TrimSpace(pd.Year)); err == nil {
		return y
	}
	if m := yearPattern.FindString(pd.MedlineDate); m != "" {
		y, _ := strconv.Atoi(m)
		return y
	}
	return 0
}

// extractAbstract joins structured abstract sections as "LABEL: text".
func extractAbstract(parts []abstractText) string {
	texts := make([]string, 0, len(parts))
	for _, part := range parts {
		v := strings.TrimSpace(part.Value)
		if v == "" {
			continue
		}
		if part.Label != "" {
			v = part.Label + ": " + v
		}
		texts = append(texts, v)
	}
	return strings.Join(texts, "\n")
}

func extractAuthors(list []author) []domain.Author {
	authors := make([]domain.Author, 0, len(list))
	for _, a := range list {
		name := strings.TrimSpace(strings.TrimSpace(a.ForeName) + " " + strings.TrimSpace(a.LastName))
		if name == "" {
			name = strings.TrimSpace(a.CollectiveName)
		}
		if name == "" {
			continue
		}
		da := domain.Author{Name: name}
		if len(a.Affiliations) > 0 {
			da.Affiliation = strings.TrimSpace(a.Affiliations[0].Affiliation)
		}
		for _, id := range a.Identifiers {
			if strings.EqualFold(id.Source, "ORCID") {
				da.ORCID = strings.TrimPrefix(strings.TrimSpace(id.Value), "https://orcid.org/")
			}
		}
		authors = append(authors, da)
	}
	return authors
}
