package pubmed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/papersources"
)

const esearchJSON = `{"esearchresult":{"count":"57","retmax":"2","idlist":["31000001","31000002"]}}`

const efetchXML = `<?xml version="1.0" ?>
<PubmedArticleSet>
  <PubmedArticle>
    <MedlineCitation>
      <PMID Version="1">31000001</PMID>
      <Article>
        <Journal>
          <Title>The Lancet</Title>
          <JournalIssue><PubDate><Year>2019</Year><Month>Mar</Month></PubDate></JournalIssue>
        </Journal>
        <ArticleTitle>Exercise therapy for chronic low back pain</ArticleTitle>
        <ELocationID EIdType="doi" ValidYN="Y">10.1016/S0140-6736(19)30001-X</ELocationID>
        <Abstract>
          <AbstractText Label="BACKGROUND">Back pain is common.</AbstractText>
          <AbstractText Label="FINDINGS">Exercise helps.</AbstractText>
        </Abstract>
        <AuthorList>
          <Author>
            <LastName>Hayden</LastName><ForeName>Jill A</ForeName>
            <Identifier Source="ORCID">https://orcid.org/0000-0002-1825-0097</Identifier>
            <AffiliationInfo><Affiliation>Dalhousie University</Affiliation></AffiliationInfo>
          </Author>
          <Author><CollectiveName>Cochrane Back Group</CollectiveName></Author>
        </AuthorList>
      </Article>
    </MedlineCitation>
    <PubmedData>
      <ArticleIdList>
        <ArticleId IdType="pubmed">31000001</ArticleId>
        <ArticleId IdType="pmc">PMC6500000</ArticleId>
      </ArticleIdList>
    </PubmedData>
  </PubmedArticle>
  <PubmedArticle>
    <MedlineCitation>
      <PMID Version="1">31000002</PMID>
      <Article>
        <Journal>
          <Title>Spine</Title>
          <JournalIssue><PubDate><MedlineDate>2018 Nov-Dec</MedlineDate></PubDate></JournalIssue>
        </Journal>
        <ArticleTitle>Yoga for back pain</ArticleTitle>
      </Article>
    </MedlineCitation>
  </PubmedArticle>
</PubmedArticleSet>`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewWithHTTPClient(Config{BaseURL: server.URL, APIKey: "ncbi", Enabled: true},
		papersources.NewHTTPClient(papersources.HTTPClientConfig{
			Source:     "pubmed",
			Timeout:    5 * time.Second,
			RateLimit:  100,
			MaxRetries: 1,
			RetryDelay: time.Millisecond,
		}))
}

func TestClient_Search(t *testing.T) {
	var esearchQuery, efetchQuery map[string][]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/esearch.fcgi"):
			esearchQuery = r.URL.Query()
			w.Write([]byte(esearchJSON))
		case strings.HasSuffix(r.URL.Path, "/efetch.fcgi"):
			efetchQuery = r.URL.Query()
			w.Header().Set("Content-Type", "text/xml")
			w.Write([]byte(efetchXML))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	result, err := client.Search(context.Background(), papersources.SearchParams{
		Query:          "low back pain exercise",
		YearFrom:       2015,
		MaxResults:     2,
		OpenAccessOnly: true,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"(low back pain exercise) AND free full text[sb]"}, esearchQuery["term"])
	assert.Equal(t, []string{"2"}, esearchQuery["retmax"])
	assert.Equal(t, []string{"2015"}, esearchQuery["mindate"])
	assert.Equal(t, []string{"3000"}, esearchQuery["maxdate"])
	assert.Equal(t, []string{"ncbi"}, esearchQuery["api_key"])
	assert.Equal(t, []string{"31000001,31000002"}, efetchQuery["id"])

	assert.Equal(t, 57, result.TotalResults)
	assert.Equal(t, domain.SourceTypePubMed, result.Source)
	require.Len(t, result.Papers, 2)

	first := result.Papers[0]
	assert.Equal(t, "doi:10.1016/s0140-6736(19)30001-x", first.ID)
	assert.Equal(t, "31000001", first.Identifiers.PubMedID)
	assert.Equal(t, "PMC6500000", first.Identifiers.PMCID)
	assert.Equal(t, "Exercise therapy for chronic low back pain", first.Title)
	assert.Equal(t, "BACKGROUND: Back pain is common.\nFINDINGS: Exercise helps.", first.Abstract)
	assert.Equal(t, 2019, first.Year)
	assert.Equal(t, "The Lancet", first.Venue)
	assert.True(t, first.OpenAccess)
	assert.Equal(t, "https://www.ncbi.nlm.nih.gov/pmc/articles/PMC6500000/pdf/", first.PDFURL)
	require.Len(t, first.Authors, 2)
	assert.Equal(t, "Jill A Hayden", first.Authors[0].Name)
	assert.Equal(t, "Dalhousie University", first.Authors[0].Affiliation)
	assert.Equal(t, "0000-0002-1825-0097", first.Authors[0].ORCID)
	assert.Equal(t, "Cochrane Back Group", first.Authors[1].Name)

	second := result.Papers[1]
	assert.Equal(t, "pubmed:31000002", second.ID)
	assert.Equal(t, 2018, second.Year)
	assert.False(t, second.OpenAccess)
	assert.Equal(t, "https://pubmed.ncbi.nlm.nih.gov/31000002/", second.URL)
}

func TestClient_SearchNoHitsSkipsEfetch(t *testing.T) {
	efetched := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/efetch.fcgi") {
			efetched = true
		}
		w.Write([]byte(`{"esearchresult":{"count":"0","idlist":[]}}`))
	})

	result, err := client.Search(context.Background(), papersources.SearchParams{Query: "nothing"})
	require.NoError(t, err)
	assert.Empty(t, result.Papers)
	assert.False(t, efetched)
}

func TestClient_SearchMalformedXML(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/esearch.fcgi") {
			w.Write([]byte(esearchJSON))
			return
		}
		w.Write([]byte("<PubmedArticleSet><PubmedArticle>"))
	})

	_, err := client.Search(context.Background(), papersources.SearchParams{Query: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding pubmed efetch response")
}

func TestNew_RateLimitDefaults(t *testing.T) {
	assert.Equal(t, DefaultRateLimit, New(Config{}).config.RateLimit)
	assert.Equal(t, 10.0, New(Config{APIKey: "k"}).config.RateLimit)
	assert.Equal(t, "PubMed", New(Config{}).Name())
}
