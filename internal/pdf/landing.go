package pdf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoCitationPDF means a landing page advertised no PDF link.
var ErrNoCitationPDF = errors.New("pdf: landing page has no citation_pdf_url")

// ResolveLandingPage loads an article landing page and returns the absolute
// PDF URL from its citation_pdf_url meta tag, falling back to a
// <link rel="alternate" type="application/pdf">.
func (d *Downloader) ResolveLandingPage(ctx context.Context, pageURL string) (string, error) {
	resp, err := d.get(ctx, pageURL, "text/html, application/xhtml+xml;q=0.9, */*;q=0.5")
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	href, err := citationPDFURL(io.LimitReader(resp.Body, maxLandingPageBytes))
	if err != nil {
		return "", err
	}

	base := resp.Request.URL
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("%w: bad citation_pdf_url %q", ErrDownloadFailed, href)
	}
	return base.ResolveReference(ref).String(), nil
}

func citationPDFURL(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("parsing landing page: %w", err)
	}

	if content, ok := doc.Find(`meta[name="citation_pdf_url"]`).First().Attr("content"); ok {
		if content = strings.TrimSpace(content); content != "" {
			return content, nil
		}
	}
	if href, ok := doc.Find(`link[rel="alternate"][type="application/pdf"]`).First().Attr("href"); ok {
		if href = strings.TrimSpace(href); href != "" {
			return href, nil
		}
	}
	return "", ErrNoCitationPDF
}
