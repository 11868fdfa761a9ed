// Package pdf downloads full-text PDFs for included papers.
package pdf

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/observability"
	"github.com/helixir/review-orchestrator/internal/resilience"
)

// Sentinel errors for PDF download operations.
var (
	ErrNotPDF         = errors.New("pdf: response is not a PDF")
	ErrTooLarge       = errors.New("pdf: file exceeds maximum size")
	ErrDownloadFailed = errors.New("pdf: download failed")
	ErrSSRF           = errors.New("pdf: request to private network denied")

	// ErrNoSource means the paper has neither a PDF URL nor a landing page.
	ErrNoSource = errors.New("pdf: no candidate URL")
)

var pdfMagic = []byte("%PDF-")

// maxLandingPageBytes bounds the HTML read when resolving landing pages.
const maxLandingPageBytes = 2 << 20

// DownloadResult holds a downloaded PDF.
type DownloadResult struct {
	Content     []byte
	ContentHash string
	SizeBytes   int64
	ContentType string
	FinalURL    string
}

// Config holds downloader configuration.
type Config struct {
	// Timeout is the per-request timeout. Default: 60 seconds.
	Timeout time.Duration
	// MaxSize is the largest accepted file in bytes. Default: 50MB.
	MaxSize   int64
	UserAgent string
	// StorageDir receives downloaded files named by content hash. Empty
	// disables storage.
	StorageDir string
	// AllowPrivateNetworks disables the private-address checks. Test only.
	AllowPrivateNetworks bool

	Breakers *resilience.BreakerRegistry
	Metrics  *observability.Metrics
}

// Downloader fetches PDFs over HTTP. It is safe for concurrent use.
type Downloader struct {
	client               *http.Client
	maxSize              int64
	userAgent            string
	storageDir           string
	allowPrivateNetworks bool
	breakers             *resilience.BreakerRegistry
	metrics              *observability.Metrics
}

// NewDownloader creates a Downloader.
func NewDownloader(cfg Config) *Downloader {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 50 * 1024 * 1024
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (compatible; Helixir-ReviewOrchestrator/1.0)"
	}

	d := &Downloader{
		maxSize:              cfg.MaxSize,
		userAgent:            cfg.UserAgent,
		storageDir:           cfg.StorageDir,
		allowPrivateNetworks: cfg.AllowPrivateNetworks,
		breakers:             cfg.Breakers,
		metrics:              cfg.Metrics,
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if !cfg.AllowPrivateNetworks {
		// Re-checked at connect time against DNS rebinding.
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrSSRF, err)
			}
			if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
				return fmt.Errorf("%w: connection to %s", ErrSSRF, host)
			}
			return nil
		}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil

	d.client = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("%w: too many redirects", ErrDownloadFailed)
			}
			if !d.allowPrivateNetworks {
				return validateURLNotPrivate(req.Context(), req.URL.String())
			}
			return nil
		},
	}
	return d
}

// Fetch retrieves the full text for paper. It tries the paper's PDF URL,
// then the citation_pdf_url advertised by its landing page. On success the
// file is stored under StorageDir when one is configured.
func (d *Downloader) Fetch(ctx context.Context, paper domain.Paper) (*domain.Document, error) {
	lastErr := ErrNoSource

	if u := strings.TrimSpace(paper.PDFURL); u != "" {
		res, err := d.Download(ctx, u)
		if err == nil {
			return d.store(paper, res)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	if page := landingPage(paper); page != "" {
		pdfURL, err := d.ResolveLandingPage(ctx, page)
		if err == nil && pdfURL != strings.TrimSpace(paper.PDFURL) {
			var res *DownloadResult
			if res, err = d.Download(ctx, pdfURL); err == nil {
				return d.store(paper, res)
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			lastErr = err
		}
	}

	d.metrics.RecordPDFDownload(outcome(lastErr), 0)
	return nil, lastErr
}

// landingPage prefers the DOI resolver over the source's own URL.
func landingPage(paper domain.Paper) string {
	if doi := strings.TrimSpace(paper.Identifiers.DOI); doi != "" {
		return "https://doi.org/" + doi
	}
	return strings.TrimSpace(paper.URL)
}

func (d *Downloader) store(paper domain.Paper, res *DownloadResult) (*domain.Document, error) {
	doc := &domain.Document{
		PaperID:   paper.ID,
		SourceURL: res.FinalURL,
		SHA256:    res.ContentHash,
		SizeBytes: res.SizeBytes,
	}
	if d.storageDir != "" {
		path, err := writeFile(d.storageDir, res.ContentHash+".pdf", res.Content)
		if err != nil {
			d.metrics.RecordPDFDownload("failed", 0)
			return nil, err
		}
		doc.StoragePath = path
	}
	d.metrics.RecordPDFDownload("retrieved", res.SizeBytes)
	return doc, nil
}

// writeFile writes content atomically; an existing file with the same
// content-addressed name is reused.
func writeFile(dir, name string, content []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating pdf storage dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing pdf: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing pdf: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("storing pdf: %w", err)
	}
	return path, nil
}

// Download fetches a single PDF URL through the pdf circuit breaker.
// The body must be a PDF by Content-Type or by its leading magic bytes.
// Only transient transport failures count against the breaker.
func (d *Downloader) Download(ctx context.Context, rawURL string) (*DownloadResult, error) {
	var (
		result   *DownloadResult
		rejected error
	)
	err := d.breakers.Execute(resilience.BreakerPDF, func() error {
		res, err := d.download(ctx, rawURL)
		if err != nil && !breakerFailure(err) {
			rejected = err
			return nil
		}
		result = res
		return err
	})
	if rejected != nil {
		return nil, rejected
	}
	return result, err
}

func breakerFailure(err error) bool {
	if errors.Is(err, ErrTooLarge) || errors.Is(err, ErrNotPDF) || errors.Is(err, ErrSSRF) {
		return false
	}
	return resilience.IsTransient(err)
}

func (d *Downloader) download(ctx context.Context, rawURL string) (*DownloadResult, error) {
	resp, err := d.get(ctx, rawURL, "application/pdf, */*;q=0.8")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.ContentLength > d.maxSize {
		return nil, fmt.Errorf("%w: content length %d exceeds %d bytes", ErrTooLarge, resp.ContentLength, d.maxSize)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, d.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrDownloadFailed, err)
	}
	if int64(len(content)) > d.maxSize {
		return nil, fmt.Errorf("%w: exceeded %d bytes", ErrTooLarge, d.maxSize)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "application/pdf") && !bytes.HasPrefix(content, pdfMagic) {
		return nil, fmt.Errorf("%w: Content-Type is %q", ErrNotPDF, contentType)
	}

	hash := sha256.Sum256(content)
	return &DownloadResult{
		Content:     content,
		ContentHash: hex.EncodeToString(hash[:]),
		SizeBytes:   int64(len(content)),
		ContentType: contentType,
		FinalURL:    resp.Request.URL.String(),
	}, nil
}

func (d *Downloader) get(ctx context.Context, rawURL, accept string) (*http.Response, error) {
	if !d.allowPrivateNetworks {
		if err := validateURLNotPrivate(ctx, rawURL); err != nil {
			return nil, err
		}
	} else if err := validateScheme(rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %w", ErrDownloadFailed, err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", accept)

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrSSRF) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, domain.NewExternalAPIError("pdf", resp.StatusCode, http.StatusText(resp.StatusCode), ErrDownloadFailed)
	}
	return resp, nil
}

func validateScheme(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return nil
	default:
		return fmt.Errorf("%w: scheme %q is not allowed", ErrSSRF, parsed.Scheme)
	}
}

// validateURLNotPrivate rejects non-HTTP schemes and hosts that resolve to
// private addresses.
func validateURLNotPrivate(ctx context.Context, rawURL string) error {
	if err := validateScheme(rawURL); err != nil {
		return err
	}
	parsed, _ := url.Parse(rawURL)
	host := parsed.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("%w: %s is a private address", ErrSSRF, host)
		}
		return nil
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: DNS lookup failed for %s: %w", ErrDownloadFailed, host, err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip.IP) {
			return fmt.Errorf("%w: %s resolves to private address %s", ErrSSRF, host, ip.IP)
		}
	}
	return nil
}

// isPrivateIP reports loopback, private, link-local and unspecified addresses.
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsInterfaceLocalMulticast()
}

// outcome maps a fetch error to the pdf_downloads outcome label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "retrieved"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrNotPDF):
		return "not_pdf"
	case errors.Is(err, ErrSSRF):
		return "blocked"
	case errors.Is(err, ErrNoSource), errors.Is(err, ErrNoCitationPDF):
		return "missing"
	default:
		return "failed"
	}
}
