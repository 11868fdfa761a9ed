package papersources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/observability"
	"github.com/helixir/review-orchestrator/internal/resilience"
)

const (
	// maxResponseBytes bounds decoded response bodies.
	maxResponseBytes = 10 << 20

	// maxErrorBodyBytes bounds the body text kept in API errors.
	maxErrorBodyBytes = 4 << 10

	defaultUserAgent = "Helixir-ReviewOrchestrator/1.0"
)

// HTTPClientConfig configures the HTTP client.
type HTTPClientConfig struct {
	// Source names the upstream in metrics and selects its circuit breaker.
	Source string

	// Timeout is the per-attempt request timeout.
	Timeout time.Duration

	// RateLimit is the sustained requests per second; BurstSize the bucket size.
	RateLimit float64
	BurstSize int

	// MaxRetries is the number of retries on 429, 5xx and network errors.
	MaxRetries int

	// RetryDelay is used when the server sends no Retry-After header.
	RetryDelay time.Duration

	UserAgent string

	// APIKey is sent in APIKeyHeader when both are set.
	APIKey       string
	APIKeyHeader string

	// Breakers and Metrics are optional.
	Breakers *resilience.BreakerRegistry
	Metrics  *observability.Metrics
}

// HTTPClient wraps http.Client with rate limiting, retries, a circuit
// breaker and request metrics. It is safe for concurrent use.
type HTTPClient struct {
	client  *http.Client
	limiter *rate.Limiter
	config  HTTPClientConfig
}

// NewHTTPClient creates a rate-limited HTTP client.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 10
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = max(1, int(cfg.RateLimit))
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	return &HTTPClient{
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.BurstSize),
		config:  cfg,
	}
}

// GetJSON fetches rawURL and decodes the JSON body into dst. endpoint labels
// the request in metrics. Non-200 responses become *domain.ExternalAPIError.
func (c *HTTPClient) GetJSON(ctx context.Context, endpoint, rawURL string, dst any) error {
	return c.get(ctx, endpoint, rawURL, func(body io.Reader) error {
		if err := json.NewDecoder(body).Decode(dst); err != nil {
			return fmt.Errorf("decoding %s response: %w", c.config.Source, err)
		}
		return nil
	})
}

// GetBody fetches rawURL and passes the body to read. Non-200 responses
// become *domain.ExternalAPIError.
func (c *HTTPClient) GetBody(ctx context.Context, endpoint, rawURL string, read func(io.Reader) error) error {
	return c.get(ctx, endpoint, rawURL, read)
}

func (c *HTTPClient) get(ctx context.Context, endpoint, rawURL string, read func(io.Reader) error) error {
	start := time.Now()

	err := c.config.Breakers.Execute(c.config.Source, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			return domain.NewExternalAPIError(c.config.Source, resp.StatusCode, strings.TrimSpace(string(body)), nil)
		}
		return read(io.LimitReader(resp.Body, maxResponseBytes))
	})

	if err != nil {
		c.config.Metrics.RecordSourceRequestFailed(c.config.Source, endpoint, requestErrorType(err))
		return err
	}
	c.config.Metrics.RecordSourceRequest(c.config.Source, endpoint, time.Since(start).Seconds())
	return nil
}

// Do executes req with rate limiting and retries. It retries network errors,
// 429 (honoring Retry-After) and 5xx. When retries run out on a retryable
// status, the last response is returned for the caller to inspect.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.APIKey != "" && c.config.APIKeyHeader != "" {
		req.Header.Set(c.config.APIKeyHeader, c.config.APIKey)
	}

	ctx := req.Context()
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}

		resp, err := c.client.Do(req)
		last := attempt >= c.config.MaxRetries
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if last {
				return nil, fmt.Errorf("%s request failed: %w", c.config.Source, err)
			}
			if err := sleep(ctx, c.config.RetryDelay); err != nil {
				return nil, err
			}
			continue
		}

		if !retryableStatus(resp.StatusCode) || last {
			return resp, nil
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			c.config.Metrics.RecordSourceRateLimited(c.config.Source)
		}
		delay := c.retryDelay(resp)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code < 600)
}

// retryDelay honors Retry-After as seconds or an HTTP date.
func (c *HTTPClient) retryDelay(resp *http.Response) time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return c.config.RetryDelay
	}
	if seconds, err := strconv.ParseInt(retryAfter, 10, 64); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return c.config.RetryDelay
	}
	if t, err := http.ParseTime(retryAfter); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return c.config.RetryDelay
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// requestErrorType maps an error to the metrics error_type label.
func requestErrorType(err error) string {
	var apiErr *domain.ExternalAPIError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.As(err, &apiErr):
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return "rate_limited"
		case apiErr.StatusCode >= 500:
			return "server_error"
		default:
			return "client_error"
		}
	case strings.Contains(err.Error(), "decoding"):
		return "decode"
	default:
		return "network"
	}
}
