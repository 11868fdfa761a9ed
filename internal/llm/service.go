package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/observability"
	"github.com/helixir/review-orchestrator/internal/resilience"
)

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Pricing Pricing

	// RateLimitRPS throttles calls across all stages. Zero disables it.
	RateLimitRPS float64

	// Breakers guards calls with the "llm" breaker. May be nil.
	Breakers *resilience.BreakerRegistry

	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Service is the LLM entry point used by stages.
type Service struct {
	client   Client
	pricing  Pricing
	limiter  *rate.Limiter
	breakers *resilience.BreakerRegistry
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// NewService wraps client with rate limiting, circuit breaking and cost accounting.
func NewService(client Client, opts ServiceOptions) *Service {
	s := &Service{
		client:   client,
		pricing:  opts.Pricing,
		breakers: opts.Breakers,
		metrics:  opts.Metrics,
		logger:   observability.WithComponent(opts.Logger, "llm"),
	}
	if opts.RateLimitRPS > 0 {
		burst := int(opts.RateLimitRPS)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), burst)
	}
	return s
}

// Model returns the underlying model identifier.
func (s *Service) Model() string {
	return s.client.Model()
}

// Complete performs one completion on behalf of stage. The response Cost is
// computed from token usage.
func (s *Service) Complete(ctx context.Context, stage domain.Stage, req Request) (*Response, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("llm rate limiter: %w", err)
		}
	}

	start := time.Now()
	var resp *Response
	err := s.breakers.Execute(resilience.BreakerLLM, func() error {
		r, err := s.client.Complete(ctx, req)
		resp = r
		return err
	})
	if err != nil {
		kind := errorType(err)
		s.metrics.RecordLLMRequestFailed(string(stage), s.client.Model(), kind)
		s.logger.Warn().Err(err).Str("stage", string(stage)).Str("error_type", kind).Msg("LLM request failed")
		return nil, fmt.Errorf("llm completion for %s: %w", stage, err)
	}

	resp.Cost = s.pricing.Cost(resp.InputTokens, resp.OutputTokens)
	s.metrics.RecordLLMRequest(string(stage), resp.Model, time.Since(start).Seconds(), resp.InputTokens, resp.OutputTokens)
	return resp, nil
}

// CompleteJSON requests a JSON object and decodes it into dst. When decoding
// fails the response is still returned so that its cost is counted.
func (s *Service) CompleteJSON(ctx context.Context, stage domain.Stage, req Request, dst any) (*Response, error) {
	req.JSON = true
	resp, err := s.Complete(ctx, stage, req)
	if err != nil {
		return nil, err
	}
	if err := DecodeJSON(resp.Content, dst); err != nil {
		return resp, fmt.Errorf("llm %s: %w", stage, err)
	}
	return resp, nil
}

func errorType(err error) string {
	var apiErr *APIError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.As(err, &apiErr):
		switch {
		case apiErr.IsBudgetExhausted():
			return "budget"
		case apiErr.StatusCode == 429:
			return "rate_limited"
		case apiErr.StatusCode == 0:
			return "network"
		case apiErr.StatusCode >= 500:
			return "server_error"
		default:
			return "client_error"
		}
	default:
		return "unknown"
	}
}

// Meter sums the usage of many responses. It is safe for concurrent use.
type Meter struct {
	mu           sync.Mutex
	cost         float64
	inputTokens  int
	outputTokens int
	calls        int
}

// Add records a response. A nil response is ignored.
func (m *Meter) Add(resp *Response) {
	if resp == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cost += resp.Cost
	m.inputTokens += resp.InputTokens
	m.outputTokens += resp.OutputTokens
	m.calls++
}

// Cost returns the accumulated cost.
func (m *Meter) Cost() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cost
}

// Calls returns the number of recorded responses.
func (m *Meter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
