package resilience

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/helixir/review-orchestrator/internal/config"
)

// Breaker names for the external dependencies the stages call.
const (
	BreakerLLM             = "llm"
	BreakerSemanticScholar = "semantic_scholar"
	BreakerOpenAlex        = "openalex"
	BreakerPubMed          = "pubmed"
	BreakerPDF             = "pdf"
)

// BreakerConfig configures one circuit breaker.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration

	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32
}

// Default circuit breaker configurations for external dependencies.
var defaultBreakerConfigs = map[string]BreakerConfig{
	BreakerSemanticScholar: {ConsecutiveFailures: 5, OpenTimeout: 60 * time.Second, HalfOpenRequests: 1},
	BreakerOpenAlex:        {ConsecutiveFailures: 5, OpenTimeout: 60 * time.Second, HalfOpenRequests: 1},
	BreakerPubMed:          {ConsecutiveFailures: 5, OpenTimeout: 60 * time.Second, HalfOpenRequests: 1},
	BreakerLLM:             {ConsecutiveFailures: 3, OpenTimeout: 30 * time.Second, HalfOpenRequests: 1},
	BreakerPDF:             {ConsecutiveFailures: 10, OpenTimeout: 30 * time.Second, HalfOpenRequests: 2},
}

var fallbackBreakerConfig = BreakerConfig{ConsecutiveFailures: 5, OpenTimeout: 60 * time.Second, HalfOpenRequests: 1}

// BreakerRegistry provides named circuit breakers for external dependencies.
// It is safe for concurrent use and lazily creates breakers on first access.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	configs  map[string]BreakerConfig
	logger   zerolog.Logger
}

// NewBreakerRegistry creates a BreakerRegistry with default configurations
// for all known external dependencies.
func NewBreakerRegistry(logger zerolog.Logger) *BreakerRegistry {
	return NewBreakerRegistryWithConfigs(nil, logger)
}

// NewBreakerRegistryWithConfigs creates a BreakerRegistry with custom configurations.
// Any name not in the provided map falls back to the defaults.
func NewBreakerRegistryWithConfigs(configs map[string]BreakerConfig, logger zerolog.Logger) *BreakerRegistry {
	merged := make(map[string]BreakerConfig, len(defaultBreakerConfigs)+len(configs))
	for k, v := range defaultBreakerConfigs {
		merged[k] = v
	}
	for k, v := range configs {
		merged[k] = v
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  merged,
		logger:   logger.With().Str("component", "breakers").Logger(),
	}
}

// LLMBreakerConfig converts the configured LLM breaker settings.
func LLMBreakerConfig(cfg config.BreakerConfig) map[string]BreakerConfig {
	if cfg.ConsecutiveFailures == 0 {
		return nil
	}
	return map[string]BreakerConfig{
		BreakerLLM: {
			ConsecutiveFailures: cfg.ConsecutiveFailures,
			OpenTimeout:         cfg.OpenTimeout,
			HalfOpenRequests:    cfg.HalfOpenRequests,
		},
	}
}

// Get returns the circuit breaker for the given dependency name, creating it
// on first use.
func (r *BreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cfg, ok := r.configs[name]
	if !ok {
		cfg = fallbackBreakerConfig
	}

	threshold := cfg.ConsecutiveFailures
	logger := r.logger
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || Classify(err) != Transient
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	r.breakers[name] = cb
	return cb
}

// State returns the current state of the named breaker, or StateClosed
// if the breaker has not been created yet.
func (r *BreakerRegistry) State(name string) gobreaker.State {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()

	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Execute runs fn through the named breaker. A nil registry runs fn directly.
func (r *BreakerRegistry) Execute(name string, fn func() error) error {
	if r == nil {
		return fn()
	}
	_, err := r.Get(name).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}
