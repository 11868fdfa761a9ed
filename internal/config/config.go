// Package config provides configuration management for the review orchestrator.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for every environment variable read by Load.
const EnvPrefix = "REVIEWORCH"

// SSL mode constants for database connections.
const (
	// SSLModeDisable disables SSL (use only for local development).
	SSLModeDisable = "disable"
	// SSLModeRequire requires SSL but does not verify certificates.
	SSLModeRequire = "require"
	// SSLModeVerifyCA verifies the server certificate against a CA.
	SSLModeVerifyCA = "verify-ca"
	// SSLModeVerifyFull verifies the server certificate and hostname.
	SSLModeVerifyFull = "verify-full"
)

// Config holds all configuration for the review orchestrator.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Temporal     TemporalConfig     `mapstructure:"temporal"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	PaperSources PaperSourcesConfig `mapstructure:"paper_sources"`
	PDF          PDFConfig          `mapstructure:"pdf"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Progress     ProgressConfig     `mapstructure:"progress"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 0.0.0.0).
	Host string `mapstructure:"host"`
	// HTTPPort is the API server port (default: 8080).
	HTTPPort int `mapstructure:"http_port"`
	// MetricsPort is the worker's metrics server port (default: 9091).
	MetricsPort int `mapstructure:"metrics_port"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	User string `mapstructure:"user"`
	// Password should come from REVIEWORCH_DATABASE_PASSWORD in production.
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	// SSLMode is one of disable, require, verify-ca, verify-full.
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	// MigrationPath is the path to migration files (relative or absolute).
	MigrationPath string `mapstructure:"migration_path"`
	// MigrationAutoRun applies pending migrations when the worker starts.
	MigrationAutoRun bool `mapstructure:"migration_auto_run"`
}

// TemporalConfig holds Temporal configuration.
type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	// TaskQueue is the task queue the pipeline worker polls.
	TaskQueue string `mapstructure:"task_queue"`
	// ActivityTimeout bounds one pipeline activity attempt.
	ActivityTimeout time.Duration `mapstructure:"activity_timeout"`
	// HeartbeatTimeout is how long Temporal waits between activity heartbeats.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	// RunTimeout bounds a whole pipeline run.
	RunTimeout time.Duration     `mapstructure:"run_timeout"`
	TLS        TemporalTLSConfig `mapstructure:"tls"`
}

// TemporalTLSConfig holds mTLS settings for the Temporal connection.
type TemporalTLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	CertPath   string `mapstructure:"cert_path"`
	KeyPath    string `mapstructure:"key_path"`
	CACertPath string `mapstructure:"ca_cert_path"`
	ServerName string `mapstructure:"server_name"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is stdout, stderr or a file path.
	Output     string `mapstructure:"output"`
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LLMConfig holds LLM client configuration.
type LLMConfig struct {
	// Provider selects the chat API (openai, anthropic).
	Provider    string        `mapstructure:"provider"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	Temperature float64       `mapstructure:"temperature"`
	// RateLimitRPS throttles outgoing LLM requests across all stages.
	RateLimitRPS float64        `mapstructure:"rate_limit_rps"`
	OpenAI       ProviderConfig `mapstructure:"openai"`
	Anthropic    ProviderConfig `mapstructure:"anthropic"`
	Pricing      PricingConfig  `mapstructure:"pricing"`
	Breaker      BreakerConfig  `mapstructure:"breaker"`
}

// ProviderConfig holds one LLM provider's settings.
type ProviderConfig struct {
	// APIKey is loaded from REVIEWORCH_LLM_<PROVIDER>_API_KEY only.
	APIKey  string `mapstructure:"-"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

// PricingConfig is the token price used to compute stage cost, in USD per 1000 tokens.
type PricingConfig struct {
	InputPer1K  float64 `mapstructure:"input_per_1k"`
	OutputPer1K float64 `mapstructure:"output_per_1k"`
}

// BreakerConfig configures the circuit breakers guarding external calls.
type BreakerConfig struct {
	// ConsecutiveFailures opens the breaker after this many failures in a row.
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests    uint32        `mapstructure:"half_open_requests"`
}

// KafkaConfig holds Kafka settings for lifecycle events and operator commands.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	// EventsTopic receives workflow and stage lifecycle events.
	EventsTopic string `mapstructure:"events_topic"`
	// CommandsTopic carries resume/rerun/cancel commands.
	CommandsTopic string        `mapstructure:"commands_topic"`
	GroupID       string        `mapstructure:"group_id"`
	BatchSize     int           `mapstructure:"batch_size"`
	BatchTimeout  time.Duration `mapstructure:"batch_timeout"`
}

// PaperSourcesConfig holds configuration for all paper source APIs.
type PaperSourcesConfig struct {
	SemanticScholar PaperSourceConfig `mapstructure:"semantic_scholar"`
	OpenAlex        PaperSourceConfig `mapstructure:"openalex"`
	PubMed          PaperSourceConfig `mapstructure:"pubmed"`
}

// PaperSourceConfig holds configuration for a single paper source API.
type PaperSourceConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// APIKey is loaded from REVIEWORCH_PAPER_SOURCES_<SOURCE>_API_KEY only.
	APIKey     string        `mapstructure:"-"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  float64       `mapstructure:"rate_limit"`
	MaxResults int           `mapstructure:"max_results"`
}

// PDFConfig holds full-text download settings.
type PDFConfig struct {
	// MaxSize is the largest PDF accepted, in bytes.
	MaxSize    int64         `mapstructure:"max_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
	StorageDir string        `mapstructure:"storage_dir"`
	UserAgent  string        `mapstructure:"user_agent"`
	// AllowPrivateHosts disables the SSRF guard; only for tests and local mirrors.
	AllowPrivateHosts bool `mapstructure:"allow_private_hosts"`
}

// OrchestratorConfig holds pipeline execution settings.
type OrchestratorConfig struct {
	DefaultMode string `mapstructure:"default_mode"`
	// LeaseTTL is how long a workflow lease lasts without renewal.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
	// StageTimeout bounds a single stage attempt; zero disables it.
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
	Retry        RetryConfig   `mapstructure:"retry"`
}

// RetryConfig is the default stage retry policy.
type RetryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// ProgressConfig holds progress tracker settings.
type ProgressConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	ETAWindow     int           `mapstructure:"eta_window"`
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		params.Encode(),
	)
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// MetricsAddress returns the metrics server address.
func (c *ServerConfig) MetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/review-orchestrator")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadSecrets populates secret fields exclusively from environment variables.
// These fields are tagged with mapstructure:"-" so config files cannot set them.
func loadSecrets(cfg *Config) {
	cfg.LLM.OpenAI.APIKey = os.Getenv(EnvPrefix + "_LLM_OPENAI_API_KEY")
	cfg.LLM.Anthropic.APIKey = os.Getenv(EnvPrefix + "_LLM_ANTHROPIC_API_KEY")

	cfg.PaperSources.SemanticScholar.APIKey = os.Getenv(EnvPrefix + "_PAPER_SOURCES_SEMANTIC_SCHOLAR_API_KEY")
	cfg.PaperSources.OpenAlex.APIKey = os.Getenv(EnvPrefix + "_PAPER_SOURCES_OPENALEX_API_KEY")
	cfg.PaperSources.PubMed.APIKey = os.Getenv(EnvPrefix + "_PAPER_SOURCES_PUBMED_API_KEY")
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "revieworch")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "review_orchestrator")
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_path", "migrations")
	v.SetDefault("database.migration_auto_run", false)

	// Temporal
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "review-orchestrator")
	v.SetDefault("temporal.task_queue", "review-pipeline")
	v.SetDefault("temporal.activity_timeout", "6h")
	v.SetDefault("temporal.heartbeat_timeout", "2m")
	v.SetDefault("temporal.run_timeout", "24h")
	v.SetDefault("temporal.tls.enabled", false)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// LLM. API keys come from loadSecrets.
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.retry_delay", "2s")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.rate_limit_rps", 5.0)
	v.SetDefault("llm.openai.model", "gpt-4o-mini")
	v.SetDefault("llm.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.anthropic.model", "claude-3-5-haiku-latest")
	v.SetDefault("llm.anthropic.base_url", "https://api.anthropic.com")
	v.SetDefault("llm.pricing.input_per_1k", 0.00015)
	v.SetDefault("llm.pricing.output_per_1k", 0.0006)
	v.SetDefault("llm.breaker.consecutive_failures", 5)
	v.SetDefault("llm.breaker.open_timeout", "30s")
	v.SetDefault("llm.breaker.half_open_requests", 1)

	// Kafka
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.events_topic", "events.review_orchestrator.workflows")
	v.SetDefault("kafka.commands_topic", "commands.review_orchestrator.workflows")
	v.SetDefault("kafka.group_id", "review-orchestrator")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", "10ms")

	// Paper sources
	v.SetDefault("paper_sources.semantic_scholar.enabled", true)
	v.SetDefault("paper_sources.semantic_scholar.base_url", "https://api.semanticscholar.org/graph/v1")
	v.SetDefault("paper_sources.semantic_scholar.timeout", "30s")
	v.SetDefault("paper_sources.semantic_scholar.rate_limit", 1.0)
	v.SetDefault("paper_sources.semantic_scholar.max_results", 100)

	v.SetDefault("paper_sources.openalex.enabled", true)
	v.SetDefault("paper_sources.openalex.base_url", "https://api.openalex.org")
	v.SetDefault("paper_sources.openalex.timeout", "30s")
	v.SetDefault("paper_sources.openalex.rate_limit", 10.0)
	v.SetDefault("paper_sources.openalex.max_results", 200)

	v.SetDefault("paper_sources.pubmed.enabled", true)
	v.SetDefault("paper_sources.pubmed.base_url", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils")
	v.SetDefault("paper_sources.pubmed.timeout", "30s")
	v.SetDefault("paper_sources.pubmed.rate_limit", 3.0) // NCBI limit without an API key
	v.SetDefault("paper_sources.pubmed.max_results", 100)

	// PDF
	v.SetDefault("pdf.max_size", 50*1024*1024)
	v.SetDefault("pdf.timeout", "60s")
	v.SetDefault("pdf.storage_dir", "data/pdfs")
	v.SetDefault("pdf.user_agent", "review-orchestrator/1.0 (mailto:ops@helixir.io)")
	v.SetDefault("pdf.allow_private_hosts", false)

	// Orchestrator
	v.SetDefault("orchestrator.default_mode", "balanced")
	v.SetDefault("orchestrator.lease_ttl", "90s")
	v.SetDefault("orchestrator.stage_timeout", "0s")
	v.SetDefault("orchestrator.retry.max_retries", 3)
	v.SetDefault("orchestrator.retry.initial_backoff", "2s")
	v.SetDefault("orchestrator.retry.multiplier", 2.0)
	v.SetDefault("orchestrator.retry.max_backoff", "60s")

	// Progress
	v.SetDefault("progress.buffer_size", 20)
	v.SetDefault("progress.flush_interval", "2s")
	v.SetDefault("progress.eta_window", 50)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Database.Port)
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch strings.ToLower(c.LLM.Provider) {
	case "openai":
		if c.LLM.OpenAI.APIKey == "" {
			return fmt.Errorf("LLM provider %q requires %s_LLM_OPENAI_API_KEY to be set", c.LLM.Provider, EnvPrefix)
		}
	case "anthropic":
		if c.LLM.Anthropic.APIKey == "" {
			return fmt.Errorf("LLM provider %q requires %s_LLM_ANTHROPIC_API_KEY to be set", c.LLM.Provider, EnvPrefix)
		}
	default:
		return fmt.Errorf("unsupported LLM provider: %q", c.LLM.Provider)
	}
	if c.LLM.Pricing.InputPer1K < 0 || c.LLM.Pricing.OutputPer1K < 0 {
		return fmt.Errorf("LLM pricing must be non-negative")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when kafka is enabled")
	}

	if c.PDF.MaxSize <= 0 {
		return fmt.Errorf("pdf max_size must be positive")
	}

	if c.Orchestrator.LeaseTTL < 3*time.Second {
		return fmt.Errorf("orchestrator lease_ttl must be at least 3s, got %s", c.Orchestrator.LeaseTTL)
	}
	if c.Orchestrator.StageTimeout < 0 {
		return fmt.Errorf("orchestrator stage_timeout must be non-negative")
	}
	if c.Orchestrator.Retry.MaxRetries < 0 {
		return fmt.Errorf("orchestrator retry max_retries must be non-negative")
	}
	if c.Orchestrator.Retry.Multiplier < 1 {
		return fmt.Errorf("orchestrator retry multiplier must be >= 1")
	}

	if c.Progress.BufferSize <= 0 {
		return fmt.Errorf("progress buffer_size must be positive")
	}
	if c.Progress.FlushInterval <= 0 {
		return fmt.Errorf("progress flush_interval must be positive")
	}
	if c.Progress.ETAWindow <= 0 {
		return fmt.Errorf("progress eta_window must be positive")
	}

	return nil
}
