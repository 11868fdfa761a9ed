// Package app assembles the review orchestrator's components from
// configuration. The server, worker and reviewctl binaries share it.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/client"

	"github.com/helixir/review-orchestrator/internal/config"
	"github.com/helixir/review-orchestrator/internal/database"
	"github.com/helixir/review-orchestrator/internal/events"
	"github.com/helixir/review-orchestrator/internal/llm"
	"github.com/helixir/review-orchestrator/internal/observability"
	"github.com/helixir/review-orchestrator/internal/papersources"
	"github.com/helixir/review-orchestrator/internal/papersources/openalex"
	"github.com/helixir/review-orchestrator/internal/papersources/pubmed"
	"github.com/helixir/review-orchestrator/internal/papersources/semanticscholar"
	"github.com/helixir/review-orchestrator/internal/pdf"
	"github.com/helixir/review-orchestrator/internal/pipeline"
	"github.com/helixir/review-orchestrator/internal/progress"
	"github.com/helixir/review-orchestrator/internal/repository"
	"github.com/helixir/review-orchestrator/internal/resilience"
	"github.com/helixir/review-orchestrator/internal/stages"
	"github.com/helixir/review-orchestrator/internal/temporal"
	"github.com/helixir/review-orchestrator/internal/temporal/activities"
	"github.com/helixir/review-orchestrator/internal/temporal/workflows"
)

// MetricsNamespace prefixes every Prometheus metric.
const MetricsNamespace = "review_orchestrator"

// Components are the long-lived objects built from a Config.
type Components struct {
	Config      *config.Config
	Logger      zerolog.Logger
	DB          *database.DB
	Workflows   *repository.PgWorkflowRepository
	Checkpoints *repository.PgCheckpointRepository
	Metrics     *observability.Metrics
	Breakers    *resilience.BreakerRegistry

	// Orchestrator is nil for components built with BuildStore.
	Orchestrator *pipeline.Orchestrator

	// Publisher is nil unless Kafka is enabled.
	Publisher *events.KafkaPublisher
}

// NewLogger builds the process logger from the logging configuration.
func NewLogger(cfg config.LoggingConfig, component string) zerolog.Logger {
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		AddSource:  cfg.AddSource,
		TimeFormat: cfg.TimeFormat,
	})
	return observability.WithComponent(logger, component)
}

// BuildStore connects to PostgreSQL and creates the repositories. It is
// enough for processes that only read workflow state or start runs.
func BuildStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Components, error) {
	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return &Components{
		Config:      cfg,
		Logger:      logger,
		DB:          db,
		Workflows:   repository.NewPgWorkflowRepository(db),
		Checkpoints: repository.NewPgCheckpointRepository(db),
		Metrics:     observability.NewMetrics(MetricsNamespace),
	}, nil
}

// Build creates everything needed to execute pipeline runs: the store,
// external clients, stage registry and orchestrator.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Components, error) {
	c, err := BuildStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Database.MigrationAutoRun {
		if err := migrateUp(c.DB, cfg.Database.MigrationPath, logger); err != nil {
			c.Close()
			return nil, err
		}
	}

	c.Breakers = resilience.NewBreakerRegistryWithConfigs(resilience.LLMBreakerConfig(cfg.LLM.Breaker), logger)

	llmClient, err := llm.NewClient(LLMFactoryConfig(cfg.LLM))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("create LLM client: %w", err)
	}
	llmService := llm.NewService(llmClient, llm.ServiceOptions{
		Pricing:      llm.Pricing{InputPer1K: cfg.LLM.Pricing.InputPer1K, OutputPer1K: cfg.LLM.Pricing.OutputPer1K},
		RateLimitRPS: cfg.LLM.RateLimitRPS,
		Breakers:     c.Breakers,
		Metrics:      c.Metrics,
		Logger:       logger,
	})

	sources := papersources.NewRegistry()
	RegisterPaperSources(sources, cfg.PaperSources, c.Breakers, c.Metrics, logger)

	downloader := pdf.NewDownloader(pdf.Config{
		Timeout:              cfg.PDF.Timeout,
		MaxSize:              cfg.PDF.MaxSize,
		UserAgent:            cfg.PDF.UserAgent,
		StorageDir:           cfg.PDF.StorageDir,
		AllowPrivateNetworks: cfg.PDF.AllowPrivateHosts,
		Breakers:             c.Breakers,
		Metrics:              c.Metrics,
	})

	registry, err := stages.NewRegistry(stages.Deps{
		LLM:     llmService,
		Sources: sources,
		PDFs:    downloader,
		Logger:  logger,
	}, resilience.PolicyFromConfig(cfg.Orchestrator.Retry))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("build stage registry: %w", err)
	}

	// A nil *KafkaPublisher must not become a non-nil EventPublisher.
	var publisher pipeline.EventPublisher
	if cfg.Kafka.Enabled {
		c.Publisher, err = events.NewKafkaPublisher(events.PublisherConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.EventsTopic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		}, logger)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("create event publisher: %w", err)
		}
		publisher = c.Publisher
	}

	c.Orchestrator = pipeline.NewOrchestrator(
		OrchestratorConfig(cfg),
		c.Workflows,
		c.Checkpoints,
		registry,
		publisher,
		c.Metrics,
		logger,
	)
	logger.Info().
		Str("holder", c.Orchestrator.Holder()).
		Int("sources", len(sources.EnabledSources())).
		Bool("kafka", cfg.Kafka.Enabled).
		Msg("orchestrator ready")
	return c, nil
}

// StageReader returns the orchestrator for stage status reads. Components
// built with BuildStore get one without executors, which must not run stages.
func (c *Components) StageReader() *pipeline.Orchestrator {
	if c.Orchestrator == nil {
		c.Orchestrator = pipeline.NewOrchestrator(OrchestratorConfig(c.Config), c.Workflows, c.Checkpoints, nil, nil, c.Metrics, c.Logger)
	}
	return c.Orchestrator
}

// Close releases the database pool and the event publisher.
func (c *Components) Close() {
	if c.Publisher != nil {
		if err := c.Publisher.Close(); err != nil {
			c.Logger.Error().Err(err).Msg("failed to close event publisher")
		}
	}
	if c.DB != nil {
		c.DB.Close()
	}
}

// LLMFactoryConfig maps LLM settings onto the client factory.
func LLMFactoryConfig(cfg config.LLMConfig) llm.FactoryConfig {
	return llm.FactoryConfig{
		Provider:    cfg.Provider,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout,
		MaxRetries:  cfg.MaxRetries,
		OpenAI: llm.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			Model:   cfg.OpenAI.Model,
			BaseURL: cfg.OpenAI.BaseURL,
		},
		Anthropic: llm.AnthropicConfig{
			APIKey:  cfg.Anthropic.APIKey,
			Model:   cfg.Anthropic.Model,
			BaseURL: cfg.Anthropic.BaseURL,
		},
	}
}

// OrchestratorConfig maps orchestrator and progress settings.
func OrchestratorConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		LeaseTTL:     cfg.Orchestrator.LeaseTTL,
		StageTimeout: cfg.Orchestrator.StageTimeout,
		Progress: progress.Options{
			Capacity:      cfg.Progress.BufferSize,
			FlushInterval: cfg.Progress.FlushInterval,
			ETAWindow:     cfg.Progress.ETAWindow,
		},
	}
}

// RegisterPaperSources registers every enabled paper source.
func RegisterPaperSources(
	registry *papersources.Registry,
	cfg config.PaperSourcesConfig,
	breakers *resilience.BreakerRegistry,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if s := cfg.SemanticScholar; s.Enabled {
		registry.Register(semanticscholar.New(semanticscholar.Config{
			BaseURL:    s.BaseURL,
			APIKey:     s.APIKey,
			Timeout:    s.Timeout,
			RateLimit:  s.RateLimit,
			MaxResults: s.MaxResults,
			Enabled:    true,
			Breakers:   breakers,
			Metrics:    metrics,
		}))
		logger.Info().Msg("registered paper source: Semantic Scholar")
	}

	if s := cfg.OpenAlex; s.Enabled {
		registry.Register(openalex.New(openalex.Config{
			BaseURL:    s.BaseURL,
			APIKey:     s.APIKey,
			Timeout:    s.Timeout,
			RateLimit:  s.RateLimit,
			MaxResults: s.MaxResults,
			Enabled:    true,
			Breakers:   breakers,
			Metrics:    metrics,
		}))
		logger.Info().Msg("registered paper source: OpenAlex")
	}

	if s := cfg.PubMed; s.Enabled {
		registry.Register(pubmed.New(pubmed.Config{
			BaseURL:    s.BaseURL,
			APIKey:     s.APIKey,
			Timeout:    s.Timeout,
			RateLimit:  s.RateLimit,
			MaxResults: s.MaxResults,
			Enabled:    true,
			Breakers:   breakers,
			Metrics:    metrics,
		}))
		logger.Info().Msg("registered paper source: PubMed")
	}
}

// TemporalClientConfig maps Temporal settings onto the client config.
func TemporalClientConfig(cfg config.TemporalConfig, logger zerolog.Logger) temporal.ClientConfig {
	ccfg := temporal.ClientConfig{
		HostPort:   cfg.HostPort,
		Namespace:  cfg.Namespace,
		TaskQueue:  cfg.TaskQueue,
		RunTimeout: cfg.RunTimeout,
		Logger:     logger,
	}
	if cfg.TLS.Enabled {
		ccfg.TLS = &temporal.TLSConfig{
			Enabled:    true,
			CertPath:   cfg.TLS.CertPath,
			KeyPath:    cfg.TLS.KeyPath,
			CACertPath: cfg.TLS.CACertPath,
			ServerName: cfg.TLS.ServerName,
		}
	}
	return ccfg
}

// DialTemporal connects to Temporal and wraps the connection in a
// ReviewClient. Closing the ReviewClient closes the connection.
func DialTemporal(cfg config.TemporalConfig, logger zerolog.Logger) (client.Client, *temporal.ReviewClient, error) {
	ccfg := TemporalClientConfig(cfg, logger)
	c, err := temporal.NewClient(ccfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to temporal: %w", err)
	}
	logger.Info().
		Str("host_port", cfg.HostPort).
		Str("namespace", cfg.Namespace).
		Msg("temporal client connected")
	return c, temporal.NewReviewClient(c, ccfg), nil
}

// Registrar is the registration surface of *temporal.WorkerManager.
type Registrar interface {
	RegisterWorkflow(fn interface{}, name string)
	RegisterActivity(fn interface{}, name string)
}

// RegisterPipeline registers the pipeline workflow and its activity, backed
// by runner.
func RegisterPipeline(r Registrar, runner activities.Runner, cfg config.TemporalConfig, logger zerolog.Logger) {
	r.RegisterWorkflow(workflows.NewPipelineWorkflow(workflows.Options{
		ActivityTimeout:  cfg.ActivityTimeout,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}), temporal.PipelineWorkflowName)

	acts := activities.NewPipelineActivities(runner, logger, cfg.HeartbeatTimeout/4)
	r.RegisterActivity(acts.RunPipeline, temporal.RunPipelineActivity)
}

func migrateUp(db *database.DB, path string, logger zerolog.Logger) error {
	m, err := database.NewMigrator(db, path, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			logger.Error().Err(cerr).Msg("failed to close migrator")
		}
	}()
	if err := m.Up(); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
