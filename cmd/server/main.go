// Package main provides the entry point for the review orchestrator API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/helixir/review-orchestrator/internal/app"
	"github.com/helixir/review-orchestrator/internal/config"
	"github.com/helixir/review-orchestrator/internal/events"
	httpserver "github.com/helixir/review-orchestrator/internal/server/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := app.NewLogger(cfg.Logging, "server")
	logger.Info().Msg("review-orchestrator server starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := app.BuildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close()
	logger.Info().Msg("database connection established")

	_, runs, err := app.DialTemporal(cfg.Temporal, logger)
	if err != nil {
		return err
	}
	defer runs.Close()

	httpCfg := httpserver.Config{
		Address:         cfg.Server.HTTPAddress(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    5 * time.Minute, // SSE streams hold the connection.
		IdleTimeout:     2 * time.Minute,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	httpSrv := httpserver.NewServer(httpCfg, httpserver.Deps{
		Workflows: components.Workflows,
		Runs:      runs,
		Stages:    components.StageReader(),
		DB:        components.DB,
		Logger:    logger,
	})

	errCh := make(chan error, 2)

	go func() {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	if cfg.Kafka.Enabled {
		listener := events.NewCommandListener(events.ListenerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.CommandsTopic,
			GroupID: cfg.Kafka.GroupID,
		}, runs, logger)
		defer func() {
			if err := listener.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close command listener")
			}
		}()

		go func() {
			if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("command listener error: %w", err)
			}
		}()
		logger.Info().
			Str("topic", cfg.Kafka.CommandsTopic).
			Str("group_id", cfg.Kafka.GroupID).
			Msg("command listener started")
	}

	logger.Info().Str("http_address", httpCfg.Address).Msg("review-orchestrator server is ready")

	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	logger.Info().Msg("review-orchestrator server shutdown complete")
	return nil
}
