// Package main provides reviewctl, a command-line client for systematic
// review workflows. Runs execute in-process by default; --remote hands them
// to the Temporal worker instead.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/helixir/review-orchestrator/internal/app"
	"github.com/helixir/review-orchestrator/internal/config"
	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/temporal"
)

var rootCmd = &cobra.Command{
	Use:           "reviewctl",
	Short:         "Create, run and inspect systematic review workflows",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	remote  bool
	verbose bool
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&remote, "remote", false, "Start runs on the Temporal worker instead of in this process")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
}

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// session holds what a command needs. Close releases it.
type session struct {
	*app.Components
	runs *temporal.ReviewClient
}

func (s *session) Close() {
	if s.runs != nil {
		s.runs.Close()
	}
	s.Components.Close()
}

// openSession loads configuration and connects. withPipeline builds the
// in-process orchestrator; --remote dials Temporal instead.
func openSession(ctx context.Context, withPipeline bool) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	cfg.Logging.Format = "console"
	cfg.Logging.Output = "stderr"
	logger := app.NewLogger(cfg.Logging, "reviewctl")

	var components *app.Components
	if withPipeline && !remote {
		components, err = app.Build(ctx, cfg, logger)
	} else {
		components, err = app.BuildStore(ctx, cfg, logger)
	}
	if err != nil {
		return nil, err
	}

	s := &session{Components: components}
	if remote {
		_, s.runs, err = app.DialTemporal(cfg.Temporal, logger)
		if err != nil {
			components.Close()
			return nil, err
		}
	}
	return s, nil
}

func parseWorkflowID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid workflow id %q", arg)
	}
	return id, nil
}

// parseStages parses comma-separated or repeated stage names.
func parseStages(values []string) ([]domain.Stage, error) {
	var out []domain.Stage
	for _, v := range values {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			st, err := domain.ParseStage(name)
			if err != nil {
				return nil, err
			}
			out = append(out, st)
		}
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
