// Package main applies and inspects the orchestrator's schema migrations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/helixir/review-orchestrator/internal/app"
	"github.com/helixir/review-orchestrator/internal/config"
	"github.com/helixir/review-orchestrator/internal/database"
)

var (
	migrationsPath string
	embedded       bool
)

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Manage the workflows and workflow_stage_checkpoints schema",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&migrationsPath, "path", "", "Migrations directory (overrides database.migration_path)")
	rootCmd.PersistentFlags().BoolVar(&embedded, "embedded", false, "Use the migrations compiled into the binary")

	rootCmd.AddCommand(
		migratorCommand("up", "Apply all pending migrations", cobra.NoArgs,
			func(m *database.Migrator, _ []string, log zerolog.Logger) error {
				log.Info().Msg("applying pending migrations")
				return m.Up()
			}),
		migratorCommand("down", "Roll back every migration", cobra.NoArgs,
			func(m *database.Migrator, _ []string, log zerolog.Logger) error {
				log.Warn().Msg("rolling back all migrations")
				return m.Down()
			}),
		migratorCommand("steps N", "Apply N migrations (negative rolls back)", cobra.ExactArgs(1),
			func(m *database.Migrator, args []string, log zerolog.Logger) error {
				n, err := strconv.Atoi(args[0])
				if err != nil || n == 0 {
					return fmt.Errorf("steps must be a non-zero integer, got %q", args[0])
				}
				log.Info().Int("steps", n).Msg("running migration steps")
				return m.Steps(n)
			}),
		migratorCommand("version", "Print the applied migration version", cobra.NoArgs,
			func(*database.Migrator, []string, zerolog.Logger) error { return nil }),
		migratorCommand("force VERSION", "Mark VERSION as applied after a failed migration", cobra.ExactArgs(1),
			func(m *database.Migrator, args []string, log zerolog.Logger) error {
				v, err := strconv.Atoi(args[0])
				if err != nil || v < 0 {
					return fmt.Errorf("version must be a non-negative integer, got %q", args[0])
				}
				log.Warn().Int("version", v).Msg("forcing migration version")
				return m.Force(v)
			}),
	)
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type migrateFunc func(m *database.Migrator, args []string, logger zerolog.Logger) error

// migratorCommand wraps action with connection setup and prints the schema
// version once it returns.
func migratorCommand(use, short string, args cobra.PositionalArgs, action migrateFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := app.NewLogger(config.LoggingConfig{
				Level:      "info",
				Format:     "console",
				Output:     "stdout",
				TimeFormat: time.RFC3339,
			}, "migrate")

			dir := cfg.Database.MigrationPath
			if migrationsPath != "" {
				dir = migrationsPath
			}
			if embedded {
				dir = ""
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			db, err := database.New(ctx, &cfg.Database, logger)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer db.Close()

			m, err := database.NewMigrator(db, dir, logger)
			if err != nil {
				return fmt.Errorf("create migrator: %w", err)
			}
			defer func() {
				if cerr := m.Close(); cerr != nil {
					logger.Error().Err(cerr).Msg("failed to close migrator")
				}
			}()

			if err := action(m, args, logger); err != nil {
				return fmt.Errorf("%s: %w", cmd.Name(), err)
			}
			v, dirty, err := m.Version()
			if err != nil {
				logger.Warn().Err(err).Msg("could not determine migration version")
				return nil
			}
			logger.Info().Uint("version", v).Bool("dirty", dirty).Msg("schema version")
			return nil
		},
	}
}
