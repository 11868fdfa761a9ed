//go:build integration

package integration

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/helixir/review-orchestrator/internal/database"
)

var (
	testPool *pgxpool.Pool
	testDB   *database.DB
	testURL  string
)

// TestMain migrates a Postgres database shared by the package. It uses
// REVIEWORCH_TEST_DB_URL when set and a throwaway container otherwise.
func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dbURL := os.Getenv("REVIEWORCH_TEST_DB_URL")
	if dbURL == "" {
		container, err := pgmodule.Run(ctx,
			"postgres:16-alpine",
			pgmodule.WithDatabase("review_orchestrator_test"),
			pgmodule.WithUsername("revieworch"),
			pgmodule.WithPassword("testpassword"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "start postgres container: %v\n", err)
			return 1
		}
		defer func() {
			if err := container.Terminate(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "terminate container: %v\n", err)
			}
		}()
		dbURL, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			fmt.Fprintf(os.Stderr, "container connection string: %v\n", err)
			return 1
		}
	}
	testURL = dbURL

	if err := waitForPostgres(ctx, dbURL); err != nil {
		fmt.Fprintf(os.Stderr, "test database not ready: %v\n", err)
		return 1
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to test database: %v\n", err)
		return 1
	}
	defer pool.Close()

	testPool = pool
	testDB = database.NewFromPool(pool, zerolog.Nop())

	migrator, err := database.NewMigrator(testDB, "", zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create migrator: %v\n", err)
		return 1
	}
	defer migrator.Close()
	if err := migrator.Up(); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		return 1
	}

	return m.Run()
}

// waitForPostgres pings through database/sql until the server accepts
// queries. The container log can report ready before the first restart
// completes.
func waitForPostgres(ctx context.Context, dbURL string) error {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return err
	}
	defer db.Close()

	for {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// cleanTables truncates the given tables between tests.
func cleanTables(t *testing.T, tables ...string) {
	t.Helper()
	ctx := context.Background()
	for _, table := range tables {
		if _, err := testPool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			t.Fatalf("failed to truncate %s: %v", table, err)
		}
	}
}
