package db

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB returns a migrated database. TEST_DATABASE_URL wins when set;
// otherwise a throwaway postgres container is started. Tests are skipped when
// neither is available (no Docker on the machine, or SKIP_DB_TESTS set).
func setupTestDB(t *testing.T) *TestDB {
	t.Helper()

	SkipIfNoTestDB(t)
	if dbURL := testDatabaseURL(); dbURL != "" {
		tdb := OpenTestDB(t, dbURL)
		tdb.Cleanup(t)
		return tdb
	}

	// Docker lookup panics rather than erroring when no daemon is reachable.
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("txtracker_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("Skipping database test: cannot start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	return OpenTestDB(t, dsn)
}

func ptr[T any](v T) *T {
	return &v
}
