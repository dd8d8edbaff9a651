package db

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestDB wraps a migrated pool with test cleanup functionality.
type TestDB struct {
	Pool *pgxpool.Pool
}

// SkipIfNoTestDB skips the test when SKIP_DB_TESTS is set or -short is used.
func SkipIfNoTestDB(t *testing.T) {
	t.Helper()

	if os.Getenv("SKIP_DB_TESTS") != "" {
		t.Skip("Skipping database test (SKIP_DB_TESTS is set)")
	}
	if testing.Short() {
		t.Skip("Skipping database test in short mode")
	}
}

// testDatabaseURL returns TEST_DATABASE_URL, or "" when it is unset.
// The test database should be isolated from the development database.
func testDatabaseURL() string {
	return os.Getenv("TEST_DATABASE_URL")
}

// OpenTestDB connects to dbURL, applies migrations and registers cleanup.
func OpenTestDB(t *testing.T, dbURL string) *TestDB {
	t.Helper()

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("failed to ping test database: %v", err)
	}

	if err := Migrate(ctx, pool, discardLogger()); err != nil {
		pool.Close()
		t.Fatalf("failed to migrate test database: %v", err)
	}

	tdb := &TestDB{Pool: pool}
	t.Cleanup(pool.Close)
	return tdb
}

// Cleanup removes all data from test tables.
// Call this in tests to ensure clean state between test cases.
func (tdb *TestDB) Cleanup(t *testing.T) {
	t.Helper()

	_, err := tdb.Pool.Exec(context.Background(), "TRUNCATE TABLE account_balance_changes, transactions RESTART IDENTITY CASCADE")
	if err != nil {
		t.Fatalf("failed to cleanup test database: %v", err)
	}
}

// CountRows runs a SELECT COUNT(*) query and returns the result.
func (tdb *TestDB) CountRows(t *testing.T, query string, args ...any) int {
	t.Helper()

	var n int
	if err := tdb.Pool.QueryRow(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("failed to count rows: %v\nQuery: %s", err, query)
	}
	return n
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
