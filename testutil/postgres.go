package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/db"
	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/telemetry"
)

// SetupTestDB creates a test database connection and runs migrations.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	// Pipeline code records metrics unconditionally; register them before any
	// test reaches a counter.
	telemetry.Init()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// ResetTables truncates pipeline tables so each test starts clean.
func ResetTables(t *testing.T, database *sql.DB) {
	t.Helper()
	for _, table := range []string{"events", "segments", "sessions", "job_state", "kv"} {
		if _, err := database.Exec("TRUNCATE " + table + " RESTART IDENTITY CASCADE"); err != nil {
			t.Fatalf("failed to truncate %s: %v", table, err)
		}
	}
}
