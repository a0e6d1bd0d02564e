package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func setupJobStateDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := Migrate(context.Background(), database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := database.Exec(`TRUNCATE job_state`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return database
}

func TestLoadJobStateMissing(t *testing.T) {
	database := setupJobStateDB(t)

	st, err := LoadJobState(context.Background(), database, "no_such_job")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st != nil {
		t.Errorf("expected nil state for unknown job, got %+v", st)
	}
}

func TestJobStateRoundTrip(t *testing.T) {
	database := setupJobStateDB(t)
	ctx := context.Background()

	type jobConfig struct {
		IntervalMinutes int  `json:"interval_minutes"`
		Enabled         bool `json:"enabled"`
	}
	type jobStats struct {
		TicksRun int64 `json:"ticks_run"`
	}

	if err := SaveJobConfig(ctx, database, "test_job", jobConfig{IntervalMinutes: 7, Enabled: true}); err != nil {
		t.Fatalf("save config: %v", err)
	}
	if err := SaveJobStats(ctx, database, "test_job", jobStats{TicksRun: 42}); err != nil {
		t.Fatalf("save stats: %v", err)
	}
	if err := SaveJobRunningState(ctx, database, "test_job", true, true); err != nil {
		t.Fatalf("save running state: %v", err)
	}

	st, err := LoadJobState(ctx, database, "test_job")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st == nil {
		t.Fatal("expected saved state")
	}
	if !st.IsRunning || !st.IsPaused {
		t.Errorf("running=%v paused=%v, want both true", st.IsRunning, st.IsPaused)
	}

	var cfg jobConfig
	if err := json.Unmarshal(st.Config, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if cfg.IntervalMinutes != 7 || !cfg.Enabled {
		t.Errorf("config = %+v", cfg)
	}
	var stats jobStats
	if err := json.Unmarshal(st.Stats, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.TicksRun != 42 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSaveJobRunningStatePreservesConfig(t *testing.T) {
	database := setupJobStateDB(t)
	ctx := context.Background()

	if err := SaveJobConfig(ctx, database, "test_job", map[string]int{"interval_minutes": 3}); err != nil {
		t.Fatalf("save config: %v", err)
	}
	if err := SaveJobRunningState(ctx, database, "test_job", false, false); err != nil {
		t.Fatalf("save running state: %v", err)
	}

	st, err := LoadJobState(ctx, database, "test_job")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(st.Config) == 0 {
		t.Error("running-state update must not clobber config")
	}
}
