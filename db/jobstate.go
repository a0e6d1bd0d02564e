package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// JobState is a persisted snapshot of a background job: its configuration,
// counters, and running/paused flags. Config and Stats are stored as JSON so
// each job owns its own shape.
type JobState struct {
	JobName   string
	Config    json.RawMessage
	Stats     json.RawMessage
	IsRunning bool
	IsPaused  bool
}

// LoadJobState returns the persisted state for a job, or nil if none was saved yet.
func LoadJobState(ctx context.Context, dbx *sql.DB, jobName string) (*JobState, error) {
	var st JobState
	var cfg, stats sql.NullString
	row := dbx.QueryRowContext(ctx,
		`SELECT job_name, config, stats, COALESCE(is_running,FALSE), COALESCE(is_paused,FALSE)
		 FROM job_state WHERE job_name=$1`, jobName)
	if err := row.Scan(&st.JobName, &cfg, &stats, &st.IsRunning, &st.IsPaused); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load job state %q: %w", jobName, err)
	}
	if cfg.Valid {
		st.Config = json.RawMessage(cfg.String)
	}
	if stats.Valid {
		st.Stats = json.RawMessage(stats.String)
	}
	return &st, nil
}

// SaveJobRunningState persists the running/paused flags so a restart can
// restore the exact scheduler state.
func SaveJobRunningState(ctx context.Context, dbx *sql.DB, jobName string, isRunning, isPaused bool) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO job_state (job_name, is_running, is_paused, updated_at)
		VALUES ($1,$2,$3,NOW())
		ON CONFLICT(job_name) DO UPDATE SET is_running=EXCLUDED.is_running, is_paused=EXCLUDED.is_paused, updated_at=NOW()`,
		jobName, isRunning, isPaused)
	return err
}

// SaveJobConfig persists a job's configuration. cfg must be JSON-marshalable.
func SaveJobConfig(ctx context.Context, dbx *sql.DB, jobName string, cfg any) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}
	_, err = dbx.ExecContext(ctx, `INSERT INTO job_state (job_name, config, updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(job_name) DO UPDATE SET config=EXCLUDED.config, updated_at=NOW()`, jobName, string(raw))
	return err
}

// SaveJobStats persists a job's counters. stats must be JSON-marshalable.
func SaveJobStats(ctx context.Context, dbx *sql.DB, jobName string, stats any) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal job stats: %w", err)
	}
	_, err = dbx.ExecContext(ctx, `INSERT INTO job_state (job_name, stats, updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(job_name) DO UPDATE SET stats=EXCLUDED.stats, updated_at=NOW()`, jobName, string(raw))
	return err
}
