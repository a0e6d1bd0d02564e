package broadcast

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	dbpkg "github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/db"
	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/telemetry"
)

// SummaryResult is what the summarization collaborator returns for a chat
// transcript.
type SummaryResult struct {
	Text       string
	TokensUsed int
}

// Summarizer abstracts the external AI summary service (for tests/mocks).
// Summarize may fail for any reason; callers must treat that as a summary
// failure, never a finalization failure.
type Summarizer interface {
	Available() bool
	Summarize(ctx context.Context, transcript string) (SummaryResult, error)
}

const (
	finalizeJobName   = "session_finalize"
	finalizeBatchSize = 10
)

// FinalizerConfig is the operator-tunable scheduler configuration.
type FinalizerConfig struct {
	IntervalMinutes   int  `json:"interval_minutes"`
	Enabled           bool `json:"enabled"`
	GenerateAISummary bool `json:"generate_ai_summary"`
}

// FinalizerConfigPatch is a partial config update; nil fields keep their
// current value.
type FinalizerConfigPatch struct {
	IntervalMinutes   *int  `json:"interval_minutes,omitempty"`
	Enabled           *bool `json:"enabled,omitempty"`
	GenerateAISummary *bool `json:"generate_ai_summary,omitempty"`
}

// FinalizerStats are the scheduler's persisted counters.
type FinalizerStats struct {
	TicksRun           int64      `json:"ticks_run"`
	TicksSkipped       int64      `json:"ticks_skipped"`
	SessionsFinalized  int64      `json:"sessions_finalized"`
	SummariesGenerated int64      `json:"summaries_generated"`
	SummariesFailed    int64      `json:"summaries_failed"`
	LastTickAt         *time.Time `json:"last_tick_at,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
}

// FinalizerStatus is the operator-facing snapshot.
type FinalizerStatus struct {
	Running    bool            `json:"running"`
	Paused     bool            `json:"paused"`
	Processing bool            `json:"processing"`
	Config     FinalizerConfig `json:"config"`
	Stats      FinalizerStats  `json:"stats"`
}

// Finalizer advances due sessions from pending_finalize to finalized,
// recomputes their rollups, and requests AI summaries. It owns all of its
// mutable state; collaborators are injected at construction and there is no
// package-level instance.
type Finalizer struct {
	db         *sql.DB
	summarizer Summarizer

	mu         sync.Mutex
	cfg        FinalizerConfig
	stats      FinalizerStats
	running    bool
	paused     bool
	processing bool // single-flight guard, checked at tick entry
	wasRunning bool // persisted flag observed at construction
	cancel     context.CancelFunc
	done       chan struct{}

	logger *slog.Logger
}

// NewFinalizer constructs a scheduler with defaults, then overlays any state
// persisted in the job-state store so a process restart restores the exact
// configuration and paused flag. The caller decides whether to Start based on
// WasRunning.
func NewFinalizer(ctx context.Context, db *sql.DB, summarizer Summarizer) (*Finalizer, error) {
	f := &Finalizer{
		db:         db,
		summarizer: summarizer,
		cfg:        FinalizerConfig{IntervalMinutes: 1, Enabled: true, GenerateAISummary: true},
		logger:     slog.Default().With(slog.String("component", "finalizer")),
	}
	// Fresh deployments (no persisted row) start the scheduler; an explicit
	// operator Stop persists is_running=false and survives restarts.
	f.wasRunning = true
	st, err := dbpkg.LoadJobState(ctx, db, finalizeJobName)
	if err != nil {
		return nil, err
	}
	if st != nil {
		if len(st.Config) > 0 {
			if err := json.Unmarshal(st.Config, &f.cfg); err != nil {
				f.logger.Warn("persisted finalizer config unreadable; using defaults", slog.Any("err", err))
			}
		}
		if len(st.Stats) > 0 {
			if err := json.Unmarshal(st.Stats, &f.stats); err != nil {
				f.logger.Warn("persisted finalizer stats unreadable; resetting", slog.Any("err", err))
			}
		}
		f.paused = st.IsPaused
		f.wasRunning = st.IsRunning
	}
	if f.cfg.IntervalMinutes <= 0 {
		f.cfg.IntervalMinutes = 1
	}
	return f, nil
}

// WasRunning reports whether the persisted state says the scheduler was
// running when the process last stopped.
func (f *Finalizer) WasRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wasRunning
}

// Start arms the periodic timer and runs one immediate tick. Sessions left in
// ai_summary_status=generating by a crash are marked failed first: the
// collaborator call's outcome is unknown and the summary state machine only
// moves forward, so operators re-attempt explicitly via SummarizeNow.
func (f *Finalizer) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.running = true
	f.cancel = cancel
	f.done = make(chan struct{})
	paused := f.paused
	f.mu.Unlock()

	if n, err := f.recoverStaleGenerating(ctx); err != nil {
		f.logger.Warn("stale summary recovery failed", slog.Any("err", err))
	} else if n > 0 {
		f.logger.Warn("marked stale generating summaries as failed", slog.Int64("count", n))
	}
	if err := dbpkg.SaveJobRunningState(ctx, f.db, finalizeJobName, true, paused); err != nil {
		f.logger.Warn("persist running state", slog.Any("err", err))
	}
	telemetry.FinalizerRunning.Set(1)
	f.logger.Info("finalizer starting", slog.Int("interval_minutes", f.interval()))
	go f.run(runCtx)
	return nil
}

func (f *Finalizer) interval() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.IntervalMinutes
}

func (f *Finalizer) run(ctx context.Context) {
	defer close(f.done)
	f.tick(ctx)
	for {
		// Interval re-read each cycle so UpdateConfig takes effect at the
		// next arm without restarting the scheduler.
		timer := time.NewTimer(time.Duration(f.interval()) * time.Minute)
		select {
		case <-ctx.Done():
			timer.Stop()
			f.logger.Info("finalizer loop stopped")
			return
		case <-timer.C:
			f.tick(ctx)
		}
	}
}

// Pause keeps the timer armed but skips ticks; takes effect between ticks.
func (f *Finalizer) Pause(ctx context.Context) error {
	f.mu.Lock()
	f.paused = true
	running := f.running
	f.mu.Unlock()
	f.logger.Info("finalizer paused")
	return dbpkg.SaveJobRunningState(ctx, f.db, finalizeJobName, running, true)
}

// Resume re-enables ticks after a Pause.
func (f *Finalizer) Resume(ctx context.Context) error {
	f.mu.Lock()
	f.paused = false
	running := f.running
	f.mu.Unlock()
	f.logger.Info("finalizer resumed")
	return dbpkg.SaveJobRunningState(ctx, f.db, finalizeJobName, running, false)
}

// Stop cancels the timer and clears the running/paused flags. A tick in
// flight finishes; there is no cooperative cancellation inside the session
// loop.
func (f *Finalizer) Stop(ctx context.Context) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = false
	f.paused = false
	cancel := f.cancel
	done := f.done
	f.mu.Unlock()

	cancel()
	<-done
	telemetry.FinalizerRunning.Set(0)
	f.logger.Info("finalizer stopped")
	return dbpkg.SaveJobRunningState(ctx, f.db, finalizeJobName, false, false)
}

// UpdateConfig applies a partial configuration change and persists the
// result. Interval changes apply when the timer next re-arms.
func (f *Finalizer) UpdateConfig(ctx context.Context, patch FinalizerConfigPatch) (FinalizerConfig, error) {
	f.mu.Lock()
	if patch.IntervalMinutes != nil && *patch.IntervalMinutes > 0 {
		f.cfg.IntervalMinutes = *patch.IntervalMinutes
	}
	if patch.Enabled != nil {
		f.cfg.Enabled = *patch.Enabled
	}
	if patch.GenerateAISummary != nil {
		f.cfg.GenerateAISummary = *patch.GenerateAISummary
	}
	cfg := f.cfg
	f.mu.Unlock()
	f.logger.Info("finalizer config updated",
		slog.Int("interval_minutes", cfg.IntervalMinutes),
		slog.Bool("enabled", cfg.Enabled),
		slog.Bool("generate_ai_summary", cfg.GenerateAISummary))
	return cfg, dbpkg.SaveJobConfig(ctx, f.db, finalizeJobName, cfg)
}

// Status returns an operator-facing snapshot.
func (f *Finalizer) Status() FinalizerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FinalizerStatus{
		Running:    f.running,
		Paused:     f.paused,
		Processing: f.processing,
		Config:     f.cfg,
		Stats:      f.stats,
	}
}

// tick processes one batch of due sessions. Single-flight: if the previous
// tick is still running the new one is logged and skipped, never queued.
// Scheduler-level failures abort the tick but leave the timer armed;
// per-session failures are logged and do not abort the rest of the batch.
func (f *Finalizer) tick(ctx context.Context) {
	f.mu.Lock()
	if f.processing {
		f.stats.TicksSkipped++
		f.mu.Unlock()
		f.logger.Warn("previous tick still running; skipping")
		return
	}
	if f.paused || !f.cfg.Enabled {
		f.stats.TicksSkipped++
		f.mu.Unlock()
		f.logger.Debug("tick skipped", slog.Bool("paused", f.paused))
		return
	}
	f.processing = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.processing = false
		f.mu.Unlock()
	}()

	start := time.Now()
	_ = dbpkg.SetKV(ctx, f.db, "job_session_finalize_last", start.UTC().Format(time.RFC3339Nano))

	rows, err := f.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE status=$1 AND finalize_at IS NOT NULL AND finalize_at <= NOW()
		 ORDER BY finalize_at ASC LIMIT $2`,
		string(StatusPendingFinalize), finalizeBatchSize)
	if err != nil {
		f.failTick(ctx, fmt.Errorf("query due sessions: %w", err))
		return
	}
	var due []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			f.failTick(ctx, fmt.Errorf("scan due session: %w", err))
			return
		}
		due = append(due, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		f.failTick(ctx, fmt.Errorf("iterate due sessions: %w", err))
		return
	}

	var finalized int64
	for _, id := range due {
		if err := f.finalizeSession(ctx, id); err != nil {
			f.logger.Error("finalize session failed", slog.Int64("session_id", id), slog.Any("err", err))
			continue
		}
		finalized++
	}

	f.drainSummaryBacklog(ctx)

	now := time.Now()
	f.mu.Lock()
	f.stats.TicksRun++
	f.stats.SessionsFinalized += finalized
	f.stats.LastTickAt = &now
	f.stats.LastError = ""
	stats := f.stats
	f.mu.Unlock()
	if err := dbpkg.SaveJobStats(ctx, f.db, finalizeJobName, stats); err != nil {
		f.logger.Warn("persist stats", slog.Any("err", err))
	}

	telemetry.FinalizeTicks.Inc()
	telemetry.TickDuration.Observe(time.Since(start).Seconds())
	f.updatePendingGauge(ctx)
	if finalized > 0 {
		f.logger.Info("tick complete", slog.Int("due", len(due)), slog.Int64("finalized", finalized), slog.Duration("duration", time.Since(start)))
	}
}

func (f *Finalizer) failTick(ctx context.Context, err error) {
	f.logger.Error("tick aborted", slog.Any("err", err))
	now := time.Now()
	f.mu.Lock()
	f.stats.LastTickAt = &now
	f.stats.LastError = err.Error()
	stats := f.stats
	f.mu.Unlock()
	_ = dbpkg.SaveJobStats(ctx, f.db, finalizeJobName, stats)
}

// finalizeSession claims the session, recomputes its final rollup, and
// attempts the summary. Claiming is a conditional update so a session is
// never finalized twice, and a summary failure never reverts the claim:
// finalization and summarization are separate failure domains.
func (f *Finalizer) finalizeSession(ctx context.Context, id int64) error {
	res, err := f.db.ExecContext(ctx,
		`UPDATE sessions SET status=$1, updated_at=NOW() WHERE id=$2 AND status=$3`,
		string(StatusFinalized), id, string(StatusPendingFinalize))
	if err != nil {
		return fmt.Errorf("claim session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Claimed by an earlier tick or rebuilt out from under us.
		return nil
	}
	telemetry.SessionsFinalized.Inc()
	f.logger.Info("session finalized", slog.Int64("session_id", id))

	if _, err := ComputeAndUpdateSession(ctx, f.db, id); err != nil {
		f.logger.Error("final rollup failed", slog.Int64("session_id", id), slog.Any("err", err))
	}

	if f.summaryEnabled() {
		if err := f.trySummarize(ctx, id); err != nil {
			f.logger.Warn("summary attempt failed", slog.Int64("session_id", id), slog.Any("err", err))
		}
	}
	return nil
}

func (f *Finalizer) summaryEnabled() bool {
	f.mu.Lock()
	gen := f.cfg.GenerateAISummary
	f.mu.Unlock()
	return gen && f.summarizer != nil && f.summarizer.Available()
}

// drainSummaryBacklog retries sessions finalized earlier whose summary is
// still pending: the collaborator may have been unavailable at finalize time,
// or an AI-summary delay defers the attempt past finalization.
func (f *Finalizer) drainSummaryBacklog(ctx context.Context) {
	if !f.summaryEnabled() {
		return
	}
	delayMin, _ := AISummaryDelayMinutes(ctx, f.db)
	rows, err := f.db.QueryContext(ctx,
		`SELECT id FROM sessions
		 WHERE status=$1 AND ai_summary_status=$2
		   AND ended_at IS NOT NULL AND ended_at <= NOW() - $3 * INTERVAL '1 minute'
		 ORDER BY ended_at ASC LIMIT $4`,
		string(StatusFinalized), string(SummaryPending), delayMin, finalizeBatchSize)
	if err != nil {
		f.logger.Warn("query summary backlog", slog.Any("err", err))
		return
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			f.logger.Warn("scan summary backlog", slog.Any("err", err))
			return
		}
		ids = append(ids, id)
	}
	rows.Close()
	for _, id := range ids {
		if err := f.trySummarize(ctx, id); err != nil {
			f.logger.Warn("backlog summary failed", slog.Int64("session_id", id), slog.Any("err", err))
		}
	}
}

// trySummarize runs the summary state machine for one session:
// pending -> generating -> generated | failed. Only sessions still pending
// are attempted; an empty transcript or a collaborator error marks the
// session failed with no summary text recorded.
func (f *Finalizer) trySummarize(ctx context.Context, id int64) error {
	res, err := f.db.ExecContext(ctx,
		`UPDATE sessions SET ai_summary_status=$1, updated_at=NOW() WHERE id=$2 AND ai_summary_status=$3`,
		string(SummaryGenerating), id, string(SummaryPending))
	if err != nil {
		return fmt.Errorf("mark generating: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // not pending: generated, failed, or generating elsewhere
	}

	transcript, err := ChatTranscript(ctx, f.db, id)
	if err != nil {
		f.markSummaryFailed(ctx, id)
		return fmt.Errorf("fetch transcript: %w", err)
	}
	if strings.TrimSpace(transcript) == "" {
		f.markSummaryFailed(ctx, id)
		return fmt.Errorf("empty transcript for session %d", id)
	}

	start := time.Now()
	result, err := f.summarizer.Summarize(ctx, transcript)
	if err != nil {
		f.markSummaryFailed(ctx, id)
		return fmt.Errorf("summarize: %w", err)
	}
	if _, err := f.db.ExecContext(ctx,
		`UPDATE sessions SET ai_summary=$1, ai_summary_status=$2, ai_summary_generated_at=NOW(), updated_at=NOW() WHERE id=$3`,
		result.Text, string(SummaryGenerated), id); err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	f.mu.Lock()
	f.stats.SummariesGenerated++
	f.mu.Unlock()
	telemetry.SummariesGenerated.Inc()
	telemetry.SummaryDuration.Observe(time.Since(start).Seconds())
	updateMovingAvg(ctx, f.db, "avg_summary_tokens", float64(result.TokensUsed))
	f.logger.Info("summary generated", slog.Int64("session_id", id),
		slog.Int("tokens_used", result.TokensUsed), slog.Duration("duration", time.Since(start)))
	return nil
}

func (f *Finalizer) markSummaryFailed(ctx context.Context, id int64) {
	if _, err := f.db.ExecContext(ctx,
		`UPDATE sessions SET ai_summary_status=$1, updated_at=NOW() WHERE id=$2`,
		string(SummaryFailed), id); err != nil {
		f.logger.Error("mark summary failed", slog.Int64("session_id", id), slog.Any("err", err))
	}
	f.mu.Lock()
	f.stats.SummariesFailed++
	f.mu.Unlock()
	telemetry.SummariesFailed.Inc()
}

// SummarizeNow re-attempts a session's summary on operator request,
// requeueing a failed one first. Returns an error if the collaborator is
// unavailable.
func (f *Finalizer) SummarizeNow(ctx context.Context, id int64) error {
	if f.summarizer == nil || !f.summarizer.Available() {
		return fmt.Errorf("summarization service unavailable")
	}
	if _, err := f.db.ExecContext(ctx,
		`UPDATE sessions SET ai_summary_status=$1, updated_at=NOW() WHERE id=$2 AND ai_summary_status=$3`,
		string(SummaryPending), id, string(SummaryFailed)); err != nil {
		return fmt.Errorf("requeue summary: %w", err)
	}
	return f.trySummarize(ctx, id)
}

// recoverStaleGenerating resolves the crash-recovery ambiguity for sessions
// interrupted mid-call.
func (f *Finalizer) recoverStaleGenerating(ctx context.Context) (int64, error) {
	res, err := f.db.ExecContext(ctx,
		`UPDATE sessions SET ai_summary_status=$1, updated_at=NOW() WHERE ai_summary_status=$2`,
		string(SummaryFailed), string(SummaryGenerating))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (f *Finalizer) updatePendingGauge(ctx context.Context) {
	var n int
	if err := f.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sessions WHERE status=$1`, string(StatusPendingFinalize)).Scan(&n); err == nil {
		telemetry.SetPendingFinalize(n)
	}
}

// ChatTranscript renders the session's chat log as "user: message" lines in
// stable (ts, id) order.
func ChatTranscript(ctx context.Context, db *sql.DB, sessionID int64) (string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT COALESCE(username,''), COALESCE(body,'') FROM events
		 WHERE session_id=$1 AND method=$2 ORDER BY ts, id`,
		sessionID, string(MethodChat))
	if err != nil {
		return "", fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()
	var b strings.Builder
	for rows.Next() {
		var user, body string
		if err := rows.Scan(&user, &body); err != nil {
			return "", err
		}
		if user == "" {
			user = "anonymous"
		}
		b.WriteString(user)
		b.WriteString(": ")
		b.WriteString(body)
		b.WriteByte('\n')
	}
	return b.String(), rows.Err()
}

// updateMovingAvg maintains a simple exponential moving average stored in kv.
// alpha = 0.2 (new value contributes 20%).
func updateMovingAvg(ctx context.Context, db *sql.DB, key string, newVal float64) {
	const alpha = 0.2
	existing, err := dbpkg.GetKV(ctx, db, key)
	if err != nil || existing == "" {
		_ = dbpkg.SetKV(ctx, db, key, fmt.Sprintf("%.0f", newVal))
		return
	}
	var old float64
	if _, err := fmt.Sscanf(existing, "%f", &old); err != nil {
		old = 0
	}
	ema := alpha*newVal + (1-alpha)*old
	_ = dbpkg.SetKV(ctx, db, key, fmt.Sprintf("%.0f", ema))
}
