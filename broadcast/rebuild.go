package broadcast

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/telemetry"
)

// RebuildResult reports what a rebuild produced.
type RebuildResult struct {
	Segments     int   `json:"segments"`
	Sessions     int   `json:"sessions"`
	EventsLinked int64 `json:"events_linked"`
}

// Rebuild clears and recomputes the whole reconstruction pipeline: event
// linkages, segments, and sessions, in that order, then rebuilds explicit and
// implicit segments, assigns events, stitches sessions, and recomputes every
// new session's rollup. Running it twice on an unchanged log yields identical
// segment and session sets. When from is non-nil, only coverage starting at
// or after it is cleared and rebuilt.
func Rebuild(ctx context.Context, db *sql.DB, from *time.Time) (RebuildResult, error) {
	logger := slog.Default().With(slog.String("component", "rebuild"))
	start := time.Now()
	var res RebuildResult

	cleared, err := clearCoverage(ctx, db, from)
	if err != nil {
		return res, err
	}
	logger.Info("cleared previous coverage",
		slog.Int64("events_unlinked", cleared.events),
		slog.Int64("segments_deleted", cleared.segments),
		slog.Int64("sessions_deleted", cleared.sessions))

	explicit, err := BuildExplicitSegments(ctx, db, from)
	if err != nil {
		return res, fmt.Errorf("build explicit segments: %w", err)
	}
	implicit, err := BuildImplicitSegments(ctx, db)
	if err != nil {
		return res, fmt.Errorf("build implicit segments: %w", err)
	}
	res.Segments = len(explicit) + len(implicit)

	res.EventsLinked, err = AssignEventsToSegments(ctx, db)
	if err != nil {
		return res, fmt.Errorf("assign events: %w", err)
	}

	unstitched, err := loadSegments(ctx, db)
	if err != nil {
		return res, err
	}
	fresh := unstitched[:0]
	for _, s := range unstitched {
		if s.SessionID == nil {
			fresh = append(fresh, s)
		}
	}
	mergeGap := time.Duration(MergeGapMinutes(ctx, db)) * time.Minute
	drafts := StitchSegments(fresh, mergeGap)
	sessionIDs, err := ApplyStitch(ctx, db, drafts)
	if err != nil {
		return res, fmt.Errorf("apply stitch: %w", err)
	}
	res.Sessions = len(sessionIDs)

	propagated, err := PropagateSessionIDs(ctx, db)
	if err != nil {
		return res, err
	}
	finalizeDelay := time.Duration(FinalizeDelayMinutes(ctx, db)) * time.Minute
	if err := RefreshSessionActivity(ctx, db, finalizeDelay); err != nil {
		return res, err
	}
	for _, id := range sessionIDs {
		if _, err := ComputeAndUpdateSession(ctx, db, id); err != nil {
			logger.Warn("rollup after rebuild", slog.Int64("session_id", id), slog.Any("err", err))
		}
	}

	telemetry.RebuildsRun.Inc()
	telemetry.RebuildDuration.Observe(time.Since(start).Seconds())
	logger.Info("rebuild complete",
		slog.Int("segments", res.Segments),
		slog.Int("sessions", res.Sessions),
		slog.Int64("events_linked", res.EventsLinked),
		slog.Int64("events_propagated", propagated),
		slog.Duration("duration", time.Since(start)))
	return res, nil
}

type clearedCounts struct {
	events   int64
	segments int64
	sessions int64
}

// clearCoverage removes derived state in dependency order: event links first,
// then sessions, then segments. A segment's destruction is only ever preceded
// by clearing the event linkages that point at it.
func clearCoverage(ctx context.Context, db *sql.DB, from *time.Time) (clearedCounts, error) {
	var c clearedCounts
	exec := func(q string, args ...any) (int64, error) {
		res, err := db.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		return n, nil
	}
	var err error
	if from == nil {
		if c.events, err = exec(`UPDATE events SET segment_id=NULL, session_id=NULL WHERE segment_id IS NOT NULL OR session_id IS NOT NULL`); err != nil {
			return c, fmt.Errorf("clear event links: %w", err)
		}
		if c.sessions, err = exec(`DELETE FROM sessions`); err != nil {
			return c, fmt.Errorf("clear sessions: %w", err)
		}
		if c.segments, err = exec(`DELETE FROM segments`); err != nil {
			return c, fmt.Errorf("clear segments: %w", err)
		}
		return c, nil
	}
	if c.events, err = exec(`UPDATE events SET segment_id=NULL, session_id=NULL WHERE ts >= $1 AND (segment_id IS NOT NULL OR session_id IS NOT NULL)`, *from); err != nil {
		return c, fmt.Errorf("clear event links: %w", err)
	}
	if c.sessions, err = exec(`DELETE FROM sessions WHERE started_at >= $1`, *from); err != nil {
		return c, fmt.Errorf("clear sessions: %w", err)
	}
	if c.segments, err = exec(`DELETE FROM segments WHERE started_at >= $1`, *from); err != nil {
		return c, fmt.Errorf("clear segments: %w", err)
	}
	return c, nil
}
