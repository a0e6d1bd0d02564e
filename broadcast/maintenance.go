package broadcast

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	dbpkg "github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/db"
	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/telemetry"
)

// StartSegmentMaintenanceJob incorporates newly ingested events into the
// segment/session model on an interval, without the full clear a rebuild
// does. Interval override: SEGMENT_MAINTENANCE_INTERVAL (default 5m).
func StartSegmentMaintenanceJob(ctx context.Context, db *sql.DB) {
	interval := 5 * time.Minute
	if s := os.Getenv("SEGMENT_MAINTENANCE_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			interval = d
		}
	}
	slog.Info("segment maintenance job starting", slog.Duration("interval", interval))
	// Kick an immediate run so we don't wait a full interval after boot.
	if err := IncorporateNewEvents(ctx, db); err != nil {
		slog.Warn("incorporate events", slog.Any("err", err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("segment maintenance job stopped")
			return
		case <-ticker.C:
			if err := IncorporateNewEvents(ctx, db); err != nil {
				slog.Warn("incorporate events", slog.Any("err", err))
			}
		}
	}
}

// IncorporateNewEvents runs one incremental maintenance pass: close the open
// segment if a later marker demands it, build segments for new coverage,
// assign events, stitch unsessioned segments onto the tail of the session
// list, and refresh session activity. Session status never regresses;
// deadlines only move later.
func IncorporateNewEvents(ctx context.Context, db *sql.DB) error {
	logger := slog.Default().With(slog.String("component", "segment_maintenance"))
	_ = dbpkg.SetKV(ctx, db, "job_segment_maintenance_last", time.Now().UTC().Format(time.RFC3339Nano))

	if err := closeOpenSegment(ctx, db); err != nil {
		return err
	}

	since, err := coverageWatermark(ctx, db)
	if err != nil {
		return err
	}
	if _, err := BuildExplicitSegments(ctx, db, since); err != nil {
		return fmt.Errorf("build explicit segments: %w", err)
	}
	if _, err := BuildImplicitSegments(ctx, db); err != nil {
		return fmt.Errorf("build implicit segments: %w", err)
	}
	linked, err := AssignEventsToSegments(ctx, db)
	if err != nil {
		return fmt.Errorf("assign events: %w", err)
	}

	mergeGap := time.Duration(MergeGapMinutes(ctx, db)) * time.Minute
	if err := attachNewSegments(ctx, db, mergeGap); err != nil {
		return err
	}
	if _, err := PropagateSessionIDs(ctx, db); err != nil {
		return err
	}
	finalizeDelay := time.Duration(FinalizeDelayMinutes(ctx, db)) * time.Minute
	if err := RefreshSessionActivity(ctx, db, finalizeDelay); err != nil {
		return err
	}
	if linked > 0 {
		logger.Info("maintenance pass complete", slog.Int64("events_linked", linked))
	}
	return nil
}

// coverageWatermark returns the end of existing segment coverage, past which
// the explicit builder should scan. Nil means no segments exist yet.
func coverageWatermark(ctx context.Context, db *sql.DB) (*time.Time, error) {
	var wm sql.NullTime
	err := db.QueryRowContext(ctx,
		`SELECT MAX(COALESCE(ended_at, started_at)) FROM segments`).Scan(&wm)
	if err != nil {
		return nil, fmt.Errorf("coverage watermark: %w", err)
	}
	if !wm.Valid {
		return nil, nil
	}
	t := wm.Time
	return &t, nil
}

// closeOpenSegment terminates the current open segment when a later marker
// has arrived: a stop closes it normally; a newer start means the open one
// was left unclosed erroneously and ends where the new start begins.
func closeOpenSegment(ctx context.Context, db *sql.DB) error {
	var segID int64
	var startedAt time.Time
	err := db.QueryRowContext(ctx,
		`SELECT id, started_at FROM segments WHERE ended_at IS NULL ORDER BY started_at DESC LIMIT 1`).
		Scan(&segID, &startedAt)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find open segment: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE method IN ($1,$2) AND ts > $3 AND segment_id IS NULL
		 ORDER BY ts, id LIMIT 1`,
		string(MethodStart), string(MethodStop), startedAt)
	if err != nil {
		return fmt.Errorf("find closing marker: %w", err)
	}
	markers, err := scanEvents(rows)
	if err != nil || len(markers) == 0 {
		return err
	}
	m := markers[0]
	switch m.Method {
	case MethodStop:
		if _, err := db.ExecContext(ctx,
			`UPDATE segments SET ended_at=$1, end_event_id=$2 WHERE id=$3 AND ended_at IS NULL`,
			m.Timestamp, m.ID, segID); err != nil {
			return fmt.Errorf("close open segment: %w", err)
		}
		// Link the marker right away so this pass's builder scan does not
		// mistake it for an orphan stop.
		if _, err := db.ExecContext(ctx,
			`UPDATE events SET segment_id=$1 WHERE id=$2`, segID, m.ID); err != nil {
			return fmt.Errorf("link closing marker: %w", err)
		}
		slog.Info("closed open segment at stop marker",
			slog.Int64("segment_id", segID), slog.Time("ended_at", m.Timestamp),
			slog.String("component", "segment_maintenance"))
	case MethodStart:
		if _, err := db.ExecContext(ctx,
			`UPDATE segments SET ended_at=$1 WHERE id=$2 AND ended_at IS NULL`,
			m.Timestamp, segID); err != nil {
			return fmt.Errorf("close open segment: %w", err)
		}
		slog.Warn("open segment superseded by new start; closing at its timestamp",
			slog.Int64("segment_id", segID), slog.Int64("start_event_id", m.ID),
			slog.String("component", "segment_maintenance"))
		telemetry.DataAnomalies.Inc()
	}
	return nil
}

// attachNewSegments stitches segments with no session yet. The first draft
// may merge into the most recent non-finalized session when the idle gap
// allows; the rest become new sessions. Finalized sessions are never
// reopened, so activity after one starts a fresh session regardless of gap.
func attachNewSegments(ctx context.Context, db *sql.DB, mergeGap time.Duration) error {
	all, err := loadSegments(ctx, db)
	if err != nil {
		return err
	}
	var fresh []Segment
	for _, s := range all {
		if s.SessionID == nil {
			fresh = append(fresh, s)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	drafts := StitchSegments(fresh, mergeGap)

	var tailID int64
	var tailEnded sql.NullTime
	err = db.QueryRowContext(ctx,
		`SELECT id, ended_at FROM sessions WHERE status <> $1 ORDER BY started_at DESC LIMIT 1`,
		string(StatusFinalized)).Scan(&tailID, &tailEnded)
	hasTail := err == nil
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("find tail session: %w", err)
	}

	first := drafts[0]
	if hasTail && (!tailEnded.Valid || first.StartedAt.Sub(tailEnded.Time) <= mergeGap) {
		for _, segID := range first.SegmentIDs {
			if _, err := db.ExecContext(ctx,
				`UPDATE segments SET session_id=$1 WHERE id=$2`, tailID, segID); err != nil {
				return fmt.Errorf("attach segment %d: %w", segID, err)
			}
		}
		if first.EndedAt == nil {
			// Broadcast resumed: the session is live again, so any pending
			// deadline is withdrawn until it closes.
			_, err = db.ExecContext(ctx, `UPDATE sessions SET ended_at=NULL, finalize_at=NULL, updated_at=NOW() WHERE id=$1`, tailID)
		} else {
			_, err = db.ExecContext(ctx,
				`UPDATE sessions SET ended_at=GREATEST(COALESCE(ended_at, $1), $1), updated_at=NOW() WHERE id=$2`,
				*first.EndedAt, tailID)
		}
		if err != nil {
			return fmt.Errorf("extend tail session %d: %w", tailID, err)
		}
		slog.Info("merged new segments into tail session",
			slog.Int64("session_id", tailID), slog.Int("segments", len(first.SegmentIDs)),
			slog.String("component", "segment_maintenance"))
		drafts = drafts[1:]
	}
	if len(drafts) > 0 {
		if _, err := ApplyStitch(ctx, db, drafts); err != nil {
			return err
		}
	}
	return nil
}
