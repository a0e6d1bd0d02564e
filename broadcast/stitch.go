package broadcast

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/telemetry"
)

// SessionStatus is the forward-only session lifecycle.
type SessionStatus string

const (
	StatusActive          SessionStatus = "active"
	StatusPendingFinalize SessionStatus = "pending_finalize"
	StatusFinalized       SessionStatus = "finalized"
)

// SummaryStatus tracks the AI-summary state machine, orthogonal to the
// session status.
type SummaryStatus string

const (
	SummaryPending    SummaryStatus = "pending"
	SummaryGenerating SummaryStatus = "generating"
	SummaryGenerated  SummaryStatus = "generated"
	SummaryFailed     SummaryStatus = "failed"
)

// SessionDraft is a stitched-but-unsaved session: its time span and the
// segments it absorbs.
type SessionDraft struct {
	StartedAt  time.Time
	EndedAt    *time.Time // nil iff the last constituent segment is open
	SegmentIDs []int64
}

// StitchSegments groups segments separated by gaps of at most mergeGap into
// session drafts. A gap exactly equal to the threshold still merges. An open
// previous segment always merges, since its true extent is unknown. The
// function is pure; ApplyStitch persists the result.
func StitchSegments(segments []Segment, mergeGap time.Duration) []SessionDraft {
	if len(segments) == 0 {
		return nil
	}
	sorted := make([]Segment, len(segments))
	copy(sorted, segments)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].StartedAt.Equal(sorted[j].StartedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].StartedAt.Before(sorted[j].StartedAt)
	})

	var drafts []SessionDraft
	cur := SessionDraft{StartedAt: sorted[0].StartedAt, EndedAt: sorted[0].EndedAt, SegmentIDs: []int64{sorted[0].ID}}
	for _, seg := range sorted[1:] {
		merge := cur.EndedAt == nil // previous segment still open
		if !merge && seg.StartedAt.Sub(*cur.EndedAt) <= mergeGap {
			merge = true
		}
		if !merge {
			drafts = append(drafts, cur)
			cur = SessionDraft{StartedAt: seg.StartedAt, EndedAt: seg.EndedAt, SegmentIDs: []int64{seg.ID}}
			continue
		}
		cur.SegmentIDs = append(cur.SegmentIDs, seg.ID)
		// Running max of segment ends; once open, the session stays open.
		if cur.EndedAt != nil {
			if seg.EndedAt == nil {
				cur.EndedAt = nil
			} else if seg.EndedAt.After(*cur.EndedAt) {
				cur.EndedAt = seg.EndedAt
			}
		}
	}
	drafts = append(drafts, cur)
	return drafts
}

// ApplyStitch inserts sessions for the drafts and attaches each constituent
// segment to its session. Returns the created session ids in draft order.
func ApplyStitch(ctx context.Context, db *sql.DB, drafts []SessionDraft) ([]int64, error) {
	ids := make([]int64, 0, len(drafts))
	for _, d := range drafts {
		var id int64
		err := db.QueryRowContext(ctx,
			`INSERT INTO sessions (started_at, ended_at, status, ai_summary_status)
			 VALUES ($1,$2,$3,$4) RETURNING id`,
			d.StartedAt, d.EndedAt, string(StatusActive), string(SummaryPending)).Scan(&id)
		if err != nil {
			return ids, fmt.Errorf("insert session: %w", err)
		}
		for _, segID := range d.SegmentIDs {
			if _, err := db.ExecContext(ctx,
				`UPDATE segments SET session_id=$1 WHERE id=$2`, id, segID); err != nil {
				return ids, fmt.Errorf("attach segment %d to session %d: %w", segID, id, err)
			}
		}
		ids = append(ids, id)
	}
	if len(ids) > 0 {
		telemetry.SessionsStitched.Add(float64(len(ids)))
		slog.Info("sessions stitched", slog.Int("count", len(ids)), slog.String("component", "stitcher"))
	}
	return ids, nil
}

// PropagateSessionIDs copies session ids onto events through their segment
// linkage. Returns the number of events updated.
func PropagateSessionIDs(ctx context.Context, db *sql.DB) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE events e SET session_id = s.session_id
		 FROM segments s
		 WHERE e.segment_id = s.id AND s.session_id IS NOT NULL AND e.session_id IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("propagate session ids: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RefreshSessionActivity recomputes ended_at and last_event_at for every
// session from its segments and linked events, then derives status and
// finalize_at: a closed session becomes pending_finalize with finalize_at no
// earlier than its last event; an open session stays active with no deadline.
// Finalized sessions are left untouched (status never regresses).
func RefreshSessionActivity(ctx context.Context, db *sql.DB, finalizeDelay time.Duration) error {
	// A session ends when its last segment does; while any linked segment is
	// still open the session end stays unknown.
	if _, err := db.ExecContext(ctx,
		`UPDATE sessions s SET ended_at = seg.max_end, updated_at = NOW()
		 FROM (SELECT session_id, MAX(ended_at) AS max_end,
		              COUNT(*) FILTER (WHERE ended_at IS NULL) AS open_count
		       FROM segments WHERE session_id IS NOT NULL GROUP BY session_id) seg
		 WHERE seg.session_id = s.id AND s.status <> $1 AND seg.open_count = 0
		   AND (s.ended_at IS NULL OR s.ended_at < seg.max_end)`,
		string(StatusFinalized)); err != nil {
		return fmt.Errorf("refresh ended_at: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`UPDATE sessions s SET last_event_at = le.max_ts, updated_at = NOW()
		 FROM (SELECT session_id, MAX(ts) AS max_ts FROM events WHERE session_id IS NOT NULL GROUP BY session_id) le
		 WHERE le.session_id = s.id AND s.status <> $1`, string(StatusFinalized)); err != nil {
		return fmt.Errorf("refresh last_event_at: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`UPDATE sessions SET status=$1,
			finalize_at = GREATEST(ended_at + $2 * INTERVAL '1 minute', COALESCE(last_event_at, ended_at)),
			updated_at = NOW()
		 WHERE ended_at IS NOT NULL AND status = $3`,
		string(StatusPendingFinalize), int(finalizeDelay.Minutes()), string(StatusActive)); err != nil {
		return fmt.Errorf("mark pending_finalize: %w", err)
	}
	// Late-arriving activity pushes an existing deadline later, never earlier.
	if _, err := db.ExecContext(ctx,
		`UPDATE sessions SET
			finalize_at = GREATEST(finalize_at, ended_at + $1 * INTERVAL '1 minute', COALESCE(last_event_at, ended_at)),
			updated_at = NOW()
		 WHERE ended_at IS NOT NULL AND status = $2`,
		int(finalizeDelay.Minutes()), string(StatusPendingFinalize)); err != nil {
		return fmt.Errorf("extend finalize_at: %w", err)
	}
	return nil
}
