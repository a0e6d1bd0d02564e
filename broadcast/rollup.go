package broadcast

import (
	"context"
	"database/sql"
	"fmt"
)

// RollupResult holds the aggregate statistics computed for one session.
type RollupResult struct {
	SessionID       int64   `json:"session_id"`
	TotalTokens     int     `json:"total_tokens"`
	FollowersGained int     `json:"followers_gained"`
	PeakViewers     int     `json:"peak_viewers"`
	AvgViewers      float64 `json:"avg_viewers"`
	UniqueVisitors  int     `json:"unique_visitors"`
}

// ComputeAndUpdateSession recomputes a session's rollup from its linked
// events and overwrites the stored aggregate columns. The computation is
// idempotent: an unchanged event set yields identical output, and the update
// never increments. Viewer statistics consider only events carrying a
// viewer-count sample; sessions without samples report zero, not a
// zero-filled average.
func ComputeAndUpdateSession(ctx context.Context, db *sql.DB, sessionID int64) (RollupResult, error) {
	r := RollupResult{SessionID: sessionID}
	var peak, avg sql.NullFloat64
	err := db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(tokens) FILTER (WHERE method = 'tip'), 0),
			COUNT(*) FILTER (WHERE method = 'follow') - COUNT(*) FILTER (WHERE method = 'unfollow'),
			MAX(viewers) FILTER (WHERE viewers IS NOT NULL),
			AVG(viewers) FILTER (WHERE viewers IS NOT NULL),
			COUNT(DISTINCT username) FILTER (WHERE method = 'enter' AND username <> '')
		FROM events WHERE session_id = $1`, sessionID).
		Scan(&r.TotalTokens, &r.FollowersGained, &peak, &avg, &r.UniqueVisitors)
	if err != nil {
		return r, fmt.Errorf("aggregate session %d: %w", sessionID, err)
	}
	if peak.Valid {
		r.PeakViewers = int(peak.Float64)
	}
	if avg.Valid {
		r.AvgViewers = avg.Float64
	}

	res, err := db.ExecContext(ctx, `
		UPDATE sessions SET
			total_tokens=$1, followers_gained=$2, peak_viewers=$3, avg_viewers=$4,
			unique_visitors=$5, updated_at=NOW()
		WHERE id=$6`,
		r.TotalTokens, r.FollowersGained, r.PeakViewers, r.AvgViewers, r.UniqueVisitors, sessionID)
	if err != nil {
		return r, fmt.Errorf("store rollup for session %d: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r, fmt.Errorf("session %d not found", sessionID)
	}
	return r, nil
}
