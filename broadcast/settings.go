package broadcast

import (
	"context"
	"database/sql"
	"os"
	"strconv"

	dbpkg "github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/db"
)

// Settings resolution order: kv override (cfg:KEY, set through the admin
// API), then environment, then compiled default. Lookup failures fall back
// rather than fail: reconstruction must keep working when the settings row
// is missing.

const (
	defaultMergeGapMinutes      = 60
	defaultFinalizeDelayMinutes = 30
)

func settingInt(ctx context.Context, db *sql.DB, key string, def int) int {
	if v, err := dbpkg.GetKV(ctx, db, "cfg:"+key); err == nil && v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

// MergeGapMinutes returns the maximum idle gap between two segments that
// still counts them as one session.
func MergeGapMinutes(ctx context.Context, db *sql.DB) int {
	return settingInt(ctx, db, "MERGE_GAP_MINUTES", defaultMergeGapMinutes)
}

// FinalizeDelayMinutes returns how long after a session's end finalization
// becomes due.
func FinalizeDelayMinutes(ctx context.Context, db *sql.DB) int {
	return settingInt(ctx, db, "FINALIZE_DELAY_MINUTES", defaultFinalizeDelayMinutes)
}

// AISummaryDelayMinutes returns the extra delay before a summary is
// attempted. ok is false when unset, meaning no delay beyond finalization.
func AISummaryDelayMinutes(ctx context.Context, db *sql.DB) (minutes int, ok bool) {
	n := settingInt(ctx, db, "AI_SUMMARY_DELAY_MINUTES", -1)
	if n < 0 {
		return 0, false
	}
	return n, true
}
