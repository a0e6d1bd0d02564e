package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// HandleConfig handles GET and PUT requests for safe configuration keys.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	// Only allow GET/PUT for known keys; secrets must not be exposed here.
	safeKeys := map[string]bool{
		"LOG_LEVEL":                    true,
		"LOG_FORMAT":                   true,
		"MERGE_GAP_MINUTES":            true,
		"FINALIZE_DELAY_MINUTES":       true,
		"AI_SUMMARY_DELAY_MINUTES":     true,
		"SEGMENT_MAINTENANCE_INTERVAL": true,
		"ROOM_POLL_INTERVAL":           true,
	}
	switch r.Method {
	case http.MethodGet:
		// Return safe keys with kv overrides taking precedence over env
		out := map[string]string{}
		for k := range safeKeys {
			var v string
			_ = h.db.QueryRowContext(r.Context(), `SELECT value FROM kv WHERE key=$1`, "cfg:"+k).Scan(&v)
			if v == "" {
				v = os.Getenv(k)
			}
			if v != "" {
				out[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPut:
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", 400)
			return
		}
		for k, v := range body {
			if !safeKeys[k] {
				continue
			}
			if _, err := h.db.ExecContext(
				r.Context(),
				`INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW()) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
				"cfg:"+k,
				strings.TrimSpace(v),
			); err != nil {
				slog.Error("failed to update config", slog.String("key", k), slog.Any("err", err))
				http.Error(w, "failed to update config", http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleStatus returns a lightweight status summary: session counts, the
// finalize scheduler snapshot, job heartbeats and moving averages.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{}

	var active, pending, finalized int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE status='active'`).Scan(&active)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE status='pending_finalize'`).Scan(&pending)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE status='finalized'`).Scan(&finalized)
	resp["sessions_active"] = active
	resp["sessions_pending_finalize"] = pending
	resp["sessions_finalized"] = finalized

	// Latest session, if any
	var latestID int64
	var latestStatus string
	var latestStarted time.Time
	row := h.db.QueryRowContext(ctx, `SELECT id, status, started_at FROM sessions ORDER BY started_at DESC LIMIT 1`)
	_ = row.Scan(&latestID, &latestStatus, &latestStarted)
	if latestID != 0 {
		resp["latest_session"] = map[string]any{"id": latestID, "status": latestStatus, "started_at": latestStarted}
	}

	if h.fin != nil {
		resp["finalizer"] = h.fin.Status()
	}

	// Moving averages
	for _, k := range []string{"avg_summary_tokens"} {
		var v string
		_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, k).Scan(&v)
		if v != "" {
			resp[k] = v
		}
	}
	// Job heartbeats
	for _, k := range []string{"job_segment_maintenance_last", "job_session_finalize_last"} {
		var v string
		_ = h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, k).Scan(&v)
		if v != "" {
			resp[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
