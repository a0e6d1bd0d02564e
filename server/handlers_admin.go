package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/broadcast"
)

// HandleAdminRebuild reruns segment and session reconstruction. Without a
// ?from= timestamp the whole history is rebuilt; with one, only coverage at
// or after that point is discarded and rebuilt.
func (h *Handlers) HandleAdminRebuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	from, ok := parseTimeQuery(r, "from")
	if !ok {
		http.Error(w, "invalid from timestamp", http.StatusBadRequest)
		return
	}
	result, err := broadcast.Rebuild(r.Context(), h.db, from)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// HandleAdminMonitor returns monitoring summary including job heartbeats and
// pipeline counts.
func (h *Handlers) HandleAdminMonitor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	stats := map[string]any{}
	// Job heartbeats
	keys := []string{"job_segment_maintenance_last", "job_session_finalize_last"}
	for _, k := range keys {
		var val string
		row := h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, k)
		_ = row.Scan(&val)
		if val != "" {
			stats[k] = val
		}
	}

	// Pipeline counts
	var events, unassigned, segments, open int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&events)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE segment_id IS NULL AND method <> 'start'`).Scan(&unassigned)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM segments`).Scan(&segments)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM segments WHERE ended_at IS NULL`).Scan(&open)
	stats["events_total"] = events
	stats["events_unassigned"] = unassigned
	stats["segments_total"] = segments
	stats["segments_open"] = open

	var active, pending, finalized int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE status='active'`).Scan(&active)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE status='pending_finalize'`).Scan(&pending)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE status='finalized'`).Scan(&finalized)
	stats["sessions_active"] = active
	stats["sessions_pending_finalize"] = pending
	stats["sessions_finalized"] = finalized

	var summariesPending, summariesFailed int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE ai_summary_status='pending' AND status='finalized'`).Scan(&summariesPending)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE ai_summary_status='failed'`).Scan(&summariesFailed)
	stats["summaries_pending"] = summariesPending
	stats["summaries_failed"] = summariesFailed

	// Oldest session still awaiting finalize
	var oldestID int64
	var oldestAt time.Time
	row := h.db.QueryRowContext(ctx, `SELECT id, finalize_at FROM sessions WHERE status='pending_finalize' AND finalize_at IS NOT NULL ORDER BY finalize_at ASC LIMIT 1`)
	_ = row.Scan(&oldestID, &oldestAt)
	if oldestID != 0 {
		stats["oldest_pending_finalize"] = map[string]any{"id": oldestID, "finalize_at": oldestAt}
	}

	if h.fin != nil {
		stats["finalizer"] = h.fin.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// HandleAdminFinalizer serves the scheduler status (GET /admin/finalizer) and
// config updates (PATCH /admin/finalizer).
func (h *Handlers) HandleAdminFinalizer(w http.ResponseWriter, r *http.Request) {
	if h.fin == nil {
		http.Error(w, "finalizer not configured", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h.fin.Status())
	case http.MethodPatch, http.MethodPut:
		var patch broadcast.FinalizerConfigPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if patch.IntervalMinutes != nil && *patch.IntervalMinutes <= 0 {
			http.Error(w, "interval_minutes must be positive", http.StatusBadRequest)
			return
		}
		cfg, err := h.fin.UpdateConfig(r.Context(), patch)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(cfg)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleAdminFinalizerAction handles POST /admin/finalizer/{start|pause|resume|stop},
// GET /admin/finalizer/status and PATCH /admin/finalizer/config.
func (h *Handlers) HandleAdminFinalizerAction(w http.ResponseWriter, r *http.Request) {
	if h.fin == nil {
		http.Error(w, "finalizer not configured", http.StatusServiceUnavailable)
		return
	}
	action := strings.TrimPrefix(r.URL.Path, "/admin/finalizer/")
	if action == "status" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h.fin.Status())
		return
	}
	if action == "config" {
		if r.Method != http.MethodPatch && r.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.HandleAdminFinalizer(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var err error
	switch action {
	case "start":
		// Start outlives the request; it is bound to the server context.
		err = h.fin.Start(h.ctx)
	case "pause":
		err = h.fin.Pause(r.Context())
	case "resume":
		err = h.fin.Resume(r.Context())
	case "stop":
		err = h.fin.Stop(r.Context())
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.fin.Status())
}
