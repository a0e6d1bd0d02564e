package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/broadcast"
)

// sessionRow is the JSON shape shared by the list and detail endpoints.
type sessionRow struct {
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	LastEventAt     *time.Time `json:"last_event_at,omitempty"`
	FinalizeAt      *time.Time `json:"finalize_at,omitempty"`
	SummaryAt       *time.Time `json:"ai_summary_generated_at,omitempty"`
	Status          string     `json:"status"`
	SummaryStatus   string     `json:"ai_summary_status"`
	Summary         string     `json:"ai_summary,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	Tags            string     `json:"tags,omitempty"`
	ID              int64      `json:"id"`
	TotalTokens     int        `json:"total_tokens"`
	FollowersGained int        `json:"followers_gained"`
	PeakViewers     int        `json:"peak_viewers"`
	AvgViewers      float64    `json:"avg_viewers"`
	UniqueVisitors  int        `json:"unique_visitors"`
}

const sessionSelect = `
    SELECT id, started_at, ended_at, last_event_at, finalize_at, status,
           COALESCE(total_tokens, 0),
           COALESCE(followers_gained, 0),
           COALESCE(peak_viewers, 0),
           COALESCE(avg_viewers, 0),
           COALESCE(unique_visitors, 0),
           COALESCE(ai_summary, ''),
           ai_summary_status,
           ai_summary_generated_at,
           COALESCE(notes, ''),
           COALESCE(tags, '')
    FROM sessions`

func scanSessionRow(row interface{ Scan(...any) error }) (sessionRow, error) {
	var s sessionRow
	err := row.Scan(&s.ID, &s.StartedAt, &s.EndedAt, &s.LastEventAt, &s.FinalizeAt, &s.Status,
		&s.TotalTokens, &s.FollowersGained, &s.PeakViewers, &s.AvgViewers, &s.UniqueVisitors,
		&s.Summary, &s.SummaryStatus, &s.SummaryAt, &s.Notes, &s.Tags)
	return s, err
}

// HandleSessionsList returns a paginated list of sessions, newest first.
// Filters: ?status=finalized&from=RFC3339&to=RFC3339&limit=50&offset=0
func (h *Handlers) HandleSessionsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseIntQuery(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := parseIntQuery(r, "offset", 0)
	from, ok := parseTimeQuery(r, "from")
	if !ok {
		http.Error(w, "invalid from timestamp", http.StatusBadRequest)
		return
	}
	to, ok := parseTimeQuery(r, "to")
	if !ok {
		http.Error(w, "invalid to timestamp", http.StatusBadRequest)
		return
	}

	q := sessionSelect + ` WHERE 1=1`
	args := []any{}
	if status := r.URL.Query().Get("status"); status != "" {
		args = append(args, status)
		q += ` AND status=$` + strconv.Itoa(len(args))
	}
	if from != nil {
		args = append(args, *from)
		q += ` AND started_at >= $` + strconv.Itoa(len(args))
	}
	if to != nil {
		args = append(args, *to)
		q += ` AND started_at < $` + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	q += ` ORDER BY started_at DESC LIMIT $` + strconv.Itoa(len(args))
	args = append(args, offset)
	q += ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := h.db.QueryContext(r.Context(), q, args...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	list := make([]sessionRow, 0)
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		list = append(list, s)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

// HandleSessionsDispatcher routes requests under /sessions/{id}/* to sub-handlers.
func (h *Handlers) HandleSessionsDispatcher(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(path, "/")
	id, ok := parseInt64Path(parts[0])
	if !ok {
		http.NotFound(w, r)
		return
	}
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	switch tail {
	case "":
		switch r.Method {
		case http.MethodGet:
			h.handleSessionDetail(w, r, id)
		case http.MethodPatch:
			h.handleSessionPatch(w, r, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case "segments":
		h.handleSessionSegments(w, r, id)
	case "transcript":
		h.handleSessionTranscript(w, r, id)
	case "recompute":
		h.handleSessionRecompute(w, r, id)
	case "summarize":
		h.handleSessionSummarize(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleSessionDetail(w http.ResponseWriter, r *http.Request, id int64) {
	row := h.db.QueryRowContext(r.Context(), sessionSelect+` WHERE id=$1`, id)
	s, err := scanSessionRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}

func (h *Handlers) handleSessionSegments(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rows, err := h.db.QueryContext(r.Context(), `
        SELECT id, started_at, ended_at, source
        FROM segments WHERE session_id=$1 ORDER BY started_at ASC, id ASC`, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	type segment struct {
		StartedAt time.Time  `json:"started_at"`
		EndedAt   *time.Time `json:"ended_at,omitempty"`
		Source    string     `json:"source"`
		ID        int64      `json:"id"`
	}
	list := make([]segment, 0)
	for rows.Next() {
		var s segment
		if err := rows.Scan(&s.ID, &s.StartedAt, &s.EndedAt, &s.Source); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		list = append(list, s)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

func (h *Handlers) handleSessionTranscript(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	transcript, err := broadcast.ChatTranscript(r.Context(), h.db, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(transcript))
}

// handleSessionRecompute re-runs the rollup aggregation for one session.
func (h *Handlers) handleSessionRecompute(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result, err := broadcast.ComputeAndUpdateSession(r.Context(), h.db, id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// handleSessionSummarize requeues a failed summary (if any) and attempts
// generation immediately.
func (h *Handlers) handleSessionSummarize(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.fin == nil {
		http.Error(w, "finalizer not configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.fin.SummarizeNow(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "session_id": id})
}

// handleSessionPatch updates operator-editable fields (notes, tags).
func (h *Handlers) handleSessionPatch(w http.ResponseWriter, r *http.Request, id int64) {
	var req struct {
		Notes *string `json:"notes"`
		Tags  *string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Notes == nil && req.Tags == nil {
		http.Error(w, "nothing to update", http.StatusBadRequest)
		return
	}
	result, err := h.db.ExecContext(r.Context(), `
        UPDATE sessions
        SET notes = COALESCE($1, notes), tags = COALESCE($2, tags), updated_at = NOW()
        WHERE id=$3`, req.Notes, req.Tags, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "session_id": id})
}
