package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/aiapi"
	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/broadcast"
	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/testutil"
)

func newTestServer(t *testing.T) (http.Handler, *sql.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	testutil.ResetTables(t, db)
	fin, err := broadcast.NewFinalizer(context.Background(), db, aiapi.New("", ""))
	if err != nil {
		t.Fatalf("new finalizer: %v", err)
	}
	return NewMux(context.Background(), db, fin), db
}

func seedSession(t *testing.T, db *sql.DB, startedAt time.Time, status string) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(`
        INSERT INTO sessions (started_at, ended_at, status, total_tokens, peak_viewers)
        VALUES ($1, $2, $3, 150, 42) RETURNING id`,
		startedAt, startedAt.Add(2*time.Hour), status).Scan(&id)
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return id
}

func TestHealthzEndpoint(t *testing.T) {
	handler, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestReadyzEndpoint(t *testing.T) {
	handler, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	// Schema is migrated by test setup, so an empty sessions table is ready.
	if w.Code != http.StatusOK {
		t.Errorf("readyz status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	handler, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want %d", w.Code, http.StatusOK)
	}
	body, _ := io.ReadAll(w.Result().Body)
	if len(body) == 0 {
		t.Error("metrics returned empty response")
	}
}

func TestCORSOnMux(t *testing.T) {
	handler, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent && w.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d, want 204 or 200", w.Code)
	}
	for _, h := range []string{"Access-Control-Allow-Origin", "Access-Control-Allow-Methods", "Access-Control-Allow-Headers"} {
		if w.Header().Get(h) == "" {
			t.Errorf("missing CORS header: %s", h)
		}
	}
}

func TestConfigRoundTrip(t *testing.T) {
	handler, _ := newTestServer(t)

	body := bytes.NewBufferString(`{"MERGE_GAP_MINUTES":"45","AWS_SECRET":"nope"}`)
	req := httptest.NewRequest(http.MethodPut, "/config", body)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("PUT /config status = %d, want 204", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/config", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /config status = %d, want 200", w.Code)
	}
	var cfg map[string]string
	if err := json.NewDecoder(w.Body).Decode(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg["MERGE_GAP_MINUTES"] != "45" {
		t.Errorf("MERGE_GAP_MINUTES = %q, want 45", cfg["MERGE_GAP_MINUTES"])
	}
	if _, leaked := cfg["AWS_SECRET"]; leaked {
		t.Error("unknown keys must not round-trip through /config")
	}
}

func TestStatusEndpoint(t *testing.T) {
	handler, db := newTestServer(t)
	seedSession(t, db, time.Now().Add(-3*time.Hour), "finalized")

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"sessions_active", "sessions_pending_finalize", "sessions_finalized", "finalizer", "latest_session"} {
		if _, ok := resp[key]; !ok {
			t.Errorf("status response missing %q", key)
		}
	}
}

func TestSessionsListFilters(t *testing.T) {
	handler, db := newTestServer(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	seedSession(t, db, base, "finalized")
	seedSession(t, db, base.Add(24*time.Hour), "pending_finalize")
	seedSession(t, db, base.Add(48*time.Hour), "finalized")

	cases := map[string]struct {
		query string
		want  int
	}{
		"all":              {"", 3},
		"status filter":    {"?status=finalized", 2},
		"from filter":      {"?from=" + base.Add(12*time.Hour).Format(time.RFC3339), 2},
		"to filter":        {"?to=" + base.Add(12*time.Hour).Format(time.RFC3339), 1},
		"limit":            {"?limit=2", 2},
		"offset past data": {"?offset=10", 0},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/sessions"+tc.query, nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", w.Code, w.Body.String())
			}
			var list []sessionRow
			if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
				t.Fatal(err)
			}
			if len(list) != tc.want {
				t.Errorf("got %d sessions, want %d", len(list), tc.want)
			}
		})
	}

	t.Run("malformed from", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/sessions?from=yesterday", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestSessionDetail(t *testing.T) {
	handler, db := newTestServer(t)
	id := seedSession(t, db, time.Now().Add(-3*time.Hour), "finalized")

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/sessions/%d", id), nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var s sessionRow
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if s.ID != id || s.TotalTokens != 150 || s.PeakViewers != 42 {
		t.Errorf("unexpected session payload: %+v", s)
	}

	req = httptest.NewRequest(http.MethodGet, "/sessions/999999", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/sessions/notanumber", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("bad id status = %d, want 404", w.Code)
	}
}

func TestSessionPatchNotesAndTags(t *testing.T) {
	handler, db := newTestServer(t)
	id := seedSession(t, db, time.Now().Add(-3*time.Hour), "finalized")

	body := bytes.NewBufferString(`{"notes":"great show","tags":"music,chill"}`)
	req := httptest.NewRequest(http.MethodPatch, fmt.Sprintf("/sessions/%d", id), body)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("PATCH status = %d: %s", w.Code, w.Body.String())
	}

	var notes, tags string
	if err := db.QueryRow(`SELECT COALESCE(notes,''), COALESCE(tags,'') FROM sessions WHERE id=$1`, id).Scan(&notes, &tags); err != nil {
		t.Fatal(err)
	}
	if notes != "great show" || tags != "music,chill" {
		t.Errorf("notes=%q tags=%q after patch", notes, tags)
	}

	// Absent fields are left untouched.
	body = bytes.NewBufferString(`{"tags":"music"}`)
	req = httptest.NewRequest(http.MethodPatch, fmt.Sprintf("/sessions/%d", id), body)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("second PATCH status = %d", w.Code)
	}
	if err := db.QueryRow(`SELECT COALESCE(notes,''), COALESCE(tags,'') FROM sessions WHERE id=$1`, id).Scan(&notes, &tags); err != nil {
		t.Fatal(err)
	}
	if notes != "great show" || tags != "music" {
		t.Errorf("notes=%q tags=%q after partial patch", notes, tags)
	}

	req = httptest.NewRequest(http.MethodPatch, "/sessions/999999", bytes.NewBufferString(`{"notes":"x"}`))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("patch missing session status = %d, want 404", w.Code)
	}
}

func TestSessionRecompute(t *testing.T) {
	handler, db := newTestServer(t)
	id := seedSession(t, db, time.Now().Add(-3*time.Hour), "pending_finalize")

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/sessions/%d/recompute", id), nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("recompute status = %d: %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/sessions/999999/recompute", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("recompute missing session status = %d, want 404", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/sessions/%d/recompute", id), nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET recompute status = %d, want 405", w.Code)
	}
}

func TestSessionTranscript(t *testing.T) {
	handler, db := newTestServer(t)
	id := seedSession(t, db, time.Now().Add(-3*time.Hour), "finalized")
	if _, err := db.Exec(`
        INSERT INTO events (method, ts, username, body, session_id)
        VALUES ('chat', NOW() - INTERVAL '2 hours', 'alice', 'hello there', $1)`, id); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/sessions/%d/transcript", id), nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("transcript status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("transcript content type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "alice: hello there") {
		t.Errorf("transcript missing chat line: %q", w.Body.String())
	}
}

func TestAdminEndpointsRequireAuth(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "hunter2")
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	handler, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/monitor", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated admin status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/monitor", nil)
	req.Header.Set("X-Admin-Token", "hunter2")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authenticated admin status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestAdminMonitor(t *testing.T) {
	handler, db := newTestServer(t)
	seedSession(t, db, time.Now().Add(-3*time.Hour), "pending_finalize")

	req := httptest.NewRequest(http.MethodGet, "/admin/monitor", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("monitor status = %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"events_total", "segments_total", "sessions_pending_finalize", "finalizer"} {
		if _, ok := resp[key]; !ok {
			t.Errorf("monitor response missing %q", key)
		}
	}
}

func TestAdminRebuild(t *testing.T) {
	handler, db := newTestServer(t)
	if _, err := db.Exec(`
        INSERT INTO events (method, ts, username) VALUES
        ('start', NOW() - INTERVAL '3 hours', ''),
        ('stop',  NOW() - INTERVAL '2 hours', '')`); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/rebuild", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("rebuild status = %d: %s", w.Code, w.Body.String())
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("rebuild produced %d sessions, want 1", n)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/rebuild?from=notatime", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad from status = %d, want 400", w.Code)
	}
}

func TestAdminFinalizerConfigAndActions(t *testing.T) {
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	handler, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/finalizer", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("finalizer status = %d: %s", w.Code, w.Body.String())
	}

	// Status is also reachable as a named sub-path.
	req = httptest.NewRequest(http.MethodGet, "/admin/finalizer/status", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("finalizer status sub-path = %d: %s", w.Code, w.Body.String())
	}
	var status map[string]any
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if _, ok := status["running"]; !ok {
		t.Error("status response missing running flag")
	}

	body := bytes.NewBufferString(`{"interval_minutes": 3}`)
	req = httptest.NewRequest(http.MethodPatch, "/admin/finalizer", body)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("finalizer patch status = %d: %s", w.Code, w.Body.String())
	}

	// The /config sub-path patches the same configuration.
	body = bytes.NewBufferString(`{"interval_minutes": 4}`)
	req = httptest.NewRequest(http.MethodPatch, "/admin/finalizer/config", body)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("finalizer config sub-path status = %d: %s", w.Code, w.Body.String())
	}
	var cfg broadcast.FinalizerConfig
	if err := json.NewDecoder(w.Body).Decode(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.IntervalMinutes != 4 {
		t.Errorf("interval after config patch = %d, want 4", cfg.IntervalMinutes)
	}

	body = bytes.NewBufferString(`{"interval_minutes": -5}`)
	req = httptest.NewRequest(http.MethodPatch, "/admin/finalizer", body)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative interval status = %d, want 400", w.Code)
	}

	// Lifecycle actions round-trip through the scheduler.
	for _, action := range []string{"start", "pause", "resume", "stop"} {
		req = httptest.NewRequest(http.MethodPost, "/admin/finalizer/"+action, nil)
		w = httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("finalizer %s status = %d: %s", action, w.Code, w.Body.String())
		}
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/finalizer/reverse", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown action status = %d, want 404", w.Code)
	}
}
