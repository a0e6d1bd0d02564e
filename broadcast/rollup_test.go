package broadcast

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/testutil"
)

func seedSessionWithEvents(t *testing.T, db *sql.DB) int64 {
	t.Helper()
	ctx := context.Background()
	var sessionID int64
	err := db.QueryRow(`INSERT INTO sessions (started_at, ended_at, status) VALUES ($1,$2,'active') RETURNING id`,
		ts(0), ts(120)).Scan(&sessionID)
	if err != nil {
		t.Fatal(err)
	}
	viewers := func(v int) *int { return &v }
	events := []Event{
		{Method: MethodChat, Timestamp: ts(1), Username: "alice", Body: "hi", Viewers: viewers(10)},
		{Method: MethodTip, Timestamp: ts(2), Username: "bob", Tokens: 25, Viewers: viewers(20)},
		{Method: MethodTip, Timestamp: ts(3), Username: "carol", Tokens: 75},
		{Method: MethodFollow, Timestamp: ts(4), Username: "dave"},
		{Method: MethodFollow, Timestamp: ts(5), Username: "erin"},
		{Method: MethodUnfollow, Timestamp: ts(6), Username: "dave"},
		{Method: MethodEnter, Timestamp: ts(7), Username: "alice"},
		{Method: MethodEnter, Timestamp: ts(8), Username: "alice"},
		{Method: MethodEnter, Timestamp: ts(9), Username: "bob", Viewers: viewers(30)},
	}
	for _, e := range events {
		id, err := AppendEvent(ctx, db, e)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := db.Exec(`UPDATE events SET session_id=$1 WHERE id=$2`, sessionID, id); err != nil {
			t.Fatal(err)
		}
	}
	return sessionID
}

func TestComputeAndUpdateSession(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.ResetTables(t, db)
	sessionID := seedSessionWithEvents(t, db)

	r, err := ComputeAndUpdateSession(context.Background(), db, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if r.TotalTokens != 100 {
		t.Fatalf("total_tokens %d want 100", r.TotalTokens)
	}
	if r.FollowersGained != 1 {
		t.Fatalf("followers_gained %d want 1", r.FollowersGained)
	}
	if r.PeakViewers != 30 {
		t.Fatalf("peak_viewers %d want 30", r.PeakViewers)
	}
	if r.AvgViewers != 20 {
		t.Fatalf("avg_viewers %v want 20 (only sampled events count)", r.AvgViewers)
	}
	if r.UniqueVisitors != 2 {
		t.Fatalf("unique_visitors %d want 2", r.UniqueVisitors)
	}

	// Stored columns match the returned rollup.
	var tokens, followers, peak, visitors int
	var avg float64
	err = db.QueryRow(`SELECT total_tokens, followers_gained, peak_viewers, avg_viewers, unique_visitors FROM sessions WHERE id=$1`, sessionID).
		Scan(&tokens, &followers, &peak, &avg, &visitors)
	if err != nil {
		t.Fatal(err)
	}
	if tokens != r.TotalTokens || followers != r.FollowersGained || peak != r.PeakViewers || avg != r.AvgViewers || visitors != r.UniqueVisitors {
		t.Fatalf("stored rollup differs from returned: %d %d %d %v %d", tokens, followers, peak, avg, visitors)
	}
}

func TestComputeAndUpdateSessionDeterministic(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.ResetTables(t, db)
	sessionID := seedSessionWithEvents(t, db)
	ctx := context.Background()

	first, err := ComputeAndUpdateSession(ctx, db, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := ComputeAndUpdateSession(ctx, db, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("recompute changed the rollup: %+v vs %+v", first, second)
	}
}

func TestComputeAndUpdateSessionEmpty(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.ResetTables(t, db)
	var sessionID int64
	if err := db.QueryRow(`INSERT INTO sessions (started_at, status) VALUES ($1,'active') RETURNING id`,
		time.Now().UTC()).Scan(&sessionID); err != nil {
		t.Fatal(err)
	}
	r, err := ComputeAndUpdateSession(context.Background(), db, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if r.TotalTokens != 0 || r.PeakViewers != 0 || r.AvgViewers != 0 || r.UniqueVisitors != 0 || r.FollowersGained != 0 {
		t.Fatalf("empty session should roll up to zeros: %+v", r)
	}
}

func TestComputeAndUpdateSessionNotFound(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.ResetTables(t, db)
	if _, err := ComputeAndUpdateSession(context.Background(), db, 999999); err == nil {
		t.Fatal("expected error for missing session")
	}
}
