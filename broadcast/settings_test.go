package broadcast

import (
	"context"
	"testing"

	dbpkg "github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/db"
	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/testutil"
)

func TestSettingsResolutionOrder(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.ResetTables(t, db)
	ctx := context.Background()

	// Compiled default.
	if got := MergeGapMinutes(ctx, db); got != 60 {
		t.Fatalf("default merge gap %d want 60", got)
	}

	// Environment beats the default.
	t.Setenv("MERGE_GAP_MINUTES", "90")
	if got := MergeGapMinutes(ctx, db); got != 90 {
		t.Fatalf("env merge gap %d want 90", got)
	}

	// kv override beats the environment.
	if err := dbpkg.SetKV(ctx, db, "cfg:MERGE_GAP_MINUTES", "120"); err != nil {
		t.Fatal(err)
	}
	if got := MergeGapMinutes(ctx, db); got != 120 {
		t.Fatalf("kv merge gap %d want 120", got)
	}

	// Malformed kv value falls through to env.
	if err := dbpkg.SetKV(ctx, db, "cfg:MERGE_GAP_MINUTES", "not-a-number"); err != nil {
		t.Fatal(err)
	}
	if got := MergeGapMinutes(ctx, db); got != 90 {
		t.Fatalf("malformed kv should fall back to env, got %d", got)
	}
}

func TestAISummaryDelayUnset(t *testing.T) {
	db := testutil.SetupTestDB(t)
	testutil.ResetTables(t, db)
	ctx := context.Background()

	if n, ok := AISummaryDelayMinutes(ctx, db); ok || n != 0 {
		t.Fatalf("unset delay should report (0,false), got (%d,%v)", n, ok)
	}
	t.Setenv("AI_SUMMARY_DELAY_MINUTES", "15")
	if n, ok := AISummaryDelayMinutes(ctx, db); !ok || n != 15 {
		t.Fatalf("set delay should report (15,true), got (%d,%v)", n, ok)
	}
}
