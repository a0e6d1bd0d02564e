package platformapi

import (
	"context"
	"net/http"
	"testing"

	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/testutil"
)

func TestGetRoomState(t *testing.T) {
	srv := testutil.NewMockPlatformServer(t)
	srv.MockRoomState("roomhost", true, 57, "late night jam")

	client := New(srv.URL, "", "", "")
	state, err := client.GetRoomState(context.Background(), "roomhost")
	if err != nil {
		t.Fatalf("get room state: %v", err)
	}
	if !state.Online {
		t.Error("room should be online")
	}
	if state.Viewers != 57 {
		t.Errorf("viewers = %d, want 57", state.Viewers)
	}
	if state.Subject != "late night jam" {
		t.Errorf("subject = %q", state.Subject)
	}
	if state.StartedAt.IsZero() {
		t.Error("started_at should be set for an online room")
	}
}

func TestGetRoomStateNotFound(t *testing.T) {
	srv := testutil.NewMockPlatformServer(t)

	client := New(srv.URL, "", "", "")
	if _, err := client.GetRoomState(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unknown room")
	}
}

func TestGetRoomStateEmptyChannel(t *testing.T) {
	client := New("http://localhost:9999", "", "", "")
	if _, err := client.GetRoomState(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty channel")
	}
}

func TestGetRoomStateWithAppToken(t *testing.T) {
	srv := testutil.NewMockPlatformServer(t)
	srv.MockOAuthTokenResponse("app-token-abc", 3600)

	var gotAuth string
	srv.Handlers["/rooms/roomhost"] = func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"online": false, "viewers": 0, "subject": ""}`))
	}

	client := New(srv.URL, srv.URL+"/oauth2/token", "client-id", "client-secret")
	if _, err := client.GetRoomState(context.Background(), "roomhost"); err != nil {
		t.Fatalf("get room state: %v", err)
	}
	if gotAuth != "Bearer app-token-abc" {
		t.Errorf("Authorization = %q, want Bearer app-token-abc", gotAuth)
	}
}
