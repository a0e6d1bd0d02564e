package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// MockPlatformServer creates a test server that mocks the platform REST API.
type MockPlatformServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockPlatformServer creates a new mock platform API server
func NewMockPlatformServer(t *testing.T) *MockPlatformServer {
	t.Helper()
	m := &MockPlatformServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockRoomState adds a handler for the /rooms/{channel} endpoint
func (m *MockPlatformServer) MockRoomState(channel string, online bool, viewers int, subject string) {
	m.Handlers["/rooms/"+channel] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"online":     online,
			"viewers":    viewers,
			"subject":    subject,
			"started_at": time.Now().UTC(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockOAuthTokenResponse adds a handler for the OAuth token endpoint
func (m *MockPlatformServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockSummaryServer mocks the AI summary service.
type MockSummaryServer struct {
	*httptest.Server
	Requests []string // transcripts received, in order
}

// NewMockSummaryServer returns a server answering /v1/summarize with the
// given summary and token count; status lets tests force failures.
func NewMockSummaryServer(t *testing.T, summary string, tokens int, status int) *MockSummaryServer {
	t.Helper()
	m := &MockSummaryServer{}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/summarize" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req struct {
			Transcript string `json:"transcript"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		m.Requests = append(m.Requests, req.Transcript)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck // test mock response
			"summary":     summary,
			"tokens_used": tokens,
		})
	}))
	t.Cleanup(m.Close)
	return m
}
