// Package platformapi contains minimal helpers to interact with the cam
// platform's REST API for room state (online flag, viewer count, subject),
// using a client-credentials app token.
package platformapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// RoomState is the platform's view of a broadcaster room at poll time.
type RoomState struct {
	Online    bool      `json:"online"`
	Viewers   int       `json:"viewers"`
	Subject   string    `json:"subject"`
	StartedAt time.Time `json:"started_at"`
}

// Client provides the minimal surface the room poller needs.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	ts oauth2.TokenSource
}

// New builds a client for the given API base URL. When clientID/secret are
// provided, requests carry a client-credentials bearer token fetched from
// tokenURL; otherwise they go out unauthenticated (self-hosted gateways).
func New(baseURL, tokenURL, clientID, clientSecret string) *Client {
	c := &Client{BaseURL: baseURL}
	if clientID != "" && clientSecret != "" {
		cc := &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
		}
		c.ts = cc.TokenSource(context.Background())
	}
	return c
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// GetRoomState fetches the current state of a broadcaster's room.
func (c *Client) GetRoomState(ctx context.Context, channel string) (*RoomState, error) {
	if channel == "" {
		return nil, fmt.Errorf("channel empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/rooms/"+channel, nil)
	if err != nil {
		return nil, err
	}
	if c.ts != nil {
		tok, err := c.ts.Token()
		if err != nil {
			return nil, fmt.Errorf("platform app token: %w", err)
		}
		tok.SetAuthHeader(req)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("room state: unexpected status %d", resp.StatusCode)
	}
	var state RoomState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("decode room state: %w", err)
	}
	return &state, nil
}
