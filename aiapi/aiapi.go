// Package aiapi implements the session summarizer against an external
// text-generation HTTP service. The client is optional: when no endpoint is
// configured it reports unavailable and the finalizer leaves summaries
// pending for a later drain.
package aiapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/broadcast"
)

const defaultTimeout = 90 * time.Second

// Client talks to the summary service. BaseURL points at the service root;
// requests go to BaseURL + "/v1/summarize".
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// New returns a client for the given endpoint. An empty baseURL yields a
// client that is not Available.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

// Available reports whether the client is configured to reach a service.
func (c *Client) Available() bool {
	return c != nil && c.BaseURL != ""
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

type summarizeRequest struct {
	Transcript string `json:"transcript"`
}

type summarizeResponse struct {
	Summary    string `json:"summary"`
	TokensUsed int    `json:"tokens_used"`
}

// Summarize sends the transcript to the service and returns the generated
// summary with its token usage.
func (c *Client) Summarize(ctx context.Context, transcript string) (broadcast.SummaryResult, error) {
	if !c.Available() {
		return broadcast.SummaryResult{}, fmt.Errorf("summary service not configured")
	}
	body, err := json.Marshal(summarizeRequest{Transcript: transcript})
	if err != nil {
		return broadcast.SummaryResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/summarize", bytes.NewReader(body))
	if err != nil {
		return broadcast.SummaryResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return broadcast.SummaryResult{}, fmt.Errorf("summary request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return broadcast.SummaryResult{}, fmt.Errorf("summary service status %d: %s", resp.StatusCode, string(b))
	}
	var sr summarizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return broadcast.SummaryResult{}, fmt.Errorf("decode summary response: %w", err)
	}
	return broadcast.SummaryResult{Text: sr.Summary, TokensUsed: sr.TokensUsed}, nil
}
