package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/fablewire/fablewire/pkg/fablewire/session"
)

// ActionResult is the server's reply to a submitted action: the confirmed
// player entry, the AI-generated response entry, and either a world delta or
// a full session snapshot.
type ActionResult struct {
	PlayerEntry   session.StoryEntry   `json:"player_entry"`
	ResponseEntry session.StoryEntry   `json:"response_entry"`
	WorldDelta    map[string]any       `json:"world_delta,omitempty"`
	Session       *session.GameSession `json:"session,omitempty"`
}

// ErrorResponse matches the API error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RESTClient submits actions over HTTP when no live channel is available.
type RESTClient struct {
	baseURL string
	client  *http.Client
}

// NewRESTClient creates a client for the action endpoint. A nil httpClient
// falls back to http.DefaultClient.
func NewRESTClient(baseURL string, httpClient *http.Client) *RESTClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RESTClient{
		baseURL: baseURL,
		client:  httpClient,
	}
}

// PerformAction posts the action to the session's action endpoint. Non-2xx
// statuses and malformed bodies are action failures.
func (c *RESTClient) PerformAction(ctx context.Context, sessionID, action string) (*ActionResult, error) {
	reqBody, err := json.Marshal(map[string]string{"action": action})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal action request: %w", err)
	}

	url := fmt.Sprintf("%s/api/game/sessions/%s/action", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create action request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send action: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read action response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errorResp ErrorResponse
		if err := json.Unmarshal(body, &errorResp); err != nil || errorResp.Error == "" {
			return nil, fmt.Errorf("action API returned status %d: %s", resp.StatusCode, string(body))
		}
		return nil, fmt.Errorf("action failed: %s", errorResp.Error)
	}

	var result ActionResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse action response: %w", err)
	}
	return &result, nil
}
