// Package relay implements the Relay Client: an HTTP client that submits
// subtasks to an external relay, polls for completion, and fails over
// between a primary and secondary relay (spec §4.4). Grounded on the
// adapter's http.Client transport conventions
// (internal/infrastructure/llm/anthropic/provider.go) applied to a much
// simpler request/response shape.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ngoclaw/swarmfabric/internal/domain/entity"
	pkgerrors "github.com/ngoclaw/swarmfabric/pkg/errors"
)

const secretHeader = "X-Aries-Secret"

// Endpoint is one relay's address and shared secret.
type Endpoint struct {
	URL    string
	Secret string
}

// Client talks to a single relay endpoint.
type Client struct {
	http *http.Client
}

// New builds a relay Client.
func New() *Client {
	return &Client{http: &http.Client{Timeout: 15 * time.Second}}
}

// Available reports whether the relay at ep responds 200 to GET
// /api/status within 3 attempts, 1s apart.
func (c *Client) Available(ctx context.Context, ep Endpoint) bool {
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(time.Second):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL+"/api/status", nil)
		if err != nil {
			continue
		}
		req.Header.Set(secretHeader, ep.Secret)
		resp, err := c.http.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return true
		}
	}
	return false
}

type submitBody struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"maxTokens"`
}

type submitResponseData struct {
	ID      string   `json:"id"`
	TaskIDs []string `json:"taskIds"`
}

type submitResponse struct {
	Data submitResponseData `json:"data"`
}

// Submit posts one subtask to the relay and returns its assigned task id.
func (c *Client) Submit(ctx context.Context, ep Endpoint, alloc entity.Allocation, maxTokens int) (string, error) {
	body := submitBody{
		Prompt:    alloc.SystemPrompt + "\n\n" + alloc.Subtask.Description,
		MaxTokens: maxTokens,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", &pkgerrors.SubmitError{Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL+"/api/task", bytes.NewReader(data))
	if err != nil {
		return "", &pkgerrors.SubmitError{Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, ep.Secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &pkgerrors.SubmitError{Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", &pkgerrors.SubmitError{Message: fmt.Sprintf("status %d: %s", resp.StatusCode, respBody)}
	}

	var parsed submitResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &pkgerrors.SubmitError{Message: "malformed submit response"}
	}
	if parsed.Data.ID != "" {
		return parsed.Data.ID, nil
	}
	if len(parsed.Data.TaskIDs) > 0 {
		return parsed.Data.TaskIDs[0], nil
	}
	return "", &pkgerrors.SubmitError{Message: "missing id in submit response"}
}

type pollResponse struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

// Poll checks one relay task's status. Per spec §4.4: HTTP 202 is pending;
// HTTP 200 with {result} is ok unless result begins with "ERROR:" (then
// failed); HTTP 200 with {error} is failed.
func (c *Client) Poll(ctx context.Context, ep Endpoint, taskID string) (entity.RelayPollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL+"/api/result/"+taskID, nil)
	if err != nil {
		return entity.RelayPollResult{}, &pkgerrors.PollError{Message: err.Error()}
	}
	req.Header.Set(secretHeader, ep.Secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return entity.RelayPollResult{}, &pkgerrors.PollError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return entity.RelayPollResult{Kind: entity.RelayPending}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return entity.RelayPollResult{}, &pkgerrors.PollError{Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	data, _ := io.ReadAll(resp.Body)
	var parsed pollResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return entity.RelayPollResult{}, &pkgerrors.PollError{Message: "malformed poll response"}
	}
	if parsed.Error != "" {
		return entity.RelayPollResult{Kind: entity.RelayFailed, Reason: parsed.Error}, nil
	}
	if len(parsed.Result) >= 6 && parsed.Result[:6] == "ERROR:" {
		return entity.RelayPollResult{Kind: entity.RelayFailed, Reason: parsed.Result}, nil
	}
	return entity.RelayPollResult{Kind: entity.RelayOK, Text: parsed.Result}, nil
}
