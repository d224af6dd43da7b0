// Package client is the device-side half of the matching protocol: a thin
// HTTP client plus the runner and requester agents. Agents only ever call
// the server's idempotent guarded operations, so their timers and polls can
// race the authoritative sweep freely.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"gofer/pkg/protocol"
)

// Client talks to the gofer HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for the API at baseURL (e.g. "http://127.0.0.1:8650").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// NewWithHTTPClient injects a custom http.Client (tests).
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: baseURL, http: hc}
}

// CreateTaskParams mirrors the POST /v1/tasks body.
type CreateTaskParams struct {
	Kind        protocol.TaskKind `json:"kind"`
	RequesterID string            `json:"requester_id"`
	Lat         *float64          `json:"lat,omitempty"`
	Lng         *float64          `json:"lng,omitempty"`
}

// CreateTask posts a new task.
func (c *Client) CreateTask(ctx context.Context, p CreateTaskParams) (protocol.Task, error) {
	var t protocol.Task
	err := c.do(ctx, http.MethodPost, "/v1/tasks", p, &t)
	return t, err
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, taskID string) (protocol.Task, error) {
	var t protocol.Task
	err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID), nil, &t)
	return t, err
}

// Accept attempts acceptance; rejections come back as
// *protocol.AcceptRejectedError and are terminal for this attempt.
func (c *Client) Accept(ctx context.Context, taskID, runnerID string) (protocol.Task, error) {
	var t protocol.Task
	err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(taskID)+"/accept",
		map[string]string{"runner_id": runnerID}, &t)
	return t, err
}

// Decline turns down a live offer.
func (c *Client) Decline(ctx context.Context, taskID, runnerID string) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(taskID)+"/decline",
		map[string]string{"runner_id": runnerID}, nil)
}

// OfferTimeout fires the best-effort expiry trigger for an offer this
// runner held. The server operation is idempotent; calling it after the
// authoritative sweep already rotated is harmless.
func (c *Client) OfferTimeout(ctx context.Context, taskID, runnerID string) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(taskID)+"/offer-timeout",
		map[string]string{"runner_id": runnerID}, nil)
}

// Cancel withdraws a not-yet-assigned task.
func (c *Client) Cancel(ctx context.Context, taskID, requesterID string) (protocol.Task, error) {
	var t protocol.Task
	err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(taskID)+"/cancel",
		map[string]string{"requester_id": requesterID}, &t)
	return t, err
}

// Complete marks an assigned task finished (requester).
func (c *Client) Complete(ctx context.Context, taskID, requesterID string) (protocol.Task, error) {
	var t protocol.Task
	err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(taskID)+"/complete",
		map[string]string{"requester_id": requesterID}, &t)
	return t, err
}

// Deliver marks an assigned commission delivered (runner).
func (c *Client) Deliver(ctx context.Context, taskID, runnerID string) (protocol.Task, error) {
	var t protocol.Task
	err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(taskID)+"/deliver",
		map[string]string{"runner_id": runnerID}, &t)
	return t, err
}

// AckExhaustion acknowledges a no-candidates outcome and withdraws the task.
func (c *Client) AckExhaustion(ctx context.Context, taskID, requesterID string) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(taskID)+"/ack-exhaustion",
		map[string]string{"requester_id": requesterID}, nil)
}

// Heartbeat reports this runner's availability and optional location.
func (c *Client) Heartbeat(ctx context.Context, runnerID string, available bool, lat, lng *float64) error {
	body := map[string]any{"is_available": available}
	if lat != nil && lng != nil {
		body["lat"] = *lat
		body["lng"] = *lng
	}
	return c.do(ctx, http.MethodPost, "/v1/runners/"+url.PathEscape(runnerID)+"/heartbeat", body, nil)
}

// ListChangesSince pages the change feed; satisfies feed.Lister so the same
// feed loop that runs server-side drives remote devices.
func (c *Client) ListChangesSince(ctx context.Context, cursor int64, requesterID string, limit int) ([]protocol.TaskChange, int64, error) {
	q := url.Values{}
	q.Set("cursor", strconv.FormatInt(cursor, 10))
	if requesterID != "" {
		q.Set("requester", requesterID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Changes []protocol.TaskChange `json:"changes"`
		Cursor  int64                 `json:"cursor"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/changes?"+q.Encode(), nil, &resp); err != nil {
		return nil, cursor, err
	}
	return resp.Changes, resp.Cursor, nil
}

// do performs one API call, decoding domain errors from the response body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &protocol.StoreError{Op: method + " " + path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	var apiErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)
	return decodeError(resp.StatusCode, apiErr.Code, path)
}

// decodeError rebuilds the typed domain error from the wire shape.
func decodeError(status int, code, path string) error {
	switch code {
	case string(protocol.RejectAlreadyAssigned), string(protocol.RejectOverCapacity), string(protocol.RejectOfferExpired):
		return &protocol.AcceptRejectedError{Reason: protocol.RejectReason(code)}
	case "conflict":
		return &protocol.ConflictError{Op: path}
	case "not_found":
		return &protocol.TaskNotFoundError{}
	case "invalid_request":
		return &protocol.ValidationError{Field: "request", Detail: "rejected by server"}
	default:
		if status == http.StatusServiceUnavailable {
			return &protocol.StoreError{Op: path, Err: fmt.Errorf("service unavailable")}
		}
		return fmt.Errorf("api %s: status %d (%s)", path, status, code)
	}
}
