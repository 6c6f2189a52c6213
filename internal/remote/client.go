// Package remote applies queued operations against the backend API over
// HTTP and probes its reachability.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"opqueue/internal/errors"
	"opqueue/internal/logging"
	"opqueue/internal/models"
)

// Client posts operations to the backend API. It implements
// dispatch.RemoteService.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for the given base URL. timeout bounds each
// request; zero means 30 seconds.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// operationRequest is the wire format for one operation.
type operationRequest struct {
	Type       string          `json:"type"`
	ResourceID string          `json:"resource_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// errorResponse is the backend's error body.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Perform sends one operation to the backend. Any non-2xx status is an
// error; the queue decides whether to retry based on its own budget.
func (c *Client) Perform(ctx context.Context, opType models.OperationType, resourceID string, payload []byte) error {
	body, err := json.Marshal(operationRequest{
		Type:       string(opType),
		ResourceID: resourceID,
		Payload:    payload,
	})
	if err != nil {
		return errors.Wrap(errors.ErrSyncPermanent, "failed to encode operation", err)
	}

	url := c.baseURL + "/api/v1/operations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(errors.ErrSyncPermanent, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrSyncTransient, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	reason := c.readError(resp)
	logging.Debug("Backend rejected operation", map[string]interface{}{
		"op_type":     string(opType),
		"resource_id": resourceID,
		"status":      resp.StatusCode,
		"reason":      reason,
	})

	code := errors.ErrSyncTransient
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		code = errors.ErrSyncPermanent
	}
	return errors.New(code, fmt.Sprintf("backend returned %d: %s", resp.StatusCode, reason))
}

// readError extracts a human-readable reason from an error response.
func (c *Client) readError(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(raw) == 0 {
		return resp.Status
	}

	var body errorResponse
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return string(raw)
}

// NetworkChecker reports backend reachability by probing its health
// endpoint. It implements coordinator.NetworkAvailability.
type NetworkChecker struct {
	healthURL  string
	httpClient *http.Client
}

// NewNetworkChecker creates a checker probing baseURL's health endpoint.
// timeout bounds each probe; zero means 3 seconds.
func NewNetworkChecker(baseURL string, timeout time.Duration) *NetworkChecker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &NetworkChecker{
		healthURL:  baseURL + "/api/v1/health",
		httpClient: &http.Client{Timeout: timeout},
	}
}

// IsOnline probes the health endpoint. Any HTTP response counts as
// reachable; only transport errors mean offline.
func (n *NetworkChecker) IsOnline() bool {
	req, err := http.NewRequest(http.MethodGet, n.healthURL, nil)
	if err != nil {
		return false
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
