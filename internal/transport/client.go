// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

// Package transport implements the scanner's HTTP client for the FieldTrace
// ingestion API. It classifies failures into transient errors (retried with
// backoff by the sync engine) and rejections (dead-lettered), and wraps the
// base client with a circuit breaker to stop hammering a struggling server.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/fieldtrace/internal/config"
	"github.com/tomtom215/fieldtrace/internal/models"
)

// maxErrorBodySize limits how much of an error response body is read for
// diagnostics. Prevents unbounded allocation on large error pages.
const maxErrorBodySize = 64 * 1024 // 64KB

// IngestClient is the transport surface the sync engine and task cache
// depend on. Implemented by Client and by BreakerClient.
type IngestClient interface {
	SendBatch(ctx context.Context, req models.IngestRequest) (*models.IngestResponse, error)
	ListTasks(ctx context.Context) ([]models.PendingTask, error)
	CompleteTask(ctx context.Context, taskID string) error
	Ping(ctx context.Context) error
}

// Client communicates with the FieldTrace server API.
//
// Thread Safety: safe for concurrent use. Each request creates its own
// HTTP request; the underlying http.Client is shared.
type Client struct {
	baseURL     string
	bearerToken string
	client      *http.Client
}

// NewClient creates a client from the scanner configuration. The HTTP
// timeout bounds every request end to end, including body read.
func NewClient(cfg *config.ScannerConfig) *Client {
	return &Client{
		baseURL:     strings.TrimRight(cfg.ServerURL, "/"),
		bearerToken: cfg.BearerToken,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// envelope mirrors the server's APIResponse wrapper with a deferred data
// payload so each call site can decode its own type.
type envelope struct {
	Status string           `json:"status"`
	Data   json.RawMessage  `json:"data"`
	Error  *models.APIError `json:"error,omitempty"`
}

// SendBatch transmits one batch of captured events.
//
// Error classification:
//   - nil: batch processed, per-event results in the response (individual
//     events may still be rejected there)
//   - *TransientError: network failure, timeout, 408/429, or 5xx
//   - *RejectedError: any other 4xx; the payload will never be accepted
func (c *Client) SendBatch(ctx context.Context, req models.IngestRequest) (*models.IngestResponse, error) {
	var out models.IngestResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/events/batch", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks fetches the current pending-task list from the server.
func (c *Client) ListTasks(ctx context.Context) ([]models.PendingTask, error) {
	var out models.TaskListResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// CompleteTask marks a task completed on the server. Returns *RejectedError
// with Code "NOT_FOUND" when the task does not exist and "CONFLICT" when it
// was already completed.
func (c *Client) CompleteTask(ctx context.Context, taskID string) error {
	path := fmt.Sprintf("/api/v1/tasks/%s/complete", taskID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Ping verifies the server is reachable via its liveness endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/v1/health/live", nil, nil)
}

// do performs one request/response cycle: marshal body, set headers,
// classify the status code, and decode the success envelope into result
// when result is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Context cancellation is the caller's doing, everything else is
		// a network-level failure worth retrying.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}

	if result == nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &TransientError{Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if env.Status != "success" {
		return &RejectedError{StatusCode: resp.StatusCode, Code: errCode(env.Error), Message: errMessage(env.Error)}
	}
	if err := json.Unmarshal(env.Data, result); err != nil {
		return &TransientError{Err: fmt.Errorf("failed to decode response data: %w", err)}
	}
	return nil
}

// classifyStatus maps a non-2xx response to a transient or rejected error.
func classifyStatus(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return &TransientError{Err: fmt.Errorf("server returned HTTP %d", code)}
	default:
		rej := &RejectedError{StatusCode: code}
		var env envelope
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		if err := json.Unmarshal(raw, &env); err == nil && env.Error != nil {
			rej.Code = env.Error.Code
			rej.Message = env.Error.Message
		} else {
			rej.Message = strings.TrimSpace(string(raw))
		}
		return rej
	}
}

func errCode(e *models.APIError) string {
	if e == nil {
		return ""
	}
	return e.Code
}

func errMessage(e *models.APIError) string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Timeout reports the configured per-request timeout. Exposed for logging
// at startup.
func (c *Client) Timeout() time.Duration {
	return c.client.Timeout
}
