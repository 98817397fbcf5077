// Package client talks to a running cronwatch server. The report, exec and
// healthcheck commands use it.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sendgrid/rest"

	"github.com/caevv/cronwatch/internal/server"
	"github.com/caevv/cronwatch/internal/store"
)

// Client is an HTTP client for the cronwatch API.
type Client struct {
	baseURL string
	token   string
	rest    *rest.Client
}

// New creates a client for the server at baseURL.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		rest:    &rest.Client{HTTPClient: &http.Client{Timeout: timeout}},
	}
}

// APIError is a non-2xx reply.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Report records one run of job.
func (c *Client) Report(ctx context.Context, job string, report server.ReportRequest) (*store.Run, error) {
	var run store.Run
	path := "/api/jobs/" + url.PathEscape(job) + "/runs"
	if err := c.do(ctx, rest.Post, path, report, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Health probes /health.
func (c *Client) Health(ctx context.Context) (*server.HealthResponse, error) {
	var resp server.HealthResponse
	if err := c.do(ctx, rest.Get, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Anomalies fetches the current anomalies.
func (c *Client) Anomalies(ctx context.Context) (*server.AnomaliesResponse, error) {
	var resp server.AnomaliesResponse
	if err := c.do(ctx, rest.Get, "/api/anomalies", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method rest.Method, path string, body, out any) error {
	req := rest.Request{
		Method:  method,
		BaseURL: c.baseURL + path,
		Headers: map[string]string{"Accept": "application/json"},
	}
	if c.token != "" {
		req.Headers["Authorization"] = "Bearer " + c.token
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		req.Body = data
		req.Headers["Content-Type"] = "application/json"
	}

	resp, err := c.rest.SendWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e server.ErrorResponse
		if json.Unmarshal([]byte(resp.Body), &e) == nil {
			apiErr.Message = e.Message
		}
		return apiErr
	}

	if out != nil && resp.Body != "" {
		if err := json.Unmarshal([]byte(resp.Body), out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
