// Package client provides a typed Go client for the HELM Dispatch API.
// It has no external dependencies; it uses net/http and encoding/json only.
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
	"strings"
	"sync"
	"time"
)

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	Problem
	// RetryAfter is set for retryable rejections (rate limited, no engine available).
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("helm-dispatch api %d: %s (%s)", e.Status, e.Detail, e.Kind)
	}
	return fmt.Sprintf("helm-dispatch api %d: %s", e.Status, e.Title)
}

// Client is a typed client for the HELM Dispatch API. It is safe for
// concurrent use; Login and Refresh replace the bearer token in place.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	mu    sync.RWMutex
	token string
}

// New creates a new Client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 150 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout sets the HTTP timeout. Synchronous executions can take as long
// as the server's execution timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) setToken(t string) {
	c.mu.Lock()
	c.token = t
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any, header http.Header) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Problem: Problem{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr.Problem)
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return resp.StatusCode, apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Login calls POST /auth/login and keeps the returned token.
func (c *Client) Login(ctx context.Context, username, password string) (*Token, error) {
	var out Token
	if _, err := c.do(ctx, http.MethodPost, "/auth/login", map[string]string{"username": username, "password": password}, &out, nil); err != nil {
		return nil, err
	}
	c.setToken(out.AccessToken)
	return &out, nil
}

// Refresh calls POST /auth/refresh. The previous token stops working.
func (c *Client) Refresh(ctx context.Context) (*Token, error) {
	var out Token
	if _, err := c.do(ctx, http.MethodPost, "/auth/refresh", nil, &out, nil); err != nil {
		return nil, err
	}
	c.setToken(out.AccessToken)
	return &out, nil
}

// Register calls POST /auth/register.
func (c *Client) Register(ctx context.Context, username, password string) (*User, error) {
	var out struct {
		User User `json:"user"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/auth/register", map[string]string{"username": username, "password": password}, &out, nil); err != nil {
		return nil, err
	}
	return &out.User, nil
}

// ExecuteOptions tune a submission.
type ExecuteOptions struct {
	// Async returns the pending result immediately.
	Async bool
	// IdempotencyKey makes retries of the same submission return the first result.
	IdempotencyKey string
}

// Execute calls POST /api/v1/execute.
func (c *Client) Execute(ctx context.Context, req ExecutionRequest, opts *ExecuteOptions) (*ExecutionResult, error) {
	path := "/api/v1/execute"
	var header http.Header
	if opts != nil {
		if opts.Async {
			path += "?async=true"
		}
		if opts.IdempotencyKey != "" {
			header = http.Header{"Idempotency-Key": {opts.IdempotencyKey}}
		}
	}
	var out ExecutionResult
	if _, err := c.do(ctx, http.MethodPost, path, req, &out, header); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetExecution calls GET /api/v1/executions/{id}.
func (c *Client) GetExecution(ctx context.Context, id string) (*ExecutionResult, error) {
	var out ExecutionResult
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(id), nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListEngines calls GET /api/v1/engines.
func (c *Client) ListEngines(ctx context.Context) ([]EngineStatus, error) {
	var out struct {
		Engines []EngineStatus `json:"engines"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/engines", nil, &out, nil); err != nil {
		return nil, err
	}
	return out.Engines, nil
}

// ListExecutions calls GET /api/v1/executions. Zero limit uses the server default.
func (c *Client) ListExecutions(ctx context.Context, limit, offset int) (*ExecutionList, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/api/v1/executions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out ExecutionList
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Wait polls an execution until it is terminal or ctx ends.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (*ExecutionResult, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r, err := c.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		if r.Status.Terminal() {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return r, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Health calls GET /health/detailed.
func (c *Client) Health(ctx context.Context) (*HealthReport, error) {
	var out HealthReport
	if _, err := c.do(ctx, http.MethodGet, "/health/detailed", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}
