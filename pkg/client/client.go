// Package client talks to a running taskguard API.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/taskguard/pkg/api"
	"github.com/psantana5/taskguard/pkg/store"
)

// Health is the /health response.
type Health struct {
	Status  string `json:"status"`
	Tasks   int    `json:"tasks"`
	Faulted int    `json:"faulted"`
	Uptime  string `json:"uptime"`
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.Code, e.Message)
}

// Client manages communication with the daemon
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type Option func(*Client)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func WithTLS(cfg *tls.Config) Option {
	return func(c *Client) {
		c.httpClient.Transport = &http.Transport{TLSClientConfig: cfg}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a new client for baseURL, e.g. "http://localhost:9400".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health reports daemon health. A degraded daemon answers 503 with a body,
// which is returned together with a *StatusError.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	err := c.get(ctx, "/health", &h)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusServiceUnavailable {
		return &h, err
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// ListTasks returns every task sorted by name.
func (c *Client) ListTasks(ctx context.Context) ([]api.TaskStatus, error) {
	var result struct {
		Tasks []api.TaskStatus `json:"tasks"`
	}
	if err := c.get(ctx, "/tasks", &result); err != nil {
		return nil, err
	}
	return result.Tasks, nil
}

func (c *Client) GetTask(ctx context.Context, name string) (*api.TaskStatus, error) {
	var status api.TaskStatus
	if err := c.get(ctx, "/tasks/"+url.PathEscape(name), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListRuns returns the newest runs of a task; limit <= 0 uses the server default.
func (c *Client) ListRuns(ctx context.Context, name string, limit int) ([]*store.Run, error) {
	path := "/tasks/" + url.PathEscape(name) + "/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var result struct {
		Runs []*store.Run `json:"runs"`
	}
	if err := c.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return result.Runs, nil
}

func (c *Client) get(ctx context.Context, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var statusErr error
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		statusErr = &StatusError{Code: resp.StatusCode, Message: msg}
		if resp.StatusCode != http.StatusServiceUnavailable {
			return statusErr
		}
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return statusErr
}
