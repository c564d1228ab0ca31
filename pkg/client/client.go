// Package client talks to a running juinit daemon, either over its admin
// HTTP API or over the control socket.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Client speaks to the daemon's admin HTTP API (metrics.listen).
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:9100/api",
		Timeout: 70 * time.Second, // restart waits for the stop to be confirmed
	}
}

// New creates a new juinit admin API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	resp, err := c.do(ctx, http.MethodGet, "/healthz")
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	c.logger.Debug("Daemon reachability check", "status", resp.StatusCode)
	return resp.StatusCode == http.StatusOK
}

// Services returns the status of every service.
func (c *Client) Services(ctx context.Context) ([]ServiceStatus, error) {
	var out []ServiceStatus
	if err := c.getJSON(ctx, "/services", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Service returns the status of one service. An unknown name is reported
// as an *APIError with status 404.
func (c *Client) Service(ctx context.Context, name string) (ServiceStatus, error) {
	var out ServiceStatus
	err := c.getJSON(ctx, "/services/"+url.PathEscape(name), &out)
	return out, err
}

// Start starts a service and returns the daemon's message.
func (c *Client) Start(ctx context.Context, name string) (string, error) {
	return c.action(ctx, "/services/"+url.PathEscape(name)+"/start")
}

// Stop stops a service and returns the daemon's message.
func (c *Client) Stop(ctx context.Context, name string) (string, error) {
	return c.action(ctx, "/services/"+url.PathEscape(name)+"/stop")
}

// Restart restarts a service and returns the daemon's message.
func (c *Client) Restart(ctx context.Context, name string) (string, error) {
	return c.action(ctx, "/services/"+url.PathEscape(name)+"/restart")
}

// Reload asks the daemon to re-read its service directory.
func (c *Client) Reload(ctx context.Context) (string, error) {
	return c.action(ctx, "/reload")
}

func (c *Client) action(ctx context.Context, path string) (string, error) {
	c.logger.Debug("Sending action", "path", path)
	var out ActionResult
	resp, err := c.do(ctx, http.MethodPost, path)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.decode(resp, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return c.decode(resp, v)
}

func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "path", path)
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

// decode reads a 200 body into v, or turns any other status into an *APIError.
func (c *Client) decode(resp *http.Response, v any) error {
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode}
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Message = body.Error
	}
	c.logger.Debug("API request failed", "error", apiErr.Message, "status", resp.StatusCode)
	return apiErr
}
