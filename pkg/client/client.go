// Package client is a small HTTP client for the voicerig daemons: the
// orchestrator control API and the supervisor session API. The CLI uses
// it to query a running daemon instead of probing the stack itself.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to one voicerig daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig points at the stock orchestrator listen address.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8790",
		Timeout: 10 * time.Second,
	}
}

// New creates an API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:8790"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
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

// IsReachable checks if the daemon is running and answering.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode != http.StatusNotFound
}

// Status fetches the state of every managed service.
func (c *Client) Status(ctx context.Context) ([]ServiceStatus, error) {
	var out []ServiceStatus
	if err := c.getJSON(ctx, c.baseURL+"/statusz", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ServiceStatus fetches the state of one service.
func (c *Client) ServiceStatus(ctx context.Context, name string) (ServiceStatus, error) {
	var out ServiceStatus
	err := c.getJSON(ctx, c.baseURL+"/statusz/"+url.PathEscape(name), &out)
	return out, err
}

// RestartService asks the daemon to restart one service.
func (c *Client) RestartService(ctx context.Context, name string) error {
	return c.doRequest(ctx, http.MethodPost, c.baseURL+"/services/"+url.PathEscape(name)+"/restart", nil)
}

// Journal fetches recent lifecycle events across all services.
func (c *Client) Journal(ctx context.Context, limit int) ([]Event, error) {
	var out []Event
	if err := c.getJSON(ctx, c.journalURL("", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ServiceJournal fetches recent lifecycle events of one service.
func (c *Client) ServiceJournal(ctx context.Context, name string, limit int) ([]Event, error) {
	var out []Event
	if err := c.getJSON(ctx, c.journalURL(name, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) journalURL(name string, limit int) string {
	u := c.baseURL + "/journal"
	if name != "" {
		u += "/" + url.PathEscape(name)
	}
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	return u
}

// SupervisorHealth reads /healthz of a supervisor daemon. The health
// payload comes back even when the worker is down and the daemon answers
// 503.
func (c *Client) SupervisorHealth(ctx context.Context) (SupervisorHealth, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return SupervisorHealth{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return SupervisorHealth{}, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return SupervisorHealth{}, c.errorFrom(resp)
	}
	var out SupervisorHealth
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SupervisorHealth{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// SupervisorStatus reads the full supervisor status.
func (c *Client) SupervisorStatus(ctx context.Context) (SupervisorStatus, error) {
	var out SupervisorStatus
	err := c.getJSON(ctx, c.baseURL+"/statusz", &out)
	return out, err
}

// MintIdentity asks the supervisor for a fresh session identity.
func (c *Client) MintIdentity(ctx context.Context, prefix string) (string, error) {
	var body []byte
	if prefix != "" {
		body, _ = json.Marshal(map[string]string{"prefix": prefix})
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sessions/identity", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", c.errorFrom(resp)
	}
	var out struct {
		Identity string `json:"identity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.Identity, nil
}

// RegisterSession registers an identity with the supervisor.
func (c *Client) RegisterSession(ctx context.Context, identity string) error {
	return c.doRequest(ctx, http.MethodPost, c.baseURL+"/sessions/"+url.PathEscape(identity)+"/register", nil)
}

// UnregisterSession removes an identity from the supervisor.
func (c *Client) UnregisterSession(ctx context.Context, identity string) error {
	return c.doRequest(ctx, http.MethodDelete, c.baseURL+"/sessions/"+url.PathEscape(identity), nil)
}

// getJSON performs a GET and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "url", url, "error", err)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.errorFrom(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doRequest performs a request whose response carries no payload of
// interest.
func (c *Client) doRequest(ctx context.Context, method, url string, body []byte) error {
	var rdr *bytes.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "url", url, "error", err)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.errorFrom(resp)
	}
	return nil
}

// errorFrom turns a non-200 response into an error, preferring the JSON
// error envelope.
func (c *Client) errorFrom(resp *http.Response) error {
	var envelope ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("API error: %s", envelope.Error)
}
