// Package syncthing talks to a Syncthing daemon over its REST API.
package syncthing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prefbridge/prefbridge/internal/core"
)

const (
	defaultBaseURL   = "http://127.0.0.1:8384"
	defaultUserAgent = "prefbridge/0.1"
	defaultTimeout   = 10 * time.Second

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 512
)

// StatusError is returned when the daemon answers with an HTTP error status.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("api %s %s returned status %d: %s", e.Method, e.Path, e.Status, e.Body)
	}
	return fmt.Sprintf("api %s %s returned status %d", e.Method, e.Path, e.Status)
}

// Client talks to the Syncthing REST API.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	apiKey    string
	userAgent string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// NewClient builds a Client for the daemon at baseURL authenticating with apiKey.
func NewClient(baseURL, apiKey string, opts ...ClientOption) (*Client, error) {
	base, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:   base,
		http:      &http.Client{Timeout: defaultTimeout},
		apiKey:    strings.TrimSpace(apiKey),
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the daemon address.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/rest/system/ping", nil, nil)
}

// Status fetches /rest/system/status.
func (c *Client) Status(ctx context.Context) (*SystemStatus, error) {
	var payload SystemStatus
	if err := c.do(ctx, http.MethodGet, "/rest/system/status", nil, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Version fetches /rest/system/version.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	var payload VersionInfo
	if err := c.do(ctx, http.MethodGet, "/rest/system/version", nil, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Config fetches the full configuration.
func (c *Client) Config(ctx context.Context) (*Config, error) {
	var payload Config
	if err := c.do(ctx, http.MethodGet, "/rest/config", nil, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// SetConfig replaces the full configuration.
func (c *Client) SetConfig(ctx context.Context, cfg *Config) error {
	return c.do(ctx, http.MethodPut, "/rest/config", cfg, nil)
}

// SetOptions replaces the options section.
func (c *Client) SetOptions(ctx context.Context, opts Options) error {
	return c.do(ctx, http.MethodPut, "/rest/config/options", opts, nil)
}

// SetGUI replaces the GUI section.
func (c *Client) SetGUI(ctx context.Context, gui GUI) error {
	return c.do(ctx, http.MethodPut, "/rest/config/gui", gui, nil)
}

// SetDevice replaces one device entry.
func (c *Client) SetDevice(ctx context.Context, device Device) error {
	if strings.TrimSpace(device.DeviceID) == "" {
		return core.ErrValidation(core.CodeInvalidValue, "device id required")
	}
	return c.do(ctx, http.MethodPut, "/rest/config/devices/"+url.PathEscape(device.DeviceID), device, nil)
}

// UsageReport fetches the anonymous usage report the daemon would send.
func (c *Client) UsageReport(ctx context.Context) (json.RawMessage, error) {
	var payload json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/rest/svc/report", nil, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// SupportBundle streams the support bundle zip into w.
func (c *Client) SupportBundle(ctx context.Context, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, "/rest/debug/support", nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download support bundle: %w", err)
	}
	return n, nil
}

// ResetDatabase asks the daemon to reset its index database and restart.
func (c *Client) ResetDatabase(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/rest/system/reset", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	reqURL := c.baseURL.ResolveReference(&url.URL{Path: path})

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and refused connections both mean the daemon is unreachable.
		return nil, core.ErrRemoteUnavailable(fmt.Sprintf("%s %s", method, path)).WithCause(err)
	}

	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Method: method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(snippet)),
		}
	}
	return resp, nil
}

// IsUnauthorized reports whether err is an authentication failure.
func IsUnauthorized(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden
	}
	return false
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse daemon url %q: %w", raw, err)
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
