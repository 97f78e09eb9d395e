package admin

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
)

// APIError is a non-2xx response from the admin API.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (%d)", e.Status, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

// ErrNotReady is matched by errors returned while the daemon is restoring
// state.
var ErrNotReady = errors.New("admin: daemon not ready")

// Is lets errors.Is(err, ErrNotReady) match a 503 response.
func (e *APIError) Is(target error) bool {
	return target == ErrNotReady && e.StatusCode == http.StatusServiceUnavailable
}

// Client talks to the admin HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the API at baseURL, e.g.
// "http://127.0.0.1:8737".
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Users lists configured users.
func (c *Client) Users(ctx context.Context) ([]string, error) {
	var resp UsersResponse
	if err := c.do(ctx, http.MethodGet, "/api/users", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// UserInfo fetches a user in the given view.
func (c *Client) UserInfo(ctx context.Context, user, view string) (*UserInfo, error) {
	path := "/api/users/" + url.PathEscape(user)
	if view != "" {
		path += "?view=" + url.QueryEscape(view)
	}
	var info UserInfo
	if err := c.do(ctx, http.MethodGet, path, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Set changes one policy setting.
func (c *Client) Set(ctx context.Context, user, setting string, req SettingRequest) error {
	path := "/api/users/" + url.PathEscape(user) + "/" + url.PathEscape(setting)
	return c.do(ctx, http.MethodPut, path, req, nil)
}

// AdjustTimeLeft adjusts the remaining main time.
func (c *Client) AdjustTimeLeft(ctx context.Context, user string, req AdjustRequest) (*RuntimeInfo, error) {
	return c.adjust(ctx, user, "timeleft", req)
}

// AdjustPlayTimeLeft adjusts the remaining PlayTime.
func (c *Client) AdjustPlayTimeLeft(ctx context.Context, user string, req AdjustRequest) (*RuntimeInfo, error) {
	return c.adjust(ctx, user, "playtimeleft", req)
}

func (c *Client) adjust(ctx context.Context, user, kind string, req AdjustRequest) (*RuntimeInfo, error) {
	var resp ResultResponse
	path := "/api/users/" + url.PathEscape(user) + "/" + kind
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return resp.Runtime, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Status == "" {
			e.Status = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Status: e.Status, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
