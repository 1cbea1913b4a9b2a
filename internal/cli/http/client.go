package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const userIDHeader = "X-User-Id"

// ResponseInfo carries response details.
type ResponseInfo struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Client sends control API requests on behalf of one user.
type Client struct {
	mu      sync.RWMutex
	baseURL string
	timeout time.Duration
	userID  string
}

func New(baseURL string, timeout time.Duration, userID string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), timeout: timeout, userID: userID}
}

func (c *Client) SetBaseURL(baseURL string) {
	c.mu.Lock()
	c.baseURL = strings.TrimRight(baseURL, "/")
	c.mu.Unlock()
}

func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	c.mu.Lock()
	c.timeout = timeout
	c.mu.Unlock()
}

func (c *Client) SetUserID(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Do sends one request. body may be nil; contentType is ignored without a body.
func (c *Client) Do(ctx context.Context, method, path, contentType string, body io.Reader) (ResponseInfo, error) {
	var info ResponseInfo
	c.mu.RLock()
	base, timeout, userID := c.baseURL, c.timeout, c.userID
	c.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return info, fmt.Errorf("build request failed: %w", err)
	}
	if body != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}

	start := time.Now()
	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	info.Duration = time.Since(start)
	if err != nil {
		return info, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	info.StatusCode = resp.StatusCode
	info.Headers = resp.Header
	if info.Body, err = io.ReadAll(resp.Body); err != nil {
		return info, fmt.Errorf("read response body failed: %w", err)
	}
	return info, nil
}

// StreamURL turns an API path into a websocket URL.
func (c *Client) StreamURL(path string) string {
	base := c.BaseURL()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}
