// Package api is the REST collaborator: room provisioning, message sending
// and paged history.
package api

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
	"time"

	"github.com/roelfdiedericks/supportchat/internal/config"
	. "github.com/roelfdiedericks/supportchat/internal/logging"
)

// Client wraps the support REST API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a REST client from the api config section.
func NewClient(cfg config.APIConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("api URL not configured")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("api token not configured")
	}

	timeout := config.Duration(cfg.Timeout, 15*time.Second)
	baseURL := strings.TrimSuffix(cfg.URL, "/")

	L_debug("api: client created", "url", baseURL, "timeout", timeout)

	return &Client{
		baseURL: baseURL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Error is a non-2xx response from the API.
type Error struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Status, e.Message)
	}
	return e.Status
}

// Temporary reports whether retrying the request may succeed.
func (e *Error) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	L_trace("api: request", "method", method, "path", path)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseError(resp.StatusCode, respBody)
	}

	L_debug("api: request completed", "method", method, "path", path, "status", resp.StatusCode, "bytes", len(respBody))
	return respBody, nil
}

func parseError(statusCode int, body []byte) error {
	status := http.StatusText(statusCode)
	if status == "" {
		status = strconv.Itoa(statusCode)
	} else {
		status = fmt.Sprintf("%d %s", statusCode, status)
	}

	var errResp struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil {
		if errResp.Message != "" {
			return &Error{StatusCode: statusCode, Status: status, Message: errResp.Message}
		}
		if errResp.Error != "" {
			return &Error{StatusCode: statusCode, Status: status, Message: errResp.Error}
		}
	}
	if len(body) > 0 && len(body) < 200 {
		return &Error{StatusCode: statusCode, Status: status, Message: string(body)}
	}
	return &Error{StatusCode: statusCode, Status: status}
}

func roomPath(roomID string, rest string) string {
	return "/api/chat/rooms/" + url.PathEscape(roomID) + rest
}
