// Package client talks to the rotor HTTP API.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"QuicRotor/internal/rotation"
)

// Client connects to a rotor process via HTTP.
type Client struct {
	baseURL string       // baseURL is the API root, e.g. "http://127.0.0.1:8080"
	http    *http.Client // http performs the requests
}

// StatusError is returned for non-success responses.
type StatusError struct {
	Code    int    // Code is the HTTP status code
	Message string // Message is the server's error text, if any
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Code)
	}

	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// New creates a client for the API at addr. addr may be a host:port or a
// full http URL.
func New(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Health checks that the API answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil)
}

// Status returns counts by state and lifetime totals.
func (c *Client) Status(ctx context.Context) (rotation.StatusCounts, error) {
	var st rotation.StatusCounts

	if err := c.do(ctx, http.MethodGet, "/status", &st); err != nil {
		return rotation.StatusCounts{}, fmt.Errorf("status:\n%w", err)
	}

	return st, nil
}

// Connections lists the registered connections.
func (c *Client) Connections(ctx context.Context) ([]rotation.ConnectionInfo, error) {
	var conns []rotation.ConnectionInfo

	if err := c.do(ctx, http.MethodGet, "/connections", &conns); err != nil {
		return nil, fmt.Errorf("connections:\n%w", err)
	}

	return conns, nil
}

// RotateAll forces rotation on every active connection.
func (c *Client) RotateAll(ctx context.Context) (int, error) {
	var resp struct {
		Triggered int `json:"triggered"`
	}

	if err := c.do(ctx, http.MethodPost, "/rotate", &resp); err != nil {
		return 0, fmt.Errorf("rotate:\n%w", err)
	}

	return resp.Triggered, nil
}

// Rotate forces rotation on the connection matching id or a unique prefix.
// It returns the resolved id and whether an attempt was triggered.
func (c *Client) Rotate(ctx context.Context, id string) (string, bool, error) {
	var resp struct {
		ID        string `json:"id"`
		Triggered bool   `json:"triggered"`
	}

	path := "/rotate?id=" + url.QueryEscape(id)

	if err := c.do(ctx, http.MethodPost, path, &resp); err != nil {
		return "", false, fmt.Errorf("rotate %s:\n%w", id, err)
	}

	return resp.ID, resp.Triggered, nil
}

// History returns up to n recent events of a connection; n <= 0 uses the
// server default.
func (c *Client) History(ctx context.Context, id string, n int) ([]rotation.Event, error) {
	path := "/connections/" + url.PathEscape(id) + "/events"
	if n > 0 {
		path += "?n=" + strconv.Itoa(n)
	}

	var events []rotation.Event

	if err := c.do(ctx, http.MethodGet, path, &events); err != nil {
		return nil, fmt.Errorf("history %s:\n%w", id, err)
	}

	return events, nil
}
