package widget

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/deixis/modelgate/internal/config"
)

// maxBody caps how much of a response body the client reads.
const maxBody = 1 << 20

// StatusError is returned by Fetch for a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Client calls the loader endpoint of a running server.
type Client struct {
	BaseURL string       // e.g. http://localhost:3001
	Route   string       // defaults to config.DefaultRoute
	HTTP    *http.Client // defaults to http.DefaultClient
}

// Fetch issues one GET and returns the response body verbatim. Transport
// errors and non-2xx statuses are returned as errors.
func (c *Client) Fetch(ctx context.Context) (string, error) {
	route := c.Route
	if route == "" {
		route = config.DefaultRoute
	}
	url := strings.TrimRight(c.BaseURL, "/") + route

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return string(body), nil
}
