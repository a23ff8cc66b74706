// Package origin talks to the WebRTC origin server that the relay target
// publishes into and, when configured, keeps its process running.
package origin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	pathsListPath         = "/v3/paths/list"
	defaultRequestTimeout = 2 * time.Second
)

// Client queries the origin's control API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the API at baseURL, e.g.
// http://127.0.0.1:9997.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultRequestTimeout},
	}
}

type pathItem struct {
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
}

type pathList struct {
	Items []pathItem `json:"items"`
}

// PathReady reports whether the origin lists path as ready to be read.
func (c *Client) PathReady(ctx context.Context, path string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathsListPath, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("origin api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("origin api: status %d", resp.StatusCode)
	}

	var list pathList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return false, fmt.Errorf("decode path list: %w", err)
	}
	path = strings.Trim(path, "/")
	for _, it := range list.Items {
		if strings.Trim(it.Name, "/") == path {
			return it.Ready, nil
		}
	}
	return false, nil
}
