package playback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// StatusClient reads GET /api/status from the ingest server.
type StatusClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewStatusClient returns a client for the server at baseURL.
func NewStatusClient(baseURL string) *StatusClient {
	return &StatusClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

type statusBody struct {
	Active  bool   `json:"active"`
	FLVURL  string `json:"flvUrl"`
	WHEPURL string `json:"whepUrl"`
}

func (c *StatusClient) Status(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/status", nil)
	if err != nil {
		return Status{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	var body statusBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	return Status{Active: body.Active, FLVURL: body.FLVURL, WHEPURL: body.WHEPURL}, nil
}
