package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shardmig/shardmig/pkg/api"
	"github.com/shardmig/shardmig/pkg/types"
)

// Client talks to a coordinator's control API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the coordinator at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit admits a migration request and returns the migration record.
func (c *Client) Submit(req *types.MigrationRequest) (*types.Migration, error) {
	var m types.Migration
	if err := c.do(http.MethodPost, "/v1/migrations", req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Start begins execution of a pending migration.
func (c *Client) Start(id string) error {
	return c.do(http.MethodPost, fmt.Sprintf("/v1/migrations/%s/start", id), nil, nil)
}

// Cancel requests cancellation of a migration.
func (c *Client) Cancel(id string) error {
	return c.do(http.MethodPost, fmt.Sprintf("/v1/migrations/%s/cancel", id), nil, nil)
}

// Ack acknowledges an unrecoverable migration, releasing its locks.
func (c *Client) Ack(id string) error {
	return c.do(http.MethodPost, fmt.Sprintf("/v1/migrations/%s/ack", id), nil, nil)
}

// Status fetches a migration and its per-shard progress.
func (c *Client) Status(id string) (*api.StatusResponse, error) {
	var status api.StatusResponse
	if err := c.do(http.MethodGet, fmt.Sprintf("/v1/migrations/%s", id), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// List fetches all migrations, optionally filtered by state.
func (c *Client) List(state string) ([]*types.Migration, error) {
	path := "/v1/migrations"
	if state != "" {
		path += "?state=" + state
	}
	var migrations []*types.Migration
	if err := c.do(http.MethodGet, path, nil, &migrations); err != nil {
		return nil, err
	}
	return migrations, nil
}

// Events fetches the ordered event history of a migration.
func (c *Client) Events(id string) ([]*types.Event, error) {
	var events []*types.Event
	if err := c.do(http.MethodGet, fmt.Sprintf("/v1/migrations/%s/events", id), nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) do(method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if derr := json.NewDecoder(resp.Body).Decode(&apiErr); derr == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
