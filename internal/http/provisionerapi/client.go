package provisionerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/slok/clusterd/internal/app/dispatch"
	"github.com/slok/clusterd/internal/model"
)

// ClientConfig is the configuration of the worker API client.
type ClientConfig struct {
	URL        string
	HTTPClient *http.Client
}

func (c *ClientConfig) defaults() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	c.URL = strings.TrimSuffix(c.URL, "/")
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return nil
}

// Client is the HTTP client of the worker API, status codes are mapped back to
// the model errors.
type Client struct {
	url string
	cli *http.Client
}

// NewClient returns a new worker API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{url: cfg.URL, cli: cfg.HTTPClient}, nil
}

// Take takes the next task of a provisioner.
func (c *Client) Take(ctx context.Context, opts dispatch.TakeOptions) (*model.TaskPayload, bool, error) {
	resp, err := c.post(ctx, "/v1/tasks/take", TakeRequest{
		TenantID:      opts.TenantID,
		ProvisionerID: opts.ProvisionerID,
		WorkerID:      opts.WorkerID,
	})
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, false, nil
	}

	var p model.TaskPayload
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, false, fmt.Errorf("could not decode payload: %w", err)
	}

	return &p, true, nil
}

// Finish reports the completion of a task.
func (c *Client) Finish(ctx context.Context, r model.CompletionReport) error {
	resp, err := c.post(ctx, "/v1/tasks/finish", r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("could not encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var e ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&e)
	msg := e.Error
	if msg == "" {
		msg = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return nil, fmt.Errorf("%s: %w", msg, model.ErrNotValid)
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", msg, model.ErrNotFound)
	case http.StatusConflict:
		return nil, fmt.Errorf("%s: %w", msg, model.ErrNotOwner)
	}
	return nil, fmt.Errorf("request to %s failed: %s", path, msg)
}
