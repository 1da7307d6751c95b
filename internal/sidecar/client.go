package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/castelmind/castellan/internal/update"
)

const (
	defaultClientTimeout = 30 * time.Second
	// Applies block until the rollout finishes, so their client waits
	// far longer than the control-plane calls.
	applyClientTimeout = 30 * time.Minute
)

// Client is the skill runtime's typed view of the sidecar RPC.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	longOp  *http.Client
}

// NewClient creates a client for the sidecar at baseURL (no trailing
// slash), authenticating with the shared secret.
func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: defaultClientTimeout},
		longOp:  &http.Client{Timeout: applyClientTimeout},
	}
}

// Health checks the sidecar's unauthenticated liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]string
	return c.do(ctx, c.http, http.MethodGet, "/health", nil, &out)
}

// Status fetches the executor's current state.
func (c *Client) Status(ctx context.Context) (update.StatusInfo, error) {
	var out update.StatusInfo
	err := c.do(ctx, c.http, http.MethodGet, "/status", nil, &out)
	return out, err
}

// Apply asks the sidecar to roll the deployment to tag. It blocks until
// the operation completes; a concurrent operation surfaces as
// update.ErrBusy.
func (c *Client) Apply(ctx context.Context, tag, version string) (update.Result, error) {
	var out update.Result
	err := c.do(ctx, c.longOp, http.MethodPost, "/update/apply", applyRequest{Tag: tag, Version: version}, &out)
	return out, err
}

// Rollback asks the sidecar to restore previousSHA. An empty SHA lets
// the executor pick the last recorded previous SHA.
func (c *Client) Rollback(ctx context.Context, previousSHA string) (update.Result, error) {
	var out update.Result
	err := c.do(ctx, c.longOp, http.MethodPost, "/update/rollback", rollbackRequest{PreviousSHA: previousSHA}, &out)
	return out, err
}

// History fetches up to the 50 most recent results, newest first.
func (c *Client) History(ctx context.Context) ([]update.Result, error) {
	var out historyResponse
	if err := c.do(ctx, c.http, http.MethodGet, "/update/history", nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// Diagnostics fetches the deployment diagnostics snapshot.
func (c *Client) Diagnostics(ctx context.Context) (Diagnostics, error) {
	var out Diagnostics
	err := c.do(ctx, c.http, http.MethodGet, "/diagnostics", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, client *http.Client, method, path string, body, out any) error {
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	case http.StatusConflict:
		return update.ErrBusy
	case http.StatusUnauthorized:
		return fmt.Errorf("sidecar %s: unauthorized", path)
	default:
		var eb errorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err == nil && eb.Error != "" {
			return fmt.Errorf("sidecar %s: %s (status %d)", path, eb.Error, resp.StatusCode)
		}
		return fmt.Errorf("sidecar %s: unexpected status %d", path, resp.StatusCode)
	}
}
