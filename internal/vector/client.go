package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout = 15 * time.Second
	maxBody        = 1 << 20

	// cipherField carries the sealed payload when an Encryptor is configured.
	cipherField = "_cipher"
)

// Point is one stored record. Score is only set on search results.
type Point struct {
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload"`
	Score   float64        `json:"score,omitempty"`
}

// Config holds the vector store connection settings.
type Config struct {
	// BaseURL is the root of the store's REST API, e.g. "http://vector:6333".
	BaseURL string

	// APIKey is sent as the x-api-key header when non-empty.
	APIKey string

	// Timeout bounds each request. Defaults to 15s.
	Timeout time.Duration

	// PlainFields are payload fields copied alongside the ciphertext when
	// encryption is on, so the store can still filter on them. Defaults to
	// ["user_id"].
	PlainFields []string
}

// Client talks to the vector store over HTTP. With an Encryptor configured,
// payloads are sealed before upload and opened transparently on every read
// path, so callers always see plaintext.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
	enc    *Encryptor
	plain  []string
	logger *zap.Logger
}

// NewClient builds a Client. enc may be nil for plaintext payloads.
func NewClient(cfg Config, enc *Encryptor, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	plain := cfg.PlainFields
	if plain == nil {
		plain = []string{"user_id"}
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey: cfg.APIKey,
		http:   &http.Client{Timeout: cfg.Timeout},
		enc:    enc,
		plain:  plain,
		logger: logger,
	}
}

// EnsureCollection creates the collection if it does not exist. Already
// existing collections are not an error.
func (c *Client) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	body := map[string]any{"vector_size": vectorSize}
	resp, err := c.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(name), body)
	if err != nil {
		return fmt.Errorf("ensure collection %s: %w", name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict:
		// Collection already exists.
		return nil
	default:
		return fmt.Errorf("ensure collection %s: %w", name, apiError(resp))
	}
}

// StorePoint upserts one point. vec may be nil when the store computes
// embeddings server-side from the payload.
func (c *Client) StorePoint(ctx context.Context, collection, id string, payload map[string]any, vec []float32) error {
	sealed, err := c.sealPayload(payload)
	if err != nil {
		return fmt.Errorf("store point %s: %w", id, err)
	}
	body := map[string]any{"payload": sealed}
	if len(vec) > 0 {
		body["vector"] = vec
	}

	resp, err := c.do(ctx, http.MethodPut, c.pointPath(collection, id), body)
	if err != nil {
		return fmt.Errorf("store point %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("store point %s: %w", id, apiError(resp))
	}
	return nil
}

// Search runs a semantic query and returns up to limit points scoring at or
// above scoreThreshold. filter narrows candidates by payload fields.
func (c *Client) Search(ctx context.Context, collection, query string, filter map[string]any, limit int, scoreThreshold float64) ([]Point, error) {
	body := map[string]any{
		"query": query,
		"limit": limit,
	}
	if len(filter) > 0 {
		body["filter"] = filter
	}
	if scoreThreshold > 0 {
		body["score_threshold"] = scoreThreshold
	}

	resp, err := c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/points/search", body)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search %s: %w", collection, apiError(resp))
	}
	return c.decodePoints(resp.Body)
}

// GetByID fetches one point. A missing id returns (nil, nil).
func (c *Client) GetByID(ctx context.Context, collection, id string) (*Point, error) {
	resp, err := c.do(ctx, http.MethodGet, c.pointPath(collection, id), nil)
	if err != nil {
		return nil, fmt.Errorf("get point %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("get point %s: %w", id, apiError(resp))
	}

	var p Point
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&p); err != nil {
		return nil, fmt.Errorf("get point %s: decode response: %w", id, err)
	}
	p.Payload, err = c.openPayload(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("get point %s: %w", id, err)
	}
	return &p, nil
}

// FilterByField returns up to limit points whose payload field equals value.
// With encryption on, only fields in PlainFields are visible to the store.
func (c *Client) FilterByField(ctx context.Context, collection, field string, value any, limit int) ([]Point, error) {
	body := map[string]any{
		"field": field,
		"value": value,
		"limit": limit,
	}
	resp, err := c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/points/filter", body)
	if err != nil {
		return nil, fmt.Errorf("filter %s by %s: %w", collection, field, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("filter %s by %s: %w", collection, field, apiError(resp))
	}
	return c.decodePoints(resp.Body)
}

// DeleteByID removes one point. Deleting a missing id is not an error.
func (c *Client) DeleteByID(ctx context.Context, collection, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.pointPath(collection, id), nil)
	if err != nil {
		return fmt.Errorf("delete point %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("delete point %s: %w", id, apiError(resp))
	}
}

func (c *Client) pointPath(collection, id string) string {
	return "/collections/" + url.PathEscape(collection) + "/points/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vector store request: %w", err)
	}
	return resp, nil
}

func (c *Client) decodePoints(body io.Reader) ([]Point, error) {
	var out struct {
		Results []Point `json:"results"`
	}
	if err := json.NewDecoder(io.LimitReader(body, maxBody)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	for i := range out.Results {
		payload, err := c.openPayload(out.Results[i].Payload)
		if err != nil {
			return nil, fmt.Errorf("point %s: %w", out.Results[i].ID, err)
		}
		out.Results[i].Payload = payload
	}
	return out.Results, nil
}

// sealPayload encrypts the whole payload into cipherField and copies the
// configured plain fields alongside so the store can filter on them.
func (c *Client) sealPayload(payload map[string]any) (map[string]any, error) {
	if c.enc == nil {
		return payload, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	sealed, err := c.enc.Seal(data)
	if err != nil {
		return nil, err
	}
	out := map[string]any{cipherField: sealed}
	for _, f := range c.plain {
		if v, ok := payload[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

// openPayload decrypts a stored payload back to the original map. Payloads
// without a cipher field pass through untouched, so plaintext collections
// keep working after encryption is enabled.
func (c *Client) openPayload(stored map[string]any) (map[string]any, error) {
	if c.enc == nil || stored == nil {
		return stored, nil
	}
	sealed, ok := stored[cipherField].(string)
	if !ok {
		return stored, nil
	}
	data, err := c.enc.Open(sealed)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("vector store returned %d: %s", resp.StatusCode, msg)
}
