package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout = 60 * time.Second
	maxBody        = 1 << 20
)

// Config holds the broker connection settings.
type Config struct {
	// BaseURL is the broker's API root, e.g. "http://broker:8089".
	BaseURL string

	// APIKey is sent as a bearer token when non-empty.
	APIKey string

	// Model names the model the broker should route to.
	Model string

	// Timeout bounds each inference call. Defaults to 60s.
	Timeout time.Duration
}

// HTTPBroker calls the broker's /v1/infer endpoint.
type HTTPBroker struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewHTTPBroker builds the raw HTTP client. Production wiring layers
// WithRateLimit and WithBreaker on top.
func NewHTTPBroker(cfg Config, logger *zap.Logger) *HTTPBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &HTTPBroker{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type inferRequest struct {
	Model       string  `json:"model,omitempty"`
	TaskType    string  `json:"task_type"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

type inferResponse struct {
	Content string `json:"content"`
}

// Infer implements Broker.
func (b *HTTPBroker) Infer(ctx context.Context, taskType, prompt string, maxTokens int, temperature float64) (string, error) {
	payload := inferRequest{
		Model:       b.cfg.Model,
		TaskType:    taskType,
		Prompt:      prompt,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal infer request: %w", err)
	}

	url := strings.TrimRight(b.cfg.BaseURL, "/") + "/v1/infer"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create infer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}

	start := time.Now()
	resp, err := b.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("broker request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return "", fmt.Errorf("broker shedding load (%d): %w", resp.StatusCode, ErrUnavailable)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("broker API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out inferResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode infer response: %w", err)
	}
	if out.Content == "" {
		return "", fmt.Errorf("broker returned empty content for task %s", taskType)
	}

	b.logger.Debug("inference complete",
		zap.String("task_type", taskType),
		zap.Duration("elapsed", time.Since(start)))
	return out.Content, nil
}
