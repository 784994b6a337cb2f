// Package inference implements the Ollama-style JSON HTTP client the
// Classifier and Action Agent extraction step use to reach the local
// inference endpoint (spec §4.4, §6).
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"mailsync/core/port/out"
	"mailsync/pkg/apperr"
	"mailsync/pkg/httputil"
	"mailsync/pkg/logger"
	"mailsync/pkg/resilience"
)

// generateRequest mirrors Ollama's /api/generate body: JSON mode, no
// streaming, and an explicit keep_alive so a classification burst doesn't
// pin the model in memory indefinitely.
type generateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	Format    string         `json:"format"`
	Stream    bool           `json:"stream"`
	KeepAlive string         `json:"keep_alive"`
	Options   map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Client posts to a single Ollama-compatible endpoint, wrapped in a
// circuit breaker so a stalled local model doesn't pile up blocked
// classification goroutines.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *resilience.CircuitBreaker
	log     *logger.Logger
}

func New(baseURL string, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    httputil.InferenceClient(),
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("inference")),
		log:     log,
	}
}

// Generate satisfies out.InferenceClient. req.Timeout of 0 falls back to
// the shared inference client's own timeout.
func (c *Client) Generate(ctx context.Context, req out.InferenceRequest) (string, error) {
	body := generateRequest{
		Model:     req.Model,
		Prompt:    req.Prompt,
		Format:    "json",
		Stream:    false,
		KeepAlive: keepAliveParam(req.KeepAlive),
	}
	if req.Temperature != 0 {
		body.Options = map[string]any{"temperature": req.Temperature}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", apperr.InferenceError("encode request", err)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var result string
	err = c.breaker.Execute(func() error {
		resp, execErr := c.doRequest(ctx, payload)
		if execErr != nil {
			return execErr
		}
		result = resp
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (c *Client) doRequest(ctx context.Context, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return "", apperr.InferenceError("build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", apperr.TransportError("inference_generate", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.TransportError("inference_read_body", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.log.WithField("status", resp.StatusCode).Warn("inference: non-200 response")
		return "", apperr.InferenceError(fmt.Sprintf("inference endpoint returned %d", resp.StatusCode), nil)
	}

	var decoded generateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", apperr.InferenceError("decode response envelope", err)
	}
	return decoded.Response, nil
}

func keepAliveParam(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	return d.String()
}

var _ out.InferenceClient = (*Client)(nil)
