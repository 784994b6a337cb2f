// Package toolclient implements the Action Agent's remote tool
// registry/invocation port (spec §4.6, §6) as a small REST client: GET
// /api/tools lists available tools, POST /api/tools/{server}/{tool}
// invokes one.
package toolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"mailsync/core/port/out"
	"mailsync/pkg/apperr"
	"mailsync/pkg/httputil"
	"mailsync/pkg/logger"
)

// Client talks to a single tool-gateway endpoint. Tool invocation calls
// go through their own gobreaker.CircuitBreaker, separate from the API
// provider's breaker and from the pkg/resilience breaker guarding
// inference calls: a flaky tool endpoint should not affect classification
// or fetch.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger
}

func New(baseURL string, log *logger.Logger) *Client {
	settings := gobreaker.Settings{
		Name:        "tool_client",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Client{
		baseURL: baseURL,
		http:    httputil.ToolClient(),
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log,
	}
}

type toolDescriptorWire struct {
	ServerID    string         `json:"server_id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

// ListTools satisfies out.ToolClient. An unreachable endpoint is not
// wrapped into a degraded default here: the caller (Action Agent) treats
// any error from this call as "skip the action pipeline this run".
func (c *Client) ListTools(ctx context.Context) ([]out.ToolDescriptor, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.get(ctx, "/api/tools")
	})
	if err != nil {
		return nil, apperr.TransportError("tool_list", err)
	}
	raw := result.([]byte)

	var wire []toolDescriptorWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, apperr.ProtocolError("tool_list_decode", err)
	}

	descriptors := make([]out.ToolDescriptor, 0, len(wire))
	for _, w := range wire {
		descriptors = append(descriptors, out.ToolDescriptor{
			ServerID:    w.ServerID,
			Name:        w.Name,
			Description: w.Description,
			Schema:      w.Schema,
		})
	}
	return descriptors, nil
}

// InvokeTool satisfies out.ToolClient.
func (c *Client) InvokeTool(ctx context.Context, server, tool string, arguments map[string]any) (map[string]any, error) {
	path := fmt.Sprintf("/api/tools/%s/%s", url.PathEscape(server), url.PathEscape(tool))
	payload, err := json.Marshal(struct {
		Arguments map[string]any `json:"arguments"`
	}{Arguments: arguments})
	if err != nil {
		return nil, apperr.InternalWithError(err)
	}

	resultRaw, err := c.breaker.Execute(func() (any, error) {
		return c.post(ctx, path, payload)
	})
	if err != nil {
		return nil, apperr.TransportError("tool_invoke", err)
	}
	raw := resultRaw.([]byte)

	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, apperr.ProtocolError("tool_invoke_decode", err)
	}
	return result, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		c.log.WithField("status", resp.StatusCode).WithField("path", req.URL.Path).Warn("toolclient: non-2xx response")
		return nil, fmt.Errorf("tool endpoint returned %d: %s", resp.StatusCode, string(raw))
	}
	return raw, nil
}

var _ out.ToolClient = (*Client)(nil)
