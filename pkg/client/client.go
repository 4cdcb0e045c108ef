// Package client implements a Go client for the supervisor's /mcp
// JSON-RPC surface, grounded on the reference implementation's own
// pkg/client (Config/New/doRequest shape, TLS stripped since the
// remote-control transport's own framing/auth is out of this project's
// core scope) plus a reachability-polling helper built on
// github.com/cenkalti/backoff/v4's continuous exponential backoff — a
// good fit here precisely because polling reachability has none of
// CrashBackoff's requirement to reproduce an exact worked sequence.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	cenkaltibackoff "github.com/cenkalti/backoff/v4"
)

// Config holds client configuration.
type Config struct {
	BaseURL string // e.g. http://127.0.0.1:4000/mcp
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{BaseURL: "http://127.0.0.1:4000/mcp", Timeout: 10 * time.Second}
}

// Client talks JSON-RPC 2.0 to one supervisor's /mcp endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	nextID  int64
}

// New creates a Client from cfg, applying defaults for zero fields.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// call performs one JSON-RPC request and returns the raw result payload.
func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("mcp request failed", "method", method, "error", err)
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// toolCallResult is the {"content": [{"type": "text", "text": "..."}]}
// shape every tools/call response carries.
type toolCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *Client) callTool(ctx context.Context, name string, arguments interface{}) (string, error) {
	raw, err := c.call(ctx, "tools/call", map[string]interface{}{"name": name, "arguments": arguments})
	if err != nil {
		return "", err
	}
	var result toolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode tool result: %w", err)
	}
	if len(result.Content) == 0 {
		return "", nil
	}
	return result.Content[0].Text, nil
}

// Initialize performs the handshake and returns the raw result payload.
func (c *Client) Initialize(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "initialize", nil)
}

// SearchLogs calls the search_logs tool.
func (c *Client) SearchLogs(ctx context.Context, process string, opts SearchOptions) (string, error) {
	return c.callTool(ctx, "search_logs", opts.withProcess(process))
}

// SearchBuildLog calls the search_build_log tool.
func (c *Client) SearchBuildLog(ctx context.Context, process string, opts SearchOptions) (string, error) {
	return c.callTool(ctx, "search_build_log", opts.withProcess(process))
}

// Restart calls the restart tool.
func (c *Client) Restart(ctx context.Context, process string) (string, error) {
	return c.callTool(ctx, "restart", map[string]interface{}{"process": process})
}

// GetStatus calls the get_status tool.
func (c *Client) GetStatus(ctx context.Context) (string, error) {
	return c.callTool(ctx, "get_status", map[string]interface{}{})
}

// IsReachable reports whether the supervisor answers an initialize call.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Initialize(ctx)
	return err == nil
}

// WaitReachable polls IsReachable with continuous exponential backoff until
// it succeeds or ctx is canceled. Unlike CrashBackoff (internal/backoff),
// this has no worked sequence to reproduce, so the library's continuous
// ExponentialBackOff is the right fit; only its initial interval (100ms),
// maximum interval (5s) and elapsed-time limit (none, ctx bounds it) are
// overridden.
func (c *Client) WaitReachable(ctx context.Context) error {
	bo := cenkaltibackoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0 // bounded by ctx instead

	return cenkaltibackoff.Retry(func() error {
		if c.IsReachable(ctx) {
			return nil
		}
		return fmt.Errorf("supervisor not yet reachable at %s", c.baseURL)
	}, cenkaltibackoff.WithContext(bo, ctx))
}
