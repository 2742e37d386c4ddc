package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 4 << 20
)

// Client speaks JSON-RPC to one server, one POST per message.
type Client struct {
	config *ServerConfig
	http   *http.Client
	logger *slog.Logger

	mu      sync.RWMutex
	session string
	server  serverInfo
	tools   []Tool
}

// NewClient creates a client. Connect must succeed before tools are known.
func NewClient(cfg *ServerConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config: cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger.With("mcp_server", cfg.ID),
	}
}

// Connect performs the initialize handshake and loads the tool list.
func (c *Client) Connect(ctx context.Context) error {
	raw, err := c.call(ctx, "", "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "chatsubmit", "version": "1.0.0"},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.mu.Lock()
	c.server = init.ServerInfo
	c.mu.Unlock()

	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}
	return c.RefreshTools(ctx)
}

// RefreshTools reloads the advertised tools.
func (c *Client) RefreshTools(ctx context.Context) error {
	raw, err := c.call(ctx, "", "tools/list", nil)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	var list listToolsResult
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("parse tools: %w", err)
	}
	c.mu.Lock()
	c.tools = list.Tools
	c.mu.Unlock()
	return nil
}

// Tools returns the tools loaded by the last refresh.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Tool(nil), c.tools...)
}

// ServerName is the name reported during initialize.
func (c *Client) ServerName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server.Name
}

// CallTool runs tools/call. The tool call id doubles as the JSON-RPC id so
// server logs can be matched to the submission that issued the call.
func (c *Client) CallTool(ctx context.Context, callID, name string, args map[string]any) (*CallResult, error) {
	raw, err := c.call(ctx, callID, "tools/call", callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var out CallResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse tool result: %w", err)
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, id, method string, params any) (json.RawMessage, error) {
	if id == "" {
		id = uuid.NewString()
	}
	msg, err := newMessage(id, method, params)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, msg)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if session := resp.Header.Get(sessionHeader); session != "" {
		c.mu.Lock()
		c.session = session
		c.mu.Unlock()
	}

	var out rpcResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if out.Error != nil {
		return nil, out.Error
	}
	return out.Result, nil
}

func (c *Client) notify(ctx context.Context, method string) error {
	msg, err := newMessage("", method, nil)
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, msg)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, msg rpcMessage) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	c.mu.RLock()
	if c.session != "" {
		req.Header.Set(sessionHeader, c.session)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", msg.Method, err)
	}
	return resp, nil
}

func newMessage(id, method string, params any) (rpcMessage, error) {
	msg := rpcMessage{JSONRPC: jsonrpcVersion, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return rpcMessage{}, fmt.Errorf("marshal %s params: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}
