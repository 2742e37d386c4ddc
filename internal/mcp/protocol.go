// Package mcp dispatches tool calls the local registry does not know to
// Model Context Protocol servers reachable over HTTP.
package mcp

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

const (
	protocolVersion = "2024-11-05"
	jsonrpcVersion  = "2.0"

	// sessionHeader carries the server-issued session id on every request
	// after initialize.
	sessionHeader = "Mcp-Session-Id"
)

// JSON-RPC error codes returned by MCP servers.
const (
	CodeMethodNotFound = -32601
	CodeToolNotFound   = -32002
)

// ServerConfig describes one MCP server.
type ServerConfig struct {
	ID      string            `yaml:"id" json:"id"`
	Name    string            `yaml:"name" json:"name"`
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`

	// Timeout bounds each HTTP round trip. Default: 30s
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// Validate requires an id and an http(s) url.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("server id is required")
	}
	if c.URL == "" {
		return fmt.Errorf("server %s: url is required", c.ID)
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("server %s: invalid url: %w", c.ID, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server %s: url scheme must be http or https, got %q", c.ID, u.Scheme)
	}
	return nil
}

// Tool is a tool advertised by a server in tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// CallResult is the tools/call result.
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one item of a tool result. Only text items reach the model.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// RPCError is an error object returned by the server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// rpcMessage covers requests and notifications; notifications omit the id.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      serverInfo `json:"serverInfo"`
}

type listToolsResult struct {
	Tools []Tool `json:"tools"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}
