package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/chatsubmit/internal/llm"
)

// ErrUnknownTool is returned when no connected server exposes the tool.
var ErrUnknownTool = errors.New("mcp: unknown tool")

// Manager owns one client per server and a tool-name route table.
type Manager struct {
	config  *Config
	logger  *slog.Logger
	clients map[string]*Client
	routes  map[string]string
	mu      sync.RWMutex
}

// Config holds the MCP manager configuration.
type Config struct {
	Enabled bool            `yaml:"enabled" json:"enabled"`
	Servers []*ServerConfig `yaml:"servers" json:"servers"`
}

// NewManager creates a new MCP manager.
func NewManager(cfg *Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:  cfg,
		logger:  logger.With("component", "mcp"),
		clients: make(map[string]*Client),
		routes:  make(map[string]string),
	}
}

// Start connects to all configured servers. A server that fails to connect
// is logged and skipped.
func (m *Manager) Start(ctx context.Context) error {
	if m.config == nil || !m.config.Enabled {
		m.logger.Debug("MCP disabled")
		return nil
	}
	for _, serverCfg := range m.config.Servers {
		if err := m.Connect(ctx, serverCfg); err != nil {
			m.logger.Error("failed to connect to MCP server",
				"server", serverCfg.ID,
				"error", err)
		}
	}
	return nil
}

// Connect connects one server and indexes its tools. On a name collision the
// first server to advertise the tool keeps it.
func (m *Manager) Connect(ctx context.Context, cfg *ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	client := NewClient(cfg, m.logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[cfg.ID] = client
	for _, tool := range client.Tools() {
		if owner, taken := m.routes[tool.Name]; taken && owner != cfg.ID {
			m.logger.Warn("duplicate MCP tool name", "tool", tool.Name, "server", cfg.ID, "owner", owner)
			continue
		}
		m.routes[tool.Name] = cfg.ID
	}
	m.logger.Info("connected to MCP server",
		"server", cfg.ID,
		"name", client.ServerName(),
		"tools", len(client.Tools()))
	return nil
}

// HasTool reports whether any connected server exposes name.
func (m *Manager) HasTool(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.routes[name]
	return ok
}

// CallTool routes a tool call to its server. Text content is joined and
// returned as a string; a result flagged isError becomes an error.
func (m *Manager) CallTool(ctx context.Context, callID, name string, args map[string]any) (any, error) {
	m.mu.RLock()
	serverID, ok := m.routes[name]
	client := m.clients[serverID]
	m.mu.RUnlock()
	if !ok || client == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	m.logger.Debug("calling MCP tool", "server", serverID, "tool", name, "call_id", callID)
	result, err := client.CallTool(ctx, callID, name, args)
	if err != nil {
		return nil, err
	}
	text := resultText(result)
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, errors.New(text)
	}
	return text, nil
}

// Definitions returns tool definitions for every routed tool, sorted by name.
func (m *Manager) Definitions() []llm.ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var defs []llm.ToolDefinition
	for id, client := range m.clients {
		for _, tool := range client.Tools() {
			if m.routes[tool.Name] != id {
				continue
			}
			defs = append(defs, llm.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			})
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func resultText(result *CallResult) string {
	var parts []string
	for _, c := range result.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}
