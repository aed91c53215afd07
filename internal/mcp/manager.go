package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/haasonsaas/anvil/internal/observability"
)

// ToolPrefix marks bridged tool names in the agent's tool space.
const ToolPrefix = "mcp_"

// Config is the MCP section of the runtime configuration.
type Config struct {
	Enabled bool            `yaml:"enabled" json:"enabled"`
	Servers []*ServerConfig `yaml:"servers" json:"servers"`
}

// Manager owns the server connections and bridges their tools into the
// agent's namespace as mcp_<server>_<tool>. It implements the runtime's
// MCP bridge contract.
type Manager struct {
	config  *Config
	logger  *observability.Logger
	clients map[string]*Client
	mu      sync.RWMutex
}

// NewManager creates a manager over the configured servers.
func NewManager(cfg *Config, logger *observability.Logger) *Manager {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Manager{
		config:  cfg,
		logger:  logger.WithFields("component", "mcp"),
		clients: make(map[string]*Client),
	}
}

// Start connects every auto_start server. A failed server is logged and
// skipped; the rest still come up.
func (m *Manager) Start(ctx context.Context) error {
	if m.config == nil || !m.config.Enabled {
		m.logger.Debug(ctx, "mcp disabled")
		return nil
	}
	for _, serverCfg := range m.config.Servers {
		if !serverCfg.AutoStart {
			continue
		}
		if err := m.Connect(ctx, serverCfg.Name); err != nil {
			m.logger.Error(ctx, "mcp server connect failed",
				"server", serverCfg.Name, "error", err)
		}
	}
	return nil
}

// Stop disconnects every server.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Error(context.Background(), "mcp client close failed",
				"server", name, "error", err)
		}
		delete(m.clients, name)
	}
	return nil
}

// Connect brings up one server by name. Connecting an already-connected
// server is a no-op.
func (m *Manager) Connect(ctx context.Context, name string) error {
	var serverCfg *ServerConfig
	for _, cfg := range m.config.Servers {
		if cfg.Name == name {
			serverCfg = cfg
			break
		}
	}
	if serverCfg == nil {
		return fmt.Errorf("mcp server %q not found in config", name)
	}
	if err := serverCfg.Validate(); err != nil {
		return err
	}

	m.mu.RLock()
	_, exists := m.clients[name]
	m.mu.RUnlock()
	if exists {
		return nil
	}

	client := NewClient(serverCfg, m.logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.clients[name] = client
	m.mu.Unlock()
	return nil
}

// Disconnect tears down one server by name.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, exists := m.clients[name]
	if !exists {
		return nil
	}
	if err := client.Close(); err != nil {
		return err
	}
	delete(m.clients, name)
	m.logger.Info(context.Background(), "disconnected from mcp server", "server", name)
	return nil
}

// Client returns the client for a server name.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, exists := m.clients[name]
	return client, exists
}

// CallTool routes a prefixed tool name ("mcp_<server>_<tool>") to its
// server. The second return reports whether the server flagged the
// result as an error.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	server, tool, err := m.resolve(name)
	if err != nil {
		return "", false, err
	}
	client, exists := m.Client(server)
	if !exists {
		return "", false, fmt.Errorf("mcp server %q not connected", server)
	}

	result, err := client.CallTool(ctx, tool, args)
	if err != nil {
		return "", false, err
	}
	return result.Text(), result.IsError, nil
}

// ToolDefinitions exports every discovered tool in the registry's schema
// shape, prefixed so the executor routes calls back here.
func (m *Manager) ToolDefinitions() []map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var defs []map[string]any
	for name, client := range m.clients {
		for _, tool := range client.Tools() {
			var params map[string]any
			if len(tool.InputSchema) > 0 {
				if err := json.Unmarshal(tool.InputSchema, &params); err != nil {
					params = nil
				}
			}
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			desc := tool.Description
			if desc == "" {
				desc = fmt.Sprintf("Tool %s from MCP server %s.", tool.Name, name)
			}
			defs = append(defs, map[string]any{
				"name":        BridgedName(name, tool.Name),
				"description": desc,
				"parameters":  params,
			})
		}
	}
	return defs
}

// BridgedName builds the agent-visible name for a server tool.
func BridgedName(server, tool string) string {
	return ToolPrefix + sanitizeName(server) + "_" + tool
}

// resolve splits a prefixed name back into server and tool. Server names
// may contain underscores, so the match runs against the configured
// servers rather than splitting blindly.
func (m *Manager) resolve(name string) (server, tool string, err error) {
	rest, ok := strings.CutPrefix(name, ToolPrefix)
	if !ok {
		return "", "", fmt.Errorf("not an mcp tool name: %q", name)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for candidate := range m.clients {
		prefix := sanitizeName(candidate) + "_"
		if t, ok := strings.CutPrefix(rest, prefix); ok && t != "" {
			return candidate, t, nil
		}
	}
	return "", "", fmt.Errorf("no connected mcp server matches tool %q", name)
}

// sanitizeName makes a server name safe for the flat tool namespace.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '-'
		}
	}, name)
}

// ServerStatus summarizes one configured server for status displays.
type ServerStatus struct {
	Name      string     `json:"name"`
	Connected bool       `json:"connected"`
	Server    ServerInfo `json:"server"`
	Tools     int        `json:"tools"`
}

// Status reports every configured server, connected or not.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var statuses []ServerStatus
	if m.config == nil {
		return statuses
	}
	for _, cfg := range m.config.Servers {
		status := ServerStatus{Name: cfg.Name}
		if client, exists := m.clients[cfg.Name]; exists {
			status.Connected = client.Connected()
			status.Server = client.ServerInfo()
			status.Tools = len(client.Tools())
		}
		statuses = append(statuses, status)
	}
	return statuses
}
