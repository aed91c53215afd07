package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/haasonsaas/anvil/internal/observability"
)

// protocolVersion is the MCP revision this client negotiates.
const protocolVersion = "2024-11-05"

// Client holds one server connection and its discovered tool list. The
// list is refreshed on connect and whenever the server announces a
// change.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *observability.Logger

	mu    sync.RWMutex
	tools []*RemoteTool

	serverInfo ServerInfo
}

// NewClient creates a client for one configured server.
func NewClient(cfg *ServerConfig, logger *observability.Logger) *Client {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Client{
		config:    cfg,
		transport: NewTransport(cfg, logger),
		logger:    logger.WithFields("mcp_server", cfg.Name),
	}
}

// Connect establishes the transport, runs the initialize handshake, and
// loads the tool list.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "anvil",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.serverInfo = initResult.ServerInfo
	c.logger.Info(ctx, "connected to mcp server",
		"name", c.serverInfo.Name,
		"version", c.serverInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn(ctx, "initialized notification failed", "error", err)
	}

	if err := c.RefreshTools(ctx); err != nil {
		c.logger.Warn(ctx, "tool discovery failed", "error", err)
	}

	go c.watchEvents()
	return nil
}

// Close tears the connection down.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Config returns the server configuration.
func (c *Client) Config() *ServerConfig { return c.config }

// ServerInfo returns the identity the server reported at initialize.
func (c *Client) ServerInfo() ServerInfo { return c.serverInfo }

// Connected reports whether the transport is up.
func (c *Client) Connected() bool { return c.transport.Connected() }

// RefreshTools replaces the cached tool list from tools/list.
func (c *Client) RefreshTools(ctx context.Context) error {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list: %w", err)
	}

	c.mu.Lock()
	c.tools = resp.Tools
	c.mu.Unlock()
	c.logger.Debug(ctx, "refreshed tools", "count", len(resp.Tools))
	return nil
}

// Tools returns the cached tool list.
func (c *Client) Tools() []*RemoteTool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// CallTool invokes one tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*CallResult, error) {
	params := CallToolParams{Name: name}
	if arguments != nil {
		argsJSON, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = argsJSON
	}

	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var callResult CallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &callResult, nil
}

// watchEvents refreshes the tool cache when the server signals a change.
// The loop ends when the transport closes its event channel or drops.
func (c *Client) watchEvents() {
	for notif := range c.transport.Events() {
		if notif == nil || notif.Method != "notifications/tools/list_changed" {
			continue
		}
		if !c.transport.Connected() {
			return
		}
		if err := c.RefreshTools(context.Background()); err != nil {
			c.logger.Warn(context.Background(), "tool refresh after list_changed failed", "error", err)
		}
	}
}
