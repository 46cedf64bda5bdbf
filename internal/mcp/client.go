package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

// Client is an MCP client bound to a single server. It drives the
// initialize handshake over its transport and serializes requests so that
// JSON-RPC id/response pairing stays unambiguous.
type Client struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	// callMu serializes in-flight requests per client.
	callMu sync.Mutex

	mu         sync.RWMutex
	status     ConnectionStatus
	tools      []models.ToolDescriptor
	serverInfo ServerInfo
}

// NewClient creates a client for the given server configuration.
func NewClient(cfg *ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    cfg,
		transport: NewTransport(cfg),
		logger:    logger.With("mcp_server", cfg.ID),
		status:    ConnectionStatus{State: StateDisconnected},
	}
}

// Initialize connects the transport and runs the strict handshake:
// initialize → record session → notifications/initialized → tools/list.
func (c *Client) Initialize(ctx context.Context) error {
	c.setStatus(ConnectionStatus{State: StateConnecting})

	if err := c.transport.Connect(ctx); err != nil {
		c.setStatus(ConnectionStatus{State: StateError, Reason: err.Error()})
		return models.WrapError(models.ErrKindTransport, err, "transport connect")
	}

	result, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    ClientName,
			"version": ClientVersion,
		},
	})
	if err != nil {
		c.transport.Close()
		c.setStatus(ConnectionStatus{State: StateError, Reason: err.Error()})
		return models.WrapError(models.ErrKindProtocol, err, "initialize")
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		c.setStatus(ConnectionStatus{State: StateError, Reason: err.Error()})
		return models.WrapError(models.ErrKindProtocol, err, "parse initialize result")
	}

	c.mu.Lock()
	c.serverInfo = initResult.ServerInfo
	c.mu.Unlock()

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	c.setStatus(ConnectionStatus{State: StateConnected})
	c.logger.Info("connected to MCP server",
		"name", initResult.ServerInfo.Name,
		"version", initResult.ServerInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.RefreshTools(ctx); err != nil {
		c.logger.Warn("failed to refresh tools", "error", err)
	}
	return nil
}

// Stop closes the transport.
func (c *Client) Stop() error {
	err := c.transport.Close()
	c.setStatus(ConnectionStatus{State: StateDisconnected})
	return err
}

// Config returns the server configuration.
func (c *Client) Config() *ServerConfig { return c.config }

// ServerInfo returns the identity reported during initialize.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status.State == StateConnected && !c.transport.Connected() {
		return ConnectionStatus{State: StateDisconnected}
	}
	return c.status
}

// IsConnected reports whether the client completed its handshake and the
// transport is still up.
func (c *Client) IsConnected() bool {
	return c.Status().Connected()
}

// RefreshTools fetches tools/list and replaces the cached descriptors.
func (c *Client) RefreshTools(ctx context.Context) error {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return models.WrapError(models.ErrKindTransport, err, "tools/list")
	}
	var listed ListToolsResult
	if err := json.Unmarshal(result, &listed); err != nil {
		return models.WrapError(models.ErrKindProtocol, err, "parse tools/list result")
	}
	c.mu.Lock()
	c.tools = listed.Tools
	c.mu.Unlock()
	c.logger.Debug("refreshed tools", "count", len(listed.Tools))
	return nil
}

// ListTools returns the live tool list from the server.
func (c *Client) ListTools(ctx context.Context) ([]models.ToolDescriptor, error) {
	if !c.IsConnected() {
		return nil, models.NewError(models.ErrKindTransport, "client %s not connected", c.config.ID)
	}
	if err := c.RefreshTools(ctx); err != nil {
		return nil, err
	}
	return c.Tools(), nil
}

// Tools returns the cached tool descriptors from the last refresh.
func (c *Client) Tools() []models.ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.ToolDescriptor, len(c.tools))
	copy(out, c.tools)
	return out
}

// CallTool invokes tools/call for the named tool.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error) {
	if !c.IsConnected() {
		return nil, models.NewError(models.ErrKindTransport, "client %s not connected", c.config.ID)
	}

	params := CallToolParams{Name: name, Arguments: arguments}
	result, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, models.WrapError(models.ErrKindTransport, err, "tools/call %s", name)
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, models.WrapError(models.ErrKindProtocol, err, "parse tools/call result")
	}
	return &callResult, nil
}

// call serializes requests through the per-client mutex and applies the
// configured per-request timeout.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout())
	defer cancel()

	start := time.Now()
	result, err := c.transport.Call(callCtx, method, params)
	if err != nil {
		c.logger.Debug("call failed", "method", method, "elapsed", time.Since(start), "error", err)
		return nil, err
	}
	return result, nil
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}
