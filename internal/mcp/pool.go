package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

// ServerConfigSource resolves persisted server configurations for
// auto-connect. The config store implements it.
type ServerConfigSource interface {
	MCPServerConfig(id string) (*ServerConfig, error)
}

// clientMeta is the pool's bookkeeping for one server.
type clientMeta struct {
	config             *ServerConfig
	createdAt          time.Time
	lastConnected      *time.Time
	connectionAttempts int
	lastError          string
}

// ClientInfo is a point-in-time view of one pooled client.
type ClientInfo struct {
	ServerID      string                  `json:"server_id"`
	Status        ConnectionStatus        `json:"status"`
	Tools         []models.ToolDescriptor `json:"tools,omitempty"`
	LastConnected *time.Time              `json:"last_connected,omitempty"`
	Attempts      int                     `json:"connection_attempts"`
	Error         string                  `json:"error,omitempty"`
}

// Statistics summarizes the pool.
type Statistics struct {
	TotalClients            int `json:"total_clients"`
	ConnectedClients        int `json:"connected_clients"`
	DisconnectedClients     int `json:"disconnected_clients"`
	ErrorClients            int `json:"error_clients"`
	TotalConnectionAttempts int `json:"total_connection_attempts"`
}

// Pool creates, indexes, and retires clients for the configured MCP servers.
// Reads take the shared lock; insert/remove take the exclusive lock. Clients
// are registered even when initialization fails so they can be reconnected
// later.
type Pool struct {
	logger  *slog.Logger
	configs ServerConfigSource

	mu      sync.RWMutex
	clients map[string]*Client
	meta    map[string]*clientMeta
}

// NewPool creates an empty pool. configs may be nil, in which case
// auto-connect by server id is unavailable.
func NewPool(configs ServerConfigSource, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		logger:  logger.With("component", "mcp_pool"),
		configs: configs,
		clients: make(map[string]*Client),
		meta:    make(map[string]*clientMeta),
	}
}

// CreateClient builds the transport variant for cfg, initializes it, and
// registers it. A failed initialization still registers the client and its
// error so a later reconnect can retry.
func (p *Pool) CreateClient(ctx context.Context, cfg *ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return models.WrapError(models.ErrKindValidation, err, "server config")
	}

	p.logger.Info("creating MCP client", "server", cfg.ID, "transport", cfg.Transport)

	client := NewClient(cfg, p.logger)
	initErr := client.Initialize(ctx)

	meta := &clientMeta{
		config:             cfg,
		createdAt:          time.Now(),
		connectionAttempts: 1,
	}
	if initErr == nil {
		now := time.Now()
		meta.lastConnected = &now
	} else {
		meta.lastError = initErr.Error()
	}

	p.mu.Lock()
	p.clients[cfg.ID] = client
	if prev, ok := p.meta[cfg.ID]; ok {
		meta.connectionAttempts += prev.connectionAttempts
		meta.createdAt = prev.createdAt
	}
	p.meta[cfg.ID] = meta
	p.mu.Unlock()

	if initErr != nil {
		p.logger.Warn("client registered with failed initialization",
			"server", cfg.ID, "error", initErr)
		return initErr
	}
	return nil
}

// RemoveClient stops and drops the client and its metadata.
func (p *Pool) RemoveClient(id string) error {
	p.mu.Lock()
	client, ok := p.clients[id]
	delete(p.clients, id)
	delete(p.meta, id)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	if err := client.Stop(); err != nil {
		p.logger.Warn("error stopping client", "server", id, "error", err)
	}
	p.logger.Info("removed MCP client", "server", id)
	return nil
}

// ReconnectClient tears the client down and recreates it from its previous
// configuration, incrementing the attempt counter.
func (p *Pool) ReconnectClient(ctx context.Context, id string) error {
	p.mu.RLock()
	meta, ok := p.meta[id]
	var cfg *ServerConfig
	var prevAttempts int
	if ok {
		cfg = meta.config
		prevAttempts = meta.connectionAttempts
	}
	p.mu.RUnlock()

	if !ok {
		return models.NewError(models.ErrKindNotFound, "client metadata not found: %s", id)
	}

	p.logger.Info("reconnecting MCP client", "server", id)
	if err := p.RemoveClient(id); err != nil {
		return err
	}
	err := p.CreateClient(ctx, cfg)

	p.mu.Lock()
	if m, ok := p.meta[id]; ok {
		m.connectionAttempts += prevAttempts
	}
	p.mu.Unlock()
	return err
}

// Client returns a pooled client by server id.
func (p *Pool) Client(id string) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	client, ok := p.clients[id]
	return client, ok
}

// Clients returns a snapshot of the client map.
func (p *Pool) Clients() map[string]*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]*Client, len(p.clients))
	for id, c := range p.clients {
		out[id] = c
	}
	return out
}

// ClientCount returns the number of registered clients.
func (p *Pool) ClientCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// IsServerConnected reports whether the named server has a connected client.
func (p *Pool) IsServerConnected(id string) bool {
	client, ok := p.Client(id)
	return ok && client.IsConnected()
}

// FindToolByName scans connected servers for a tool with the given name and
// returns the first match. Used when a tool call omits its source.
func (p *Pool) FindToolByName(name string) (string, *models.ToolDescriptor) {
	for id, client := range p.Clients() {
		if !client.IsConnected() {
			continue
		}
		for _, tool := range client.Tools() {
			if tool.Name == name {
				t := tool
				return id, &t
			}
		}
	}
	return "", nil
}

// AllTools returns the cached tools of every connected server keyed by
// server id.
func (p *Pool) AllTools() map[string][]models.ToolDescriptor {
	out := make(map[string][]models.ToolDescriptor)
	for id, client := range p.Clients() {
		if !client.IsConnected() {
			continue
		}
		if tools := client.Tools(); len(tools) > 0 {
			out[id] = tools
		}
	}
	return out
}

// ConnectServerFromConfig looks the server up in the config source and
// creates a client for it. Used for auto-connect on first use.
func (p *Pool) ConnectServerFromConfig(ctx context.Context, id string) error {
	if p.configs == nil {
		return models.NewError(models.ErrKindInternal, "no server config source attached")
	}
	cfg, err := p.configs.MCPServerConfig(id)
	if err != nil {
		return models.WrapError(models.ErrKindNotFound, err, "server config %s", id)
	}
	return p.CreateClient(ctx, cfg)
}

// CallTool invokes a tool on the named server, auto-connecting once when the
// server is configured but not connected.
func (p *Pool) CallTool(ctx context.Context, serverID, toolName string, arguments json.RawMessage) (*ToolCallResult, error) {
	if !p.IsServerConnected(serverID) {
		p.logger.Info("server not connected, auto-connecting", "server", serverID)
		if err := p.ConnectServerFromConfig(ctx, serverID); err != nil {
			return nil, models.WrapError(models.ErrKindTransport, err, "auto-connect %s", serverID)
		}
	}

	client, ok := p.Client(serverID)
	if !ok {
		return nil, models.NewError(models.ErrKindNotFound, "server %q not connected", serverID)
	}
	return client.CallTool(ctx, toolName, arguments)
}

// HealthCheck reports the status of every registered client.
func (p *Pool) HealthCheck() map[string]ConnectionStatus {
	out := make(map[string]ConnectionStatus)
	for id, client := range p.Clients() {
		out[id] = client.Status()
	}
	return out
}

// CleanupDisconnected removes clients whose transports have dropped or
// errored out.
func (p *Pool) CleanupDisconnected() {
	var stale []string
	for id, client := range p.Clients() {
		state := client.Status().State
		if state == StateDisconnected || state == StateError {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		p.logger.Info("cleaning up disconnected client", "server", id)
		p.RemoveClient(id)
	}
}

// StopAll stops every client and clears the pool. Stops run concurrently.
func (p *Pool) StopAll() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.meta = make(map[string]*clientMeta)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for id, client := range clients {
		wg.Add(1)
		go func(id string, c *Client) {
			defer wg.Done()
			if err := c.Stop(); err != nil {
				p.logger.Warn("error stopping client", "server", id, "error", err)
			}
		}(id, client)
	}
	wg.Wait()
	p.logger.Info("all MCP clients stopped")
}

// Info returns a point-in-time view of every pooled client.
func (p *Pool) Info() []ClientInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	infos := make([]ClientInfo, 0, len(p.clients))
	for id, client := range p.clients {
		info := ClientInfo{
			ServerID: id,
			Status:   client.Status(),
			Tools:    client.Tools(),
		}
		if m, ok := p.meta[id]; ok {
			info.LastConnected = m.lastConnected
			info.Attempts = m.connectionAttempts
			info.Error = m.lastError
		}
		infos = append(infos, info)
	}
	return infos
}

// Stats summarizes connection states across the pool.
func (p *Pool) Stats() Statistics {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := Statistics{TotalClients: len(p.clients)}
	for id, client := range p.clients {
		switch client.Status().State {
		case StateConnected:
			stats.ConnectedClients++
		case StateDisconnected:
			stats.DisconnectedClients++
		case StateError:
			stats.ErrorClients++
		}
		if m, ok := p.meta[id]; ok {
			stats.TotalConnectionAttempts += m.connectionAttempts
		}
	}
	return stats
}
