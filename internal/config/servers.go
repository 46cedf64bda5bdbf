package config

import (
	"fmt"
	"time"

	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/pkg/models"
)

const (
	mcpConfigPrefix      = "mcp_config"
	mcpServerListKey     = "mcp_server_list"
	mcpGlobalSettingsKey = "mcp_global_settings"
)

// MCPGlobalSettings holds process-wide MCP defaults.
type MCPGlobalSettings struct {
	Enabled              bool  `json:"enabled"`
	AutoConnectOnStartup bool  `json:"auto_connect_on_startup"`
	ToolsCacheTTLSecs    int64 `json:"tools_cache_ttl_secs"`
	CreatedAt            int64 `json:"created_at"`
	UpdatedAt            int64 `json:"updated_at"`
}

// DefaultMCPGlobalSettings returns the settings used before any are saved.
func DefaultMCPGlobalSettings() MCPGlobalSettings {
	return MCPGlobalSettings{
		Enabled:              true,
		AutoConnectOnStartup: false,
		ToolsCacheTTLSecs:    3600,
	}
}

func mcpServerKey(id string) string {
	return fmt.Sprintf("%s:server:%s", mcpConfigPrefix, id)
}

// MCPGlobalSettings returns the saved settings or the defaults.
func (s *Store) MCPGlobalSettings() MCPGlobalSettings {
	if settings, ok := storage.GetObject[MCPGlobalSettings](s.kv, mcpGlobalSettingsKey); ok {
		return settings
	}
	return DefaultMCPGlobalSettings()
}

// SaveMCPGlobalSettings persists the settings.
func (s *Store) SaveMCPGlobalSettings(settings MCPGlobalSettings) error {
	settings.UpdatedAt = time.Now().Unix()
	if err := storage.SetObject(s.kv, mcpGlobalSettingsKey, settings); err != nil {
		return models.WrapError(models.ErrKindInternal, err, "save MCP global settings")
	}
	return nil
}

// SaveMCPServer validates and persists a server configuration.
func (s *Store) SaveMCPServer(cfg *mcp.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return models.WrapError(models.ErrKindValidation, err, "server config")
	}
	if err := storage.SetObject(s.kv, mcpServerKey(cfg.ID), cfg); err != nil {
		return models.WrapError(models.ErrKindInternal, err, "save server %s", cfg.ID)
	}
	if err := s.updateServerList(cfg.ID, true); err != nil {
		return err
	}
	s.logger.Info("MCP server saved", "server", cfg.ID, "transport", cfg.Transport)
	return nil
}

// MCPServerConfig loads one server configuration by id. Implements
// mcp.ServerConfigSource for pool auto-connect.
func (s *Store) MCPServerConfig(id string) (*mcp.ServerConfig, error) {
	cfg, ok := storage.GetObject[mcp.ServerConfig](s.kv, mcpServerKey(id))
	if !ok {
		return nil, models.NewError(models.ErrKindNotFound, "MCP server %s not found", id)
	}
	return &cfg, nil
}

// DeleteMCPServer removes the server record and its list entry.
func (s *Store) DeleteMCPServer(id string) error {
	if _, err := s.MCPServerConfig(id); err != nil {
		return err
	}
	if err := s.kv.Remove(mcpServerKey(id)); err != nil {
		return models.WrapError(models.ErrKindInternal, err, "remove server %s", id)
	}
	if err := s.updateServerList(id, false); err != nil {
		return err
	}
	s.logger.Info("MCP server deleted", "server", id)
	return nil
}

// ListMCPServers enumerates the saved server configs, pruning orphans.
func (s *Store) ListMCPServers() ([]mcp.ServerConfig, error) {
	ids, _ := storage.GetObject[[]string](s.kv, mcpServerListKey)

	servers := make([]mcp.ServerConfig, 0, len(ids))
	var orphaned []string
	for _, id := range ids {
		if cfg, ok := storage.GetObject[mcp.ServerConfig](s.kv, mcpServerKey(id)); ok {
			servers = append(servers, cfg)
		} else {
			orphaned = append(orphaned, id)
		}
	}
	for _, id := range orphaned {
		s.logger.Warn("pruning orphaned MCP server list entry", "server", id)
		if err := s.updateServerList(id, false); err != nil {
			s.logger.Error("failed to prune orphaned server", "server", id, "error", err)
		}
	}
	return servers, nil
}

// SaveToolsCache stores the advisory tool snapshot for a server together
// with the check timestamp.
func (s *Store) SaveToolsCache(serverID string, tools []models.ToolDescriptor) error {
	cfg, err := s.MCPServerConfig(serverID)
	if err != nil {
		return err
	}
	now := time.Now()
	cfg.CachedTools = tools
	cfg.LastToolsCheckAt = &now
	if err := storage.SetObject(s.kv, mcpServerKey(serverID), cfg); err != nil {
		return models.WrapError(models.ErrKindInternal, err, "save tools cache for %s", serverID)
	}
	s.logger.Debug("tools cache saved", "server", serverID, "count", len(tools))
	return nil
}

// CachedTools returns the last tools snapshot and when it was taken.
func (s *Store) CachedTools(serverID string) ([]models.ToolDescriptor, *time.Time, error) {
	cfg, err := s.MCPServerConfig(serverID)
	if err != nil {
		return nil, nil, err
	}
	return cfg.CachedTools, cfg.LastToolsCheckAt, nil
}

func (s *Store) updateServerList(id string, add bool) error {
	ids, _ := storage.GetObject[[]string](s.kv, mcpServerListKey)

	if add {
		for _, existing := range ids {
			if existing == id {
				return nil
			}
		}
		ids = append(ids, id)
	} else {
		filtered := ids[:0]
		for _, existing := range ids {
			if existing != id {
				filtered = append(filtered, existing)
			}
		}
		ids = filtered
	}

	if err := storage.SetObject(s.kv, mcpServerListKey, ids); err != nil {
		return models.WrapError(models.ErrKindInternal, err, "update server list")
	}
	return nil
}
