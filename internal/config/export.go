package config

import (
	"time"

	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/pkg/models"
)

// Export is a portable snapshot of the full agent + MCP configuration.
type Export struct {
	Version        int                        `json:"version"`
	ExportedAt     time.Time                  `json:"exported_at"`
	GlobalSettings models.AgentGlobalSettings `json:"global_settings"`
	Agents         []models.AgentConfig       `json:"agents"`
	MCPSettings    MCPGlobalSettings          `json:"mcp_settings"`
	MCPServers     []mcp.ServerConfig         `json:"mcp_servers"`
}

// ImportResult summarizes what an import applied.
type ImportResult struct {
	GlobalSettingsImported bool     `json:"global_settings_imported"`
	AgentsImported         int      `json:"agents_imported"`
	ServersImported        int      `json:"servers_imported"`
	Errors                 []string `json:"errors,omitempty"`
}

// ExportConfig snapshots every stored agent and server.
func (s *Store) ExportConfig() (*Export, error) {
	agents, err := s.ListAgents()
	if err != nil {
		return nil, err
	}
	servers, err := s.ListMCPServers()
	if err != nil {
		return nil, err
	}
	return &Export{
		Version:        currentConfigVersion,
		ExportedAt:     time.Now(),
		GlobalSettings: s.GlobalSettings(),
		Agents:         agents,
		MCPSettings:    s.MCPGlobalSettings(),
		MCPServers:     servers,
	}, nil
}

// ImportConfig applies a snapshot. Newer snapshot versions are rejected;
// per-record failures accumulate in the result.
func (s *Store) ImportConfig(export *Export) (*ImportResult, error) {
	if export.Version > currentConfigVersion {
		return nil, models.NewError(models.ErrKindValidation,
			"config version %d is newer than supported version %d", export.Version, currentConfigVersion)
	}

	result := &ImportResult{}
	if err := s.SaveGlobalSettings(export.GlobalSettings); err != nil {
		result.Errors = append(result.Errors, err.Error())
	} else {
		result.GlobalSettingsImported = true
	}
	if err := s.SaveMCPGlobalSettings(export.MCPSettings); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	for i := range export.Agents {
		agent := export.Agents[i]
		if errs := ValidateAgent(&agent); len(errs) > 0 {
			result.Errors = append(result.Errors, "agent "+agent.ID+": "+errs[0])
			continue
		}
		if err := s.saveAgent(&agent); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.AgentsImported++
	}
	for i := range export.MCPServers {
		server := export.MCPServers[i]
		if err := s.SaveMCPServer(&server); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.ServersImported++
	}

	s.logger.Info("config import completed",
		"agents", result.AgentsImported,
		"servers", result.ServersImported,
		"errors", len(result.Errors))
	return result, nil
}

// ClearAll removes every stored agent, server, setting, and version marker.
func (s *Store) ClearAll() error {
	s.logger.Warn("clearing all configuration data")

	agents, _ := s.ListAgents()
	for _, agent := range agents {
		s.kv.Remove(agentConfigKey(agent.ID))
	}
	servers, _ := s.ListMCPServers()
	for _, server := range servers {
		s.kv.Remove(mcpServerKey(server.ID))
	}

	s.kv.Remove(agentListKey)
	s.kv.Remove(agentGlobalSettingsKey)
	s.kv.Remove(agentVersionKey)
	s.kv.Remove(mcpServerListKey)
	s.kv.Remove(mcpGlobalSettingsKey)
	return nil
}
