// Package config persists agent and MCP server configurations through an
// opaque keyed store, and loads the runtime bootstrap file.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/pkg/models"
)

// Storage keys. Index lists are kept alongside each entity set so
// enumeration is O(list size); orphaned list entries are compacted lazily.
const (
	agentConfigPrefix      = "agent_config"
	agentListKey           = "agent_list"
	agentGlobalSettingsKey = "agent_global_settings"
	agentVersionKey        = "agent_config_version"
)

// currentConfigVersion gates migrations on first use.
const currentConfigVersion = 1

// Store is the process-wide configuration store for agents, MCP servers, and
// global settings. It owns these records exclusively; all mutation goes
// through it.
type Store struct {
	kv     storage.KVStore
	logger *slog.Logger
}

// NewStore creates the store and runs any pending config migrations.
func NewStore(kv storage.KVStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{kv: kv, logger: logger.With("component", "config")}
	if err := s.migrate(); err != nil {
		s.logger.Error("config migration failed", "error", err)
	}
	return s
}

func agentConfigKey(id string) string {
	return fmt.Sprintf("%s:agent:%s", agentConfigPrefix, id)
}

// migrate applies registered migrations when the stored version lags.
func (s *Store) migrate() error {
	version, _ := storage.GetObject[int](s.kv, agentVersionKey)
	if version >= currentConfigVersion {
		return nil
	}
	s.logger.Info("migrating agent config", "from", version, "to", currentConfigVersion)
	// Version 0 → 1 has no data transformations; the marker is stamped so
	// future migrations know their starting point.
	if err := storage.SetObject(s.kv, agentVersionKey, currentConfigVersion); err != nil {
		return fmt.Errorf("store config version: %w", err)
	}
	return nil
}

// GlobalSettings returns the saved global agent settings or the defaults.
func (s *Store) GlobalSettings() models.AgentGlobalSettings {
	if settings, ok := storage.GetObject[models.AgentGlobalSettings](s.kv, agentGlobalSettingsKey); ok {
		return settings
	}
	return models.DefaultAgentGlobalSettings()
}

// SaveGlobalSettings persists the global agent settings.
func (s *Store) SaveGlobalSettings(settings models.AgentGlobalSettings) error {
	settings.UpdatedAt = time.Now().Unix()
	if err := storage.SetObject(s.kv, agentGlobalSettingsKey, settings); err != nil {
		return models.WrapError(models.ErrKindInternal, err, "save agent global settings")
	}
	return nil
}

// CreateAgent validates the request, assigns an id and timestamps, applies
// capability defaults, and persists the new agent.
func (s *Store) CreateAgent(req models.CreateAgentRequest) (*models.AgentConfig, error) {
	now := time.Now().Unix()
	agent := &models.AgentConfig{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Description:  req.Description,
		Avatar:       req.Avatar,
		Personality:  req.Personality,
		Capabilities: req.Capabilities,
		ToolNames:    req.ToolNames,
		Status:       models.AgentActive,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     req.Metadata,
	}
	s.applyCapabilityDefaults(&agent.Capabilities)

	if errs := ValidateAgent(agent); len(errs) > 0 {
		return nil, models.NewError(models.ErrKindValidation, "invalid agent: %s", strings.Join(errs, "; "))
	}
	if err := s.saveAgent(agent); err != nil {
		return nil, err
	}
	s.logger.Info("agent created", "agent", agent.ID, "name", agent.Name)
	return agent, nil
}

// GetAgent loads one agent by id.
func (s *Store) GetAgent(id string) (*models.AgentConfig, error) {
	agent, ok := storage.GetObject[models.AgentConfig](s.kv, agentConfigKey(id))
	if !ok {
		return nil, models.NewError(models.ErrKindNotFound, "agent %s not found", id)
	}
	return &agent, nil
}

// UpdateAgent applies a partial merge: absent fields are preserved, and an
// empty ToolNames slice means "no change" rather than "clear". UpdatedAt is
// always stamped.
func (s *Store) UpdateAgent(req models.UpdateAgentRequest) (*models.AgentConfig, error) {
	if strings.TrimSpace(req.ID) == "" {
		return nil, models.NewError(models.ErrKindValidation, "agent id is required")
	}
	agent, err := s.GetAgent(req.ID)
	if err != nil {
		return nil, err
	}

	if req.Name != nil && *req.Name != "" {
		agent.Name = *req.Name
	}
	if req.Description != nil {
		agent.Description = *req.Description
	}
	if req.Avatar != nil {
		agent.Avatar = *req.Avatar
	}
	if req.Personality != nil {
		agent.Personality = *req.Personality
	}
	if req.Capabilities != nil {
		agent.Capabilities = *req.Capabilities
	}
	if len(req.ToolNames) > 0 {
		agent.ToolNames = req.ToolNames
	}
	if req.Status != nil {
		agent.Status = *req.Status
	}
	if len(req.Metadata) > 0 {
		if agent.Metadata == nil {
			agent.Metadata = make(map[string]string, len(req.Metadata))
		}
		for k, v := range req.Metadata {
			agent.Metadata[k] = v
		}
	}

	agent.UpdatedAt = time.Now().Unix()
	s.applyCapabilityDefaults(&agent.Capabilities)

	if errs := ValidateAgent(agent); len(errs) > 0 {
		return nil, models.NewError(models.ErrKindValidation, "invalid agent: %s", strings.Join(errs, "; "))
	}
	if err := s.saveAgent(agent); err != nil {
		return nil, err
	}
	s.logger.Info("agent updated", "agent", agent.ID, "name", agent.Name)
	return agent, nil
}

// UpdateAgentStatus is a shortcut for status-only updates.
func (s *Store) UpdateAgentStatus(id string, status models.AgentStatus) error {
	agent, err := s.GetAgent(id)
	if err != nil {
		return err
	}
	agent.Status = status
	agent.UpdatedAt = time.Now().Unix()
	return s.saveAgent(agent)
}

// DeleteAgent removes the agent record and its list index entry.
func (s *Store) DeleteAgent(id string) error {
	if _, err := s.GetAgent(id); err != nil {
		return err
	}
	if err := s.kv.Remove(agentConfigKey(id)); err != nil {
		return models.WrapError(models.ErrKindInternal, err, "remove agent %s", id)
	}
	if err := s.updateAgentList(id, false); err != nil {
		return err
	}
	s.logger.Info("agent deleted", "agent", id)
	return nil
}

// ListAgents enumerates every agent on the index list, pruning orphaned
// entries on the fly.
func (s *Store) ListAgents() ([]models.AgentConfig, error) {
	ids, _ := storage.GetObject[[]string](s.kv, agentListKey)

	agents := make([]models.AgentConfig, 0, len(ids))
	var orphaned []string
	for _, id := range ids {
		if agent, ok := storage.GetObject[models.AgentConfig](s.kv, agentConfigKey(id)); ok {
			agents = append(agents, agent)
		} else {
			orphaned = append(orphaned, id)
		}
	}

	for _, id := range orphaned {
		s.logger.Warn("pruning orphaned agent list entry", "agent", id)
		if err := s.updateAgentList(id, false); err != nil {
			s.logger.Error("failed to prune orphaned agent", "agent", id, "error", err)
		}
	}
	return agents, nil
}

// ListActiveAgents returns only agents in the active state.
func (s *Store) ListActiveAgents() ([]models.AgentConfig, error) {
	all, err := s.ListAgents()
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, a := range all {
		if a.Status == models.AgentActive {
			active = append(active, a)
		}
	}
	return active, nil
}

// AgentExists reports whether an agent record is stored under the id.
func (s *Store) AgentExists(id string) bool {
	_, ok := storage.GetObject[models.AgentConfig](s.kv, agentConfigKey(id))
	return ok
}

// AutoPopulateAgentTools fills an empty tool whitelist from the given names
// when tool calling is enabled. Returns whether the agent changed.
func (s *Store) AutoPopulateAgentTools(id string, toolNames []string) (bool, error) {
	agent, err := s.GetAgent(id)
	if err != nil {
		return false, err
	}
	if len(agent.ToolNames) > 0 || !agent.Capabilities.EnableToolCalling || len(toolNames) == 0 {
		return false, nil
	}
	agent.ToolNames = toolNames
	agent.UpdatedAt = time.Now().Unix()
	if err := s.saveAgent(agent); err != nil {
		return false, err
	}
	s.logger.Info("auto-populated agent tools", "agent", id, "count", len(toolNames))
	return true, nil
}

func (s *Store) saveAgent(agent *models.AgentConfig) error {
	if err := storage.SetObject(s.kv, agentConfigKey(agent.ID), agent); err != nil {
		return models.WrapError(models.ErrKindInternal, err, "save agent %s", agent.ID)
	}
	return s.updateAgentList(agent.ID, true)
}

func (s *Store) updateAgentList(id string, add bool) error {
	ids, _ := storage.GetObject[[]string](s.kv, agentListKey)

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

	if err := storage.SetObject(s.kv, agentListKey, ids); err != nil {
		return models.WrapError(models.ErrKindInternal, err, "update agent list")
	}
	return nil
}

// applyCapabilityDefaults fills zero budgets from the global settings.
func (s *Store) applyCapabilityDefaults(c *models.Capabilities) {
	settings := s.GlobalSettings()
	if c.MaxPlanningSteps <= 0 {
		c.MaxPlanningSteps = settings.DefaultMaxPlanningSteps
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = settings.DefaultMaxToolCalls
	}
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = settings.DefaultMemoryLimit
	}
	if c.MaxToolResultLength <= 0 {
		c.MaxToolResultLength = models.DefaultToolResultLength
	}
}

// ValidateAgent returns every validation error for the config, empty when
// the config is valid.
func ValidateAgent(agent *models.AgentConfig) []string {
	var errs []string
	if strings.TrimSpace(agent.ID) == "" {
		errs = append(errs, "agent id must not be empty")
	}
	if strings.TrimSpace(agent.Name) == "" {
		errs = append(errs, "agent name must not be empty")
	}
	if len(agent.Name) > models.MaxAgentNameLength {
		errs = append(errs, fmt.Sprintf("agent name must not exceed %d characters", models.MaxAgentNameLength))
	}
	if len(agent.Description) > models.MaxAgentDescriptionLength {
		errs = append(errs, fmt.Sprintf("description must not exceed %d characters", models.MaxAgentDescriptionLength))
	}
	if len(agent.Personality) > models.MaxAgentPersonalityLength {
		errs = append(errs, fmt.Sprintf("personality must not exceed %d characters", models.MaxAgentPersonalityLength))
	}

	c := agent.Capabilities
	if c.MaxPlanningSteps < models.MinPlanningSteps || c.MaxPlanningSteps > models.MaxPlanningSteps {
		errs = append(errs, fmt.Sprintf("max planning steps must be within [%d,%d]", models.MinPlanningSteps, models.MaxPlanningSteps))
	}
	if c.MaxToolCalls < models.MinToolCalls || c.MaxToolCalls > models.MaxToolCalls {
		errs = append(errs, fmt.Sprintf("max tool calls must be within [%d,%d]", models.MinToolCalls, models.MaxToolCalls))
	}
	if c.MemoryLimit < models.MinMemoryLimit || c.MemoryLimit > models.MaxMemoryLimit {
		errs = append(errs, fmt.Sprintf("memory limit must be within [%d,%d]", models.MinMemoryLimit, models.MaxMemoryLimit))
	}
	if c.MaxReflectionIterations < 0 || c.MaxReflectionIterations > models.MaxReflectionIterations {
		errs = append(errs, fmt.Sprintf("max reflection iterations must be within [0,%d]", models.MaxReflectionIterations))
	}
	return errs
}
