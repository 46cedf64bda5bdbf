// Package models provides domain types for the Loom agent runtime.
package models

// AgentStatus describes the lifecycle state of an agent configuration.
type AgentStatus string

const (
	AgentActive  AgentStatus = "active"
	AgentPaused  AgentStatus = "paused"
	AgentDeleted AgentStatus = "deleted"
)

// Capability bounds enforced by validation.
const (
	MinPlanningSteps = 1
	MaxPlanningSteps = 100

	MinToolCalls = 1
	MaxToolCalls = 1000

	MinMemoryLimit = 10
	MaxMemoryLimit = 10000

	// MinToolResultLength is the floor for tool result truncation.
	MinToolResultLength = 1000
	// DefaultToolResultLength is used when the configured limit is zero.
	DefaultToolResultLength = 4000

	MaxReflectionIterations = 10

	MaxAgentNameLength        = 50
	MaxAgentDescriptionLength = 500
	MaxAgentPersonalityLength = 2000
)

// Capabilities describes what an agent is allowed to do and the budgets
// attached to each capability.
type Capabilities struct {
	EnablePlanning    bool `json:"enable_planning"`
	EnableToolCalling bool `json:"enable_tool_calling"`
	EnableReflection  bool `json:"enable_reflection"`
	EnableMemory      bool `json:"enable_memory"`

	// MaxPlanningSteps limits plan size, range [1,100].
	MaxPlanningSteps int `json:"max_planning_steps"`

	// MaxToolCalls limits tool calls per conversation, range [1,1000].
	MaxToolCalls int `json:"max_tool_calls"`

	// MemoryLimit is the conversation memory window, range [10,10000].
	MemoryLimit int `json:"memory_limit"`

	// MaxToolResultLength caps tool result text forwarded to the UI.
	// Values below 1000 are raised to 1000; zero means the default of 4000.
	MaxToolResultLength int `json:"max_tool_result_length"`

	// MaxReflectionIterations bounds reflection loops; 0 disables reflection.
	MaxReflectionIterations int `json:"max_reflection_iterations"`
}

// DefaultCapabilities returns the capability set applied to new agents when
// the caller leaves budgets unset.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		EnablePlanning:          true,
		EnableToolCalling:       true,
		EnableReflection:        true,
		EnableMemory:            true,
		MaxPlanningSteps:        10,
		MaxToolCalls:            20,
		MemoryLimit:             100,
		MaxToolResultLength:     DefaultToolResultLength,
		MaxReflectionIterations: 3,
	}
}

// EffectiveToolResultLimit resolves the configured tool result length against
// the floor and default.
func (c Capabilities) EffectiveToolResultLimit() int {
	switch {
	case c.MaxToolResultLength <= 0:
		return DefaultToolResultLength
	case c.MaxToolResultLength < MinToolResultLength:
		return MinToolResultLength
	default:
		return c.MaxToolResultLength
	}
}

// AgentConfig is the persisted description of an agent: a personality plus a
// capability profile and the tools it may call.
type AgentConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Avatar      string `json:"avatar,omitempty"`

	// Personality is prepended to the system prompt.
	Personality string `json:"personality,omitempty"`

	Capabilities Capabilities `json:"capabilities"`

	// ToolNames whitelists callable tools. Empty means all tools are allowed.
	ToolNames []string `json:"tool_names,omitempty"`

	Status    AgentStatus       `json:"status"`
	CreatedAt int64             `json:"created_at"`
	UpdatedAt int64             `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AllowsTool reports whether the agent may call the named tool. An empty
// whitelist allows everything.
func (a *AgentConfig) AllowsTool(name string) bool {
	if len(a.ToolNames) == 0 {
		return true
	}
	for _, t := range a.ToolNames {
		if t == name {
			return true
		}
	}
	return false
}

// CreateAgentRequest carries the fields for CreateAgent. The ID, status, and
// timestamps are assigned by the store.
type CreateAgentRequest struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Avatar       string            `json:"avatar,omitempty"`
	Personality  string            `json:"personality,omitempty"`
	Capabilities Capabilities      `json:"capabilities"`
	ToolNames    []string          `json:"tool_names,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// UpdateAgentRequest is a partial update: nil pointers leave the stored value
// untouched. An empty ToolNames slice means "no change"; replacing the list
// requires a non-empty slice.
type UpdateAgentRequest struct {
	ID           string            `json:"id"`
	Name         *string           `json:"name,omitempty"`
	Description  *string           `json:"description,omitempty"`
	Avatar       *string           `json:"avatar,omitempty"`
	Personality  *string           `json:"personality,omitempty"`
	Capabilities *Capabilities     `json:"capabilities,omitempty"`
	ToolNames    []string          `json:"tool_names,omitempty"`
	Status       *AgentStatus      `json:"status,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// AgentGlobalSettings holds process-wide agent defaults persisted alongside
// the per-agent records.
type AgentGlobalSettings struct {
	Enabled                 bool  `json:"enabled"`
	DefaultMaxPlanningSteps int   `json:"default_max_planning_steps"`
	DefaultMaxToolCalls     int   `json:"default_max_tool_calls"`
	DefaultMemoryLimit      int   `json:"default_memory_limit"`
	DebugLogging            bool  `json:"debug_logging"`
	ExecutionTimeoutSecs    int64 `json:"execution_timeout"`
	CreatedAt               int64 `json:"created_at"`
	UpdatedAt               int64 `json:"updated_at"`
}

// DefaultAgentGlobalSettings returns the settings used before any are saved.
func DefaultAgentGlobalSettings() AgentGlobalSettings {
	return AgentGlobalSettings{
		Enabled:                 true,
		DefaultMaxPlanningSteps: 10,
		DefaultMaxToolCalls:     20,
		DefaultMemoryLimit:      100,
		ExecutionTimeoutSecs:    300,
	}
}
