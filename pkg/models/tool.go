package models

import (
	"encoding/json"
	"time"
)

// ToolKind discriminates the origin of a registered tool.
type ToolKind string

const (
	ToolKindMCP      ToolKind = "mcp"
	ToolKindNative   ToolKind = "native"
	ToolKindSearch   ToolKind = "search"
	ToolKindExternal ToolKind = "external"
)

// ToolAnnotations carries the optional behavior hints a server attaches to a
// tool descriptor.
type ToolAnnotations struct {
	Title       string `json:"title,omitempty"`
	ReadOnly    bool   `json:"readOnlyHint,omitempty"`
	Destructive bool   `json:"destructiveHint,omitempty"`
	Idempotent  bool   `json:"idempotentHint,omitempty"`
	OpenWorld   bool   `json:"openWorldHint,omitempty"`
}

// ToolDescriptor describes a callable tool: its name, purpose, and the JSON
// schema of its arguments.
type ToolDescriptor struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	InputSchema json.RawMessage  `json:"inputSchema,omitempty"`
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
}

// DisplayTitle returns the annotation title when present, else the name.
func (t *ToolDescriptor) DisplayTitle() string {
	if t.Annotations != nil && t.Annotations.Title != "" {
		return t.Annotations.Title
	}
	return t.Name
}

// SafetyLevel classifies how risky a tool invocation is.
type SafetyLevel string

const (
	SafetyReadOnly    SafetyLevel = "read_only"
	SafetySafe        SafetyLevel = "safe"
	SafetyExternal    SafetyLevel = "external"
	SafetyDestructive SafetyLevel = "destructive"
)

// Safety derives the safety level from the descriptor annotations alone.
// Destructive wins over open-world, which wins over read-only.
func (t *ToolDescriptor) Safety() SafetyLevel {
	a := t.Annotations
	switch {
	case a == nil:
		return SafetySafe
	case a.Destructive:
		return SafetyDestructive
	case a.OpenWorld:
		return SafetyExternal
	case a.ReadOnly:
		return SafetyReadOnly
	default:
		return SafetySafe
	}
}

// ToolStatus tracks the availability of a registered tool.
type ToolStatus string

const (
	ToolAvailable   ToolStatus = "available"
	ToolUnavailable ToolStatus = "unavailable"
	ToolDisabled    ToolStatus = "disabled"
	ToolMaintenance ToolStatus = "maintenance"
	ToolDeprecated  ToolStatus = "deprecated"
)

// CachePolicy controls result caching for a tool.
type CachePolicy string

const (
	CacheNone   CachePolicy = "none"
	CacheShort  CachePolicy = "short"  // 5 minutes
	CacheMedium CachePolicy = "medium" // 1 hour
	CacheLong   CachePolicy = "long"   // 24 hours
	CacheCustom CachePolicy = "custom"
)

// ToolRuntimeConfig holds per-tool execution settings.
type ToolRuntimeConfig struct {
	TimeoutSeconds   int         `json:"timeout_seconds,omitempty"`
	RetryCount       int         `json:"retry_count,omitempty"`
	CachePolicy      CachePolicy `json:"cache_policy,omitempty"`
	CacheSeconds     int         `json:"cache_seconds,omitempty"`
	ConcurrencyLimit int         `json:"concurrency_limit,omitempty"`
}

// ToolUsageStats accumulates call statistics for a registered tool.
type ToolUsageStats struct {
	TotalCalls      int64      `json:"total_calls"`
	SuccessfulCalls int64      `json:"successful_calls"`
	FailedCalls     int64      `json:"failed_calls"`
	AvgDurationMs   float64    `json:"avg_duration_ms"`
	LastCalledAt    *time.Time `json:"last_called_at,omitempty"`
	UserRating      float32    `json:"user_rating,omitempty"`
}

// Record folds one call into the running statistics.
func (s *ToolUsageStats) Record(success bool, duration time.Duration) {
	s.TotalCalls++
	if success {
		s.SuccessfulCalls++
	} else {
		s.FailedCalls++
	}
	ms := float64(duration.Milliseconds())
	s.AvgDurationMs = (s.AvgDurationMs*float64(s.TotalCalls-1) + ms) / float64(s.TotalCalls)
	now := time.Now()
	s.LastCalledAt = &now
}

// RegisteredTool is a descriptor enriched with registry bookkeeping.
type RegisteredTool struct {
	Descriptor ToolDescriptor `json:"descriptor"`

	// Kind and Source locate the implementation. For MCP tools Source is the
	// server id; native tools use the application keyword.
	Kind   ToolKind `json:"kind"`
	Source string   `json:"source"`

	Status       ToolStatus        `json:"status"`
	Config       ToolRuntimeConfig `json:"config"`
	UsageStats   ToolUsageStats    `json:"usage_stats"`
	Dependencies []string          `json:"dependencies,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}
