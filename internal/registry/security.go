package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/pkg/models"
)

const (
	securityPolicyKey = "mcp_tool_security_policy"
	callRecordsKey    = "mcp_tool_call_records"

	// maxCallRecords bounds the persisted call history.
	maxCallRecords = 1000
)

// Decision is the outcome of a permission check.
type Decision string

const (
	DecisionAuto    Decision = "auto"
	DecisionConfirm Decision = "confirm"
	DecisionDeny    Decision = "deny"
)

// Permission carries the decision plus the user-facing reason for
// confirmations and denials.
type Permission struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
}

// AutoExecute allows the call without confirmation.
func AutoExecute() Permission { return Permission{Decision: DecisionAuto} }

// Confirm requires user confirmation with the given prompt.
func Confirm(reason string) Permission {
	return Permission{Decision: DecisionConfirm, Reason: reason}
}

// Denied forbids the call with the given reason.
func Denied(reason string) Permission {
	return Permission{Decision: DecisionDeny, Reason: reason}
}

// SecurityPolicy configures how tool safety levels map to decisions.
type SecurityPolicy struct {
	AutoExecuteReadOnly            bool            `json:"auto_execute_read_only"`
	AutoExecuteSafe                bool            `json:"auto_execute_safe"`
	RequireConfirmationExternal    bool            `json:"require_confirmation_external"`
	RequireConfirmationDestructive bool            `json:"require_confirmation_destructive"`
	DisabledTools                  map[string]bool `json:"disabled_tools,omitempty"`
	TrustedTools                   map[string]bool `json:"trusted_tools,omitempty"`
	RateLimitPerMinute             map[string]int  `json:"rate_limit_per_minute,omitempty"`
}

// DefaultSecurityPolicy auto-executes read-only tools and asks for
// everything riskier.
func DefaultSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		AutoExecuteReadOnly:            true,
		AutoExecuteSafe:                false,
		RequireConfirmationExternal:    true,
		RequireConfirmationDestructive: true,
	}
}

// CallRecord is one remembered tool invocation, backing the rate limiter.
type CallRecord struct {
	ToolName      string    `json:"tool_name"`
	ServerID      string    `json:"server_id"`
	Timestamp     time.Time `json:"timestamp"`
	SafetyLevel   string    `json:"safety_level"`
	UserConfirmed bool      `json:"user_confirmed"`
}

// SecurityManager holds the tool security policy and call history.
type SecurityManager struct {
	logger *slog.Logger
	kv     storage.KVStore
	mu     sync.Mutex
}

// NewSecurityManager creates a manager persisting through kv.
func NewSecurityManager(kv storage.KVStore, logger *slog.Logger) *SecurityManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecurityManager{
		logger: logger.With("component", "tool_security"),
		kv:     kv,
	}
}

// Policy returns the saved policy or the default.
func (m *SecurityManager) Policy() SecurityPolicy {
	if policy, ok := storage.GetObject[SecurityPolicy](m.kv, securityPolicyKey); ok {
		return policy
	}
	return DefaultSecurityPolicy()
}

// SavePolicy persists the policy.
func (m *SecurityManager) SavePolicy(policy SecurityPolicy) error {
	if err := storage.SetObject(m.kv, securityPolicyKey, policy); err != nil {
		return models.WrapError(models.ErrKindInternal, err, "save tool security policy")
	}
	m.logger.Info("tool security policy saved")
	return nil
}

// CheckToolPermission maps the tool's safety level through the policy.
// Disabled tools are denied; trusted tools bypass the level checks.
func (m *SecurityManager) CheckToolPermission(desc *models.ToolDescriptor, serverID string) Permission {
	policy := m.Policy()

	if policy.DisabledTools[desc.Name] {
		return Denied(fmt.Sprintf("tool %q has been disabled by the administrator", desc.Name))
	}
	if policy.TrustedTools[desc.Name] {
		return AutoExecute()
	}
	if !m.CheckRateLimit(desc.Name) {
		return Denied(fmt.Sprintf("tool %q exceeded its rate limit; retry later", desc.Name))
	}

	switch desc.Safety() {
	case models.SafetyReadOnly:
		if policy.AutoExecuteReadOnly {
			return AutoExecute()
		}
		return Confirm(fmt.Sprintf("tool %q performs a read-only operation; continue?", desc.DisplayTitle()))
	case models.SafetySafe:
		if policy.AutoExecuteSafe {
			return AutoExecute()
		}
		return Confirm(fmt.Sprintf("tool %q performs a safe operation; continue?", desc.DisplayTitle()))
	case models.SafetyExternal:
		if policy.RequireConfirmationExternal {
			return Confirm(fmt.Sprintf("tool %q interacts with external services; continue?", desc.DisplayTitle()))
		}
		return AutoExecute()
	case models.SafetyDestructive:
		if policy.RequireConfirmationDestructive {
			return Confirm(fmt.Sprintf("tool %q may perform destructive operations; confirm before continuing", desc.DisplayTitle()))
		}
		return AutoExecute()
	}
	return Confirm(fmt.Sprintf("tool %q has an unknown safety level; continue?", desc.Name))
}

// CheckRateLimit reports whether another call to the tool is admitted under
// its per-minute limit. Tools without a limit always pass.
func (m *SecurityManager) CheckRateLimit(toolName string) bool {
	policy := m.Policy()
	limit, ok := policy.RateLimitPerMinute[toolName]
	if !ok || limit <= 0 {
		return true
	}
	recent := m.RecentCalls(toolName, time.Minute)
	if len(recent) >= limit {
		m.logger.Warn("rate limit exceeded",
			"tool", toolName, "calls_last_minute", len(recent), "limit", limit)
		return false
	}
	return true
}

// RecordCall appends one call record, keeping only the most recent entries.
func (m *SecurityManager) RecordCall(record CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, _ := storage.GetObject[[]CallRecord](m.kv, callRecordsKey)
	records = append(records, record)
	if len(records) > maxCallRecords {
		records = records[len(records)-maxCallRecords:]
	}
	if err := storage.SetObject(m.kv, callRecordsKey, records); err != nil {
		return models.WrapError(models.ErrKindInternal, err, "save tool call records")
	}
	return nil
}

// RecentCalls returns the records for a tool within the window.
func (m *SecurityManager) RecentCalls(toolName string, window time.Duration) []CallRecord {
	records, _ := storage.GetObject[[]CallRecord](m.kv, callRecordsKey)
	cutoff := time.Now().Add(-window)

	var recent []CallRecord
	for _, rec := range records {
		if rec.ToolName == toolName && rec.Timestamp.After(cutoff) {
			recent = append(recent, rec)
		}
	}
	return recent
}

// DisableTool adds the tool to the disabled list.
func (m *SecurityManager) DisableTool(toolName string) error {
	policy := m.Policy()
	if policy.DisabledTools == nil {
		policy.DisabledTools = make(map[string]bool)
	}
	policy.DisabledTools[toolName] = true
	return m.SavePolicy(policy)
}

// EnableTool removes the tool from the disabled list.
func (m *SecurityManager) EnableTool(toolName string) error {
	policy := m.Policy()
	delete(policy.DisabledTools, toolName)
	return m.SavePolicy(policy)
}

// TrustTool adds the tool to the trusted list, bypassing safety checks.
func (m *SecurityManager) TrustTool(toolName string) error {
	policy := m.Policy()
	if policy.TrustedTools == nil {
		policy.TrustedTools = make(map[string]bool)
	}
	policy.TrustedTools[toolName] = true
	return m.SavePolicy(policy)
}

// UntrustTool removes the tool from the trusted list.
func (m *SecurityManager) UntrustTool(toolName string) error {
	policy := m.Policy()
	delete(policy.TrustedTools, toolName)
	return m.SavePolicy(policy)
}

// SetRateLimit installs a per-minute call limit for the tool.
func (m *SecurityManager) SetRateLimit(toolName string, perMinute int) error {
	policy := m.Policy()
	if policy.RateLimitPerMinute == nil {
		policy.RateLimitPerMinute = make(map[string]int)
	}
	policy.RateLimitPerMinute[toolName] = perMinute
	return m.SavePolicy(policy)
}
