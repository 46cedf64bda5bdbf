// Package registry indexes every callable tool (MCP, native, search) with
// usage statistics and permission checks.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/pkg/models"
)

const registryKey = "agent_tool_registry"

// RegistrationRequest carries everything needed to register a tool.
type RegistrationRequest struct {
	Descriptor   models.ToolDescriptor
	Kind         models.ToolKind
	Source       string
	Config       *models.ToolRuntimeConfig
	Dependencies []string

	// Overwrite allows replacing an existing registration.
	Overwrite bool
}

// SearchFilter narrows Search results.
type SearchFilter struct {
	Kinds     []models.ToolKind
	Statuses  []models.ToolStatus
	Sources   []string
	MinRating float32
}

// Registry is the unified tool index. Mutations take the exclusive lock;
// reads return coarse-grained snapshots.
type Registry struct {
	logger   *slog.Logger
	kv       storage.KVStore
	security *SecurityManager

	mu    sync.RWMutex
	tools map[models.ToolKind]map[string]*models.RegisteredTool
}

// New creates a registry persisting snapshots through kv. security may be
// nil, disabling the MCP permission delegation.
func New(kv storage.KVStore, security *SecurityManager, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:   logger.With("component", "tool_registry"),
		kv:       kv,
		security: security,
		tools:    make(map[models.ToolKind]map[string]*models.RegisteredTool),
	}
	r.load()
	return r
}

// Security exposes the attached security manager.
func (r *Registry) Security() *SecurityManager { return r.security }

// Register adds a tool under (kind, name). Existing registrations are only
// replaced when Overwrite is set.
func (r *Registry) Register(req RegistrationRequest) error {
	name := req.Descriptor.Name
	if strings.TrimSpace(name) == "" {
		return models.NewError(models.ErrKindValidation, "tool name must not be empty")
	}
	if req.Source == "" {
		return models.NewError(models.ErrKindValidation, "tool source must not be empty")
	}

	now := time.Now()
	tool := &models.RegisteredTool{
		Descriptor:   req.Descriptor,
		Kind:         req.Kind,
		Source:       req.Source,
		Status:       models.ToolAvailable,
		UsageStats:   models.ToolUsageStats{},
		Dependencies: req.Dependencies,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if req.Config != nil {
		tool.Config = *req.Config
	} else {
		tool.Config = defaultConfigFor(&req.Descriptor)
	}

	r.mu.Lock()
	kindTools, ok := r.tools[req.Kind]
	if !ok {
		kindTools = make(map[string]*models.RegisteredTool)
		r.tools[req.Kind] = kindTools
	}
	if existing, exists := kindTools[name]; exists && !req.Overwrite {
		r.mu.Unlock()
		return models.NewError(models.ErrKindValidation,
			"tool %q already registered (source %s); set Overwrite to replace", name, existing.Source)
	} else if exists {
		// Keep accumulated statistics across rediscovery.
		tool.UsageStats = existing.UsageStats
		tool.RegisteredAt = existing.RegisteredAt
	}
	kindTools[name] = tool
	r.mu.Unlock()

	r.persist()
	r.logger.Debug("tool registered", "tool", name, "kind", req.Kind, "source", req.Source)
	return nil
}

// Unregister removes a tool from the index.
func (r *Registry) Unregister(kind models.ToolKind, name string) error {
	r.mu.Lock()
	kindTools, ok := r.tools[kind]
	if ok {
		_, ok = kindTools[name]
		delete(kindTools, name)
	}
	r.mu.Unlock()

	if !ok {
		return models.NewError(models.ErrKindNotFound, "tool %q (%s) not registered", name, kind)
	}
	r.persist()
	return nil
}

// Get returns a copy of the registration under (kind, name).
func (r *Registry) Get(kind models.ToolKind, name string) (*models.RegisteredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if kindTools, ok := r.tools[kind]; ok {
		if tool, ok := kindTools[name]; ok {
			out := *tool
			return &out, true
		}
	}
	return nil, false
}

// Find locates a tool by name across kinds, preferring MCP then native then
// search then external.
func (r *Registry) Find(name string) (*models.RegisteredTool, bool) {
	for _, kind := range []models.ToolKind{models.ToolKindMCP, models.ToolKindNative, models.ToolKindSearch, models.ToolKindExternal} {
		if tool, ok := r.Get(kind, name); ok {
			return tool, true
		}
	}
	return nil, false
}

// All returns a snapshot of every registration.
func (r *Registry) All() []models.RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.RegisteredTool
	for _, kindTools := range r.tools {
		for _, tool := range kindTools {
			out = append(out, *tool)
		}
	}
	return out
}

// Available returns every tool currently in the available state.
func (r *Registry) Available() []models.RegisteredTool {
	all := r.All()
	available := all[:0]
	for _, tool := range all {
		if tool.Status == models.ToolAvailable {
			available = append(available, tool)
		}
	}
	return available
}

// Search returns registrations matching the query, ranked by relevance:
// name hit 10, description hit 5, source hit 2. An empty query matches
// everything the filter admits.
func (r *Registry) Search(query string, filter *SearchFilter) []models.RegisteredTool {
	queryLower := strings.ToLower(query)

	var results []models.RegisteredTool
	for _, tool := range r.All() {
		if filter != nil && !filter.admits(&tool) {
			continue
		}
		if query == "" || relevance(&tool.Descriptor, tool.Source, queryLower) > 0 {
			results = append(results, tool)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return relevance(&results[i].Descriptor, results[i].Source, queryLower) >
			relevance(&results[j].Descriptor, results[j].Source, queryLower)
	})
	return results
}

func (f *SearchFilter) admits(tool *models.RegisteredTool) bool {
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, tool.Kind) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, tool.Status) {
		return false
	}
	if len(f.Sources) > 0 && !containsString(f.Sources, tool.Source) {
		return false
	}
	if f.MinRating > 0 && tool.UsageStats.UserRating < f.MinRating {
		return false
	}
	return true
}

func relevance(desc *models.ToolDescriptor, source, queryLower string) float64 {
	if queryLower == "" {
		return 0
	}
	var score float64
	if strings.Contains(strings.ToLower(desc.Name), queryLower) {
		score += 10
	}
	if strings.Contains(strings.ToLower(desc.Description), queryLower) {
		score += 5
	}
	if strings.Contains(strings.ToLower(source), queryLower) {
		score += 2
	}
	return score
}

// UpdateStatus transitions a tool's availability state.
func (r *Registry) UpdateStatus(kind models.ToolKind, name string, status models.ToolStatus) error {
	r.mu.Lock()
	kindTools, ok := r.tools[kind]
	var tool *models.RegisteredTool
	if ok {
		tool, ok = kindTools[name]
	}
	if !ok {
		r.mu.Unlock()
		return models.NewError(models.ErrKindNotFound, "tool %q (%s) not registered", name, kind)
	}
	old := tool.Status
	tool.Status = status
	tool.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.persist()
	r.logger.Info("tool status changed", "tool", name, "from", old, "to", status)
	return nil
}

// RecordUsage folds one execution outcome into the tool's statistics and the
// process metrics. Persistence runs detached so hot paths never block on it.
func (r *Registry) RecordUsage(kind models.ToolKind, name string, success bool, duration time.Duration) {
	r.mu.Lock()
	if kindTools, ok := r.tools[kind]; ok {
		if tool, ok := kindTools[name]; ok {
			tool.UsageStats.Record(success, duration)
			tool.UpdatedAt = time.Now()
		}
	}
	r.mu.Unlock()

	observeExecution(name, success, duration)
	go r.persist()
}

// Permission decides whether a tool may execute. Registry status is checked
// first; MCP tools then delegate to the security manager.
func (r *Registry) Permission(kind models.ToolKind, name string, serverID string) Permission {
	tool, ok := r.Get(kind, name)
	if !ok {
		return Denied(fmt.Sprintf("tool %q is not registered", name))
	}

	switch tool.Status {
	case models.ToolAvailable:
	case models.ToolDeprecated:
		return Confirm(fmt.Sprintf("tool %q is deprecated; continue?", name))
	case models.ToolUnavailable:
		return Denied(fmt.Sprintf("tool %q is currently unavailable", name))
	case models.ToolDisabled:
		return Denied(fmt.Sprintf("tool %q is disabled", name))
	case models.ToolMaintenance:
		return Denied(fmt.Sprintf("tool %q is under maintenance", name))
	}

	if kind == models.ToolKindMCP && r.security != nil {
		return r.security.CheckToolPermission(&tool.Descriptor, serverID)
	}
	return AutoExecute()
}

// DiscoverServerTools registers (overwriting) the tools listed by an MCP
// server. Called after a successful tools/list.
func (r *Registry) DiscoverServerTools(serverID string, tools []models.ToolDescriptor) {
	for _, desc := range tools {
		if err := r.Register(RegistrationRequest{
			Descriptor: desc,
			Kind:       models.ToolKindMCP,
			Source:     serverID,
			Overwrite:  true,
		}); err != nil {
			r.logger.Warn("failed to register discovered tool",
				"tool", desc.Name, "server", serverID, "error", err)
		}
	}
	r.logger.Info("discovered MCP tools", "server", serverID, "count", len(tools))
}

// CleanupServerTools drops every registration sourced from the server.
func (r *Registry) CleanupServerTools(serverID string) {
	r.mu.Lock()
	removed := 0
	if mcpTools, ok := r.tools[models.ToolKindMCP]; ok {
		for name, tool := range mcpTools {
			if tool.Source == serverID {
				delete(mcpTools, name)
				removed++
			}
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		r.persist()
		r.logger.Info("cleaned up server tools", "server", serverID, "removed", removed)
	}
}

// Stats aggregates counts across the index.
type Stats struct {
	TotalTools      int   `json:"total_tools"`
	MCPTools        int   `json:"mcp_tools"`
	NativeTools     int   `json:"native_tools"`
	SearchTools     int   `json:"search_tools"`
	AvailableTools  int   `json:"available_tools"`
	DisabledTools   int   `json:"disabled_tools"`
	TotalCalls      int64 `json:"total_calls"`
	SuccessfulCalls int64 `json:"successful_calls"`
	FailedCalls     int64 `json:"failed_calls"`
}

// Statistics summarizes the registry.
func (r *Registry) Statistics() Stats {
	var stats Stats
	for _, tool := range r.All() {
		stats.TotalTools++
		switch tool.Kind {
		case models.ToolKindMCP:
			stats.MCPTools++
		case models.ToolKindNative:
			stats.NativeTools++
		case models.ToolKindSearch:
			stats.SearchTools++
		}
		switch tool.Status {
		case models.ToolAvailable:
			stats.AvailableTools++
		case models.ToolDisabled:
			stats.DisabledTools++
		}
		stats.TotalCalls += tool.UsageStats.TotalCalls
		stats.SuccessfulCalls += tool.UsageStats.SuccessfulCalls
		stats.FailedCalls += tool.UsageStats.FailedCalls
	}
	return stats
}

// defaultConfigFor derives execution settings from descriptor annotations:
// destructive tools run longer and never retry, read-only tools cache and
// retry freely.
func defaultConfigFor(desc *models.ToolDescriptor) models.ToolRuntimeConfig {
	cfg := models.ToolRuntimeConfig{
		TimeoutSeconds: 30,
		RetryCount:     2,
		CachePolicy:    models.CacheNone,
	}
	if desc.Annotations == nil {
		return cfg
	}
	switch {
	case desc.Annotations.Destructive:
		cfg.TimeoutSeconds = 120
		cfg.RetryCount = 0
	case desc.Annotations.ReadOnly:
		cfg.CachePolicy = models.CacheMedium
		cfg.RetryCount = 3
	}
	return cfg
}

// persist snapshots the index into the KV store.
func (r *Registry) persist() {
	if r.kv == nil {
		return
	}
	r.mu.RLock()
	snapshot := make(map[models.ToolKind]map[string]*models.RegisteredTool, len(r.tools))
	for kind, kindTools := range r.tools {
		copied := make(map[string]*models.RegisteredTool, len(kindTools))
		for name, tool := range kindTools {
			t := *tool
			copied[name] = &t
		}
		snapshot[kind] = copied
	}
	r.mu.RUnlock()

	if err := storage.SetObject(r.kv, registryKey, snapshot); err != nil {
		r.logger.Warn("failed to persist tool registry", "error", err)
	}
}

// load restores a persisted snapshot, if any.
func (r *Registry) load() {
	if r.kv == nil {
		return
	}
	snapshot, ok := storage.GetObject[map[models.ToolKind]map[string]*models.RegisteredTool](r.kv, registryKey)
	if !ok {
		return
	}
	r.mu.Lock()
	r.tools = snapshot
	r.mu.Unlock()
	r.logger.Debug("tool registry loaded from storage")
}

func containsKind(kinds []models.ToolKind, k models.ToolKind) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}

func containsStatus(statuses []models.ToolStatus, s models.ToolStatus) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}
