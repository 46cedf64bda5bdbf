package registry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/pkg/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	kv := storage.NewMemoryKV()
	return New(kv, NewSecurityManager(kv, nil), nil)
}

func descriptor(name, description string) models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        name,
		Description: description,
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := newTestRegistry(t)

	err := reg.Register(RegistrationRequest{
		Descriptor: descriptor("search", "Search the workspace"),
		Kind:       models.ToolKindMCP,
		Source:     "srv1",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	tool, ok := reg.Get(models.ToolKindMCP, "search")
	if !ok {
		t.Fatal("tool not found")
	}
	if tool.Status != models.ToolAvailable || tool.Source != "srv1" {
		t.Errorf("tool = %+v", tool)
	}
}

func TestRegistry_DuplicateNeedsOverwrite(t *testing.T) {
	reg := newTestRegistry(t)
	req := RegistrationRequest{
		Descriptor: descriptor("search", "v1"),
		Kind:       models.ToolKindMCP,
		Source:     "srv1",
	}
	if err := reg.Register(req); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(req); err == nil {
		t.Fatal("duplicate registration must fail without overwrite")
	}
	req.Overwrite = true
	req.Descriptor.Description = "v2"
	if err := reg.Register(req); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	tool, _ := reg.Get(models.ToolKindMCP, "search")
	if tool.Descriptor.Description != "v2" {
		t.Errorf("description = %q", tool.Descriptor.Description)
	}
}

func TestRegistry_SearchRelevanceOrder(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Register(RegistrationRequest{
		Descriptor: descriptor("notes", "create report documents"),
		Kind:       models.ToolKindNative, Source: "loom",
	})
	reg.Register(RegistrationRequest{
		Descriptor: descriptor("report_builder", "builds things"),
		Kind:       models.ToolKindMCP, Source: "srv1",
	})
	reg.Register(RegistrationRequest{
		Descriptor: descriptor("unrelated", "nothing here"),
		Kind:       models.ToolKindMCP, Source: "srv1",
	})

	results := reg.Search("report", nil)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	// Name hit (10) outranks description hit (5).
	if results[0].Descriptor.Name != "report_builder" {
		t.Errorf("first result = %q", results[0].Descriptor.Name)
	}
	if results[1].Descriptor.Name != "notes" {
		t.Errorf("second result = %q", results[1].Descriptor.Name)
	}
}

func TestRegistry_SearchFilter(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Register(RegistrationRequest{
		Descriptor: descriptor("a", "x"), Kind: models.ToolKindMCP, Source: "srv1",
	})
	reg.Register(RegistrationRequest{
		Descriptor: descriptor("b", "x"), Kind: models.ToolKindNative, Source: "loom",
	})

	results := reg.Search("", &SearchFilter{Kinds: []models.ToolKind{models.ToolKindNative}})
	if len(results) != 1 || results[0].Descriptor.Name != "b" {
		t.Errorf("filtered results = %+v", results)
	}
}

func TestRegistry_PermissionByStatus(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Register(RegistrationRequest{
		Descriptor: descriptor("t", "tool"), Kind: models.ToolKindNative, Source: "loom",
	})

	if perm := reg.Permission(models.ToolKindNative, "t", ""); perm.Decision != DecisionAuto {
		t.Errorf("available tool: %+v", perm)
	}

	reg.UpdateStatus(models.ToolKindNative, "t", models.ToolDeprecated)
	if perm := reg.Permission(models.ToolKindNative, "t", ""); perm.Decision != DecisionConfirm {
		t.Errorf("deprecated tool: %+v", perm)
	}

	for _, status := range []models.ToolStatus{models.ToolDisabled, models.ToolUnavailable, models.ToolMaintenance} {
		reg.UpdateStatus(models.ToolKindNative, "t", status)
		if perm := reg.Permission(models.ToolKindNative, "t", ""); perm.Decision != DecisionDeny {
			t.Errorf("%s tool: %+v", status, perm)
		}
	}

	if perm := reg.Permission(models.ToolKindNative, "ghost", ""); perm.Decision != DecisionDeny {
		t.Errorf("unregistered tool: %+v", perm)
	}
}

func TestRegistry_MCPPermissionDelegatesToSecurity(t *testing.T) {
	reg := newTestRegistry(t)
	readOnly := descriptor("reader", "reads")
	readOnly.Annotations = &models.ToolAnnotations{ReadOnly: true}
	destructive := descriptor("dropper", "drops")
	destructive.Annotations = &models.ToolAnnotations{Destructive: true}

	reg.Register(RegistrationRequest{Descriptor: readOnly, Kind: models.ToolKindMCP, Source: "srv1"})
	reg.Register(RegistrationRequest{Descriptor: destructive, Kind: models.ToolKindMCP, Source: "srv1"})

	// Default policy: read-only auto-executes, destructive confirms.
	if perm := reg.Permission(models.ToolKindMCP, "reader", "srv1"); perm.Decision != DecisionAuto {
		t.Errorf("read-only: %+v", perm)
	}
	if perm := reg.Permission(models.ToolKindMCP, "dropper", "srv1"); perm.Decision != DecisionConfirm {
		t.Errorf("destructive: %+v", perm)
	}
}

func TestRegistry_DiscoverAndCleanupServerTools(t *testing.T) {
	reg := newTestRegistry(t)
	reg.DiscoverServerTools("srv1", []models.ToolDescriptor{
		descriptor("a", "x"), descriptor("b", "y"),
	})
	reg.DiscoverServerTools("srv2", []models.ToolDescriptor{descriptor("c", "z")})

	if got := len(reg.All()); got != 3 {
		t.Fatalf("tools = %d, want 3", got)
	}

	reg.CleanupServerTools("srv1")
	remaining := reg.All()
	if len(remaining) != 1 || remaining[0].Descriptor.Name != "c" {
		t.Errorf("remaining = %+v", remaining)
	}
}

func TestRegistry_RecordUsage(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Register(RegistrationRequest{
		Descriptor: descriptor("t", "tool"), Kind: models.ToolKindNative, Source: "loom",
	})

	reg.RecordUsage(models.ToolKindNative, "t", true, 100*time.Millisecond)
	reg.RecordUsage(models.ToolKindNative, "t", false, 300*time.Millisecond)

	tool, _ := reg.Get(models.ToolKindNative, "t")
	stats := tool.UsageStats
	if stats.TotalCalls != 2 || stats.SuccessfulCalls != 1 || stats.FailedCalls != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.AvgDurationMs != 200 {
		t.Errorf("avg = %v, want 200", stats.AvgDurationMs)
	}
	if stats.LastCalledAt == nil {
		t.Error("last called timestamp missing")
	}
}

func TestRegistry_PersistsAcrossInstances(t *testing.T) {
	kv := storage.NewMemoryKV()
	first := New(kv, nil, nil)
	first.Register(RegistrationRequest{
		Descriptor: descriptor("persisted", "tool"), Kind: models.ToolKindMCP, Source: "srv1",
	})

	second := New(kv, nil, nil)
	if _, ok := second.Get(models.ToolKindMCP, "persisted"); !ok {
		t.Error("registration did not survive reload")
	}
}

func TestRegistry_AnnotationDerivedDefaults(t *testing.T) {
	reg := newTestRegistry(t)

	destructive := descriptor("dropper", "drops")
	destructive.Annotations = &models.ToolAnnotations{Destructive: true}
	reg.Register(RegistrationRequest{Descriptor: destructive, Kind: models.ToolKindMCP, Source: "srv1"})

	tool, _ := reg.Get(models.ToolKindMCP, "dropper")
	if tool.Config.TimeoutSeconds != 120 || tool.Config.RetryCount != 0 {
		t.Errorf("destructive defaults = %+v", tool.Config)
	}

	readOnly := descriptor("reader", "reads")
	readOnly.Annotations = &models.ToolAnnotations{ReadOnly: true}
	reg.Register(RegistrationRequest{Descriptor: readOnly, Kind: models.ToolKindMCP, Source: "srv1"})

	tool, _ = reg.Get(models.ToolKindMCP, "reader")
	if tool.Config.CachePolicy != models.CacheMedium || tool.Config.RetryCount != 3 {
		t.Errorf("read-only defaults = %+v", tool.Config)
	}
}
