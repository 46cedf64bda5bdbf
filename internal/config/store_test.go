package config

import (
	"strings"
	"testing"

	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/pkg/models"
)

func newTestStore(t *testing.T) (*Store, *storage.MemoryKV) {
	t.Helper()
	kv := storage.NewMemoryKV()
	return NewStore(kv, nil), kv
}

func validCreateRequest() models.CreateAgentRequest {
	return models.CreateAgentRequest{
		Name:         "Research Helper",
		Description:  "Answers research questions",
		Avatar:       "🔬",
		Personality:  "Curious and precise",
		Capabilities: models.DefaultCapabilities(),
		ToolNames:    []string{"search_docs", "create_document"},
	}
}

func TestStore_AgentRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	created, err := store.CreateAgent(validCreateRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.Status != models.AgentActive {
		t.Fatalf("created = %+v", created)
	}

	loaded, err := store.GetAgent(created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Name != created.Name || loaded.Personality != created.Personality {
		t.Errorf("round trip mismatch: %+v vs %+v", loaded, created)
	}
	if len(loaded.ToolNames) != 2 {
		t.Errorf("tool names = %v", loaded.ToolNames)
	}
}

func TestStore_UpdateAgentPartialMerge(t *testing.T) {
	store, _ := newTestStore(t)
	created, err := store.CreateAgent(validCreateRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	newName := "Renamed Helper"
	updated, err := store.UpdateAgent(models.UpdateAgentRequest{
		ID:   created.ID,
		Name: &newName,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != newName {
		t.Errorf("name = %q", updated.Name)
	}
	// Absent fields are preserved.
	if updated.Description != created.Description {
		t.Errorf("description changed: %q", updated.Description)
	}
	if updated.Personality != created.Personality {
		t.Errorf("personality changed: %q", updated.Personality)
	}
	if updated.UpdatedAt < created.UpdatedAt {
		t.Error("updated_at was not stamped")
	}
}

func TestStore_UpdateAgentEmptyToolNamesMeansUnchanged(t *testing.T) {
	store, _ := newTestStore(t)
	created, err := store.CreateAgent(validCreateRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	desc := "new description"
	updated, err := store.UpdateAgent(models.UpdateAgentRequest{
		ID:          created.ID,
		Description: &desc,
		ToolNames:   nil,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(updated.ToolNames) != 2 {
		t.Errorf("tool names cleared by empty update: %v", updated.ToolNames)
	}

	// A non-empty list replaces.
	updated, err = store.UpdateAgent(models.UpdateAgentRequest{
		ID:        created.ID,
		ToolNames: []string{"only_one"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(updated.ToolNames) != 1 || updated.ToolNames[0] != "only_one" {
		t.Errorf("tool names = %v", updated.ToolNames)
	}
}

func TestStore_DeleteAgentRemovesListEntry(t *testing.T) {
	store, _ := newTestStore(t)
	created, err := store.CreateAgent(validCreateRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.DeleteAgent(created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetAgent(created.ID); err == nil {
		t.Error("agent still loadable after delete")
	}
	agents, err := store.ListAgents()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 0 {
		t.Errorf("list = %d entries, want 0", len(agents))
	}
}

func TestStore_ListPrunesOrphans(t *testing.T) {
	store, kv := newTestStore(t)
	created, err := store.CreateAgent(validCreateRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Remove the record but leave the list entry behind.
	kv.Remove(agentConfigKey(created.ID))

	agents, err := store.ListAgents()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 0 {
		t.Errorf("orphan not filtered: %v", agents)
	}

	// The orphaned id must be gone from the index now.
	ids, _ := storage.GetObject[[]string](kv, agentListKey)
	if len(ids) != 0 {
		t.Errorf("orphan still indexed: %v", ids)
	}
}

func TestStore_ValidationBounds(t *testing.T) {
	store, _ := newTestStore(t)

	tests := []struct {
		name   string
		mutate func(*models.CreateAgentRequest)
	}{
		{"empty name", func(r *models.CreateAgentRequest) { r.Name = "" }},
		{"name too long", func(r *models.CreateAgentRequest) { r.Name = strings.Repeat("x", 51) }},
		{"description too long", func(r *models.CreateAgentRequest) { r.Description = strings.Repeat("x", 501) }},
		{"personality too long", func(r *models.CreateAgentRequest) { r.Personality = strings.Repeat("x", 2001) }},
		{"planning steps too high", func(r *models.CreateAgentRequest) { r.Capabilities.MaxPlanningSteps = 101 }},
		{"tool calls too high", func(r *models.CreateAgentRequest) { r.Capabilities.MaxToolCalls = 2000 }},
		{"memory limit too low", func(r *models.CreateAgentRequest) { r.Capabilities.MemoryLimit = 5 }},
		{"reflection iterations too high", func(r *models.CreateAgentRequest) { r.Capabilities.MaxReflectionIterations = 11 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validCreateRequest()
			tt.mutate(&req)
			if _, err := store.CreateAgent(req); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestStore_CapabilityDefaultsApplied(t *testing.T) {
	store, _ := newTestStore(t)

	req := validCreateRequest()
	req.Capabilities.MaxPlanningSteps = 0
	req.Capabilities.MaxToolCalls = 0
	req.Capabilities.MemoryLimit = 0
	req.Capabilities.MaxToolResultLength = 0

	created, err := store.CreateAgent(req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Capabilities.MaxPlanningSteps != 10 ||
		created.Capabilities.MaxToolCalls != 20 ||
		created.Capabilities.MemoryLimit != 100 ||
		created.Capabilities.MaxToolResultLength != models.DefaultToolResultLength {
		t.Errorf("defaults not applied: %+v", created.Capabilities)
	}
}

func TestStore_MigrationStampsVersion(t *testing.T) {
	_, kv := newTestStore(t)
	version, ok := storage.GetObject[int](kv, agentVersionKey)
	if !ok || version != currentConfigVersion {
		t.Errorf("version = %d (ok=%t), want %d", version, ok, currentConfigVersion)
	}
}

func TestStore_ActiveAgentFilter(t *testing.T) {
	store, _ := newTestStore(t)
	first, _ := store.CreateAgent(validCreateRequest())
	req := validCreateRequest()
	req.Name = "Second Agent"
	second, _ := store.CreateAgent(req)

	if err := store.UpdateAgentStatus(first.ID, models.AgentPaused); err != nil {
		t.Fatalf("update status: %v", err)
	}
	active, err := store.ListActiveAgents()
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].ID != second.ID {
		t.Errorf("active = %+v", active)
	}
}

func TestStore_AutoPopulateAgentTools(t *testing.T) {
	store, _ := newTestStore(t)
	req := validCreateRequest()
	req.ToolNames = nil
	created, err := store.CreateAgent(req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	changed, err := store.AutoPopulateAgentTools(created.ID, []string{"a", "b"})
	if err != nil || !changed {
		t.Fatalf("auto populate: changed=%t err=%v", changed, err)
	}
	loaded, _ := store.GetAgent(created.ID)
	if len(loaded.ToolNames) != 2 {
		t.Errorf("tool names = %v", loaded.ToolNames)
	}

	// Second run is a no-op: the list is populated now.
	changed, err = store.AutoPopulateAgentTools(created.ID, []string{"c"})
	if err != nil || changed {
		t.Fatalf("second auto populate: changed=%t err=%v", changed, err)
	}
}

func TestStore_ExportImport(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.CreateAgent(validCreateRequest()); err != nil {
		t.Fatalf("create: %v", err)
	}

	export, err := store.ExportConfig()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(export.Agents) != 1 || export.Version != currentConfigVersion {
		t.Fatalf("export = %+v", export)
	}

	if err := store.ClearAll(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	agents, _ := store.ListAgents()
	if len(agents) != 0 {
		t.Fatalf("clear left %d agents", len(agents))
	}

	result, err := store.ImportConfig(export)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.AgentsImported != 1 || !result.GlobalSettingsImported {
		t.Errorf("import result = %+v", result)
	}
	agents, _ = store.ListAgents()
	if len(agents) != 1 {
		t.Errorf("agents after import = %d", len(agents))
	}
}

func TestStore_ImportRejectsNewerVersion(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.ImportConfig(&Export{Version: currentConfigVersion + 1}); err == nil {
		t.Fatal("expected version rejection")
	}
}
