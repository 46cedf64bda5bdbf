package prompt

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/loomhq/loom/pkg/models"
)

func fullAgent() *models.AgentConfig {
	return &models.AgentConfig{
		ID:          "test-1",
		Name:        "Test Agent",
		Description: "A helpful coding assistant",
		Personality: "Friendly and professional",
		Capabilities: models.Capabilities{
			EnablePlanning:      true,
			EnableToolCalling:   true,
			EnableReflection:    true,
			EnableMemory:        true,
			MaxPlanningSteps:    10,
			MaxToolCalls:        20,
			MemoryLimit:         100,
			MaxToolResultLength: 4000,
		},
		ToolNames: []string{"calculator", "search"},
		Status:    models.AgentActive,
	}
}

func TestBuild_AllSections(t *testing.T) {
	p := Build(fullAgent())

	for _, want := range []string{
		"# Agent Description",
		"A helpful coding assistant",
		"# Personality",
		"Friendly and professional",
		"# Capabilities",
		"Task Planning",
		"Tool Calling",
		"Self-Reflection",
		"Conversation Memory",
		"Test Agent",
		"<tool_call>",
		"</tool_call>",
		"NOT inside markdown code blocks",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuild_MinimalOmitsSections(t *testing.T) {
	agent := &models.AgentConfig{ID: "m", Name: "Minimal Agent", Status: models.AgentActive}
	p := Build(agent)

	if !strings.Contains(p, "Minimal Agent") {
		t.Error("closing directive missing")
	}
	for _, unwanted := range []string{"# Agent Description", "# Personality", "# Capabilities", "<tool_call>"} {
		if strings.Contains(p, unwanted) {
			t.Errorf("prompt holds unexpected section %q", unwanted)
		}
	}
}

func TestBuild_Metadata(t *testing.T) {
	agent := fullAgent()
	agent.Metadata = map[string]string{"domain": "software engineering", "language": "Go"}

	p := Build(agent)
	if !strings.Contains(p, "# Additional Information") {
		t.Error("metadata section missing")
	}
	if !strings.Contains(p, "domain: software engineering") {
		t.Error("metadata line missing")
	}
}

func TestBuild_IsPure(t *testing.T) {
	agent := fullAgent()
	first := Build(agent)
	second := Build(agent)
	if first != second {
		t.Error("composition is not deterministic for identical inputs")
	}
}

func TestBuildWithTools_Details(t *testing.T) {
	agent := fullAgent()
	agent.ToolNames = []string{"batch_update"}

	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"mode": {"type": "string", "description": "Run mode", "enum": ["fast", "full"]},
			"items": {
				"type": "array",
				"description": "Cells to update",
				"items": {
					"type": "object",
					"properties": {
						"op": {"type": "string", "description": "Operation", "enum": ["set", "clear"]},
						"value": {"type": "number", "description": "New value"}
					}
				}
			}
		},
		"required": ["items"]
	}`)

	details := map[string]models.ToolDescriptor{
		"batch_update": {
			Name:        "batch_update",
			Description: "Update many cells at once",
			InputSchema: schema,
			Annotations: &models.ToolAnnotations{Idempotent: true, Destructive: true},
		},
	}

	p := BuildWithTools(agent, details)
	for _, want := range []string{
		"**batch_update**",
		"Update many cells at once",
		"items (array): Cells to update [required]",
		"mode (string): Run mode [optional]",
		"Array items must be objects with:",
		`op (string) (enum: "set", "clear"): Operation`,
		"value (number)",
		"Allowed values: fast, full",
		"Hints: destructive, idempotent",
		"**You have 1 tools available.**",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildWithTools_SkipsUnknownTools(t *testing.T) {
	agent := fullAgent()
	agent.ToolNames = []string{"known", "unknown"}
	details := map[string]models.ToolDescriptor{
		"known": {Name: "known", Description: "present"},
	}

	p := BuildWithTools(agent, details)
	if !strings.Contains(p, "**known**") {
		t.Error("known tool missing")
	}
	if strings.Contains(p, "**unknown**") {
		t.Error("unknown tool rendered")
	}
	if !strings.Contains(p, "You have 1 tools available") {
		t.Error("tool count wrong")
	}
}

func TestBuildWithTools_NoToolCallingNoDetails(t *testing.T) {
	agent := fullAgent()
	agent.Capabilities.EnableToolCalling = false
	details := map[string]models.ToolDescriptor{"x": {Name: "x"}}

	p := BuildWithTools(agent, details)
	if strings.Contains(p, "Detailed Information") {
		t.Error("details rendered despite disabled tool calling")
	}
}
