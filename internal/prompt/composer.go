// Package prompt assembles agent system prompts from the agent record and
// the live tool schemas. Composition is a pure function of its inputs.
package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/loomhq/loom/pkg/models"
)

// Build renders the base system prompt for an agent. Sections are omitted
// when their source field is empty.
func Build(agent *models.AgentConfig) string {
	var b strings.Builder

	if agent.Description != "" {
		fmt.Fprintf(&b, "# Agent Description\n%s\n\n", agent.Description)
	}
	if agent.Personality != "" {
		fmt.Fprintf(&b, "# Personality\n%s\n\n", agent.Personality)
	}

	cap := agent.Capabilities
	if cap.EnablePlanning || cap.EnableToolCalling || cap.EnableReflection || cap.EnableMemory {
		b.WriteString("# Capabilities\n")

		if cap.EnablePlanning {
			fmt.Fprintf(&b, "- Task Planning: Break down complex tasks systematically (max %d steps)\n", cap.MaxPlanningSteps)
			b.WriteString("  **When to Create a Plan:**\n")
			b.WriteString("    • Complex multi-step tasks\n")
			b.WriteString("    • Tasks requiring multiple tools or resources\n")
			b.WriteString("    • Tasks with dependencies between steps\n")
			b.WriteString("    • Tasks that need careful sequencing\n\n")
			b.WriteString("  **Planning Process:**\n")
			b.WriteString("    1. Analyze the goal and identify key requirements\n")
			b.WriteString("    2. Break down into logical, sequential steps\n")
			b.WriteString("    3. Identify required tools and resources for each step\n")
			b.WriteString("    4. Execute steps methodically, one at a time\n")
			b.WriteString("    5. Validate results after each step\n")
			b.WriteString("    6. Adjust plan if needed based on intermediate results\n")
			b.WriteString("    7. Summarize final outcome for the user\n\n")
		}

		if cap.EnableToolCalling && len(agent.ToolNames) > 0 {
			b.WriteString("- Tool Calling: You can use external tools to accomplish tasks\n")
			fmt.Fprintf(&b, "  Available tools: %s\n", strings.Join(agent.ToolNames, ", "))
			fmt.Fprintf(&b, "  Max %d tool calls per conversation\n", cap.MaxToolCalls)
			writeToolProtocol(&b)
		}

		if cap.EnableReflection {
			b.WriteString("- Self-Reflection: Review and improve your responses continuously\n")
			b.WriteString("  After generating responses:\n")
			b.WriteString("    • Check for accuracy and completeness\n")
			b.WriteString("    • Consider alternative approaches\n")
			b.WriteString("    • Identify potential improvements\n")
			b.WriteString("    • Be transparent about uncertainties\n")
		}

		if cap.EnableMemory {
			fmt.Fprintf(&b, "- Conversation Memory: Remember the last %d messages in the conversation\n", cap.MemoryLimit)
		}
		b.WriteString("\n")
	}

	if len(agent.Metadata) > 0 {
		b.WriteString("# Additional Information\n")
		keys := make([]string, 0, len(agent.Metadata))
		for k := range agent.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, agent.Metadata[k])
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Please act according to the above description and capabilities as the agent %q.", agent.Name)
	return b.String()
}

// writeToolProtocol emits the inline tool-call wire format instructions,
// including the rule that the markers go directly into the reply instead of
// a code fence.
func writeToolProtocol(b *strings.Builder) {
	b.WriteString("\n  **Tool Calling Protocol:**\n")
	b.WriteString("  When you need to use a tool, DIRECTLY output the following format (WITHOUT markdown code blocks):\n\n")
	b.WriteString("  <tool_call>\n")
	b.WriteString("  {\n")
	b.WriteString("    \"id\": \"unique_call_id\",\n")
	b.WriteString("    \"tool_name\": \"tool_name_here\",\n")
	b.WriteString("    \"arguments\": {\n")
	b.WriteString("      \"param1\": \"value1\",\n")
	b.WriteString("      \"param2\": \"value2\"\n")
	b.WriteString("    }\n")
	b.WriteString("  }\n")
	b.WriteString("  </tool_call>\n\n")
	b.WriteString("  **CRITICAL:** Do NOT wrap the tool call in markdown code blocks (``` or ```tool_call). Output the <tool_call> tags directly!\n\n")
	b.WriteString("  **Note:** Do not specify 'source' field - the system will automatically detect whether the tool is native or external.\n\n")
	b.WriteString("  **Important Rules:**\n")
	b.WriteString("    • Generate a unique ID for each tool call (e.g., \"call_001\", \"call_002\")\n")
	b.WriteString("    • Use valid JSON format inside the <tool_call> tags\n")
	b.WriteString("    • Output <tool_call> tags directly in your response, NOT inside markdown code blocks\n")
	b.WriteString("    • Specify correct tool names from the available tools list\n")
	b.WriteString("    • Provide all required arguments with correct types\n")
	b.WriteString("    • Wait for tool results before continuing your response\n")
	b.WriteString("    • Explain to the user what tool you're using and why\n")
	b.WriteString("    • Interpret and summarize tool results for the user\n")
	b.WriteString("    • Handle errors gracefully with helpful messages\n\n")
}

// BuildWithTools renders the base prompt plus a detailed block for every
// tool on the agent's whitelist that has a descriptor in toolDetails.
func BuildWithTools(agent *models.AgentConfig, toolDetails map[string]models.ToolDescriptor) string {
	out := Build(agent)
	if !agent.Capabilities.EnableToolCalling || len(toolDetails) == 0 {
		return out
	}

	var b strings.Builder
	b.WriteString(out)
	b.WriteString("\n\n## 🔧 Available Tools (Detailed Information)\n\n")
	b.WriteString("You have access to the following tools with their detailed specifications:\n\n")

	names := agent.ToolNames
	if len(names) == 0 {
		names = make([]string, 0, len(toolDetails))
		for name := range toolDetails {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	count := 0
	for _, name := range names {
		tool, ok := toolDetails[name]
		if !ok {
			continue
		}
		count++
		fmt.Fprintf(&b, "%d. ", count)
		writeToolDetails(&b, &tool)
	}

	fmt.Fprintf(&b, "\n**You have %d tools available.** ", count)
	b.WriteString("Use them when needed to help the user accomplish their tasks.\n")
	return b.String()
}

// schemaProperty is the subset of JSON schema consulted when rendering
// parameter documentation.
type schemaProperty struct {
	Type        string                    `json:"type"`
	Description string                    `json:"description"`
	Enum        []any                     `json:"enum"`
	Items       *schemaProperty           `json:"items"`
	Properties  map[string]schemaProperty `json:"properties"`
}

// writeToolDetails renders one descriptor: parameters with required marks,
// nested fields of object arrays, enumerations, and annotation hints.
func writeToolDetails(b *strings.Builder, tool *models.ToolDescriptor) {
	fmt.Fprintf(b, "**%s**\n", tool.Name)
	desc := tool.Description
	if desc == "" {
		desc = "No description available"
	}
	fmt.Fprintf(b, "  %s\n", desc)

	var schema struct {
		Properties map[string]schemaProperty `json:"properties"`
		Required   []string                  `json:"required"`
	}
	if len(tool.InputSchema) > 0 && json.Unmarshal(tool.InputSchema, &schema) == nil && len(schema.Properties) > 0 {
		b.WriteString("  Parameters:\n")

		required := make(map[string]bool, len(schema.Required))
		for _, r := range schema.Required {
			required[r] = true
		}

		names := make([]string, 0, len(schema.Properties))
		for name := range schema.Properties {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			prop := schema.Properties[name]
			paramType := prop.Type
			if paramType == "" {
				paramType = "any"
			}
			mark := "optional"
			if required[name] {
				mark = "required"
			}
			fmt.Fprintf(b, "    - %s (%s): %s [%s]\n", name, paramType, prop.Description, mark)

			if paramType == "array" && prop.Items != nil {
				writeArrayItems(b, prop.Items)
			}
			if vals := enumValues(prop.Enum); len(vals) > 0 {
				fmt.Fprintf(b, "      Allowed values: %s\n", strings.Join(vals, ", "))
			}
		}
	}

	if a := tool.Annotations; a != nil {
		var hints []string
		if a.ReadOnly {
			hints = append(hints, "read-only")
		}
		if a.Destructive {
			hints = append(hints, "destructive")
		}
		if a.Idempotent {
			hints = append(hints, "idempotent")
		}
		if len(hints) > 0 {
			fmt.Fprintf(b, "  Hints: %s\n", strings.Join(hints, ", "))
		}
	}
	b.WriteString("\n")
}

func writeArrayItems(b *strings.Builder, items *schemaProperty) {
	if items.Type == "object" && len(items.Properties) > 0 {
		b.WriteString("      Array items must be objects with:\n")
		names := make([]string, 0, len(items.Properties))
		for name := range items.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			prop := items.Properties[name]
			propType := prop.Type
			if propType == "" {
				propType = "any"
			}
			enumHint := ""
			if vals := enumValues(prop.Enum); len(vals) > 0 {
				quoted := make([]string, len(vals))
				for i, v := range vals {
					quoted[i] = fmt.Sprintf("%q", v)
				}
				enumHint = fmt.Sprintf(" (enum: %s)", strings.Join(quoted, ", "))
			}
			fmt.Fprintf(b, "        • %s (%s)%s: %s\n", name, propType, enumHint, prop.Description)
		}
	} else if items.Type != "" {
		fmt.Fprintf(b, "      Array of: %s\n", items.Type)
	}
}

func enumValues(raw []any) []string {
	var vals []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			vals = append(vals, s)
		}
	}
	return vals
}
