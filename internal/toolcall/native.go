package toolcall

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/loomhq/loom/pkg/models"
)

// NativeSource is the application keyword accepted (next to "native") as a
// tool-call source for built-in tools.
const NativeSource = "loom"

// Tool is an executable native tool.
type Tool interface {
	// Name returns the tool name for model function calling.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema returns the JSON schema of the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool with arguments matching Schema.
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// NativeTools holds the application's built-in tools.
type NativeTools struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewNativeTools creates the registry with the built-in tool set.
func NewNativeTools() *NativeTools {
	n := &NativeTools{tools: make(map[string]Tool)}
	n.Register(&createDocumentTool{})
	n.Register(&searchDocumentsTool{})
	return n
}

// Register adds or replaces a tool.
func (n *NativeTools) Register(tool Tool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (n *NativeTools) Get(name string) (Tool, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	tool, ok := n.tools[name]
	return tool, ok
}

// Execute runs the named tool.
func (n *NativeTools) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	tool, ok := n.Get(name)
	if !ok {
		return "", models.NewError(models.ErrKindNotFound, "native tool %q not found", name)
	}
	return tool.Execute(ctx, args)
}

// Descriptors lists the registered tools as descriptors for the registry and
// the planner's enumeration.
func (n *NativeTools) Descriptors() []models.ToolDescriptor {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]models.ToolDescriptor, 0, len(n.tools))
	for _, tool := range n.tools {
		out = append(out, models.ToolDescriptor{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	return out
}

// createDocumentTool creates a document in the host application.
type createDocumentTool struct{}

func (t *createDocumentTool) Name() string { return "create_document" }

func (t *createDocumentTool) Description() string { return "Create a new document" }

func (t *createDocumentTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"title": {"type": "string", "description": "Document title"},
			"content": {"type": "string", "description": "Document content"}
		},
		"required": ["title"]
	}`)
}

func (t *createDocumentTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var input struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", models.WrapError(models.ErrKindValidation, err, "create_document arguments")
	}
	if input.Title == "" {
		return "", models.NewError(models.ErrKindValidation, "document title is required")
	}
	return fmt.Sprintf("created document %q with %d characters of content", input.Title, len(input.Content)), nil
}

// searchDocumentsTool searches the host application's documents.
type searchDocumentsTool struct{}

func (t *searchDocumentsTool) Name() string { return "search_documents" }

func (t *searchDocumentsTool) Description() string { return "Search existing documents" }

func (t *searchDocumentsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search keywords"},
			"limit": {"type": "integer", "description": "Maximum number of results", "default": 10}
		},
		"required": ["query"]
	}`)
}

func (t *searchDocumentsTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var input struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", models.WrapError(models.ErrKindValidation, err, "search_documents arguments")
	}
	if input.Query == "" {
		return "", models.NewError(models.ErrKindValidation, "search query is required")
	}
	if input.Limit <= 0 {
		input.Limit = 10
	}
	return fmt.Sprintf("search for %q returned 0 results (limit %d)", input.Query, input.Limit), nil
}
