package toolcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/registry"
	"github.com/loomhq/loom/pkg/models"
)

// truncationNotice is appended when a tool result exceeds the configured
// limit. Kept verbatim from the host application's UI strings.
const truncationNotice = "%s\n\n--- 结果已截断 ---\n原始长度: %d 字符\n显示长度: %d 字符\n配置限制: %d 字符\n\n💡 提示：如需查看完整结果，请在智能体配置中增加「工具结果最大长度」"

// Handler executes tool-call requests: permission check, argument
// validation, routing to the MCP pool or native tools, and result shaping.
type Handler struct {
	pool     *mcp.Pool
	registry *registry.Registry
	native   *NativeTools
	logger   *slog.Logger
}

// NewHandler wires the handler to its collaborators. registry may be nil,
// disabling usage accounting.
func NewHandler(pool *mcp.Pool, reg *registry.Registry, native *NativeTools, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if native == nil {
		native = NewNativeTools()
	}
	return &Handler{
		pool:     pool,
		registry: reg,
		native:   native,
		logger:   logger.With("component", "tool_handler"),
	}
}

// Native exposes the native tool registry.
func (h *Handler) Native() *NativeTools { return h.native }

// Execute runs one tool call and always returns a response; failures are
// carried in the response rather than an error so the stream can continue.
// Duration is measured in every path.
func (h *Handler) Execute(ctx context.Context, req *models.ToolCallRequest, agent *models.AgentConfig) models.ToolCallResponse {
	start := time.Now()

	h.logger.Info("executing tool call",
		"id", req.ID, "tool", req.ToolName, "source", req.Source)

	// Agent whitelist check: an empty list allows all tools. Denied calls
	// never reach the pool.
	if agent != nil && !agent.AllowsTool(req.ToolName) {
		h.logger.Warn("tool not allowed for agent", "tool", req.ToolName, "agent", agent.ID)
		return models.ToolCallResponse{
			ID:         req.ID,
			Success:    false,
			Error:      fmt.Sprintf("tool %q is not allowed for this agent", req.ToolName),
			DurationMs: time.Since(start).Milliseconds(),
		}
	}

	if err := h.validateArguments(req); err != nil {
		h.logger.Warn("tool arguments rejected by schema", "tool", req.ToolName, "error", err)
		return models.ToolCallResponse{
			ID:         req.ID,
			Success:    false,
			Error:      err.Error(),
			DurationMs: time.Since(start).Milliseconds(),
		}
	}

	content, err := h.dispatch(ctx, req)
	durationMs := time.Since(start).Milliseconds()

	success := err == nil
	h.recordUsage(req, success, time.Since(start))

	if err != nil {
		h.logger.Error("tool call failed",
			"id", req.ID, "tool", req.ToolName, "duration_ms", durationMs, "error", err)
		return models.ToolCallResponse{
			ID:         req.ID,
			Success:    false,
			Error:      err.Error(),
			DurationMs: durationMs,
		}
	}

	limit := models.DefaultToolResultLength
	if agent != nil {
		limit = agent.Capabilities.EffectiveToolResultLimit()
	}
	final := TruncateResult(content, limit)

	h.logger.Info("tool call succeeded",
		"id", req.ID, "tool", req.ToolName, "duration_ms", durationMs, "result_len", len(final))
	return models.ToolCallResponse{
		ID:         req.ID,
		Success:    true,
		Result:     final,
		DurationMs: durationMs,
	}
}

// dispatch routes by source: a concrete server id goes straight to the pool;
// "native"/"loom" and the absent source both consult the pool first (the
// model often mislabels native tools) before falling back to the native set.
func (h *Handler) dispatch(ctx context.Context, req *models.ToolCallRequest) (string, error) {
	source := strings.TrimSpace(req.Source)
	switch {
	case source == "" || source == "native" || source == NativeSource:
		if h.pool != nil {
			if serverID, _ := h.pool.FindToolByName(req.ToolName); serverID != "" {
				h.logger.Debug("tool resolved to MCP server", "tool", req.ToolName, "server", serverID)
				return h.executeMCP(ctx, serverID, req)
			}
		}
		return h.native.Execute(ctx, req.ToolName, req.Arguments)
	default:
		return h.executeMCP(ctx, source, req)
	}
}

// executeMCP invokes the tool through the pool, which auto-connects
// configured-but-disconnected servers once.
func (h *Handler) executeMCP(ctx context.Context, serverID string, req *models.ToolCallRequest) (string, error) {
	if h.pool == nil {
		return "", models.NewError(models.ErrKindInternal, "no MCP pool attached")
	}
	result, err := h.pool.CallTool(ctx, serverID, req.ToolName, req.Arguments)
	if err != nil {
		return "", err
	}
	if result.IsError {
		return "", models.NewError(models.ErrKindInternal, "tool reported error: %s", result.Text())
	}
	return result.Text(), nil
}

// validateArguments checks the arguments against the registered descriptor's
// input schema when one is available and compiles. Unknown tools and
// uncompilable schemas pass through; the server stays the authority.
func (h *Handler) validateArguments(req *models.ToolCallRequest) error {
	if h.registry == nil || len(req.Arguments) == 0 {
		return nil
	}
	tool, ok := h.registry.Find(req.ToolName)
	if !ok || len(tool.Descriptor.InputSchema) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(tool.Descriptor.InputSchema)); err != nil {
		return nil
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil
	}

	var value any
	if err := json.Unmarshal(req.Arguments, &value); err != nil {
		return models.WrapError(models.ErrKindValidation, err, "tool %q arguments are not valid JSON", req.ToolName)
	}
	if err := schema.Validate(value); err != nil {
		return models.WrapError(models.ErrKindValidation, err, "tool %q arguments rejected by schema", req.ToolName)
	}
	return nil
}

func (h *Handler) recordUsage(req *models.ToolCallRequest, success bool, duration time.Duration) {
	if h.registry == nil {
		return
	}
	kind := models.ToolKindNative
	source := req.Source
	if tool, ok := h.registry.Find(req.ToolName); ok {
		kind = tool.Kind
		source = tool.Source
	}
	h.registry.RecordUsage(kind, req.ToolName, success, duration)

	if sec := h.registry.Security(); sec != nil && kind == models.ToolKindMCP {
		rec := registry.CallRecord{
			ToolName:  req.ToolName,
			ServerID:  source,
			Timestamp: time.Now(),
		}
		if tool, ok := h.registry.Find(req.ToolName); ok {
			rec.SafetyLevel = string(tool.Descriptor.Safety())
		}
		if err := sec.RecordCall(rec); err != nil {
			h.logger.Warn("failed to record tool call", "tool", req.ToolName, "error", err)
		}
	}
}

// TruncateResult cuts content at a valid UTF-8 boundary no further than
// limit bytes and appends the truncation notice with the original length.
func TruncateResult(content string, limit int) string {
	if limit <= 0 {
		limit = models.DefaultToolResultLength
	} else if limit < models.MinToolResultLength {
		limit = models.MinToolResultLength
	}
	if len(content) <= limit {
		return content
	}

	cut := limit
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return fmt.Sprintf(truncationNotice, content[:cut], len(content), cut, limit)
}
