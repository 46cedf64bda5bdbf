package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/model"
	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/internal/toolcall"
	"github.com/loomhq/loom/pkg/models"
)

// Result wrappers forwarded to the UI around tool output. Kept verbatim from
// the host application's UI strings.
const (
	toolResultFrame = "\n<tool_result>\n工具执行成功：%s\n结果：%s\n</tool_result>\n"
	toolErrorFrame  = "\n<tool_error>\n工具执行失败：%s\n错误：%s\n</tool_error>\n"
)

// StreamRequest is one chat turn handed to the pipeline.
type StreamRequest struct {
	ChatID      string
	AuthorID    string
	UserMessage string

	// Agent enables tool-call detection; nil streams plain text.
	Agent *models.AgentConfig

	// ToolHandler executes detected tool calls; nil skips execution.
	ToolHandler *toolcall.Handler

	// SystemPrompt is the composed (or caller-supplied) system prompt.
	SystemPrompt string

	ModelID string

	AnswerSink   Sink
	QuestionSink Sink

	Cancel *CancelFlag
}

// Pipeline turns one user message into a streamed, tool-augmented reply.
// One pipeline instance is shared; each turn runs on its own goroutine with
// all accumulator state confined to that goroutine.
type Pipeline struct {
	client   model.Client
	messages storage.MessageStore
	logger   *slog.Logger
}

// NewPipeline wires the pipeline to the model client and message store.
func NewPipeline(client model.Client, messages storage.MessageStore, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		client:   client,
		messages: messages,
		logger:   logger.With("component", "pipeline"),
	}
}

// Stream persists the question, announces its id, and streams the answer on
// a detached goroutine. The returned message is the persisted question.
func (p *Pipeline) Stream(ctx context.Context, req *StreamRequest) (*models.ChatMessage, error) {
	if req.AnswerSink == nil {
		req.AnswerSink = NopSink
	}
	if req.QuestionSink == nil {
		req.QuestionSink = NopSink
	}
	if req.Cancel == nil {
		req.Cancel = &CancelFlag{}
	}
	req.Cancel.Clear()

	question, err := p.persistQuestion(ctx, req)
	if err != nil {
		return nil, models.WrapError(models.ErrKindInternal, err, "persist question")
	}
	req.QuestionSink.Send(models.MessageIDFrame(question.MessageID))

	go p.run(context.WithoutCancel(ctx), req, question.MessageID)
	return question, nil
}

// Regenerate re-streams the answer for an existing question id without agent
// augmentation.
func (p *Pipeline) Regenerate(ctx context.Context, chatID string, questionID int64, modelID string, sink Sink, cancel *CancelFlag) error {
	content, err := p.messages.SelectMessageContent(ctx, questionID)
	if err != nil {
		return models.WrapError(models.ErrKindNotFound, err, "question %d", questionID)
	}
	if cancel == nil {
		cancel = &CancelFlag{}
	}
	cancel.Clear()

	req := &StreamRequest{
		ChatID:      chatID,
		UserMessage: content,
		ModelID:     modelID,
		AnswerSink:  sink,
		Cancel:      cancel,
	}
	if req.AnswerSink == nil {
		req.AnswerSink = NopSink
	}
	go p.run(context.WithoutCancel(ctx), req, questionID)
	return nil
}

func (p *Pipeline) persistQuestion(ctx context.Context, req *StreamRequest) (*models.ChatMessage, error) {
	id, err := p.messages.NextMessageID(ctx)
	if err != nil {
		return nil, err
	}
	msg := models.ChatMessage{
		MessageID:  id,
		ChatID:     req.ChatID,
		Content:    req.UserMessage,
		CreatedAt:  time.Now().Unix(),
		AuthorType: models.AuthorHuman,
		AuthorID:   req.AuthorID,
	}
	if err := p.messages.UpsertMessages(ctx, []models.ChatMessage{msg}); err != nil {
		return nil, err
	}
	return &msg, nil
}

// run drives one turn. All frame emission, accumulator mutation, and
// cancellation checks happen on this goroutine.
func (p *Pipeline) run(ctx context.Context, req *StreamRequest, questionID int64) {
	buffer := &streamBuffer{}
	sink := req.AnswerSink

	stream, err := p.openStream(ctx, req, questionID)
	if err != nil {
		p.logger.Error("failed to start streaming", "chat", req.ChatID, "error", err)
		sink.Send(limitOrErrorFrame(err))
		sink.Send(models.DoneFrame())
		return
	}

	hasAgent := req.Agent != nil
	acc := ""

	emitText := func(text string) {
		if text == "" {
			return
		}
		buffer.append(text)
		sink.Send(models.DataFrame(text))
	}

	cancelled := false
loop:
	for chunk := range stream {
		if req.Cancel.Cancelled() {
			p.logger.Debug("client stopped streaming", "chat", req.ChatID)
			cancelled = true
			break loop
		}
		if chunk.Err != nil {
			if !p.emitStreamError(sink, req.ChatID, chunk.Err) {
				return
			}
			break loop
		}
		if chunk.Done {
			break loop
		}
		if chunk.Text == "" {
			continue
		}

		if !hasAgent {
			emitText(chunk.Text)
			continue
		}

		acc += chunk.Text
		acc = p.drainSafeText(acc, emitText)

		if !toolcall.HasCompleteToolCall(acc) {
			continue
		}

		calls := toolcall.ExtractToolCalls(acc)
		if len(calls) == 0 {
			// Both markers present but nothing parsed: skip past the first
			// closing tag so a bad block cannot wedge the stream.
			if end := strings.Index(acc, toolcall.EndTag); end >= 0 {
				emitText(acc[:end+len(toolcall.EndTag)])
				acc = acc[end+len(toolcall.EndTag):]
			}
			continue
		}

		consumed := 0
		for _, call := range calls {
			emitText(acc[consumed:call.Start])
			consumed = call.End

			if req.Cancel.Cancelled() {
				cancelled = true
				break loop
			}
			if !p.executeCall(ctx, req, sink, buffer, call.Request) {
				cancelled = true
				break loop
			}
		}
		acc = acc[consumed:]
		acc = p.drainSafeText(acc, emitText)
	}

	if cancelled {
		// Drain the channel so the producer goroutine can finish.
		go func() {
			for range stream {
			}
		}()
	} else if acc != "" {
		// Residual accumulator, including any unterminated tool call, is
		// flushed verbatim.
		emitText(acc)
	}

	p.persistAnswer(ctx, req.ChatID, questionID, buffer)
	sink.Send(models.DoneFrame())
}

// openStream composes the provider request, including conversation memory
// when the agent enables it. History stops before the question itself, which
// is appended as the closing user turn.
func (p *Pipeline) openStream(ctx context.Context, req *StreamRequest, questionID int64) (<-chan model.StreamChunk, error) {
	var history []model.Message
	if req.Agent != nil && req.Agent.Capabilities.EnableMemory {
		history = p.loadHistory(ctx, req.ChatID, req.Agent.Capabilities.MemoryLimit, questionID)
	}

	messages := append(history, model.Message{Role: model.RoleUser, Content: req.UserMessage})
	return p.client.StreamChat(ctx, &model.ChatRequest{
		Model:    req.ModelID,
		System:   req.SystemPrompt,
		Messages: messages,
	})
}

// loadHistory maps recent persisted messages into provider turns, oldest
// first.
func (p *Pipeline) loadHistory(ctx context.Context, chatID string, limit int, beforeID int64) []model.Message {
	list, err := p.messages.SelectMessages(ctx, chatID, limit, models.MessageCursor{BeforeMessageID: beforeID})
	if err != nil || list == nil {
		return nil
	}
	out := make([]model.Message, 0, len(list.Messages))
	for i := len(list.Messages) - 1; i >= 0; i-- {
		m := list.Messages[i]
		role := model.RoleUser
		if m.AuthorType == models.AuthorSystem {
			role = model.RoleAssistant
		}
		out = append(out, model.Message{Role: role, Content: m.Content})
	}
	return out
}

// drainSafeText normalizes stray markdown fences, then forwards every byte
// that cannot belong to an in-flight tool-call marker. The held tail is
// returned as the new accumulator.
func (p *Pipeline) drainSafeText(acc string, emit func(string)) string {
	if strings.Contains(acc, "```tool_call") && !strings.Contains(acc, toolcall.StartTag) {
		if strings.Contains(acc, "```\n") || strings.HasSuffix(acc, "```") {
			p.logger.Warn("model used markdown fences for tool call, normalizing")
			acc = toolcall.NormalizeMarkdownFences(acc)
		}
	}
	safe := safeTextLength(acc)
	if safe > 0 {
		emit(acc[:safe])
		acc = acc[safe:]
	}
	return acc
}

// markerCandidates are the prefixes the pipeline must not forward until they
// resolve into either a real marker or plain text.
var markerCandidates = []string{toolcall.StartTag, "```tool_call"}

// safeTextLength returns how many leading bytes of acc are certainly plain
// text: everything before the earliest complete or partial marker candidate.
func safeTextLength(acc string) int {
	safe := len(acc)
	for _, marker := range markerCandidates {
		if idx := strings.Index(acc, marker); idx >= 0 && idx < safe {
			safe = idx
		}
	}
	// A partial candidate at the tail must be held too.
	for i := safe - 1; i >= 0 && safe-i < longestMarker(); i-- {
		tail := acc[i:safe]
		for _, marker := range markerCandidates {
			if len(tail) < len(marker) && strings.HasPrefix(marker, tail) {
				safe = i
				break
			}
		}
	}
	return safe
}

func longestMarker() int {
	longest := 0
	for _, m := range markerCandidates {
		if len(m) > longest {
			longest = len(m)
		}
	}
	return longest
}

// executeCall runs one tool call, bracketing its textual result with the
// running/final metadata frames. Returns false when cancellation won while
// the call was in flight; the result is discarded and no further frames are
// emitted.
func (p *Pipeline) executeCall(ctx context.Context, req *StreamRequest, sink Sink, buffer *streamBuffer, call models.ToolCallRequest) bool {
	running := models.ToolCallMetadata{
		ID:        call.ID,
		ToolName:  call.ToolName,
		Status:    "running",
		Arguments: call.Arguments,
	}
	sink.Send(models.MetadataFrame(running.Envelope()))

	if req.ToolHandler == nil {
		p.logger.Warn("no tool handler attached, skipping execution", "tool", call.ToolName)
		skipped := models.ToolCallMetadata{
			ID:       call.ID,
			ToolName: call.ToolName,
			Status:   "skipped",
			Result:   "tool execution not configured",
		}
		sink.Send(models.MetadataFrame(skipped.Envelope()))
		return true
	}

	p.logger.Info("executing tool", "tool", call.ToolName, "id", call.ID, "chat", req.ChatID)
	resp := req.ToolHandler.Execute(ctx, &call, req.Agent)

	// In-flight tool calls are not killed on stop; their result is discarded
	// when cancellation wins.
	if req.Cancel.Cancelled() {
		p.logger.Debug("discarding tool result after cancellation", "tool", call.ToolName)
		return false
	}

	status := "success"
	if !resp.Success {
		status = "failed"
	}
	final := models.ToolCallMetadata{
		ID:         resp.ID,
		ToolName:   call.ToolName,
		Status:     status,
		Result:     resp.Result,
		Error:      resp.Error,
		DurationMs: resp.DurationMs,
	}
	sink.Send(models.MetadataFrame(final.Envelope()))

	var text string
	if resp.Success {
		text = fmt.Sprintf(toolResultFrame, call.ToolName, resp.Result)
	} else {
		errMsg := resp.Error
		if errMsg == "" {
			errMsg = "Unknown error"
		}
		text = fmt.Sprintf(toolErrorFrame, call.ToolName, errMsg)
	}
	buffer.append(text)
	sink.Send(models.DataFrame(text))
	return true
}

// emitStreamError maps a mid-stream error to frames. Returns false when the
// turn must end immediately without Done (never the case today: cancellation
// and timeouts absorb to Done, everything else emits OnError first).
func (p *Pipeline) emitStreamError(sink Sink, chatID string, err error) bool {
	kind := models.KindOf(err)
	switch kind {
	case models.ErrKindCancelled:
		p.logger.Debug("stream cancelled", "chat", chatID)
	case models.ErrKindTimeout:
		p.logger.Error("unexpected stream error", "chat", chatID, "error", err)
	default:
		p.logger.Error("failed to stream answer", "chat", chatID, "error", err)
		sink.Send(models.ErrorFrame(err.Error()))
	}
	return true
}

// limitOrErrorFrame maps start-of-stream failures onto the named limit
// sentinels, defaulting to a soft error frame.
func limitOrErrorFrame(err error) models.StreamFrame {
	switch {
	case errors.Is(err, model.ErrResponseLimitExceeded):
		return models.LimitFrame(models.FrameAIResponseLimitExceeded, err.Error())
	case errors.Is(err, model.ErrImageResponseLimitExceeded):
		return models.LimitFrame(models.FrameAIImageResponseLimitExceeded, err.Error())
	case errors.Is(err, model.ErrMaxRequired):
		return models.LimitFrame(models.FrameAIMaxRequired, err.Error())
	case errors.Is(err, model.ErrLocalAINotReady):
		return models.LimitFrame(models.FrameLocalAINotReady, err.Error())
	case errors.Is(err, model.ErrLocalAIDisabled):
		return models.LimitFrame(models.FrameLocalAIDisabled, err.Error())
	default:
		return models.ErrorFrame(err.Error())
	}
}

// persistAnswer stores the accumulated reply as a single system message
// before the turn is acknowledged complete.
func (p *Pipeline) persistAnswer(ctx context.Context, chatID string, questionID int64, buffer *streamBuffer) {
	if buffer.empty() {
		return
	}
	content, metadata := buffer.take()

	id, err := p.messages.NextMessageID(ctx)
	if err != nil {
		p.logger.Error("failed to allocate answer id", "chat", chatID, "error", err)
		return
	}
	answer := models.ChatMessage{
		MessageID:      id,
		ChatID:         chatID,
		Content:        strings.TrimSpace(content),
		CreatedAt:      time.Now().Unix(),
		AuthorType:     models.AuthorSystem,
		AuthorID:       "assistant",
		ReplyMessageID: questionID,
		Metadata:       metadata,
	}
	if err := p.messages.UpsertMessages(ctx, []models.ChatMessage{answer}); err != nil {
		p.logger.Error("failed to persist answer", "chat", chatID, "error", err)
	}
}
