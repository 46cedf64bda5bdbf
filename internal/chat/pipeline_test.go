package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/model"
	"github.com/loomhq/loom/internal/registry"
	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/internal/toolcall"
	"github.com/loomhq/loom/pkg/models"
)

// scriptedModel replays a fixed chunk sequence.
type scriptedModel struct {
	chunks   []model.StreamChunk
	startErr error
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) StreamChat(ctx context.Context, req *model.ChatRequest) (<-chan model.StreamChunk, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	ch := make(chan model.StreamChunk, len(m.chunks)+1)
	for _, c := range m.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

// channelModel hands the test direct control over chunk delivery.
type channelModel struct {
	ch chan model.StreamChunk
}

func (m *channelModel) Name() string { return "channel" }

func (m *channelModel) StreamChat(ctx context.Context, req *model.ChatRequest) (<-chan model.StreamChunk, error) {
	return m.ch, nil
}

// frameCollector records frames and closes done on the Done sentinel.
type frameCollector struct {
	mu     sync.Mutex
	frames []models.StreamFrame
	done   chan struct{}
}

func newFrameCollector() *frameCollector {
	return &frameCollector{done: make(chan struct{})}
}

func (c *frameCollector) Send(frame models.StreamFrame) {
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
	if frame.Type == models.FrameDone {
		close(c.done)
	}
}

func (c *frameCollector) wait(t *testing.T) []models.StreamFrame {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Done frame")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.StreamFrame, len(c.frames))
	copy(out, c.frames)
	return out
}

// staticTool returns a fixed result, optionally blocking until released.
type staticTool struct {
	name    string
	result  string
	started chan struct{}
	release chan struct{}
}

func (s *staticTool) Name() string            { return s.name }
func (s *staticTool) Description() string     { return "test tool" }
func (s *staticTool) Schema() json.RawMessage { return nil }
func (s *staticTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	if s.started != nil {
		close(s.started)
	}
	if s.release != nil {
		<-s.release
	}
	return s.result, nil
}

func testHandler(t *testing.T, tools ...toolcall.Tool) *toolcall.Handler {
	t.Helper()
	native := toolcall.NewNativeTools()
	for _, tool := range tools {
		native.Register(tool)
	}
	kv := storage.NewMemoryKV()
	reg := registry.New(kv, nil, nil)
	return toolcall.NewHandler(nil, reg, native, nil)
}

func testAgent() *models.AgentConfig {
	return &models.AgentConfig{
		ID:   "agent-1",
		Name: "Helper",
		Capabilities: models.Capabilities{
			EnableToolCalling:   true,
			MaxPlanningSteps:    10,
			MaxToolCalls:        20,
			MemoryLimit:         100,
			MaxToolResultLength: 4000,
		},
		ToolNames: []string{"search_docs", "slow", "t"},
		Status:    models.AgentActive,
	}
}

// textOf concatenates the text of every Data frame.
func textOf(frames []models.StreamFrame) string {
	var b strings.Builder
	for _, f := range frames {
		if f.Type == models.FrameData {
			b.WriteString(f.Text)
		}
	}
	return b.String()
}

func metadataStatus(t *testing.T, frame models.StreamFrame) (string, string) {
	t.Helper()
	var envelope struct {
		ToolCall models.ToolCallMetadata `json:"tool_call"`
	}
	if err := json.Unmarshal(frame.Metadata, &envelope); err != nil {
		t.Fatalf("bad metadata frame: %v", err)
	}
	return envelope.ToolCall.ID, envelope.ToolCall.Status
}

func TestPipeline_SingleToolTurn(t *testing.T) {
	reply := `Sure. <tool_call>{"id":"c1","tool_name":"search_docs","arguments":{"q":"foo"}}</tool_call> done.`
	client := &scriptedModel{chunks: []model.StreamChunk{{Text: reply}, {Done: true}}}
	messages := storage.NewMemoryMessages()
	pipeline := NewPipeline(client, messages, nil)

	handler := testHandler(t, &staticTool{name: "search_docs", result: "hit"})
	answers := newFrameCollector()
	questions := NewChannelSink(4)

	question, err := pipeline.Stream(context.Background(), &StreamRequest{
		ChatID:       "chat-1",
		UserMessage:  "find foo",
		Agent:        testAgent(),
		ToolHandler:  handler,
		AnswerSink:   answers,
		QuestionSink: questions,
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	// The question id is announced first.
	select {
	case frame := <-questions.C:
		if frame.Type != models.FrameMessageID || frame.MessageID != question.MessageID {
			t.Errorf("question frame = %+v", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("no question id frame")
	}

	frames := answers.wait(t)

	wantTypes := []models.StreamFrameType{
		models.FrameData,     // "Sure. "
		models.FrameMetadata, // running
		models.FrameMetadata, // success
		models.FrameData,     // tool result wrapper
		models.FrameData,     // " done."
		models.FrameDone,
	}
	if len(frames) != len(wantTypes) {
		t.Fatalf("frames = %d (%+v), want %d", len(frames), frames, len(wantTypes))
	}
	for i, want := range wantTypes {
		if frames[i].Type != want {
			t.Errorf("frame[%d] = %s, want %s", i, frames[i].Type, want)
		}
	}

	if frames[0].Text != "Sure. " {
		t.Errorf("pre-call text = %q", frames[0].Text)
	}
	if id, status := metadataStatus(t, frames[1]); id != "c1" || status != "running" {
		t.Errorf("running metadata = %s/%s", id, status)
	}
	if id, status := metadataStatus(t, frames[2]); id != "c1" || status != "success" {
		t.Errorf("final metadata = %s/%s", id, status)
	}
	wantResult := "\n<tool_result>\n工具执行成功：search_docs\n结果：hit\n</tool_result>\n"
	if frames[3].Text != wantResult {
		t.Errorf("result frame = %q, want %q", frames[3].Text, wantResult)
	}
	if frames[4].Text != " done." {
		t.Errorf("post-call text = %q", frames[4].Text)
	}

	// The answer was persisted as one message replying to the question.
	answer, err := messages.SelectAnswerForQuestion(context.Background(), "chat-1", question.MessageID)
	if err != nil {
		t.Fatalf("answer not persisted: %v", err)
	}
	if !strings.Contains(answer.Content, "工具执行成功：search_docs") {
		t.Errorf("persisted answer = %q", answer.Content)
	}
}

func TestPipeline_OrderingAcrossMultipleCalls(t *testing.T) {
	call := func(id string) string {
		return fmt.Sprintf(`<tool_call>{"id":%q,"tool_name":"t","arguments":{}}</tool_call>`, id)
	}
	// T1 C1 T2 C2 T3, split awkwardly across chunk boundaries.
	full := "T1 " + call("c1") + " T2 " + call("c2") + " T3"
	var chunks []model.StreamChunk
	for i := 0; i < len(full); i += 7 {
		end := i + 7
		if end > len(full) {
			end = len(full)
		}
		chunks = append(chunks, model.StreamChunk{Text: full[i:end]})
	}
	chunks = append(chunks, model.StreamChunk{Done: true})

	client := &scriptedModel{chunks: chunks}
	pipeline := NewPipeline(client, storage.NewMemoryMessages(), nil)
	handler := testHandler(t, &staticTool{name: "t", result: "ok"})
	answers := newFrameCollector()

	if _, err := pipeline.Stream(context.Background(), &StreamRequest{
		ChatID:      "chat-1",
		UserMessage: "go",
		Agent:       testAgent(),
		ToolHandler: handler,
		AnswerSink:  answers,
	}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	frames := answers.wait(t)

	resultFrame := fmt.Sprintf(toolResultFrame, "t", "ok")
	wantText := "T1 " + resultFrame + " T2 " + resultFrame + " T3"
	if got := textOf(frames); got != wantText {
		t.Errorf("concatenated text = %q, want %q", got, wantText)
	}

	// Metadata frames bracket each call in textual order.
	var metas []string
	metaIndex := map[string]int{}
	firstIndexOf := func(substr string) int {
		for i, f := range frames {
			if f.Type == models.FrameData && strings.Contains(f.Text, substr) {
				return i
			}
		}
		return -1
	}
	for i, f := range frames {
		if f.Type == models.FrameMetadata {
			id, status := metadataStatus(t, f)
			key := id + ":" + status
			metas = append(metas, key)
			metaIndex[key] = i
		}
	}
	wantMetas := []string{"c1:running", "c1:success", "c2:running", "c2:success"}
	if len(metas) != len(wantMetas) {
		t.Fatalf("metadata frames = %v, want %v", metas, wantMetas)
	}
	for i := range wantMetas {
		if metas[i] != wantMetas[i] {
			t.Errorf("meta[%d] = %q, want %q", i, metas[i], wantMetas[i])
		}
	}

	// T2 text sits strictly between the first call's final metadata and the
	// second call's running metadata; T3 follows the second call.
	t2 := firstIndexOf("T2")
	t3 := firstIndexOf("T3")
	if t2 < metaIndex["c1:success"] || t2 > metaIndex["c2:running"] {
		t.Errorf("T2 at %d not between c1 final (%d) and c2 running (%d)",
			t2, metaIndex["c1:success"], metaIndex["c2:running"])
	}
	if t3 < metaIndex["c2:success"] {
		t.Errorf("T3 at %d precedes c2 final (%d)", t3, metaIndex["c2:success"])
	}
	if frames[len(frames)-1].Type != models.FrameDone {
		t.Error("turn did not end with Done")
	}
}

func TestPipeline_TruncatedStreamFlushesVerbatim(t *testing.T) {
	partial := `Analyzing <tool_call>{"id":"c3","tool_name":"t","arguments":{"k":1`
	client := &scriptedModel{chunks: []model.StreamChunk{{Text: partial}}}
	pipeline := NewPipeline(client, storage.NewMemoryMessages(), nil)

	executed := false
	tool := &staticTool{name: "t", result: "never"}
	handler := testHandler(t, tool)
	answers := newFrameCollector()

	if _, err := pipeline.Stream(context.Background(), &StreamRequest{
		ChatID:      "chat-1",
		UserMessage: "go",
		Agent:       testAgent(),
		ToolHandler: handler,
		AnswerSink:  answers,
	}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	frames := answers.wait(t)

	for _, f := range frames {
		if f.Type == models.FrameMetadata {
			executed = true
		}
	}
	if executed {
		t.Error("incomplete tool call was dispatched")
	}
	if got := textOf(frames); got != partial {
		t.Errorf("flushed text = %q, want the verbatim accumulator %q", got, partial)
	}
	if frames[len(frames)-1].Type != models.FrameDone {
		t.Error("turn did not end with Done")
	}
}

func TestPipeline_MarkdownFenceNormalized(t *testing.T) {
	reply := "Look:\n```tool_call\n{\"id\":\"c9\",\"tool_name\":\"t\",\"arguments\":{}}\n```\nafter"
	client := &scriptedModel{chunks: []model.StreamChunk{{Text: reply}, {Done: true}}}
	pipeline := NewPipeline(client, storage.NewMemoryMessages(), nil)
	handler := testHandler(t, &staticTool{name: "t", result: "ok"})
	answers := newFrameCollector()

	if _, err := pipeline.Stream(context.Background(), &StreamRequest{
		ChatID:      "chat-1",
		UserMessage: "go",
		Agent:       testAgent(),
		ToolHandler: handler,
		AnswerSink:  answers,
	}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	frames := answers.wait(t)

	sawSuccess := false
	for _, f := range frames {
		if f.Type == models.FrameMetadata {
			if id, status := metadataStatus(t, f); id == "c9" && status == "success" {
				sawSuccess = true
			}
		}
	}
	if !sawSuccess {
		t.Errorf("fenced tool call was not executed; frames = %+v", frames)
	}
}

func TestPipeline_CancelBetweenTokens(t *testing.T) {
	client := &channelModel{ch: make(chan model.StreamChunk)}
	pipeline := NewPipeline(client, storage.NewMemoryMessages(), nil)
	answers := newFrameCollector()
	cancel := &CancelFlag{}

	if _, err := pipeline.Stream(context.Background(), &StreamRequest{
		ChatID:      "chat-1",
		UserMessage: "go",
		AnswerSink:  answers,
		Cancel:      cancel,
	}); err != nil {
		t.Fatalf("stream: %v", err)
	}

	client.ch <- model.StreamChunk{Text: "Hello "}
	waitForFrames(t, answers, 1)
	cancel.Set()
	client.ch <- model.StreamChunk{Text: "world"}
	close(client.ch)

	frames := answers.wait(t)
	if got := textOf(frames); got != "Hello " {
		t.Errorf("text after cancel = %q, want only %q", got, "Hello ")
	}
	if frames[len(frames)-1].Type != models.FrameDone {
		t.Error("turn did not end with Done")
	}
}

func TestPipeline_CancelDiscardsInFlightToolResult(t *testing.T) {
	reply := `<tool_call>{"id":"c1","tool_name":"slow","arguments":{}}</tool_call>`
	client := &scriptedModel{chunks: []model.StreamChunk{{Text: reply}, {Done: true}}}
	pipeline := NewPipeline(client, storage.NewMemoryMessages(), nil)

	slow := &staticTool{name: "slow", result: "late", started: make(chan struct{}), release: make(chan struct{})}
	handler := testHandler(t, slow)
	answers := newFrameCollector()
	cancel := &CancelFlag{}

	if _, err := pipeline.Stream(context.Background(), &StreamRequest{
		ChatID:      "chat-1",
		UserMessage: "go",
		Agent:       testAgent(),
		ToolHandler: handler,
		AnswerSink:  answers,
		Cancel:      cancel,
	}); err != nil {
		t.Fatalf("stream: %v", err)
	}

	<-slow.started
	cancel.Set()
	close(slow.release)

	frames := answers.wait(t)

	// After the stop: no further Data or Metadata frames; the running
	// metadata from before the stop is the only tool frame.
	var afterRunning []models.StreamFrameType
	seenRunning := false
	for _, f := range frames {
		if seenRunning {
			afterRunning = append(afterRunning, f.Type)
		}
		if f.Type == models.FrameMetadata {
			seenRunning = true
		}
	}
	if len(afterRunning) != 1 || afterRunning[0] != models.FrameDone {
		t.Errorf("frames after running metadata = %v, want only Done", afterRunning)
	}
	if strings.Contains(textOf(frames), "late") {
		t.Error("discarded tool result leaked to the sink")
	}
}

func TestPipeline_StreamErrorEmitsErrorThenDone(t *testing.T) {
	client := &scriptedModel{chunks: []model.StreamChunk{
		{Text: "partial "},
		{Err: errors.New("connection refused by provider")},
	}}
	pipeline := NewPipeline(client, storage.NewMemoryMessages(), nil)
	answers := newFrameCollector()

	if _, err := pipeline.Stream(context.Background(), &StreamRequest{
		ChatID:      "chat-1",
		UserMessage: "go",
		AnswerSink:  answers,
	}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	frames := answers.wait(t)

	n := len(frames)
	if n < 2 || frames[n-2].Type != models.FrameError || frames[n-1].Type != models.FrameDone {
		t.Errorf("frames = %+v, want ... OnError, Done", frames)
	}
}

func TestPipeline_StartErrorMapsToLimitFrame(t *testing.T) {
	client := &scriptedModel{startErr: model.ErrResponseLimitExceeded}
	pipeline := NewPipeline(client, storage.NewMemoryMessages(), nil)
	answers := newFrameCollector()

	if _, err := pipeline.Stream(context.Background(), &StreamRequest{
		ChatID:      "chat-1",
		UserMessage: "go",
		AnswerSink:  answers,
	}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	frames := answers.wait(t)

	if frames[0].Type != models.FrameAIResponseLimitExceeded {
		t.Errorf("first frame = %s, want the response-limit sentinel", frames[0].Type)
	}
	if frames[len(frames)-1].Type != models.FrameDone {
		t.Error("turn did not end with Done")
	}
}

func TestPipeline_NoAgentStreamsPlainText(t *testing.T) {
	reply := "plain <tool_call> text is forwarded untouched"
	client := &scriptedModel{chunks: []model.StreamChunk{{Text: reply}, {Done: true}}}
	pipeline := NewPipeline(client, storage.NewMemoryMessages(), nil)
	answers := newFrameCollector()

	if _, err := pipeline.Stream(context.Background(), &StreamRequest{
		ChatID:      "chat-1",
		UserMessage: "go",
		AnswerSink:  answers,
	}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	frames := answers.wait(t)
	if got := textOf(frames); got != reply {
		t.Errorf("text = %q, want %q", got, reply)
	}
}

func waitForFrames(t *testing.T, c *frameCollector, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.frames)
		c.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames", n)
}
