// Package chat drives per-chat streaming: the pipeline that interleaves
// model tokens with inline tool dispatch, and the orchestrator that owns
// per-chat state.
package chat

import (
	"sync"
	"sync/atomic"

	"github.com/loomhq/loom/pkg/models"
)

// Sink receives the discriminated frames of the streaming protocol. Sends
// must not block the pipeline; implementations buffer or drop.
type Sink interface {
	Send(frame models.StreamFrame)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(models.StreamFrame)

func (f SinkFunc) Send(frame models.StreamFrame) { f(frame) }

// NopSink discards every frame.
var NopSink Sink = SinkFunc(func(models.StreamFrame) {})

// ChannelSink forwards frames into a channel, dropping when full.
type ChannelSink struct {
	C chan models.StreamFrame
}

// NewChannelSink creates a sink buffered to size.
func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{C: make(chan models.StreamFrame, size)}
}

func (s *ChannelSink) Send(frame models.StreamFrame) {
	select {
	case s.C <- frame:
	default:
	}
}

// CancelFlag is the per-chat cancellation flag observed by the pipeline
// between tokens and before tool execution.
type CancelFlag struct {
	cancelled atomic.Bool
}

// Set requests cancellation.
func (f *CancelFlag) Set() { f.cancelled.Store(true) }

// Clear resets the flag for a new stream.
func (f *CancelFlag) Clear() { f.cancelled.Store(false) }

// Cancelled reports whether cancellation was requested.
func (f *CancelFlag) Cancelled() bool { return f.cancelled.Load() }

// streamBuffer accumulates the assistant reply for persistence.
type streamBuffer struct {
	mu       sync.Mutex
	content  []byte
	metadata string
}

func (b *streamBuffer) append(text string) {
	b.mu.Lock()
	b.content = append(b.content, text...)
	b.mu.Unlock()
}

func (b *streamBuffer) setMetadata(meta string) {
	b.mu.Lock()
	b.metadata = meta
	b.mu.Unlock()
}

func (b *streamBuffer) take() (string, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	content := string(b.content)
	meta := b.metadata
	b.content = nil
	b.metadata = ""
	return content, meta
}

func (b *streamBuffer) empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.content) == 0
}

// NotificationEvent names the orchestrator's out-of-band UI events.
type NotificationEvent string

const (
	EventDidReceiveMessage     NotificationEvent = "did_receive_chat_message"
	EventDidLoadPrevMessages   NotificationEvent = "did_load_prev_chat_messages"
	EventDidLoadLatestMessages NotificationEvent = "did_load_latest_chat_messages"
	EventStreamError           NotificationEvent = "stream_chat_message_error"
	EventFinishStreaming       NotificationEvent = "finish_streaming"
)

// Notifier delivers orchestrator events to the UI. The GUI bridge
// implements it; NopNotifier serves headless runs.
type Notifier interface {
	Notify(chatID string, event NotificationEvent, payload any)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, NotificationEvent, any) {}

// NopNotifier discards every event.
var NopNotifier Notifier = nopNotifier{}

// RemoteMessages is the optional remote side of chat history. When the local
// store comes up short the orchestrator refills from it in the background.
type RemoteMessages interface {
	FetchMessages(chatID string, limit int, cursor models.MessageCursor) (*models.ChatMessageList, error)
	FetchAnswer(chatID string, questionID int64) (*models.ChatMessage, error)
	FetchRelatedQuestions(chatID string, messageID int64) ([]models.RelatedQuestion, error)
}
