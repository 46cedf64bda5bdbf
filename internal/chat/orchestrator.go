package chat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loomhq/loom/internal/prompt"
	"github.com/loomhq/loom/internal/registry"
	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/internal/toolcall"
	"github.com/loomhq/loom/pkg/models"
)

// prevMessageState tracks remote backfill for one chat.
type prevMessageState int

const (
	prevHasMore prevMessageState = iota
	prevNoMore
	prevLoading
)

// Chat owns the per-chat mutable state: the cancellation flag for the active
// stream and the remote paging state.
type Chat struct {
	ChatID string
	UID    string

	cancel CancelFlag

	mu        sync.Mutex
	prevState prevMessageState
}

// StopStream sets the cancellation flag observed by the active pipeline.
func (c *Chat) StopStream() { c.cancel.Set() }

// MessageRequest is one user turn handed to the orchestrator.
type MessageRequest struct {
	Message string

	// Agent selects the agent profile; nil streams without augmentation.
	Agent *models.AgentConfig

	// CustomSystemPrompt overrides composition when non-empty (it already
	// contains the tool details).
	CustomSystemPrompt string

	ModelID string

	AnswerSink   Sink
	QuestionSink Sink
}

// Orchestrator is the per-chat façade: it creates and closes chats, routes
// stream requests into the pipeline, and pages message history with remote
// refill.
type Orchestrator struct {
	logger   *slog.Logger
	pipeline *Pipeline
	handler  *toolcall.Handler
	registry *registry.Registry
	messages storage.MessageStore
	remote   RemoteMessages
	notifier Notifier

	mu    sync.Mutex
	chats map[string]*Chat
}

// OrchestratorOptions bundles the orchestrator's collaborators. Remote and
// Notifier may be nil.
type OrchestratorOptions struct {
	Pipeline *Pipeline
	Handler  *toolcall.Handler
	Registry *registry.Registry
	Messages storage.MessageStore
	Remote   RemoteMessages
	Notifier Notifier
	Logger   *slog.Logger
}

// NewOrchestrator creates the orchestrator.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NopNotifier
	}
	return &Orchestrator{
		logger:   logger.With("component", "chat"),
		pipeline: opts.Pipeline,
		handler:  opts.Handler,
		registry: opts.Registry,
		messages: opts.Messages,
		remote:   opts.Remote,
		notifier: notifier,
		chats:    make(map[string]*Chat),
	}
}

// OpenChat returns the chat state for the id, creating it on first use.
// Repeated opens are observably identical.
func (o *Orchestrator) OpenChat(chatID, uid string) *Chat {
	o.mu.Lock()
	defer o.mu.Unlock()
	if chat, ok := o.chats[chatID]; ok {
		return chat
	}
	chat := &Chat{ChatID: chatID, UID: uid, prevState: prevHasMore}
	o.chats[chatID] = chat
	o.logger.Debug("chat opened", "chat", chatID)
	return chat
}

// CloseChat drops the in-memory chat state. Persisted history remains.
func (o *Orchestrator) CloseChat(chatID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if chat, ok := o.chats[chatID]; ok {
		chat.StopStream()
		delete(o.chats, chatID)
	}
}

// DeleteChat closes the chat and removes its persisted messages.
func (o *Orchestrator) DeleteChat(ctx context.Context, chatID string) error {
	o.CloseChat(chatID)
	if err := o.messages.DeleteChat(ctx, chatID); err != nil {
		return models.WrapError(models.ErrKindInternal, err, "delete chat %s", chatID)
	}
	o.logger.Info("chat deleted", "chat", chatID)
	return nil
}

// StreamMessage routes one user turn into the pipeline. The system prompt is
// composed from the agent record plus the live tool schemas unless the
// request carries its own.
func (o *Orchestrator) StreamMessage(ctx context.Context, chatID string, req *MessageRequest) (*models.ChatMessage, error) {
	if req.Message == "" {
		return nil, models.NewError(models.ErrKindValidation, "message must not be empty")
	}
	chat := o.OpenChat(chatID, "")

	systemPrompt := req.CustomSystemPrompt
	if systemPrompt == "" && req.Agent != nil {
		systemPrompt = o.composePrompt(req.Agent)
	}

	var handler *toolcall.Handler
	if req.Agent != nil && req.Agent.Capabilities.EnableToolCalling {
		handler = o.handler
	}

	question, err := o.pipeline.Stream(ctx, &StreamRequest{
		ChatID:       chatID,
		AuthorID:     chat.UID,
		UserMessage:  req.Message,
		Agent:        req.Agent,
		ToolHandler:  handler,
		SystemPrompt: systemPrompt,
		ModelID:      req.ModelID,
		AnswerSink:   req.AnswerSink,
		QuestionSink: req.QuestionSink,
		Cancel:       &chat.cancel,
	})
	if err != nil {
		return nil, err
	}
	o.notifier.Notify(chatID, EventDidReceiveMessage, question)
	return question, nil
}

// composePrompt builds the system prompt with the tool details known to the
// registry for the agent's whitelist.
func (o *Orchestrator) composePrompt(agent *models.AgentConfig) string {
	if o.registry == nil || !agent.Capabilities.EnableToolCalling {
		return prompt.Build(agent)
	}
	details := make(map[string]models.ToolDescriptor)
	if len(agent.ToolNames) > 0 {
		for _, name := range agent.ToolNames {
			if tool, ok := o.registry.Find(name); ok {
				details[name] = tool.Descriptor
			}
		}
	} else {
		for _, tool := range o.registry.Available() {
			details[tool.Descriptor.Name] = tool.Descriptor
		}
	}
	return prompt.BuildWithTools(agent, details)
}

// Regenerate re-streams the answer for an existing question.
func (o *Orchestrator) Regenerate(ctx context.Context, chatID string, questionID int64, modelID string, sink Sink) error {
	chat := o.OpenChat(chatID, "")
	return o.pipeline.Regenerate(ctx, chatID, questionID, modelID, sink, &chat.cancel)
}

// StopStream cancels the active stream of the chat, if any.
func (o *Orchestrator) StopStream(chatID string) {
	o.mu.Lock()
	chat, ok := o.chats[chatID]
	o.mu.Unlock()
	if ok {
		chat.StopStream()
	}
}

// LoadPrevMessages pages backwards through local history. When the local
// page comes up short of limit and the remote side may hold more, a detached
// refill runs and announces its completion through the notifier.
func (o *Orchestrator) LoadPrevMessages(ctx context.Context, chatID string, limit int, beforeMessageID int64) (*models.ChatMessageList, error) {
	chat := o.OpenChat(chatID, "")

	list, err := o.messages.SelectMessages(ctx, chatID, limit, models.MessageCursor{BeforeMessageID: beforeMessageID})
	if err != nil {
		return nil, models.WrapError(models.ErrKindInternal, err, "load messages for %s", chatID)
	}
	if len(list.Messages) == limit {
		list.HasMore = true
		o.notifier.Notify(chatID, EventDidLoadPrevMessages, list)
		return list, nil
	}

	chat.mu.Lock()
	shouldRefill := chat.prevState == prevHasMore && o.remote != nil
	if shouldRefill {
		chat.prevState = prevLoading
	}
	chat.mu.Unlock()

	if shouldRefill {
		go o.refillFromRemote(chat, limit, beforeMessageID)
	}

	list.HasMore = true
	return list, nil
}

// refillFromRemote pulls a page from the remote side, persists it locally,
// and emits the update event.
func (o *Orchestrator) refillFromRemote(chat *Chat, limit int, beforeMessageID int64) {
	ctx := context.Background()
	remoteList, err := o.remote.FetchMessages(chat.ChatID, limit, models.MessageCursor{BeforeMessageID: beforeMessageID})

	chat.mu.Lock()
	if err != nil || remoteList == nil {
		chat.prevState = prevHasMore
	} else if remoteList.HasMore {
		chat.prevState = prevHasMore
	} else {
		chat.prevState = prevNoMore
	}
	chat.mu.Unlock()

	if err != nil {
		o.logger.Error("failed to load remote messages", "chat", chat.ChatID, "error", err)
		return
	}

	for i := range remoteList.Messages {
		remoteList.Messages[i].IsSync = true
	}
	if err := o.messages.UpsertMessages(ctx, remoteList.Messages); err != nil {
		o.logger.Error("failed to persist remote messages", "chat", chat.ChatID, "error", err)
	}
	o.notifier.Notify(chat.ChatID, EventDidLoadPrevMessages, remoteList)
}

// LoadLatestMessages pages forwards through local history and kicks off a
// detached remote sync.
func (o *Orchestrator) LoadLatestMessages(ctx context.Context, chatID string, limit int, afterMessageID int64) (*models.ChatMessageList, error) {
	list, err := o.messages.SelectMessages(ctx, chatID, limit, models.MessageCursor{AfterMessageID: afterMessageID})
	if err != nil {
		return nil, models.WrapError(models.ErrKindInternal, err, "load messages for %s", chatID)
	}
	list.HasMore = len(list.Messages) > 0

	if o.remote != nil {
		go func() {
			remoteList, err := o.remote.FetchMessages(chatID, limit, models.MessageCursor{AfterMessageID: afterMessageID})
			if err != nil {
				o.logger.Error("failed to sync latest messages", "chat", chatID, "error", err)
				return
			}
			for i := range remoteList.Messages {
				remoteList.Messages[i].IsSync = true
			}
			if err := o.messages.UpsertMessages(context.Background(), remoteList.Messages); err != nil {
				o.logger.Error("failed to persist latest messages", "chat", chatID, "error", err)
				return
			}
			o.notifier.Notify(chatID, EventDidLoadLatestMessages, remoteList)
		}()
	}
	return list, nil
}

// QuestionIDFromAnswer resolves the question id an answer replies to by
// searching the chat's locally stored messages; the remote side is not
// consulted.
func (o *Orchestrator) QuestionIDFromAnswer(ctx context.Context, chatID string, answerID int64) (int64, error) {
	list, err := o.messages.SelectMessages(ctx, chatID, 0, models.MessageCursor{})
	if err == nil {
		for _, m := range list.Messages {
			if m.MessageID == answerID && m.ReplyMessageID != 0 {
				return m.ReplyMessageID, nil
			}
		}
	}
	return 0, models.NewError(models.ErrKindNotFound, "question for answer %d not found", answerID)
}

// GetRelatedQuestions returns follow-up suggestions for a message from the
// remote side.
func (o *Orchestrator) GetRelatedQuestions(ctx context.Context, chatID string, messageID int64) ([]models.RelatedQuestion, error) {
	if o.remote == nil {
		return nil, nil
	}
	questions, err := o.remote.FetchRelatedQuestions(chatID, messageID)
	if err != nil {
		return nil, models.WrapError(models.ErrKindInternal, err, "related questions for %d", messageID)
	}
	return questions, nil
}

// GenerateAnswer fetches the persisted answer for a question, consulting the
// remote side when the local store has none.
func (o *Orchestrator) GenerateAnswer(ctx context.Context, chatID string, questionID int64) (*models.ChatMessage, error) {
	answer, err := o.messages.SelectAnswerForQuestion(ctx, chatID, questionID)
	if err == nil {
		return answer, nil
	}
	if o.remote != nil {
		remoteAnswer, remoteErr := o.remote.FetchAnswer(chatID, questionID)
		if remoteErr == nil && remoteAnswer != nil {
			remoteAnswer.IsSync = true
			if err := o.messages.UpsertMessages(ctx, []models.ChatMessage{*remoteAnswer}); err != nil {
				o.logger.Warn("failed to persist fetched answer", "chat", chatID, "error", err)
			}
			o.notifier.Notify(chatID, EventDidReceiveMessage, remoteAnswer)
			return remoteAnswer, nil
		}
	}
	return nil, models.NewError(models.ErrKindNotFound, "answer for question %d not found", questionID)
}
