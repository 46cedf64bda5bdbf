package model

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI-compatible provider. BaseURL may point
// at any endpoint speaking the chat completions protocol, including local
// model servers.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	// Model is the default model when requests leave it empty.
	Model string
}

// OpenAIClient streams chat completions from an OpenAI-compatible endpoint.
type OpenAIClient struct {
	client *openai.Client
	config OpenAIConfig
	logger *slog.Logger
}

// NewOpenAIClient builds the provider.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		config: cfg,
		logger: logger.With("provider", "openai"),
	}
}

// Name implements Client.
func (c *OpenAIClient) Name() string { return "openai" }

// StreamChat implements Client. Tokens are forwarded as they arrive; the
// channel closes after a Done or error chunk.
func (c *OpenAIClient) StreamChat(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	modelID := req.Model
	if modelID == "" {
		modelID = c.config.Model
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     modelID,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, translateError(err)
	}

	chunks := make(chan StreamChunk, 64)
	go func() {
		defer close(chunks)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				chunks <- StreamChunk{Done: true}
				return
			}
			if err != nil {
				chunks <- StreamChunk{Err: translateError(err)}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if text := resp.Choices[0].Delta.Content; text != "" {
				select {
				case chunks <- StreamChunk{Text: text}:
				case <-ctx.Done():
					chunks <- StreamChunk{Err: ctx.Err()}
					return
				}
			}
		}
	}()
	return chunks, nil
}

// translateError maps provider errors onto the named sentinels the sink
// protocol understands.
func translateError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		switch {
		case apiErr.HTTPStatusCode == 429 && strings.Contains(msg, "image"):
			return ErrImageResponseLimitExceeded
		case apiErr.HTTPStatusCode == 429:
			return ErrResponseLimitExceeded
		case strings.Contains(msg, "upgrade"), strings.Contains(msg, "plan required"):
			return ErrMaxRequired
		}
	}
	return err
}
