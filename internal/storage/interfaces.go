// Package storage defines the persistence interfaces the runtime core
// depends on, plus in-memory and sqlite implementations.
package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/loomhq/loom/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// KVStore is an opaque keyed byte store. Values hold serialized records.
type KVStore interface {
	GetBytes(key string) ([]byte, bool)
	PutBytes(key string, value []byte) error
	Remove(key string) error
}

// GetObject reads and JSON-decodes the value stored at key.
func GetObject[T any](kv KVStore, key string) (T, bool) {
	var out T
	data, ok := kv.GetBytes(key)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false
	}
	return out, true
}

// SetObject JSON-encodes v and stores it at key.
func SetObject[T any](kv KVStore, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return kv.PutBytes(key, data)
}

// MessageStore persists chat messages, the runtime's relational surface.
type MessageStore interface {
	// UpsertMessages inserts or replaces messages by message id.
	UpsertMessages(ctx context.Context, msgs []models.ChatMessage) error

	// SelectMessages pages through a chat's messages, newest first.
	SelectMessages(ctx context.Context, chatID string, limit int, cursor models.MessageCursor) (*models.ChatMessageList, error)

	// SelectAnswerForQuestion returns the answer whose reply_message_id
	// matches the given question id.
	SelectAnswerForQuestion(ctx context.Context, chatID string, questionID int64) (*models.ChatMessage, error)

	// SelectMessageContent returns the content of one message.
	SelectMessageContent(ctx context.Context, messageID int64) (string, error)

	// NextMessageID allocates a monotonically increasing message id.
	NextMessageID(ctx context.Context) (int64, error)

	// DeleteChat removes every message belonging to the chat.
	DeleteChat(ctx context.Context, chatID string) error
}

// Stores groups the persistence dependencies handed to the runtime.
type Stores struct {
	KV       KVStore
	Messages MessageStore
	closer   func() error
}

// NewStores builds the group; closer may be nil.
func NewStores(kv KVStore, messages MessageStore, closer func() error) Stores {
	return Stores{KV: kv, Messages: messages, closer: closer}
}

// Close releases any underlying resources.
func (s Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
