package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/loomhq/loom/pkg/models"
)

// MemoryKV is an in-memory KVStore for tests and ephemeral runs.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKV creates an empty in-memory KV store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) GetBytes(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

func (m *MemoryKV) PutBytes(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	return nil
}

func (m *MemoryKV) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// MemoryMessages is an in-memory MessageStore.
type MemoryMessages struct {
	mu     sync.RWMutex
	byID   map[int64]models.ChatMessage
	nextID int64
}

// NewMemoryMessages creates an empty in-memory message store.
func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{byID: make(map[int64]models.ChatMessage)}
}

func (m *MemoryMessages) UpsertMessages(ctx context.Context, msgs []models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		m.byID[msg.MessageID] = msg
		if msg.MessageID >= m.nextID {
			m.nextID = msg.MessageID
		}
	}
	return nil
}

func (m *MemoryMessages) SelectMessages(ctx context.Context, chatID string, limit int, cursor models.MessageCursor) (*models.ChatMessageList, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []models.ChatMessage
	for _, msg := range m.byID {
		if msg.ChatID != chatID {
			continue
		}
		switch {
		case cursor.BeforeMessageID != 0 && msg.MessageID >= cursor.BeforeMessageID:
			continue
		case cursor.AfterMessageID != 0 && msg.MessageID <= cursor.AfterMessageID:
			continue
		}
		all = append(all, msg)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].MessageID > all[j].MessageID })

	hasMore := false
	if limit > 0 && len(all) > limit {
		all = all[:limit]
		hasMore = true
	}
	return &models.ChatMessageList{Messages: all, HasMore: hasMore, Total: int64(len(all))}, nil
}

func (m *MemoryMessages) SelectAnswerForQuestion(ctx context.Context, chatID string, questionID int64) (*models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, msg := range m.byID {
		if msg.ChatID == chatID && msg.ReplyMessageID == questionID && msg.AuthorType == models.AuthorSystem {
			out := msg
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryMessages) SelectMessageContent(ctx context.Context, messageID int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.byID[messageID]
	if !ok {
		return "", ErrNotFound
	}
	return msg.Content, nil
}

func (m *MemoryMessages) NextMessageID(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID, nil
}

func (m *MemoryMessages) DeleteChat(ctx context.Context, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, msg := range m.byID {
		if msg.ChatID == chatID {
			delete(m.byID, id)
		}
	}
	return nil
}
