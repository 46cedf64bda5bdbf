package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/loomhq/loom/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_store (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_messages (
	message_id       INTEGER PRIMARY KEY,
	chat_id          TEXT NOT NULL,
	content          TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	author_type      INTEGER NOT NULL,
	author_id        TEXT NOT NULL,
	reply_message_id INTEGER,
	metadata         TEXT,
	is_sync          INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_chat_id
	ON chat_messages(chat_id, message_id);
`

// SQLiteStores backs both the KV and message stores with a single sqlite
// database file.
type SQLiteStores struct {
	db *sql.DB

	// idMu guards lastID, the message id allocator. Seeded from MAX once so
	// concurrent chats never receive the same id before inserting.
	idMu   sync.Mutex
	lastID int64
	seeded bool
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema. Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLiteStores, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; sqlite serializes writes anyway and this avoids
	// SQLITE_BUSY under concurrent chats.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStores{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStores) Close() error { return s.db.Close() }

// Stores returns the store group backed by this database.
func (s *SQLiteStores) Stores() Stores {
	return NewStores(s, s, s.Close)
}

// KVStore implementation.

func (s *SQLiteStores) GetBytes(key string) ([]byte, bool) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return nil, false
	}
	return value, true
}

func (s *SQLiteStores) PutBytes(key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO kv_store (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

func (s *SQLiteStores) Remove(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv_store WHERE key = ?`, key)
	return err
}

// MessageStore implementation.

func (s *SQLiteStores) UpsertMessages(ctx context.Context, msgs []models.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chat_messages
			(message_id, chat_id, content, created_at, author_type, author_id, reply_message_id, metadata, is_sync)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO UPDATE SET
			content = excluded.content,
			metadata = excluded.metadata,
			is_sync = excluded.is_sync`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		var replyID any
		if m.ReplyMessageID != 0 {
			replyID = m.ReplyMessageID
		}
		if _, err := stmt.ExecContext(ctx,
			m.MessageID, m.ChatID, m.Content, m.CreatedAt,
			int64(m.AuthorType), m.AuthorID, replyID, m.Metadata, boolToInt(m.IsSync)); err != nil {
			return fmt.Errorf("upsert message %d: %w", m.MessageID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// Remote-synced messages arrive with their own ids; keep the allocator
	// ahead of them.
	s.idMu.Lock()
	for _, m := range msgs {
		if m.MessageID > s.lastID {
			s.lastID = m.MessageID
		}
	}
	s.idMu.Unlock()
	return nil
}

func (s *SQLiteStores) SelectMessages(ctx context.Context, chatID string, limit int, cursor models.MessageCursor) (*models.ChatMessageList, error) {
	query := `SELECT message_id, chat_id, content, created_at, author_type, author_id,
			COALESCE(reply_message_id, 0), COALESCE(metadata, ''), is_sync
		FROM chat_messages WHERE chat_id = ?`
	args := []any{chatID}

	switch {
	case cursor.BeforeMessageID != 0:
		query += ` AND message_id < ?`
		args = append(args, cursor.BeforeMessageID)
	case cursor.AfterMessageID != 0:
		query += ` AND message_id > ?`
		args = append(args, cursor.AfterMessageID)
	}
	query += ` ORDER BY message_id DESC`
	if limit > 0 {
		// Fetch one extra row to learn whether more remain.
		query += ` LIMIT ?`
		args = append(args, limit+1)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.ChatMessage
	for rows.Next() {
		var (
			m        models.ChatMessage
			authorTy int64
			isSync   int64
		)
		if err := rows.Scan(&m.MessageID, &m.ChatID, &m.Content, &m.CreatedAt,
			&authorTy, &m.AuthorID, &m.ReplyMessageID, &m.Metadata, &isSync); err != nil {
			return nil, err
		}
		m.AuthorType = models.AuthorType(authorTy)
		m.IsSync = isSync != 0
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasMore := false
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
		hasMore = true
	}
	return &models.ChatMessageList{Messages: messages, HasMore: hasMore, Total: int64(len(messages))}, nil
}

func (s *SQLiteStores) SelectAnswerForQuestion(ctx context.Context, chatID string, questionID int64) (*models.ChatMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT message_id, chat_id, content, created_at, author_type, author_id,
			COALESCE(reply_message_id, 0), COALESCE(metadata, ''), is_sync
		 FROM chat_messages
		 WHERE chat_id = ? AND reply_message_id = ? AND author_type = ?
		 ORDER BY message_id DESC LIMIT 1`,
		chatID, questionID, int64(models.AuthorSystem))

	var (
		m        models.ChatMessage
		authorTy int64
		isSync   int64
	)
	err := row.Scan(&m.MessageID, &m.ChatID, &m.Content, &m.CreatedAt,
		&authorTy, &m.AuthorID, &m.ReplyMessageID, &m.Metadata, &isSync)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.AuthorType = models.AuthorType(authorTy)
	m.IsSync = isSync != 0
	return &m, nil
}

func (s *SQLiteStores) SelectMessageContent(ctx context.Context, messageID int64) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM chat_messages WHERE message_id = ?`, messageID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return content, err
}

func (s *SQLiteStores) NextMessageID(ctx context.Context) (int64, error) {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	if !s.seeded {
		var maxID sql.NullInt64
		if err := s.db.QueryRowContext(ctx,
			`SELECT MAX(message_id) FROM chat_messages`).Scan(&maxID); err != nil {
			return 0, err
		}
		s.lastID = maxID.Int64
		s.seeded = true
	}
	s.lastID++
	return s.lastID, nil
}

func (s *SQLiteStores) DeleteChat(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE chat_id = ?`, chatID)
	return err
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
