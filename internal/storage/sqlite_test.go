package storage

import (
	"context"
	"testing"

	"github.com/loomhq/loom/pkg/models"
)

func openTestDB(t *testing.T) *SQLiteStores {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLite_KVRoundTrip(t *testing.T) {
	db := openTestDB(t)

	if err := db.PutBytes("k", []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.PutBytes("k", []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	data, ok := db.GetBytes("k")
	if !ok || string(data) != "v2" {
		t.Errorf("get = %q, %t", data, ok)
	}
	if err := db.Remove("k"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := db.GetBytes("k"); ok {
		t.Error("key present after remove")
	}
}

func TestSQLite_MessagesRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	msgs := []models.ChatMessage{
		{MessageID: 1, ChatID: "c1", Content: "question", AuthorType: models.AuthorHuman, AuthorID: "u1", CreatedAt: 100},
		{MessageID: 2, ChatID: "c1", Content: "answer", AuthorType: models.AuthorSystem, AuthorID: "assistant", ReplyMessageID: 1, CreatedAt: 101},
		{MessageID: 3, ChatID: "c2", Content: "other chat", AuthorType: models.AuthorHuman, AuthorID: "u1", CreatedAt: 102},
	}
	if err := db.UpsertMessages(ctx, msgs); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	list, err := db.SelectMessages(ctx, "c1", 10, models.MessageCursor{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(list.Messages) != 2 {
		t.Fatalf("messages = %d", len(list.Messages))
	}
	if list.Messages[0].MessageID != 2 {
		t.Errorf("newest first violated: %d", list.Messages[0].MessageID)
	}

	answer, err := db.SelectAnswerForQuestion(ctx, "c1", 1)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if answer.Content != "answer" {
		t.Errorf("answer = %+v", answer)
	}

	content, err := db.SelectMessageContent(ctx, 3)
	if err != nil || content != "other chat" {
		t.Errorf("content = %q, err = %v", content, err)
	}

	next, err := db.NextMessageID(ctx)
	if err != nil || next != 4 {
		t.Errorf("next id = %d, err = %v", next, err)
	}

	if err := db.DeleteChat(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	list, _ = db.SelectMessages(ctx, "c1", 10, models.MessageCursor{})
	if len(list.Messages) != 0 {
		t.Errorf("messages after delete = %d", len(list.Messages))
	}
}

func TestSQLite_UpsertReplacesContent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	original := models.ChatMessage{MessageID: 1, ChatID: "c1", Content: "v1", AuthorType: models.AuthorHuman, AuthorID: "u"}
	if err := db.UpsertMessages(ctx, []models.ChatMessage{original}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	original.Content = "v2"
	original.IsSync = true
	if err := db.UpsertMessages(ctx, []models.ChatMessage{original}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	content, err := db.SelectMessageContent(ctx, 1)
	if err != nil || content != "v2" {
		t.Errorf("content = %q, err = %v", content, err)
	}
}

func TestSQLite_CursorPaging(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		if err := db.UpsertMessages(ctx, []models.ChatMessage{
			{MessageID: i, ChatID: "c1", Content: "m", AuthorType: models.AuthorHuman, AuthorID: "u"},
		}); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	page, err := db.SelectMessages(ctx, "c1", 2, models.MessageCursor{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(page.Messages) != 2 || !page.HasMore {
		t.Fatalf("page = %+v", page)
	}

	older, err := db.SelectMessages(ctx, "c1", 2, models.MessageCursor{BeforeMessageID: page.Messages[1].MessageID})
	if err != nil {
		t.Fatalf("older: %v", err)
	}
	if len(older.Messages) != 2 || older.Messages[0].MessageID != 3 {
		t.Errorf("older = %+v", older.Messages)
	}
}
