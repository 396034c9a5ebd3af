package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/database"
	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/protocol"
)

type sequenceIDs struct {
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("id-%d", s.next), nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.OpenSQLite(database.Options{
		Path:   filepath.Join(t.TempDir(), "store.db"),
		Models: Models(),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	now := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	store, err := NewStore(StoreConfig{
		Database:   db,
		IDProvider: &sequenceIDs{},
		Clock: func() time.Time {
			now = now.Add(time.Second)
			return now
		},
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestNewStoreValidatesDependencies(t *testing.T) {
	_, err := NewStore(StoreConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "sandbox.store.new.missing_database" {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestSaveMessageValidatesTarget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	invalid := []protocol.MessageSend{
		{TempID: "t", Content: "hi"},
		{TempID: "t", Content: "hi", ReceiverID: "bob", SessionID: "42"},
		{TempID: "t", Content: "   ", ReceiverID: "bob"},
	}
	for _, send := range invalid {
		if _, _, err := store.SaveMessage(ctx, "alice", send); !errors.Is(err, errInvalidMessage) {
			t.Fatalf("expected errInvalidMessage for %+v, got %v", send, err)
		}
	}

	message, created, err := store.SaveMessage(ctx, "alice", protocol.MessageSend{TempID: "t-1", SessionID: "42", Content: " hello "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created || message.ID != "id-1" || message.Kind != "SESSION" || message.Content != "hello" {
		t.Fatalf("unexpected message %+v", message)
	}
}

func TestSaveMessageDeduplicatesTempID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	send := protocol.MessageSend{TempID: "t-1", ReceiverID: "bob", Content: "hi"}

	original, created, err := store.SaveMessage(ctx, "alice", send)
	if err != nil || !created {
		t.Fatalf("expected first save to create, got %v %v", created, err)
	}
	repeated, created, err := store.SaveMessage(ctx, "alice", send)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created || repeated.ID != original.ID || !repeated.SentAt.Equal(original.SentAt) {
		t.Fatalf("expected the stored message back, got %+v", repeated)
	}

	other, created, err := store.SaveMessage(ctx, "carol", send)
	if err != nil || !created || other.ID == original.ID {
		t.Fatalf("expected a new row for another sender, got %+v %v %v", other, created, err)
	}

	var rows int64
	if err := store.db.Model(&StoredMessage{}).Count(&rows).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if rows != 2 {
		t.Fatalf("expected two stored messages, got %d", rows)
	}

	if _, _, err := store.SaveMessage(ctx, "alice", protocol.MessageSend{ReceiverID: "bob", Content: "hi"}); !errors.Is(err, errInvalidMessage) {
		t.Fatalf("expected errInvalidMessage without tempId, got %v", err)
	}
}

func TestNotificationsArePagedPerUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, title := range []string{"one", "two", "three"} {
		if _, _, err := store.CreateNotification(ctx, NotificationInput{UserID: "alice", Title: title}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	if _, unread, err := store.CreateNotification(ctx, NotificationInput{UserID: "bob", Title: "other"}); err != nil || unread != 1 {
		t.Fatalf("expected bob's count to be independent, got %d %v", unread, err)
	}

	items, hasMore, err := store.ListNotifications(ctx, "alice", 1, 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 2 || !hasMore || items[0].Title != "three" {
		t.Fatalf("unexpected first page %+v hasMore=%v", items, hasMore)
	}
	items, hasMore, err = store.ListNotifications(ctx, "alice", 2, 2)
	if err != nil || len(items) != 1 || hasMore {
		t.Fatalf("unexpected second page %+v hasMore=%v err=%v", items, hasMore, err)
	}

	changed, err := store.MarkRead(ctx, "bob", []string{items[0].ID.String()})
	if err != nil || changed != 0 {
		t.Fatalf("users must not mark each other's notifications, got %d %v", changed, err)
	}
}
