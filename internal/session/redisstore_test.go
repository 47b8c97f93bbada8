package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb), mr
}

func TestRedisStore_TouchThenStaleSessionIDs(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	recent := time.Now()

	if err := store.Touch(ctx, Chat, "s-old", old); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := store.Touch(ctx, Chat, "s-recent", recent); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	stale, err := store.StaleSessionIDs(ctx, Chat, time.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("StaleSessionIDs: %v", err)
	}
	if len(stale) != 1 || stale[0] != "s-old" {
		t.Errorf("stale = %v, want [s-old]", stale)
	}
}

func TestRedisStore_DifferentKindsAreIndependent(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	if err := store.Touch(ctx, Chat, "s-1", old); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	stale, err := store.StaleSessionIDs(ctx, Agent, time.Now())
	if err != nil {
		t.Fatalf("StaleSessionIDs: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("expected no stale Agent sessions, got %v", stale)
	}
}

func TestRedisStore_CompleteSessionsRemovesFromAllKinds(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	if err := store.Touch(ctx, Chat, "s-1", old); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	if err := store.CompleteSessions(ctx, []string{"s-1"}); err != nil {
		t.Fatalf("CompleteSessions: %v", err)
	}

	stale, err := store.StaleSessionIDs(ctx, Chat, time.Now())
	if err != nil {
		t.Fatalf("StaleSessionIDs: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("expected s-1 removed, got %v", stale)
	}
}

func TestRedisStore_CompleteSessionsEmptyIsNoop(t *testing.T) {
	store, _ := newTestRedisStore(t)
	if err := store.CompleteSessions(context.Background(), nil); err != nil {
		t.Fatalf("CompleteSessions with empty ids: %v", err)
	}
}

func TestRedisStore_GetUnknownSessionReturnsErrNotFound(t *testing.T) {
	store, _ := newTestRedisStore(t)
	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get unknown session: err = %v, want ErrNotFound", err)
	}
}

func TestRedisStore_CreateThenGet(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	created, err := store.Create(ctx, "s-1", Chat, "proj-1", now)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != StatusActive {
		t.Errorf("created.Status = %v, want %v", created.Status, StatusActive)
	}

	got, err := store.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Kind != Chat || got.ProjectID != "proj-1" || got.Status != StatusActive {
		t.Errorf("Get = %+v, want kind=chat project=proj-1 status=active", got)
	}
}

func TestRedisStore_CompleteSessionsFlipsStatus(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := store.Create(ctx, "s-1", Chat, "proj-1", now); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.CompleteSessions(ctx, []string{"s-1"}); err != nil {
		t.Fatalf("CompleteSessions: %v", err)
	}

	got, err := store.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status = %v, want %v", got.Status, StatusCompleted)
	}
}

func TestRedisStore_AppendMessageThenMessages(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := store.Create(ctx, "s-1", Chat, "proj-1", now); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.AppendMessage(ctx, "s-1", Message{Role: "user", Content: "hi", CreatedAt: now}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := store.AppendMessage(ctx, "s-1", Message{Role: "assistant", Content: "hello", CreatedAt: now.Add(time.Second)}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := store.Messages(ctx, "s-1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("Messages = %+v, want [user, assistant] in order", msgs)
	}
}

func TestRedisStore_MessagesEmptyForUnknownSession(t *testing.T) {
	store, _ := newTestRedisStore(t)
	msgs, err := store.Messages(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Messages = %v, want empty", msgs)
	}
}
