package presence

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/svcerr"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type membershipStub map[string]bool

func (m membershipStub) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	return m[conversationID+"/"+userID], nil
}

type manualClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

func newDatabaseStore(t *testing.T) *DatabaseStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "presence.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&TypingIndicator{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewDatabaseStore(db)
}

func newTestService(t *testing.T, store Store, clock *manualClock, feed *realtime.Feed) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Store: store,
		Membership: membershipStub{
			"conv/ana": true,
			"conv/bo":  true,
		},
		Clock: clock.Now,
		Cache: cache.NewStore(cache.Config{Clock: clock.Now}),
		Feed:  feed,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func typingIDs(t *testing.T, service *Service, callerID string) []string {
	t.Helper()
	typing, err := service.Typing(context.Background(), callerID, "conv")
	if err != nil {
		t.Fatalf("typing: %v", err)
	}
	ids := make([]string, 0, len(typing))
	for _, entry := range typing {
		ids = append(ids, entry.UserID)
	}
	return ids
}

func TestTypingExpiresAfterWindow(t *testing.T) {
	clock := &manualClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	service := newTestService(t, newDatabaseStore(t), clock, nil)
	ctx := context.Background()

	if err := service.SetTyping(ctx, "ana", "conv"); err != nil {
		t.Fatalf("set typing: %v", err)
	}
	if got := typingIDs(t, service, "ana"); len(got) != 0 {
		t.Fatalf("caller must be excluded, got %v", got)
	}

	clock.Advance(5 * time.Second)
	if got := typingIDs(t, service, "bo"); len(got) != 1 || got[0] != "ana" {
		t.Fatalf("expected ana typing at t=5s, got %v", got)
	}

	clock.Advance(6 * time.Second)
	if got := typingIDs(t, service, "bo"); len(got) != 0 {
		t.Fatalf("expected no typing at t=11s, got %v", got)
	}

	if err := service.SetTyping(ctx, "ana", "conv"); err != nil {
		t.Fatalf("refresh typing: %v", err)
	}
	if got := typingIDs(t, service, "bo"); len(got) != 1 {
		t.Fatalf("refresh must revive the indicator, got %v", got)
	}
	if err := service.ClearTyping(ctx, "ana", "conv"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := typingIDs(t, service, "bo"); len(got) != 0 {
		t.Fatalf("expected cleared indicator, got %v", got)
	}
}

func TestTypingRequiresParticipation(t *testing.T) {
	clock := &manualClock{current: time.Unix(1_700_000_000, 0)}
	service := newTestService(t, newDatabaseStore(t), clock, nil)
	ctx := context.Background()

	if err := service.SetTyping(ctx, "mallory", "conv"); !svcerr.Is(err, svcerr.KindForbidden) {
		t.Fatalf("expected forbidden set, got %v", err)
	}
	if err := service.ClearTyping(ctx, "mallory", "conv"); !svcerr.Is(err, svcerr.KindForbidden) {
		t.Fatalf("expected forbidden clear, got %v", err)
	}
	if _, err := service.Typing(ctx, "mallory", "conv"); !svcerr.Is(err, svcerr.KindForbidden) {
		t.Fatalf("expected forbidden read, got %v", err)
	}
}

func TestSetTypingPublishesEvent(t *testing.T) {
	clock := &manualClock{current: time.Unix(1_700_000_000, 0)}
	feed := realtime.NewFeed(realtime.FeedConfig{})
	service := newTestService(t, newDatabaseStore(t), clock, feed)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, unsubscribe := feed.Subscribe(ctx, realtime.Filter{
		Table:  realtime.TableTypingIndicators,
		Column: realtime.ColumnConversationID,
		Value:  "conv",
	})
	defer unsubscribe()

	if err := service.SetTyping(ctx, "bo", "conv"); err != nil {
		t.Fatalf("set typing: %v", err)
	}
	select {
	case event := <-events:
		if event.Op != realtime.OpInsert || event.Columns[realtime.ColumnUserID] != "bo" {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a typing event")
	}
}

func TestNewServiceRequiresStore(t *testing.T) {
	if _, err := NewService(ServiceConfig{Membership: membershipStub{}}); !svcerr.Is(err, svcerr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDecodeHashSkipsMalformedValues(t *testing.T) {
	rows := decodeHash("conv", map[string]string{"ana": "1700000000000", "bo": "soon"})
	if len(rows) != 1 || rows[0].UserID != "ana" || rows[0].StartedAtMillis != 1_700_000_000_000 {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestRedisStoreAgainstServer(t *testing.T) {
	url := os.Getenv("CITYCREW_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CITYCREW_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := NewRedisClient(ctx, url)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	store, err := NewRedisStore(client, time.Minute)
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	conversationID := "test-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { client.Del(context.Background(), redisKey(conversationID)) })

	if err := store.Upsert(ctx, TypingIndicator{ConversationID: conversationID, UserID: "ana", StartedAtMillis: 42}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rows, err := store.List(ctx, conversationID)
	if err != nil || len(rows) != 1 || rows[0].StartedAtMillis != 42 {
		t.Fatalf("unexpected list %+v, %v", rows, err)
	}
	if err := store.Delete(ctx, conversationID, "ana"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rows, err = store.List(ctx, conversationID)
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected empty hash, got %+v, %v", rows, err)
	}
}
