package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/svcerr"
)

func TestUnreadCountsOthersSinceWatermark(t *testing.T) {
	f := newFixture(t, "ana", "bo", "cy")
	ctx := context.Background()
	conversation := directConversation(t, f, "ana", "bo")

	send := func(sender, body string) {
		t.Helper()
		f.clock.Advance(time.Second)
		if _, err := f.service.Send(ctx, sender, SendInput{ConversationID: conversation.ID, Payload: Text{Body: body}}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	assertUnread := func(userID string, want int64) {
		t.Helper()
		got, err := f.service.UnreadCount(ctx, userID, conversation.ID)
		if err != nil {
			t.Fatalf("unread: %v", err)
		}
		if got != want {
			t.Fatalf("unread for %s: want %d, got %d", userID, want, got)
		}
	}

	send("bo", "one")
	send("bo", "two")
	send("ana", "mine")
	assertUnread("ana", 2)
	assertUnread("bo", 1)

	f.clock.Advance(time.Second)
	if err := f.service.MarkAsRead(ctx, "ana", conversation.ID); err != nil {
		t.Fatalf("mark: %v", err)
	}
	assertUnread("ana", 0)

	send("bo", "three")
	assertUnread("ana", 1)

	assertUnread("cy", 0)
	if err := f.service.MarkAsRead(ctx, "cy", conversation.ID); !svcerr.Is(err, svcerr.KindNotFound) || !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected not found for non-participant, got %v", err)
	}
}

func TestMarkAsReadIsMonotonic(t *testing.T) {
	f := newFixture(t, "ana", "bo")
	ctx := context.Background()
	conversation := directConversation(t, f, "ana", "bo")

	f.clock.Advance(time.Hour)
	if err := f.service.MarkAsRead(ctx, "ana", conversation.ID); err != nil {
		t.Fatalf("mark: %v", err)
	}
	watermark := f.clock.Now().UnixMilli()

	f.clock.Advance(-30 * time.Minute)
	if err := f.service.MarkAsRead(ctx, "ana", conversation.ID); err != nil {
		t.Fatalf("stale mark must succeed as a no-op: %v", err)
	}

	var participant Participant
	if err := f.db.Where("conversation_id = ? AND user_id = ?", conversation.ID, "ana").Take(&participant).Error; err != nil {
		t.Fatalf("load participant: %v", err)
	}
	if participant.LastReadAtMillis == nil || *participant.LastReadAtMillis != watermark {
		t.Fatalf("watermark moved backwards: %v", participant.LastReadAtMillis)
	}
}

func TestBadgesSumAcrossConversations(t *testing.T) {
	f := newFixture(t, "ana", "bo", "cy")
	ctx := context.Background()
	withAna := directConversation(t, f, "bo", "ana")
	withCy := directConversation(t, f, "bo", "cy")
	directConversation(t, f, "ana", "cy")

	for _, body := range []string{"a", "b"} {
		f.clock.Advance(time.Second)
		if _, err := f.service.Send(ctx, "ana", SendInput{ConversationID: withAna.ID, Payload: Text{Body: body}}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	f.clock.Advance(time.Second)
	if _, err := f.service.Send(ctx, "cy", SendInput{ConversationID: withCy.ID, Payload: Text{Body: "c"}}); err != nil {
		t.Fatalf("send: %v", err)
	}

	badges, err := f.service.Badges(ctx, "bo")
	if err != nil {
		t.Fatalf("badges: %v", err)
	}
	want := Badges{UnreadMessages: 3, UnreadConversations: 2, PendingCrewRequests: 2}
	if badges != want {
		t.Fatalf("want %+v, got %+v", want, badges)
	}

	f.clock.Advance(time.Second)
	if err := f.service.MarkAsRead(ctx, "bo", withAna.ID); err != nil {
		t.Fatalf("mark: %v", err)
	}
	badges, err = f.service.Badges(ctx, "bo")
	if err != nil {
		t.Fatalf("badges: %v", err)
	}
	if badges.UnreadMessages != 1 || badges.UnreadConversations != 1 {
		t.Fatalf("expected mark-as-read to invalidate badges, got %+v", badges)
	}
}

func TestMessageInSameMillisecondAsReadStaysUnread(t *testing.T) {
	f := newFixture(t, "ana", "bo")
	ctx := context.Background()
	conversation := directConversation(t, f, "ana", "bo")

	f.clock.Advance(time.Minute)
	if err := f.service.MarkAsRead(ctx, "ana", conversation.ID); err != nil {
		t.Fatalf("mark: %v", err)
	}
	sent, err := f.service.Send(ctx, "bo", SendInput{ConversationID: conversation.ID, Payload: Text{Body: "right now"}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !sent.CreatedAt.After(f.clock.Now()) {
		t.Fatalf("expected the message to sort after the read watermark, got %v", sent.CreatedAt)
	}
	got, err := f.service.UnreadCount(ctx, "ana", conversation.ID)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if got != 1 {
		t.Fatalf("want 1 unread, got %d", got)
	}
}
