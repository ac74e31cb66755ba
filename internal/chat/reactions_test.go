package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/svcerr"
)

func TestDuplicateReactionIsConflict(t *testing.T) {
	f := newFixture(t, "ana", "bo")
	ctx := context.Background()
	conversation := directConversation(t, f, "ana", "bo")
	sent, err := f.service.Send(ctx, "ana", SendInput{ConversationID: conversation.ID, Payload: Text{Body: "tacos?"}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := f.service.React(ctx, "bo", sent.ID, "🌮"); err != nil {
		t.Fatalf("react: %v", err)
	}
	f.clock.Advance(time.Second)
	_, err = f.service.React(ctx, "bo", sent.ID, "🌮")
	if !errors.Is(err, ErrDuplicateReaction) || !svcerr.Is(err, svcerr.KindConflict) {
		t.Fatalf("expected duplicate reaction conflict, got %v", err)
	}
	if _, err := f.service.React(ctx, "bo", sent.ID, "🔥"); err != nil {
		t.Fatalf("different emoji must be accepted: %v", err)
	}
	if _, err := f.service.React(ctx, "ana", sent.ID, "🌮"); err != nil {
		t.Fatalf("different user must be accepted: %v", err)
	}

	page, err := f.service.ListMessages(ctx, "ana", conversation.ID, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	reactions := page[0].Reactions
	if len(reactions) != 2 || reactions[0].Emoji != "🌮" || reactions[0].Count != 2 {
		t.Fatalf("unexpected reaction summary %+v", reactions)
	}
}

func TestConcurrentIdenticalReactions(t *testing.T) {
	f := newFixture(t, "ana", "bo")
	ctx := context.Background()
	conversation := directConversation(t, f, "ana", "bo")
	sent, err := f.service.Send(ctx, "ana", SendInput{ConversationID: conversation.ID, Payload: Text{Body: "race"}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var accepted, conflicts int
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.React(context.Background(), "bo", sent.ID, "❤️")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrDuplicateReaction):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if accepted != 1 || conflicts != attempts-1 {
		t.Fatalf("expected 1 accepted and %d conflicts, got %d/%d", attempts-1, accepted, conflicts)
	}
}

func TestUnreactAndListReactions(t *testing.T) {
	f := newFixture(t, "ana", "bo", "cy")
	ctx := context.Background()
	conversation := directConversation(t, f, "ana", "bo")
	sent, err := f.service.Send(ctx, "ana", SendInput{ConversationID: conversation.ID, Payload: Text{Body: "vote"}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := f.service.React(ctx, "bo", sent.ID, "👍"); err != nil {
		t.Fatalf("react: %v", err)
	}
	f.clock.Advance(time.Second)
	if _, err := f.service.React(ctx, "ana", sent.ID, "👎"); err != nil {
		t.Fatalf("react: %v", err)
	}

	listed, err := f.service.ListReactions(ctx, "ana", sent.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 || listed[0].UserID != "bo" || listed[0].User == nil {
		t.Fatalf("expected oldest first with profiles, got %+v", listed)
	}

	if err := f.service.Unreact(ctx, "bo", sent.ID, "👍"); err != nil {
		t.Fatalf("unreact: %v", err)
	}
	if err := f.service.Unreact(ctx, "bo", sent.ID, "👍"); !svcerr.Is(err, svcerr.KindNotFound) {
		t.Fatalf("expected not found for missing reaction, got %v", err)
	}
	listed, err = f.service.ListReactions(ctx, "ana", sent.ID)
	if err != nil {
		t.Fatalf("list after unreact: %v", err)
	}
	if len(listed) != 1 || listed[0].Emoji != "👎" {
		t.Fatalf("expected cached reactions to be invalidated, got %+v", listed)
	}

	if _, err := f.service.React(ctx, "cy", sent.ID, "👀"); !svcerr.Is(err, svcerr.KindForbidden) {
		t.Fatalf("expected forbidden for non-participant, got %v", err)
	}
	if _, err := f.service.React(ctx, "bo", sent.ID, " "); !errors.Is(err, ErrEmptyEmoji) {
		t.Fatalf("expected empty emoji error, got %v", err)
	}
}
