// Package propagator folds message change events into the read cache so cached first pages
// pick up new and edited messages without a refetch.
package propagator

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/users"
	"go.uber.org/zap"
)

var (
	errMissingFeed     = errors.New("change feed is required")
	errMissingProfiles = errors.New("profile lookup is required")
)

// ProfileLookup resolves message senders.
type ProfileLookup interface {
	GetProfiles(ctx context.Context, userIDs []string) (map[string]users.Profile, error)
}

// Config wires a Propagator.
type Config struct {
	Feed     *realtime.Feed
	Cache    *cache.Store
	Profiles ProfileLookup
	Logger   *zap.Logger
	Metrics  *metrics.Recorder
}

// Propagator consumes message events from the feed.
type Propagator struct {
	feed     *realtime.Feed
	cache    *cache.Store
	profiles ProfileLookup
	logger   *zap.Logger
	metrics  *metrics.Recorder
}

// New constructs a Propagator.
func New(cfg Config) (*Propagator, error) {
	if cfg.Feed == nil {
		return nil, errMissingFeed
	}
	if cfg.Profiles == nil {
		return nil, errMissingProfiles
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Propagator{
		feed:     cfg.Feed,
		cache:    cfg.Cache,
		profiles: cfg.Profiles,
		logger:   logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Run handles message events for every conversation until ctx is done.
func (p *Propagator) Run(ctx context.Context) {
	p.watch(ctx, realtime.Filter{Table: realtime.TableMessages})
}

// Watch handles message events for one conversation until ctx is done.
func (p *Propagator) Watch(ctx context.Context, conversationID string) {
	p.watch(ctx, realtime.Filter{
		Table:  realtime.TableMessages,
		Column: realtime.ColumnConversationID,
		Value:  conversationID,
	})
}

func (p *Propagator) watch(ctx context.Context, filter realtime.Filter) {
	events, unsubscribe := p.feed.Subscribe(ctx, filter)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			p.Handle(ctx, event)
		}
	}
}

// Handle applies one event. Inserts merge into cached first pages; updates replace in place.
func (p *Propagator) Handle(ctx context.Context, event realtime.ChangeEvent) {
	if event.Table != realtime.TableMessages {
		return
	}
	row, ok := event.Record.(chat.Message)
	if !ok {
		p.logger.Warn("message event without record",
			zap.String("op", string(event.Op)),
			zap.String("conversation_id", event.Columns[realtime.ColumnConversationID]))
		p.metrics.RealtimeEvent("malformed")
		return
	}
	view := chat.RenderMessage(row, p.sender(ctx, row.SenderID))

	switch event.Op {
	case realtime.OpInsert:
		p.cache.Update(cache.MatchFirstPage(row.ConversationID), func(key cache.Key, value any) (any, bool) {
			page, ok := value.([]chat.MessageView)
			if !ok {
				return nil, false
			}
			return chat.MergeIntoPage(page, view, key.Limit), true
		})
		p.cache.Apply(cache.MutationMessageReceived, cache.Scope{ConversationID: row.ConversationID, MessageID: row.ID})
	case realtime.OpUpdate:
		p.cache.Update(cache.MatchSubject(cache.KindMessages, row.ConversationID), func(_ cache.Key, value any) (any, bool) {
			page, ok := value.([]chat.MessageView)
			if !ok {
				return nil, false
			}
			replaced, found := chat.ReplaceInPage(page, preserveJoins(page, view))
			if !found {
				return page, true
			}
			return replaced, true
		})
	}
	p.metrics.RealtimeEvent("propagated")
}

// sender falls back to an id-only summary when the profile read fails.
func (p *Propagator) sender(ctx context.Context, userID string) *users.Summary {
	profiles, err := p.profiles.GetProfiles(ctx, []string{userID})
	if err != nil {
		p.logger.Warn("sender lookup failed", zap.String("user_id", userID), zap.Error(err))
		return &users.Summary{ID: userID}
	}
	profile, ok := profiles[userID]
	if !ok {
		return &users.Summary{ID: userID}
	}
	summary := profile.Summary()
	return &summary
}

// preserveJoins keeps the reply preview and reactions the cached copy already resolved.
func preserveJoins(page []chat.MessageView, updated chat.MessageView) chat.MessageView {
	for _, existing := range page {
		if existing.ID != updated.ID {
			continue
		}
		updated.ReplyTo = existing.ReplyTo
		if updated.DeletedAt == nil {
			updated.Reactions = existing.Reactions
		}
		return updated
	}
	return updated
}
