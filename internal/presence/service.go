// Package presence tracks ephemeral typing indicators.
package presence

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/gateway"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/svcerr"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/users"
	"go.uber.org/zap"
)

// ExpiryWindow is how long an indicator counts as live after started_at.
const ExpiryWindow = 10 * time.Second

var (
	ErrNotParticipant = errors.New("presence: caller is not a participant")

	errMissingStore      = errors.New("typing store is required")
	errMissingMembership = errors.New("membership checker is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew = "presence.service.new"
	opSetTyping  = "presence.set_typing"
	opClear      = "presence.clear_typing"
	opTyping     = "presence.typing"
)

// MembershipChecker answers whether a user participates in a conversation.
type MembershipChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// ProfileLookup resolves public profiles for typing users.
type ProfileLookup interface {
	GetProfiles(ctx context.Context, userIDs []string) (map[string]users.Profile, error)
}

// ServiceConfig wires the presence service.
type ServiceConfig struct {
	Store      Store
	Membership MembershipChecker
	Profiles   ProfileLookup
	Clock      func() time.Time
	Logger     *zap.Logger
	Cache      *cache.Store
	Feed       *realtime.Feed
}

// Service implements SetTyping, ClearTyping and Typing.
type Service struct {
	store      Store
	membership MembershipChecker
	profiles   ProfileLookup
	clock      func() time.Time
	logger     *zap.Logger
	cache      *cache.Store
	feed       *realtime.Feed
}

// TypingUser is a live indicator as clients read it.
type TypingUser struct {
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	StartedAt      time.Time      `json:"started_at"`
	User           *users.Summary `json:"user,omitempty"`
}

// NewService constructs the presence service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, svcerr.New(svcerr.KindValidation, opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Membership == nil {
		return nil, svcerr.New(svcerr.KindValidation, opServiceNew, "missing_membership", errMissingMembership)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:      cfg.Store,
		membership: cfg.Membership,
		profiles:   cfg.Profiles,
		clock:      clock,
		logger:     logger,
		cache:      cfg.Cache,
		feed:       cfg.Feed,
	}, nil
}

// SetTyping upserts the caller's indicator with started_at = now.
func (s *Service) SetTyping(ctx context.Context, callerID, conversationID string) error {
	if err := s.requireParticipant(ctx, opSetTyping, conversationID, callerID); err != nil {
		return err
	}
	indicator := TypingIndicator{
		ConversationID:  conversationID,
		UserID:          callerID,
		StartedAtMillis: gateway.ToMillis(s.clock()),
	}
	if err := s.store.Upsert(ctx, indicator); err != nil {
		s.logError(opSetTyping, "upsert_failed", err, zap.String("conversation_id", conversationID))
		return svcerr.Transient(opSetTyping, "upsert_failed", err)
	}
	s.changed(realtime.OpInsert, callerID, indicator)
	return nil
}

// ClearTyping removes the caller's indicator.
func (s *Service) ClearTyping(ctx context.Context, callerID, conversationID string) error {
	if err := s.requireParticipant(ctx, opClear, conversationID, callerID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, conversationID, callerID); err != nil {
		s.logError(opClear, "delete_failed", err, zap.String("conversation_id", conversationID))
		return svcerr.Transient(opClear, "delete_failed", err)
	}
	s.changed(realtime.OpDelete, callerID, TypingIndicator{ConversationID: conversationID, UserID: callerID})
	return nil
}

// Typing lists indicators younger than ExpiryWindow, excluding the caller, oldest first.
func (s *Service) Typing(ctx context.Context, callerID, conversationID string) ([]TypingUser, error) {
	if err := s.requireParticipant(ctx, opTyping, conversationID, callerID); err != nil {
		return nil, err
	}
	rows, err := s.rows(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	cutoff := gateway.ToMillis(s.clock().Add(-ExpiryWindow))
	live := make([]TypingIndicator, 0, len(rows))
	userIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.UserID == callerID || row.StartedAtMillis < cutoff {
			continue
		}
		live = append(live, row)
		userIDs = append(userIDs, row.UserID)
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].StartedAtMillis != live[j].StartedAtMillis {
			return live[i].StartedAtMillis < live[j].StartedAtMillis
		}
		return live[i].UserID < live[j].UserID
	})

	var profiles map[string]users.Profile
	if s.profiles != nil && len(userIDs) > 0 {
		profiles, err = s.profiles.GetProfiles(ctx, userIDs)
		if err != nil {
			return nil, err
		}
	}
	typing := make([]TypingUser, 0, len(live))
	for _, row := range live {
		entry := TypingUser{
			ConversationID: row.ConversationID,
			UserID:         row.UserID,
			StartedAt:      gateway.FromMillis(row.StartedAtMillis),
		}
		if profile, ok := profiles[row.UserID]; ok {
			summary := profile.Summary()
			entry.User = &summary
		}
		typing = append(typing, entry)
	}
	return typing, nil
}

// rows caches the unfiltered store read; the age filter runs on every call.
func (s *Service) rows(ctx context.Context, conversationID string) ([]TypingIndicator, error) {
	cacheKey := cache.Key{Kind: cache.KindTyping, Subject: conversationID}
	generation := s.cache.Generation()
	if cached, ok := cache.Lookup[[]TypingIndicator](s.cache, cacheKey); ok {
		return cached, nil
	}
	rows, err := s.store.List(ctx, conversationID)
	if err != nil {
		s.logError(opTyping, "list_failed", err, zap.String("conversation_id", conversationID))
		return nil, svcerr.Transient(opTyping, "list_failed", err)
	}
	s.cache.SetIfUnchanged(cacheKey, rows, generation)
	return rows, nil
}

func (s *Service) requireParticipant(ctx context.Context, operation, conversationID, userID string) error {
	ok, err := s.membership.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return svcerr.New(svcerr.KindForbidden, operation, "not_participant", ErrNotParticipant)
	}
	return nil
}

func (s *Service) changed(op realtime.Op, callerID string, indicator TypingIndicator) {
	s.cache.Apply(cache.MutationTyping, cache.Scope{Actor: callerID, ConversationID: indicator.ConversationID})
	s.feed.Publish(realtime.ChangeEvent{
		Table: realtime.TableTypingIndicators,
		Op:    op,
		Columns: map[string]string{
			realtime.ColumnConversationID: indicator.ConversationID,
			realtime.ColumnUserID:         indicator.UserID,
		},
		Record:    indicator,
		Timestamp: s.clock().UTC(),
	})
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("presence service error", attrs...)
}
