package chat

import (
	"context"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/gateway"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/svcerr"
	"go.uber.org/zap"
)

// Badges are the on-demand counters shown on the app's tab bar.
type Badges struct {
	UnreadMessages      int64 `json:"unread_messages"`
	UnreadConversations int64 `json:"unread_conversations"`
	PendingCrewRequests int64 `json:"pending_crew_requests"`
}

type unreadRow struct {
	ConversationID string
	Unread         int64
}

// UnreadCount counts messages from others newer than the caller's watermark. Every such message
// counts when the watermark is unset. Non-participants see zero.
func (s *Service) UnreadCount(ctx context.Context, callerID, conversationID string) (int64, error) {
	counts, err := s.unreadCounts(ctx, opUnreadCount, callerID, []string{conversationID})
	if err != nil {
		return 0, err
	}
	return counts[conversationID], nil
}

// MarkAsRead advances the caller's watermark to now. It never moves backwards.
func (s *Service) MarkAsRead(ctx context.Context, callerID, conversationID string) error {
	nowMillis := gateway.ToMillis(s.clock())
	result := s.db.WithContext(ctx).Model(&Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, callerID).
		Where("(last_read_at_ms IS NULL OR last_read_at_ms < ?)", nowMillis).
		Update("last_read_at_ms", nowMillis)
	if result.Error != nil {
		s.logError(opMarkAsRead, "update_failed", result.Error, zap.String("conversation_id", conversationID))
		return svcerr.Transient(opMarkAsRead, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		ok, err := s.IsParticipant(ctx, conversationID, callerID)
		if err != nil {
			return err
		}
		if !ok {
			return svcerr.New(svcerr.KindNotFound, opMarkAsRead, "not_participant", ErrNotParticipant)
		}
		return nil
	}
	s.cache.Apply(cache.MutationMarkRead, cache.Scope{Actor: callerID, Users: []string{callerID}, ConversationID: conversationID})
	return nil
}

// Badges sums unread state across the caller's conversations and adds pending crew requests.
func (s *Service) Badges(ctx context.Context, callerID string) (Badges, error) {
	cacheKey := cache.Key{Kind: cache.KindBadges, Owner: callerID}
	generation := s.cache.Generation()
	if cached, ok := cache.Lookup[Badges](s.cache, cacheKey); ok {
		return cached, nil
	}
	counts, err := s.unreadCounts(ctx, opBadges, callerID, nil)
	if err != nil {
		return Badges{}, err
	}
	var badges Badges
	for _, count := range counts {
		badges.UnreadMessages += count
		if count > 0 {
			badges.UnreadConversations++
		}
	}
	if s.crewRequests != nil {
		pending, err := s.crewRequests.PendingReceivedCount(ctx, callerID)
		if err != nil {
			return Badges{}, err
		}
		badges.PendingCrewRequests = pending
	}
	s.cache.SetIfUnchanged(cacheKey, badges, generation)
	return badges, nil
}

// unreadCounts returns per-conversation unread counts for the caller in one grouped query.
// A nil conversationIDs slice means every conversation the caller participates in.
func (s *Service) unreadCounts(ctx context.Context, operation, callerID string, conversationIDs []string) (map[string]int64, error) {
	counts := make(map[string]int64)
	if conversationIDs != nil && len(conversationIDs) == 0 {
		return counts, nil
	}
	query := s.db.WithContext(ctx).
		Table("messages").
		Select("messages.conversation_id AS conversation_id, COUNT(*) AS unread").
		Joins("JOIN conversation_participants ON conversation_participants.conversation_id = messages.conversation_id AND conversation_participants.user_id = ?", callerID).
		Where("messages.sender_id <> ?", callerID).
		Where("(conversation_participants.last_read_at_ms IS NULL OR messages.created_at_ms > conversation_participants.last_read_at_ms)").
		Group("messages.conversation_id")
	if conversationIDs != nil {
		query = query.Where("messages.conversation_id IN ?", conversationIDs)
	}
	var rows []unreadRow
	if err := query.Scan(&rows).Error; err != nil {
		s.logError(operation, "unread_query_failed", err, zap.String("user_id", callerID))
		return nil, svcerr.Transient(operation, "unread_query_failed", err)
	}
	for _, row := range rows {
		counts[row.ConversationID] = row.Unread
	}
	return counts, nil
}

