package chat

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/gateway"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/svcerr"
	"go.uber.org/zap"
)

// React adds the caller's emoji to a message. The (message, user, emoji) unique index rejects
// repeats with ErrDuplicateReaction.
func (s *Service) React(ctx context.Context, callerID, messageID, emoji string) (ReactionView, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return ReactionView{}, svcerr.New(svcerr.KindValidation, opReact, "empty_emoji", ErrEmptyEmoji)
	}
	message, err := s.reactionTarget(ctx, opReact, callerID, messageID)
	if err != nil {
		return ReactionView{}, err
	}
	if message.Deleted() {
		return ReactionView{}, svcerr.New(svcerr.KindValidation, opReact, "message_deleted", ErrMessageDeleted)
	}

	id, err := s.newID(opReact)
	if err != nil {
		return ReactionView{}, err
	}
	reaction := Reaction{
		ID:              id,
		MessageID:       message.ID,
		UserID:          callerID,
		Emoji:           emoji,
		CreatedAtMillis: gateway.ToMillis(s.clock()),
	}
	if err := s.db.WithContext(ctx).Create(&reaction).Error; err != nil {
		if gateway.IsUniqueViolation(err) {
			s.metrics.Conflict("duplicate_reaction")
			return ReactionView{}, svcerr.New(svcerr.KindConflict, opReact, "duplicate_reaction", ErrDuplicateReaction)
		}
		s.logError(opReact, "insert_failed", err, zap.String("message_id", message.ID))
		return ReactionView{}, svcerr.Transient(opReact, "insert_failed", err)
	}

	s.publishReaction(realtime.OpInsert, message, reaction)
	s.cache.Apply(cache.MutationReact, cache.Scope{Actor: callerID, ConversationID: message.ConversationID, MessageID: message.ID})
	return ReactionView{
		ID:        reaction.ID,
		MessageID: reaction.MessageID,
		UserID:    reaction.UserID,
		Emoji:     reaction.Emoji,
		CreatedAt: gateway.FromMillis(reaction.CreatedAtMillis),
		User:      s.senderSummary(ctx, callerID),
	}, nil
}

// Unreact removes the caller's emoji from a message.
func (s *Service) Unreact(ctx context.Context, callerID, messageID, emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return svcerr.New(svcerr.KindValidation, opUnreact, "empty_emoji", ErrEmptyEmoji)
	}
	message, err := s.reactionTarget(ctx, opUnreact, callerID, messageID)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ?", message.ID, callerID, emoji).
		Delete(&Reaction{})
	if result.Error != nil {
		s.logError(opUnreact, "delete_failed", result.Error, zap.String("message_id", message.ID))
		return svcerr.Transient(opUnreact, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return svcerr.New(svcerr.KindNotFound, opUnreact, "reaction_not_found", ErrReactionNotFound)
	}
	s.publishReaction(realtime.OpDelete, message, Reaction{MessageID: message.ID, UserID: callerID, Emoji: emoji})
	s.cache.Apply(cache.MutationUnreact, cache.Scope{Actor: callerID, ConversationID: message.ConversationID, MessageID: message.ID})
	return nil
}

// ListReactions returns the message's reactions, oldest first.
func (s *Service) ListReactions(ctx context.Context, callerID, messageID string) ([]ReactionView, error) {
	message, err := s.reactionTarget(ctx, opListReactions, callerID, messageID)
	if err != nil {
		return nil, err
	}
	cacheKey := cache.Key{Kind: cache.KindReactions, Subject: message.ID}
	generation := s.cache.Generation()
	if cached, ok := cache.Lookup[[]ReactionView](s.cache, cacheKey); ok {
		return cached, nil
	}
	var reactions []Reaction
	if err := s.db.WithContext(ctx).
		Where("message_id = ?", message.ID).
		Order("created_at_ms ASC").
		Order("id ASC").
		Find(&reactions).Error; err != nil {
		s.logError(opListReactions, "query_failed", err, zap.String("message_id", message.ID))
		return nil, svcerr.Transient(opListReactions, "query_failed", err)
	}
	userIDs := make([]string, 0, len(reactions))
	for _, reaction := range reactions {
		userIDs = append(userIDs, reaction.UserID)
	}
	profiles, err := s.profiles.GetProfiles(ctx, sortedUnique(userIDs))
	if err != nil {
		return nil, err
	}
	views := make([]ReactionView, 0, len(reactions))
	for _, reaction := range reactions {
		views = append(views, ReactionView{
			ID:        reaction.ID,
			MessageID: reaction.MessageID,
			UserID:    reaction.UserID,
			Emoji:     reaction.Emoji,
			CreatedAt: gateway.FromMillis(reaction.CreatedAtMillis),
			User:      summaryPtr(profiles, reaction.UserID),
		})
	}
	s.cache.SetIfUnchanged(cacheKey, views, generation)
	return views, nil
}

func (s *Service) reactionTarget(ctx context.Context, operation, callerID, messageID string) (Message, error) {
	message, err := s.loadMessage(ctx, operation, messageID)
	if err != nil {
		return Message{}, err
	}
	if err := s.requireParticipant(ctx, operation, message.ConversationID, callerID); err != nil {
		return Message{}, err
	}
	return message, nil
}

func (s *Service) publishReaction(op realtime.Op, message Message, reaction Reaction) {
	s.publish(realtime.TableMessageReactions, op, map[string]string{
		realtime.ColumnConversationID: message.ConversationID,
		realtime.ColumnMessageID:      message.ID,
		realtime.ColumnUserID:         reaction.UserID,
	}, reaction)
}
