package chat

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/gateway"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/svcerr"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// SendInput describes a new message.
type SendInput struct {
	ConversationID   string
	Payload          Payload
	ReplyToMessageID *string
}

// Send appends a message to the conversation on behalf of a participant.
func (s *Service) Send(ctx context.Context, callerID string, input SendInput) (MessageView, error) {
	if input.Payload == nil {
		return MessageView{}, svcerr.New(svcerr.KindValidation, opSend, "missing_payload", ErrMissingPayload)
	}
	if err := s.requireParticipant(ctx, opSend, input.ConversationID, callerID); err != nil {
		return MessageView{}, err
	}

	row := Message{ConversationID: input.ConversationID, SenderID: callerID, Status: StatusSent}
	if err := encodePayload(input.Payload, &row); err != nil {
		return MessageView{}, svcerr.New(svcerr.KindValidation, opSend, payloadReason(err), err)
	}

	var replyTo *Message
	if input.ReplyToMessageID != nil && strings.TrimSpace(*input.ReplyToMessageID) != "" {
		targetID := strings.TrimSpace(*input.ReplyToMessageID)
		target, err := s.loadMessage(ctx, opSend, targetID)
		if err != nil && !svcerr.Is(err, svcerr.KindNotFound) {
			return MessageView{}, err
		}
		if err != nil || target.ConversationID != input.ConversationID {
			return MessageView{}, svcerr.New(svcerr.KindNotFound, opSend, "reply_target_not_found", ErrReplyTargetNotFound)
		}
		replyTo = &target
		row.ReplyToMessageID = &targetID
	}

	id, err := s.newID(opSend)
	if err != nil {
		return MessageView{}, err
	}
	row.ID = id
	row.CreatedAtMillis = gateway.ToMillis(s.clock())

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// A message must sort after every watermark already set, or a read in the same millisecond hides it.
		var watermark *int64
		if err := tx.Model(&Participant{}).
			Where("conversation_id = ? AND user_id <> ?", row.ConversationID, callerID).
			Select("MAX(last_read_at_ms)").
			Scan(&watermark).Error; err != nil {
			return err
		}
		if watermark != nil && *watermark >= row.CreatedAtMillis {
			row.CreatedAtMillis = *watermark + 1
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Model(&Conversation{}).
			Where("id = ?", row.ConversationID).
			Update("updated_at_ms", row.CreatedAtMillis).Error
	})
	if err != nil {
		s.logError(opSend, "insert_failed", err, zap.String("conversation_id", row.ConversationID))
		return MessageView{}, svcerr.Transient(opSend, "insert_failed", err)
	}

	participants, err := s.participantIDs(ctx, opSend, row.ConversationID)
	if err != nil {
		participants = nil
	}
	s.publish(realtime.TableMessages, realtime.OpInsert, map[string]string{
		realtime.ColumnConversationID:   row.ConversationID,
		realtime.ColumnRecordIdentifier: row.ID,
	}, row)
	s.cache.Apply(cache.MutationSendMessage, cache.Scope{
		Actor:          callerID,
		Users:          participants,
		ConversationID: row.ConversationID,
		MessageID:      row.ID,
	})
	s.metrics.MessageSent(string(row.Type))

	sender := s.senderSummary(ctx, callerID)
	s.notifyParticipants(ctx, row, sender, participants)
	return renderMessage(row, sender, replyTo, nil), nil
}

// Edit replaces the content of the caller's own message.
func (s *Service) Edit(ctx context.Context, callerID, messageID, content string) (MessageView, error) {
	row, err := s.loadMessage(ctx, opEdit, messageID)
	if err != nil {
		return MessageView{}, err
	}
	if row.SenderID != callerID {
		return MessageView{}, svcerr.New(svcerr.KindForbidden, opEdit, "not_sender", ErrNotSender)
	}
	if row.Deleted() {
		return MessageView{}, svcerr.New(svcerr.KindValidation, opEdit, "message_deleted", ErrMessageDeleted)
	}
	content = strings.TrimSpace(content)
	if content == "" && (row.Type == TypeText || row.Type == TypeSystem) {
		return MessageView{}, svcerr.New(svcerr.KindValidation, opEdit, "empty_content", ErrEmptyContent)
	}

	editedAt := gateway.ToMillis(s.clock())
	if err := s.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{"content": content, "edited_at_ms": editedAt}).Error; err != nil {
		s.logError(opEdit, "update_failed", err, zap.String("message_id", row.ID))
		return MessageView{}, svcerr.Transient(opEdit, "update_failed", err)
	}
	row.Content = content
	row.EditedAtMillis = &editedAt

	s.afterUpdate(ctx, opEdit, cache.MutationEditMessage, callerID, row)
	return s.hydrateOne(ctx, opEdit, row)
}

// SoftDelete stamps deleted_at and overwrites the content. Deleting twice returns the row unchanged.
func (s *Service) SoftDelete(ctx context.Context, callerID, messageID string) (MessageView, error) {
	row, err := s.loadMessage(ctx, opSoftDelete, messageID)
	if err != nil {
		return MessageView{}, err
	}
	if row.SenderID != callerID {
		return MessageView{}, svcerr.New(svcerr.KindForbidden, opSoftDelete, "not_sender", ErrNotSender)
	}
	if row.Deleted() {
		return s.hydrateOne(ctx, opSoftDelete, row)
	}

	deletedAt := gateway.ToMillis(s.clock())
	result := s.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND deleted_at_ms IS NULL", row.ID).
		Updates(map[string]any{"content": DeletedPlaceholder, "deleted_at_ms": deletedAt})
	if result.Error != nil {
		s.logError(opSoftDelete, "update_failed", result.Error, zap.String("message_id", row.ID))
		return MessageView{}, svcerr.Transient(opSoftDelete, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		current, err := s.loadMessage(ctx, opSoftDelete, row.ID)
		if err != nil {
			return MessageView{}, err
		}
		return s.hydrateOne(ctx, opSoftDelete, current)
	}
	row.Content = DeletedPlaceholder
	row.DeletedAtMillis = &deletedAt

	s.afterUpdate(ctx, opSoftDelete, cache.MutationDeleteMessage, callerID, row)
	return s.hydrateOne(ctx, opSoftDelete, row)
}

// ListMessages returns a newest-first page of the conversation.
func (s *Service) ListMessages(ctx context.Context, callerID, conversationID string, limit, offset int) ([]MessageView, error) {
	limit = normalizeLimit(limit)
	if offset < 0 {
		offset = 0
	}
	if err := s.requireParticipant(ctx, opListMessages, conversationID, callerID); err != nil {
		return nil, err
	}
	cacheKey := cache.Key{Kind: cache.KindMessages, Subject: conversationID, Limit: limit, Offset: offset}
	generation := s.cache.Generation()
	if cached, ok := cache.Lookup[[]MessageView](s.cache, cacheKey); ok {
		return cached, nil
	}

	var rows []Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at_ms DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error; err != nil {
		s.logError(opListMessages, "query_failed", err, zap.String("conversation_id", conversationID))
		return nil, svcerr.Transient(opListMessages, "query_failed", err)
	}
	views, err := s.hydrate(ctx, opListMessages, rows)
	if err != nil {
		return nil, err
	}
	s.cache.SetIfUnchanged(cacheKey, views, generation)
	return views, nil
}

// RenderMessage builds the client view of a stored row without reply or reaction data.
func RenderMessage(row Message, sender *users.Summary) MessageView {
	return renderMessage(row, sender, nil, nil)
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageLimit
	case limit > MaxPageLimit:
		return MaxPageLimit
	default:
		return limit
	}
}

func payloadReason(err error) string {
	switch err {
	case ErrEmptyContent:
		return "empty_content"
	case ErrMissingMediaURL:
		return "missing_media_url"
	default:
		return "unknown_message_type"
	}
}

func (s *Service) afterUpdate(ctx context.Context, operation string, mutation cache.Mutation, callerID string, row Message) {
	participants, err := s.participantIDs(ctx, operation, row.ConversationID)
	if err != nil {
		participants = nil
	}
	s.publish(realtime.TableMessages, realtime.OpUpdate, map[string]string{
		realtime.ColumnConversationID:   row.ConversationID,
		realtime.ColumnRecordIdentifier: row.ID,
	}, row)
	s.cache.Apply(mutation, cache.Scope{
		Actor:          callerID,
		Users:          participants,
		ConversationID: row.ConversationID,
		MessageID:      row.ID,
	})
}

func (s *Service) hydrateOne(ctx context.Context, operation string, row Message) (MessageView, error) {
	views, err := s.hydrate(ctx, operation, []Message{row})
	if err != nil {
		return MessageView{}, err
	}
	return views[0], nil
}

// hydrate resolves senders, reply targets and reactions for rows in three batched reads.
func (s *Service) hydrate(ctx context.Context, operation string, rows []Message) ([]MessageView, error) {
	views := make([]MessageView, 0, len(rows))
	if len(rows) == 0 {
		return views, nil
	}
	senderIDs := make([]string, 0, len(rows))
	replyIDs := make([]string, 0)
	messageIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		senderIDs = append(senderIDs, row.SenderID)
		messageIDs = append(messageIDs, row.ID)
		if row.ReplyToMessageID != nil {
			replyIDs = append(replyIDs, *row.ReplyToMessageID)
		}
	}

	profiles, err := s.profiles.GetProfiles(ctx, sortedUnique(senderIDs))
	if err != nil {
		return nil, err
	}

	replies := make(map[string]Message, len(replyIDs))
	if len(replyIDs) > 0 {
		var targets []Message
		if err := s.db.WithContext(ctx).Where("id IN ?", sortedUnique(replyIDs)).Find(&targets).Error; err != nil {
			s.logError(operation, "reply_query_failed", err)
			return nil, svcerr.Transient(operation, "reply_query_failed", err)
		}
		for _, target := range targets {
			replies[target.ID] = target
		}
	}

	var reactions []Reaction
	if err := s.db.WithContext(ctx).
		Where("message_id IN ?", messageIDs).
		Order("created_at_ms ASC").
		Find(&reactions).Error; err != nil {
		s.logError(operation, "reaction_query_failed", err)
		return nil, svcerr.Transient(operation, "reaction_query_failed", err)
	}
	byMessage := make(map[string][]Reaction, len(rows))
	for _, reaction := range reactions {
		byMessage[reaction.MessageID] = append(byMessage[reaction.MessageID], reaction)
	}

	for _, row := range rows {
		var replyTo *Message
		if row.ReplyToMessageID != nil {
			if target, ok := replies[*row.ReplyToMessageID]; ok {
				replyTo = &target
			}
		}
		views = append(views, renderMessage(row, summaryPtr(profiles, row.SenderID), replyTo, byMessage[row.ID]))
	}
	return views, nil
}

func (s *Service) senderSummary(ctx context.Context, userID string) *users.Summary {
	profiles, err := s.profiles.GetProfiles(ctx, []string{userID})
	if err != nil {
		return &users.Summary{ID: userID}
	}
	return summaryPtr(profiles, userID)
}

// notifyParticipants enqueues one push per other participant. Failures are logged, never returned.
func (s *Service) notifyParticipants(ctx context.Context, row Message, sender *users.Summary, participants []string) {
	title := "New message"
	if sender != nil && sender.FullName != "" {
		title = sender.FullName
	}
	body := preview(row.Payload())
	for _, userID := range participants {
		if userID == row.SenderID {
			continue
		}
		push := notify.Push{
			UserID:    userID,
			Title:     title,
			Body:      body,
			ChannelID: notify.ChannelMessages,
			Data: map[string]string{
				"type":            "message",
				"conversation_id": row.ConversationID,
				"message_id":      row.ID,
			},
		}
		if err := s.notifier.Notify(ctx, push); err != nil {
			s.logger.Warn("message push failed",
				zap.String("message_id", row.ID),
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}
}
