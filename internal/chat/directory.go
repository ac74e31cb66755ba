package chat

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/gateway"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/svcerr"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConversationView is a conversation as clients read it.
type ConversationView struct {
	ID         string           `json:"id"`
	Type       ConversationType `json:"type"`
	ActivityID *string          `json:"activity_id,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// ConversationSummary is one row of the caller's conversation list.
type ConversationSummary struct {
	ConversationView
	LastMessage      *MessageView   `json:"last_message,omitempty"`
	OtherParticipant *users.Summary `json:"other_participant,omitempty"`
	ActivityTitle    *string        `json:"activity_title,omitempty"`
	UnreadCount      int64          `json:"unread_count"`
}

// ParticipantView is a member of a conversation with their profile.
type ParticipantView struct {
	UserID     string         `json:"user_id"`
	JoinedAt   time.Time      `json:"joined_at"`
	LastReadAt *time.Time     `json:"last_read_at,omitempty"`
	User       *users.Summary `json:"user,omitempty"`
}

func viewOf(conversation Conversation) ConversationView {
	return ConversationView{
		ID:         conversation.ID,
		Type:       conversation.Type,
		ActivityID: conversation.ActivityID,
		CreatedAt:  gateway.FromMillis(conversation.CreatedAtMillis),
		UpdatedAt:  gateway.FromMillis(conversation.UpdatedAtMillis),
	}
}

// GetOrCreateActivityConversation returns the activity's group conversation, creating it on first
// access. Callers who are neither the host nor a joined attendee get (nil, nil).
func (s *Service) GetOrCreateActivityConversation(ctx context.Context, callerID, activityID string) (*ConversationView, error) {
	cacheKey := cache.Key{Kind: cache.KindActivityConversation, Owner: callerID, Subject: activityID}
	generation := s.cache.Generation()
	if cached, ok := cache.Lookup[ConversationView](s.cache, cacheKey); ok {
		return &cached, nil
	}

	hostID, joined, err := s.activities.Access(ctx, activityID, callerID)
	if err != nil {
		return nil, err
	}
	if callerID != hostID && !joined {
		return nil, nil
	}

	conversation, found, err := s.findActivityConversation(ctx, activityID)
	if err != nil {
		return nil, err
	}
	created := false
	if !found {
		conversation, err = s.createConversation(ctx, opActivityConv, ConversationActivityGroup, &activityID, nil, []string{hostID})
		switch {
		case err == nil:
			created = true
		case gateway.IsUniqueViolation(err):
			conversation, found, err = s.findActivityConversation(ctx, activityID)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, svcerr.Transient(opActivityConv, "insert_race_unresolved", nil)
			}
		default:
			s.logError(opActivityConv, "insert_failed", err, zap.String("activity_id", activityID))
			return nil, svcerr.Transient(opActivityConv, "insert_failed", err)
		}
	}

	members := []string{hostID}
	if callerID != hostID {
		members = append(members, callerID)
	}
	added, err := s.ensureParticipants(ctx, opActivityConv, conversation.ID, members)
	if err != nil {
		return nil, err
	}

	if created {
		s.cache.Apply(cache.MutationCreateConversation, cache.Scope{Actor: callerID, Users: members, ActivityID: activityID})
	}
	if len(added) > 0 {
		s.cache.Apply(cache.MutationJoinConversation, cache.Scope{Actor: callerID, Users: added, ConversationID: conversation.ID})
	}
	view := viewOf(conversation)
	s.cache.SetIfUnchanged(cacheKey, view, generation)
	return &view, nil
}

// GetOrCreateDirectConversation returns the one-to-one conversation between the caller and the
// other user, creating it when none exists.
func (s *Service) GetOrCreateDirectConversation(ctx context.Context, callerID, otherUserID string) (ConversationView, error) {
	otherUserID = strings.TrimSpace(otherUserID)
	if otherUserID == "" || otherUserID == callerID {
		return ConversationView{}, svcerr.New(svcerr.KindValidation, opDirectConv, "self_conversation", ErrSelfConversation)
	}
	exists, err := s.profiles.Exists(ctx, otherUserID)
	if err != nil {
		return ConversationView{}, err
	}
	if !exists {
		return ConversationView{}, svcerr.New(svcerr.KindNotFound, opDirectConv, "user_not_found", ErrUserNotFound)
	}

	conversation, found, err := s.findDirectConversation(ctx, callerID, otherUserID)
	if err != nil {
		return ConversationView{}, err
	}
	if found {
		return viewOf(conversation), nil
	}

	directKey := gateway.PairKey(callerID, otherUserID)
	members := []string{callerID, otherUserID}
	conversation, err = s.createConversation(ctx, opDirectConv, ConversationDirect, nil, &directKey, members)
	if err != nil {
		if !gateway.IsUniqueViolation(err) {
			s.logError(opDirectConv, "insert_failed", err, zap.String("direct_key", directKey))
			return ConversationView{}, svcerr.Transient(opDirectConv, "insert_failed", err)
		}
		var winner Conversation
		if readErr := s.db.WithContext(ctx).Where("direct_key = ?", directKey).Take(&winner).Error; readErr != nil {
			s.logError(opDirectConv, "reread_failed", readErr, zap.String("direct_key", directKey))
			return ConversationView{}, svcerr.Transient(opDirectConv, "reread_failed", readErr)
		}
		if _, err := s.ensureParticipants(ctx, opDirectConv, winner.ID, members); err != nil {
			return ConversationView{}, err
		}
		return viewOf(winner), nil
	}
	s.cache.Apply(cache.MutationCreateConversation, cache.Scope{Actor: callerID, Users: members})
	return viewOf(conversation), nil
}

// ListConversations returns the caller's conversations, most recently active first.
func (s *Service) ListConversations(ctx context.Context, callerID string) ([]ConversationSummary, error) {
	cacheKey := cache.Key{Kind: cache.KindConversations, Owner: callerID}
	generation := s.cache.Generation()
	if cached, ok := cache.Lookup[[]ConversationSummary](s.cache, cacheKey); ok {
		return cached, nil
	}

	var conversations []Conversation
	if err := s.db.WithContext(ctx).
		Joins("JOIN conversation_participants ON conversation_participants.conversation_id = conversations.id AND conversation_participants.user_id = ?", callerID).
		Order("conversations.updated_at_ms DESC").
		Order("conversations.id DESC").
		Find(&conversations).Error; err != nil {
		s.logError(opListConvs, "query_failed", err, zap.String("user_id", callerID))
		return nil, svcerr.Transient(opListConvs, "query_failed", err)
	}
	summaries := make([]ConversationSummary, 0, len(conversations))
	if len(conversations) == 0 {
		s.cache.SetIfUnchanged(cacheKey, summaries, generation)
		return summaries, nil
	}

	conversationIDs := make([]string, 0, len(conversations))
	activityIDs := make([]string, 0)
	directIDs := make([]string, 0)
	for _, conversation := range conversations {
		conversationIDs = append(conversationIDs, conversation.ID)
		if conversation.Type == ConversationActivityGroup && conversation.ActivityID != nil {
			activityIDs = append(activityIDs, *conversation.ActivityID)
		}
		if conversation.Type == ConversationDirect {
			directIDs = append(directIDs, conversation.ID)
		}
	}

	lastMessages, err := s.latestMessages(ctx, conversationIDs)
	if err != nil {
		return nil, err
	}
	unread, err := s.unreadCounts(ctx, opListConvs, callerID, conversationIDs)
	if err != nil {
		return nil, err
	}
	titles, err := s.activities.Titles(ctx, activityIDs)
	if err != nil {
		return nil, err
	}
	var others []Participant
	if len(directIDs) > 0 {
		if err := s.db.WithContext(ctx).
			Where("conversation_id IN ? AND user_id <> ?", directIDs, callerID).
			Find(&others).Error; err != nil {
			s.logError(opListConvs, "participants_query_failed", err, zap.String("user_id", callerID))
			return nil, svcerr.Transient(opListConvs, "participants_query_failed", err)
		}
	}
	otherByConversation := make(map[string]string, len(others))
	profileIDs := make([]string, 0, len(others)+len(lastMessages))
	for _, other := range others {
		otherByConversation[other.ConversationID] = other.UserID
		profileIDs = append(profileIDs, other.UserID)
	}
	for _, message := range lastMessages {
		profileIDs = append(profileIDs, message.SenderID)
	}
	profiles, err := s.profiles.GetProfiles(ctx, sortedUnique(profileIDs))
	if err != nil {
		return nil, err
	}

	for _, conversation := range conversations {
		summary := ConversationSummary{
			ConversationView: viewOf(conversation),
			UnreadCount:      unread[conversation.ID],
		}
		if message, ok := lastMessages[conversation.ID]; ok {
			view := renderMessage(message, summaryPtr(profiles, message.SenderID), nil, nil)
			summary.LastMessage = &view
		}
		if otherID, ok := otherByConversation[conversation.ID]; ok {
			summary.OtherParticipant = summaryPtr(profiles, otherID)
		}
		if conversation.ActivityID != nil {
			if title, ok := titles[*conversation.ActivityID]; ok {
				summary.ActivityTitle = &title
			}
		}
		summaries = append(summaries, summary)
	}
	s.cache.SetIfUnchanged(cacheKey, summaries, generation)
	return summaries, nil
}

// ListParticipants returns the conversation's members with their profiles.
func (s *Service) ListParticipants(ctx context.Context, callerID, conversationID string) ([]ParticipantView, error) {
	if err := s.requireParticipant(ctx, opListParticipants, conversationID, callerID); err != nil {
		return nil, err
	}
	cacheKey := cache.Key{Kind: cache.KindParticipants, Subject: conversationID}
	generation := s.cache.Generation()
	if cached, ok := cache.Lookup[[]ParticipantView](s.cache, cacheKey); ok {
		return cached, nil
	}
	var participants []Participant
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("joined_at_ms ASC").
		Order("user_id ASC").
		Find(&participants).Error; err != nil {
		s.logError(opListParticipants, "query_failed", err, zap.String("conversation_id", conversationID))
		return nil, svcerr.Transient(opListParticipants, "query_failed", err)
	}
	userIDs := make([]string, 0, len(participants))
	for _, participant := range participants {
		userIDs = append(userIDs, participant.UserID)
	}
	profiles, err := s.profiles.GetProfiles(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	views := make([]ParticipantView, 0, len(participants))
	for _, participant := range participants {
		views = append(views, ParticipantView{
			UserID:     participant.UserID,
			JoinedAt:   gateway.FromMillis(participant.JoinedAtMillis),
			LastReadAt: gateway.FromOptionalMillis(participant.LastReadAtMillis),
			User:       summaryPtr(profiles, participant.UserID),
		})
	}
	s.cache.SetIfUnchanged(cacheKey, views, generation)
	return views, nil
}

// LeaveActivityConversation removes the user's participant row from the activity's group
// conversation. It is a no-op when either is absent.
func (s *Service) LeaveActivityConversation(ctx context.Context, activityID, userID string) error {
	conversation, found, err := s.findActivityConversation(ctx, activityID)
	if err != nil || !found {
		return err
	}
	result := s.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversation.ID, userID).
		Delete(&Participant{})
	if result.Error != nil {
		s.logError(opLeaveActivity, "delete_failed", result.Error, zap.String("conversation_id", conversation.ID))
		return svcerr.Transient(opLeaveActivity, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil
	}
	s.publish(realtime.TableParticipants, realtime.OpDelete, map[string]string{
		realtime.ColumnConversationID: conversation.ID,
		realtime.ColumnUserID:         userID,
	}, nil)
	s.cache.Apply(cache.MutationLeaveConversation, cache.Scope{Actor: userID, Users: []string{userID}, ConversationID: conversation.ID})
	s.cache.Invalidate(cache.MatchOwner(cache.KindActivityConversation, userID))
	return nil
}

func (s *Service) findActivityConversation(ctx context.Context, activityID string) (Conversation, bool, error) {
	var conversation Conversation
	err := s.db.WithContext(ctx).
		Where("activity_id = ? AND type = ?", activityID, ConversationActivityGroup).
		Take(&conversation).Error
	if gateway.IsNotFound(err) {
		return Conversation{}, false, nil
	}
	if err != nil {
		s.logError(opActivityConv, "select_failed", err, zap.String("activity_id", activityID))
		return Conversation{}, false, svcerr.Transient(opActivityConv, "select_failed", err)
	}
	return conversation, true, nil
}

// findDirectConversation intersects the two users' memberships, restricted to direct threads.
func (s *Service) findDirectConversation(ctx context.Context, callerID, otherUserID string) (Conversation, bool, error) {
	var conversation Conversation
	err := s.db.WithContext(ctx).
		Joins("JOIN conversation_participants mine ON mine.conversation_id = conversations.id AND mine.user_id = ?", callerID).
		Joins("JOIN conversation_participants theirs ON theirs.conversation_id = conversations.id AND theirs.user_id = ?", otherUserID).
		Where("conversations.type = ?", ConversationDirect).
		Order("conversations.created_at_ms ASC").
		Take(&conversation).Error
	if gateway.IsNotFound(err) {
		return Conversation{}, false, nil
	}
	if err != nil {
		s.logError(opDirectConv, "select_failed", err)
		return Conversation{}, false, svcerr.Transient(opDirectConv, "select_failed", err)
	}
	return conversation, true, nil
}

// createConversation inserts the conversation and its initial participants in one transaction
// and returns the raw gateway error so callers can detect unique violations.
func (s *Service) createConversation(ctx context.Context, operation string, conversationType ConversationType, activityID, directKey *string, members []string) (Conversation, error) {
	id, err := s.newID(operation)
	if err != nil {
		return Conversation{}, err
	}
	nowMillis := gateway.ToMillis(s.clock())
	conversation := Conversation{
		ID:              id,
		Type:            conversationType,
		ActivityID:      activityID,
		DirectKey:       directKey,
		CreatedAtMillis: nowMillis,
		UpdatedAtMillis: nowMillis,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conversation).Error; err != nil {
			return err
		}
		for _, userID := range members {
			participantID, err := s.newID(operation)
			if err != nil {
				return err
			}
			participant := Participant{ID: participantID, ConversationID: id, UserID: userID, JoinedAtMillis: nowMillis}
			if err := tx.Create(&participant).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	for _, userID := range members {
		s.publishParticipantJoined(id, userID)
	}
	return conversation, nil
}

// ensureParticipants inserts missing membership rows and returns the users that were added.
func (s *Service) ensureParticipants(ctx context.Context, operation, conversationID string, userIDs []string) ([]string, error) {
	added := make([]string, 0, len(userIDs))
	nowMillis := gateway.ToMillis(s.clock())
	for _, userID := range userIDs {
		id, err := s.newID(operation)
		if err != nil {
			return nil, err
		}
		participant := Participant{ID: id, ConversationID: conversationID, UserID: userID, JoinedAtMillis: nowMillis}
		result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
			DoNothing: true,
		}).Create(&participant)
		if result.Error != nil {
			s.logError(operation, "participant_insert_failed", result.Error,
				zap.String("conversation_id", conversationID),
				zap.String("user_id", userID))
			return nil, svcerr.Transient(operation, "participant_insert_failed", result.Error)
		}
		if result.RowsAffected > 0 {
			added = append(added, userID)
			s.publishParticipantJoined(conversationID, userID)
		}
	}
	return added, nil
}

func (s *Service) publishParticipantJoined(conversationID, userID string) {
	s.publish(realtime.TableParticipants, realtime.OpInsert, map[string]string{
		realtime.ColumnConversationID: conversationID,
		realtime.ColumnUserID:         userID,
	}, nil)
}

// latestMessages returns the newest message per conversation in one query.
func (s *Service) latestMessages(ctx context.Context, conversationIDs []string) (map[string]Message, error) {
	var rows []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id IN ?", conversationIDs).
		Where(`NOT EXISTS (SELECT 1 FROM messages newer WHERE newer.conversation_id = messages.conversation_id
			AND (newer.created_at_ms > messages.created_at_ms
				OR (newer.created_at_ms = messages.created_at_ms AND newer.id > messages.id)))`).
		Find(&rows).Error
	if err != nil {
		s.logError(opListConvs, "last_message_query_failed", err)
		return nil, svcerr.Transient(opListConvs, "last_message_query_failed", err)
	}
	latest := make(map[string]Message, len(rows))
	for _, row := range rows {
		latest[row.ConversationID] = row
	}
	return latest, nil
}

func summaryPtr(profiles map[string]users.Profile, userID string) *users.Summary {
	profile, ok := profiles[userID]
	if !ok {
		return &users.Summary{ID: userID}
	}
	summary := profile.Summary()
	return &summary
}

func sortedUnique(values []string) []string {
	set := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := set[value]; ok || value == "" {
			continue
		}
		set[value] = struct{}{}
		unique = append(unique, value)
	}
	sort.Strings(unique)
	return unique
}
