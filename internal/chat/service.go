// Package chat owns conversations, membership, the message log, reactions and unread state.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/gateway"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/svcerr"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrDuplicateReaction   = errors.New("chat: reaction already exists")
	ErrEmptyContent        = errors.New("chat: message content required")
	ErrSelfConversation    = errors.New("chat: cannot start a conversation with yourself")
	ErrNotSender           = errors.New("chat: only the sender may change a message")
	ErrMessageDeleted      = errors.New("chat: message was deleted")
	ErrNotParticipant      = errors.New("chat: caller is not a participant")
	ErrMissingPayload      = errors.New("chat: payload required")
	ErrEmptyEmoji          = errors.New("chat: emoji required")
	ErrMessageNotFound     = errors.New("chat: message not found")
	ErrReplyTargetNotFound = errors.New("chat: reply target not found")
	ErrReactionNotFound    = errors.New("chat: reaction not found")
	ErrUserNotFound        = errors.New("chat: user not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingProfiles   = errors.New("profile lookup is required")
	errMissingActivities = errors.New("activity directory is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew       = "chat.service.new"
	opActivityConv     = "chat.get_or_create_activity_conversation"
	opDirectConv       = "chat.get_or_create_direct_conversation"
	opListConvs        = "chat.list_conversations"
	opListParticipants = "chat.list_participants"
	opLeaveActivity    = "chat.leave_activity_conversation"
	opMembership       = "chat.is_participant"
	opSend             = "chat.send"
	opEdit             = "chat.edit"
	opSoftDelete       = "chat.soft_delete"
	opListMessages     = "chat.list_messages"
	opReact            = "chat.react"
	opUnreact          = "chat.unreact"
	opListReactions    = "chat.list_reactions"
	opMarkAsRead       = "chat.mark_as_read"
	opUnreadCount      = "chat.unread_count"
	opBadges           = "chat.badges"
)

// ProfileLookup resolves public profiles.
type ProfileLookup interface {
	GetProfiles(ctx context.Context, userIDs []string) (map[string]users.Profile, error)
	Exists(ctx context.Context, userID string) (bool, error)
}

// ActivityDirectory answers access questions about activities.
type ActivityDirectory interface {
	Access(ctx context.Context, activityID, userID string) (hostID string, joined bool, err error)
	Titles(ctx context.Context, activityIDs []string) (map[string]string, error)
}

// PendingCounter counts pending crew requests addressed to a user.
type PendingCounter interface {
	PendingReceivedCount(ctx context.Context, userID string) (int64, error)
}

// ServiceConfig wires the chat service.
type ServiceConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	IDProvider   ids.Provider
	Logger       *zap.Logger
	Profiles     ProfileLookup
	Activities   ActivityDirectory
	CrewRequests PendingCounter
	Cache        *cache.Store
	Feed         *realtime.Feed
	Notifier     notify.Notifier
	Metrics      *metrics.Recorder
}

// Service implements the conversation directory, message log and unread tracker.
type Service struct {
	db           *gorm.DB
	clock        func() time.Time
	idProvider   ids.Provider
	logger       *zap.Logger
	profiles     ProfileLookup
	activities   ActivityDirectory
	crewRequests PendingCounter
	cache        *cache.Store
	feed         *realtime.Feed
	notifier     notify.Notifier
	metrics      *metrics.Recorder
}

// NewService constructs the chat service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(svcerr.KindValidation, opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, svcerr.New(svcerr.KindValidation, opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Profiles == nil {
		return nil, svcerr.New(svcerr.KindValidation, opServiceNew, "missing_profiles", errMissingProfiles)
	}
	if cfg.Activities == nil {
		return nil, svcerr.New(svcerr.KindValidation, opServiceNew, "missing_activities", errMissingActivities)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Service{
		db:           cfg.Database,
		clock:        clock,
		idProvider:   cfg.IDProvider,
		logger:       logger,
		profiles:     cfg.Profiles,
		activities:   cfg.Activities,
		crewRequests: cfg.CrewRequests,
		cache:        cfg.Cache,
		feed:         cfg.Feed,
		notifier:     notifier,
		metrics:      cfg.Metrics,
	}, nil
}

// IsParticipant reports whether the user holds a participant row in the conversation.
func (s *Service) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error; err != nil {
		s.logError(opMembership, "query_failed", err, zap.String("conversation_id", conversationID))
		return false, svcerr.Transient(opMembership, "query_failed", err)
	}
	return count > 0, nil
}

func (s *Service) requireParticipant(ctx context.Context, operation, conversationID, userID string) error {
	ok, err := s.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return svcerr.New(svcerr.KindForbidden, operation, "not_participant", ErrNotParticipant)
	}
	return nil
}

func (s *Service) participantIDs(ctx context.Context, operation, conversationID string) ([]string, error) {
	var userIDs []string
	if err := s.db.WithContext(ctx).Model(&Participant{}).
		Where("conversation_id = ?", conversationID).
		Order("joined_at_ms ASC").
		Pluck("user_id", &userIDs).Error; err != nil {
		s.logError(operation, "participants_query_failed", err, zap.String("conversation_id", conversationID))
		return nil, svcerr.Transient(operation, "participants_query_failed", err)
	}
	return userIDs, nil
}

func (s *Service) loadMessage(ctx context.Context, operation, messageID string) (Message, error) {
	var message Message
	err := s.db.WithContext(ctx).Where("id = ?", messageID).Take(&message).Error
	if gateway.IsNotFound(err) {
		return Message{}, svcerr.New(svcerr.KindNotFound, operation, "message_not_found", ErrMessageNotFound)
	}
	if err != nil {
		s.logError(operation, "message_select_failed", err, zap.String("message_id", messageID))
		return Message{}, svcerr.Transient(operation, "message_select_failed", err)
	}
	return message, nil
}

func (s *Service) publish(table string, op realtime.Op, columns map[string]string, record any) {
	s.feed.Publish(realtime.ChangeEvent{
		Table:     table,
		Op:        op,
		Columns:   columns,
		Record:    record,
		Timestamp: s.clock().UTC(),
	})
}

func (s *Service) newID(operation string) (string, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err)
		return "", svcerr.Transient(operation, "id_generation_failed", err)
	}
	return id, nil
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
	s.logger.Error("chat service error", attrs...)
}
