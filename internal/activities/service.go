package activities

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/gateway"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/svcerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrActivityNotFound = errors.New("activities: activity not found")
	ErrActivityInactive = errors.New("activities: activity is no longer active")
	ErrActivityFull     = errors.New("activities: activity is full")
	ErrAlreadyJoined    = errors.New("activities: already attending")
	ErrNotAttending     = errors.New("activities: not attending")
	ErrHostMembership   = errors.New("activities: host is an implicit member")
	ErrEmptyTitle       = errors.New("activities: title required")
	ErrInvalidCapacity  = errors.New("activities: max attendees must be positive")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew   = "activities.service.new"
	opCreate       = "activities.create"
	opGet          = "activities.get"
	opList         = "activities.list"
	opJoin         = "activities.join"
	opLeave        = "activities.leave"
	opAttendance   = "activities.attendee_status"
	opAccess       = "activities.access"
	opTitles       = "activities.titles"
	defaultListCap = 50
)

// ConversationLeaver drops a user from the activity's group conversation.
type ConversationLeaver interface {
	LeaveActivityConversation(ctx context.Context, activityID, userID string) error
}

// ServiceConfig wires the activity service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
	Cache      *cache.Store
	Leaver     ConversationLeaver
}

// Service manages activities and attendance.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	cache      *cache.Store
	leaver     ConversationLeaver
}

// NewService constructs the activity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, svcerr.New(svcerr.KindValidation, opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, svcerr.New(svcerr.KindValidation, opServiceNew, "missing_id_provider", errMissingIDProvider)
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
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		cache:      cfg.Cache,
		leaver:     cfg.Leaver,
	}, nil
}

// UseConversationLeaver sets the hook run when an attendee leaves. The chat service depends on
// this service, so the hook is attached after both are built.
func (s *Service) UseConversationLeaver(leaver ConversationLeaver) {
	s.leaver = leaver
}

// CreateInput describes a new activity.
type CreateInput struct {
	Title        string
	Description  string
	Category     string
	City         string
	StartsAt     time.Time
	MaxAttendees *int
}

// Create inserts an active activity hosted by the caller.
func (s *Service) Create(ctx context.Context, callerID string, input CreateInput) (Activity, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return Activity{}, svcerr.New(svcerr.KindValidation, opCreate, "empty_title", ErrEmptyTitle)
	}
	if input.MaxAttendees != nil && *input.MaxAttendees <= 0 {
		return Activity{}, svcerr.New(svcerr.KindValidation, opCreate, "invalid_capacity", ErrInvalidCapacity)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Activity{}, svcerr.Transient(opCreate, "id_generation_failed", err)
	}
	now := s.clock()
	startsAt := input.StartsAt
	if startsAt.IsZero() {
		startsAt = now
	}
	activity := Activity{
		ID:              id,
		HostID:          callerID,
		Title:           title,
		Description:     optional(input.Description),
		Category:        optional(input.Category),
		City:            optional(input.City),
		Status:          StatusActive,
		MaxAttendees:    input.MaxAttendees,
		StartsAtMillis:  gateway.ToMillis(startsAt),
		CreatedAtMillis: gateway.ToMillis(now),
	}
	if err := s.db.WithContext(ctx).Create(&activity).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("host_id", callerID))
		return Activity{}, svcerr.Transient(opCreate, "insert_failed", err)
	}
	return activity, nil
}

// Get returns the activity with its joined-attendee count.
func (s *Service) Get(ctx context.Context, activityID string) (Detail, error) {
	var activity Activity
	if err := s.db.WithContext(ctx).Where("id = ?", activityID).Take(&activity).Error; err != nil {
		return Detail{}, s.translateLoad(opGet, activityID, err)
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&Attendee{}).
		Where("activity_id = ? AND status = ?", activityID, AttendeeJoined).
		Count(&count).Error; err != nil {
		s.logError(opGet, "count_failed", err, zap.String("activity_id", activityID))
		return Detail{}, svcerr.Transient(opGet, "count_failed", err)
	}
	return Detail{Activity: activity, AttendeeCount: count}, nil
}

// ListFilter narrows List. Empty fields match everything except Status, which defaults to active.
type ListFilter struct {
	Status   Status
	City     string
	Category string
	Limit    int
}

// List returns activities ordered by start time.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Activity, error) {
	status := filter.Status
	if status == "" {
		status = StatusActive
	}
	limit := filter.Limit
	if limit <= 0 || limit > defaultListCap {
		limit = defaultListCap
	}
	query := s.db.WithContext(ctx).Where("status = ?", status)
	if city := strings.TrimSpace(filter.City); city != "" {
		query = query.Where("city = ?", city)
	}
	if category := strings.TrimSpace(filter.Category); category != "" {
		query = query.Where("category = ?", category)
	}
	var activities []Activity
	if err := query.Order("starts_at_ms ASC").Limit(limit).Find(&activities).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, svcerr.Transient(opList, "query_failed", err)
	}
	return activities, nil
}

// Join enrolls the caller as a joined attendee.
func (s *Service) Join(ctx context.Context, callerID, activityID string) (Attendee, error) {
	var joined Attendee
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var activity Activity
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", activityID).
			Take(&activity).Error; err != nil {
			return s.translateLoad(opJoin, activityID, err)
		}
		if activity.HostID == callerID {
			return svcerr.New(svcerr.KindValidation, opJoin, "host_membership", ErrHostMembership)
		}
		if activity.Status != StatusActive {
			return svcerr.New(svcerr.KindValidation, opJoin, "inactive", ErrActivityInactive)
		}

		var existing Attendee
		existingErr := tx.Where("activity_id = ? AND user_id = ?", activityID, callerID).Take(&existing).Error
		if existingErr != nil && !gateway.IsNotFound(existingErr) {
			s.logError(opJoin, "attendee_select_failed", existingErr, zap.String("activity_id", activityID))
			return svcerr.Transient(opJoin, "attendee_select_failed", existingErr)
		}
		if existingErr == nil && existing.Status == AttendeeJoined {
			return svcerr.New(svcerr.KindConflict, opJoin, "already_joined", ErrAlreadyJoined)
		}

		if activity.MaxAttendees != nil {
			var count int64
			if err := tx.Model(&Attendee{}).
				Where("activity_id = ? AND status = ?", activityID, AttendeeJoined).
				Count(&count).Error; err != nil {
				s.logError(opJoin, "count_failed", err, zap.String("activity_id", activityID))
				return svcerr.Transient(opJoin, "count_failed", err)
			}
			if count >= int64(*activity.MaxAttendees) {
				return svcerr.New(svcerr.KindConflict, opJoin, "full", ErrActivityFull)
			}
		}

		nowMillis := gateway.ToMillis(s.clock())
		if existingErr == nil {
			if err := tx.Model(&Attendee{}).
				Where("id = ?", existing.ID).
				Updates(map[string]interface{}{"status": AttendeeJoined, "joined_at_ms": nowMillis}).Error; err != nil {
				s.logError(opJoin, "attendee_update_failed", err, zap.String("activity_id", activityID))
				return svcerr.Transient(opJoin, "attendee_update_failed", err)
			}
			existing.Status = AttendeeJoined
			existing.JoinedAtMillis = nowMillis
			joined = existing
			return nil
		}

		id, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opJoin, "id_generation_failed", err)
			return svcerr.Transient(opJoin, "id_generation_failed", err)
		}
		joined = Attendee{
			ID:             id,
			ActivityID:     activityID,
			UserID:         callerID,
			Status:         AttendeeJoined,
			JoinedAtMillis: nowMillis,
		}
		if err := tx.Create(&joined).Error; err != nil {
			if gateway.IsUniqueViolation(err) {
				return svcerr.New(svcerr.KindConflict, opJoin, "already_joined", ErrAlreadyJoined)
			}
			s.logError(opJoin, "attendee_insert_failed", err, zap.String("activity_id", activityID))
			return svcerr.Transient(opJoin, "attendee_insert_failed", err)
		}
		return nil
	})
	if err != nil {
		return Attendee{}, err
	}
	s.cache.Apply(cache.MutationJoinActivity, cache.Scope{Actor: callerID, Users: []string{callerID}, ActivityID: activityID})
	return joined, nil
}

// Leave drops the caller's attendance and their seat in the activity conversation.
func (s *Service) Leave(ctx context.Context, callerID, activityID string) error {
	var activity Activity
	if err := s.db.WithContext(ctx).Where("id = ?", activityID).Take(&activity).Error; err != nil {
		return s.translateLoad(opLeave, activityID, err)
	}
	if activity.HostID == callerID {
		return svcerr.New(svcerr.KindValidation, opLeave, "host_membership", ErrHostMembership)
	}
	var existing Attendee
	err := s.db.WithContext(ctx).Where("activity_id = ? AND user_id = ?", activityID, callerID).Take(&existing).Error
	if gateway.IsNotFound(err) {
		return svcerr.New(svcerr.KindNotFound, opLeave, "not_attending", ErrNotAttending)
	}
	if err != nil {
		s.logError(opLeave, "attendee_select_failed", err, zap.String("activity_id", activityID))
		return svcerr.Transient(opLeave, "attendee_select_failed", err)
	}

	if s.leaver != nil {
		if err := s.leaver.LeaveActivityConversation(ctx, activityID, callerID); err != nil {
			s.logError(opLeave, "conversation_leave_failed", err, zap.String("activity_id", activityID))
			return err
		}
	}
	if err := s.db.WithContext(ctx).Where("id = ?", existing.ID).Delete(&Attendee{}).Error; err != nil {
		s.logError(opLeave, "attendee_delete_failed", err, zap.String("activity_id", activityID))
		return svcerr.Transient(opLeave, "attendee_delete_failed", err)
	}
	s.cache.Apply(cache.MutationLeaveActivity, cache.Scope{Actor: callerID, Users: []string{callerID}, ActivityID: activityID})
	return nil
}

// AttendeeStatus reports how the caller relates to the activity.
func (s *Service) AttendeeStatus(ctx context.Context, callerID, activityID string) (Attendance, error) {
	hostID, status, err := s.membership(ctx, opAttendance, callerID, activityID)
	if err != nil {
		return AttendanceNone, err
	}
	if hostID == callerID {
		return AttendanceHost, nil
	}
	switch status {
	case AttendeeJoined:
		return AttendanceJoined, nil
	case AttendeePending:
		return AttendancePending, nil
	case AttendeeDeclined:
		return AttendanceDeclined, nil
	default:
		return AttendanceNone, nil
	}
}

// Access returns the host id and whether the user holds a joined attendance row.
func (s *Service) Access(ctx context.Context, activityID, userID string) (string, bool, error) {
	hostID, status, err := s.membership(ctx, opAccess, userID, activityID)
	if err != nil {
		return "", false, err
	}
	return hostID, status == AttendeeJoined, nil
}

// Titles resolves activity titles in one query.
func (s *Service) Titles(ctx context.Context, activityIDs []string) (map[string]string, error) {
	titles := make(map[string]string, len(activityIDs))
	if len(activityIDs) == 0 {
		return titles, nil
	}
	var rows []Activity
	if err := s.db.WithContext(ctx).Select("id", "title").Where("id IN ?", activityIDs).Find(&rows).Error; err != nil {
		s.logError(opTitles, "query_failed", err)
		return nil, svcerr.Transient(opTitles, "query_failed", err)
	}
	for _, row := range rows {
		titles[row.ID] = row.Title
	}
	return titles, nil
}

func (s *Service) membership(ctx context.Context, operation, userID, activityID string) (string, AttendeeStatus, error) {
	var activity Activity
	if err := s.db.WithContext(ctx).Select("id", "host_id").Where("id = ?", activityID).Take(&activity).Error; err != nil {
		return "", "", s.translateLoad(operation, activityID, err)
	}
	var attendee Attendee
	err := s.db.WithContext(ctx).Where("activity_id = ? AND user_id = ?", activityID, userID).Take(&attendee).Error
	if gateway.IsNotFound(err) {
		return activity.HostID, "", nil
	}
	if err != nil {
		s.logError(operation, "attendee_select_failed", err, zap.String("activity_id", activityID))
		return "", "", svcerr.Transient(operation, "attendee_select_failed", err)
	}
	return activity.HostID, attendee.Status, nil
}

func (s *Service) translateLoad(operation, activityID string, err error) error {
	if gateway.IsNotFound(err) {
		return svcerr.New(svcerr.KindNotFound, operation, "activity_not_found", ErrActivityNotFound)
	}
	var serviceErr *svcerr.Error
	if errors.As(err, &serviceErr) {
		return err
	}
	s.logError(operation, "activity_select_failed", err, zap.String("activity_id", activityID))
	return svcerr.Transient(operation, "activity_select_failed", err)
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
	s.logger.Error("activities service error", attrs...)
}

func optional(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
