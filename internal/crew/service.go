package crew

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/gateway"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/svcerr"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrAlreadyConnected   = errors.New("crew: already connected")
	ErrRequestAlreadySent = errors.New("crew: request already pending")
	ErrSelfRequest        = errors.New("crew: cannot send a request to yourself")
	ErrRequestNotFound    = errors.New("crew: request not found")
	ErrConnectionNotFound = errors.New("crew: connection not found")
	ErrUnknownUser        = errors.New("crew: user not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingProfiles   = errors.New("profile lookup is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew     = "crew.service.new"
	opSendRequest    = "crew.send_request"
	opAcceptRequest  = "crew.accept_request"
	opDeclineRequest = "crew.decline_request"
	opRemove         = "crew.remove_connection"
	opStatus         = "crew.connection_status"
	opListCrew       = "crew.list_crew"
	opListRequests   = "crew.list_requests"
	opPendingCount   = "crew.pending_received_count"
)

// ProfileLookup resolves public profiles.
type ProfileLookup interface {
	GetProfiles(ctx context.Context, userIDs []string) (map[string]users.Profile, error)
	Exists(ctx context.Context, userID string) (bool, error)
}

// ServiceConfig wires the crew service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
	Profiles   ProfileLookup
	Cache      *cache.Store
	Notifier   notify.Notifier
	Metrics    *metrics.Recorder
}

// Service runs the crew request handshake.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	profiles   ProfileLookup
	cache      *cache.Store
	notifier   notify.Notifier
	metrics    *metrics.Recorder
}

// NewService constructs the crew service.
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
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		profiles:   cfg.Profiles,
		cache:      cfg.Cache,
		notifier:   notifier,
		metrics:    cfg.Metrics,
	}, nil
}

// SendRequest creates a pending request from the caller to the addressee.
func (s *Service) SendRequest(ctx context.Context, callerID, addresseeID string) (Connection, error) {
	addresseeID = strings.TrimSpace(addresseeID)
	if addresseeID == "" || addresseeID == callerID {
		return Connection{}, svcerr.New(svcerr.KindValidation, opSendRequest, "self_request", ErrSelfRequest)
	}
	exists, err := s.profiles.Exists(ctx, addresseeID)
	if err != nil {
		return Connection{}, err
	}
	if !exists {
		return Connection{}, svcerr.New(svcerr.KindNotFound, opSendRequest, "unknown_user", ErrUnknownUser)
	}

	pairKey := gateway.PairKey(callerID, addresseeID)
	existing, found, err := s.findPair(ctx, opSendRequest, pairKey)
	if err != nil {
		return Connection{}, err
	}
	if found {
		return Connection{}, s.conflictFor(existing)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSendRequest, "id_generation_failed", err)
		return Connection{}, svcerr.Transient(opSendRequest, "id_generation_failed", err)
	}
	connection := Connection{
		ID:              id,
		RequesterID:     callerID,
		AddresseeID:     addresseeID,
		PairKey:         pairKey,
		Status:          StatusPending,
		CreatedAtMillis: gateway.ToMillis(s.clock()),
	}
	if err := s.db.WithContext(ctx).Create(&connection).Error; err != nil {
		if !gateway.IsUniqueViolation(err) {
			s.logError(opSendRequest, "insert_failed", err, zap.String("pair_key", pairKey))
			return Connection{}, svcerr.Transient(opSendRequest, "insert_failed", err)
		}
		winner, found, readErr := s.findPair(ctx, opSendRequest, pairKey)
		if readErr != nil {
			return Connection{}, readErr
		}
		if !found {
			return Connection{}, svcerr.Transient(opSendRequest, "insert_race_unresolved", err)
		}
		return Connection{}, s.conflictFor(winner)
	}

	s.metrics.CrewTransition("requested")
	s.cache.Apply(cache.MutationCrewRequest, cache.Scope{Actor: callerID, Users: []string{callerID, addresseeID}})
	s.notifyRequest(ctx, connection)
	return connection, nil
}

// AcceptRequest accepts a pending request addressed to the caller.
func (s *Service) AcceptRequest(ctx context.Context, callerID, requestID string) error {
	var connection Connection
	if err := s.db.WithContext(ctx).Where("id = ?", requestID).Take(&connection).Error; err != nil && !gateway.IsNotFound(err) {
		s.logError(opAcceptRequest, "select_failed", err, zap.String("request_id", requestID))
		return svcerr.Transient(opAcceptRequest, "select_failed", err)
	}
	acceptedAt := gateway.ToMillis(s.clock())
	result := s.db.WithContext(ctx).Model(&Connection{}).
		Where("id = ? AND status = ? AND addressee_id = ?", requestID, StatusPending, callerID).
		Updates(map[string]interface{}{"status": StatusAccepted, "accepted_at_ms": acceptedAt})
	if result.Error != nil {
		s.logError(opAcceptRequest, "update_failed", result.Error, zap.String("request_id", requestID))
		return svcerr.Transient(opAcceptRequest, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return svcerr.New(svcerr.KindNotFound, opAcceptRequest, "not_found", ErrRequestNotFound)
	}
	s.metrics.CrewTransition("accepted")
	s.cache.Apply(cache.MutationCrewAccept, cache.Scope{Actor: callerID, Users: []string{callerID, connection.RequesterID}})
	return nil
}

// DeclineRequest deletes a pending request the caller sent or received.
func (s *Service) DeclineRequest(ctx context.Context, callerID, requestID string) error {
	var connection Connection
	err := s.db.WithContext(ctx).
		Where("id = ? AND status = ? AND (requester_id = ? OR addressee_id = ?)", requestID, StatusPending, callerID, callerID).
		Take(&connection).Error
	if gateway.IsNotFound(err) {
		return svcerr.New(svcerr.KindNotFound, opDeclineRequest, "not_found", ErrRequestNotFound)
	}
	if err != nil {
		s.logError(opDeclineRequest, "select_failed", err, zap.String("request_id", requestID))
		return svcerr.Transient(opDeclineRequest, "select_failed", err)
	}
	result := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", requestID, StatusPending).
		Delete(&Connection{})
	if result.Error != nil {
		s.logError(opDeclineRequest, "delete_failed", result.Error, zap.String("request_id", requestID))
		return svcerr.Transient(opDeclineRequest, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return svcerr.New(svcerr.KindNotFound, opDeclineRequest, "not_found", ErrRequestNotFound)
	}
	s.metrics.CrewTransition("declined")
	s.cache.Apply(cache.MutationCrewDecline, cache.Scope{Actor: callerID, Users: []string{connection.RequesterID, connection.AddresseeID}})
	return nil
}

// RemoveConnection deletes the pair row, pending or accepted.
func (s *Service) RemoveConnection(ctx context.Context, callerID, otherUserID string) error {
	otherUserID = strings.TrimSpace(otherUserID)
	pairKey := gateway.PairKey(callerID, otherUserID)
	result := s.db.WithContext(ctx).Where("pair_key = ?", pairKey).Delete(&Connection{})
	if result.Error != nil {
		s.logError(opRemove, "delete_failed", result.Error, zap.String("pair_key", pairKey))
		return svcerr.Transient(opRemove, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return svcerr.New(svcerr.KindNotFound, opRemove, "not_found", ErrConnectionNotFound)
	}
	s.metrics.CrewTransition("removed")
	s.cache.Apply(cache.MutationCrewRemove, cache.Scope{Actor: callerID, Users: []string{callerID, otherUserID}})
	return nil
}

// ConnectionStatus reports the caller-relative state of the pair.
func (s *Service) ConnectionStatus(ctx context.Context, callerID, otherUserID string) (ConnectionStatus, error) {
	otherUserID = strings.TrimSpace(otherUserID)
	if otherUserID == "" || otherUserID == callerID {
		return ConnectionNone, nil
	}
	key := cache.Key{Kind: cache.KindCrewStatus, Owner: callerID, Subject: otherUserID}
	generation := s.cache.Generation()
	if cached, ok := cache.Lookup[ConnectionStatus](s.cache, key); ok {
		return cached, nil
	}
	connection, found, err := s.findPair(ctx, opStatus, gateway.PairKey(callerID, otherUserID))
	if err != nil {
		return ConnectionNone, err
	}
	status := ConnectionNone
	if found {
		status = connection.statusFor(callerID)
	}
	s.cache.SetIfUnchanged(key, status, generation)
	return status, nil
}

// ListCrew returns accepted connections as members, most recently connected first.
func (s *Service) ListCrew(ctx context.Context, callerID string) ([]Member, error) {
	key := cache.Key{Kind: cache.KindCrew, Owner: callerID}
	generation := s.cache.Generation()
	if cached, ok := cache.Lookup[[]Member](s.cache, key); ok {
		return cached, nil
	}
	var connections []Connection
	if err := s.db.WithContext(ctx).
		Where("(requester_id = ? OR addressee_id = ?) AND status = ?", callerID, callerID, StatusAccepted).
		Find(&connections).Error; err != nil {
		s.logError(opListCrew, "query_failed", err, zap.String("user_id", callerID))
		return nil, svcerr.Transient(opListCrew, "query_failed", err)
	}
	otherIDs := make([]string, 0, len(connections))
	for _, connection := range connections {
		otherIDs = append(otherIDs, connection.Other(callerID))
	}
	profiles, err := s.profiles.GetProfiles(ctx, otherIDs)
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(connections))
	for _, connection := range connections {
		otherID := connection.Other(callerID)
		profile, ok := profiles[otherID]
		if !ok {
			profile = users.Profile{ID: otherID}
		}
		connectedAt := connection.CreatedAt()
		if acceptedAt := connection.AcceptedAt(); acceptedAt != nil {
			connectedAt = *acceptedAt
		}
		members = append(members, Member{Summary: profile.Summary(), ConnectedAt: connectedAt})
	}
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].ConnectedAt.After(members[j].ConnectedAt)
	})
	s.cache.SetIfUnchanged(key, members, generation)
	return members, nil
}

// ListRequests returns pending rows split into sent and received, newest first.
func (s *Service) ListRequests(ctx context.Context, callerID string) (Requests, error) {
	key := cache.Key{Kind: cache.KindCrewRequests, Owner: callerID}
	generation := s.cache.Generation()
	if cached, ok := cache.Lookup[Requests](s.cache, key); ok {
		return cached, nil
	}
	var connections []Connection
	if err := s.db.WithContext(ctx).
		Where("(requester_id = ? OR addressee_id = ?) AND status = ?", callerID, callerID, StatusPending).
		Order("created_at_ms DESC").
		Order("id DESC").
		Find(&connections).Error; err != nil {
		s.logError(opListRequests, "query_failed", err, zap.String("user_id", callerID))
		return Requests{}, svcerr.Transient(opListRequests, "query_failed", err)
	}
	userIDs := make([]string, 0, len(connections)*2)
	for _, connection := range connections {
		userIDs = append(userIDs, connection.RequesterID, connection.AddresseeID)
	}
	profiles, err := s.profiles.GetProfiles(ctx, userIDs)
	if err != nil {
		return Requests{}, err
	}
	requests := Requests{Sent: []Request{}, Received: []Request{}}
	for _, connection := range connections {
		request := Request{
			ID:          connection.ID,
			RequesterID: connection.RequesterID,
			AddresseeID: connection.AddresseeID,
			Status:      connection.Status,
			CreatedAt:   connection.CreatedAt(),
			Requester:   summaryOf(profiles, connection.RequesterID),
			Addressee:   summaryOf(profiles, connection.AddresseeID),
		}
		if connection.RequesterID == callerID {
			requests.Sent = append(requests.Sent, request)
		} else {
			requests.Received = append(requests.Received, request)
		}
	}
	s.cache.SetIfUnchanged(key, requests, generation)
	return requests, nil
}

// PendingReceivedCount counts pending requests addressed to the caller.
func (s *Service) PendingReceivedCount(ctx context.Context, callerID string) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Connection{}).
		Where("addressee_id = ? AND status = ?", callerID, StatusPending).
		Count(&count).Error; err != nil {
		s.logError(opPendingCount, "count_failed", err, zap.String("user_id", callerID))
		return 0, svcerr.Transient(opPendingCount, "count_failed", err)
	}
	return count, nil
}

func (s *Service) findPair(ctx context.Context, operation, pairKey string) (Connection, bool, error) {
	var connection Connection
	err := s.db.WithContext(ctx).Where("pair_key = ?", pairKey).Take(&connection).Error
	if gateway.IsNotFound(err) {
		return Connection{}, false, nil
	}
	if err != nil {
		s.logError(operation, "pair_select_failed", err, zap.String("pair_key", pairKey))
		return Connection{}, false, svcerr.Transient(operation, "pair_select_failed", err)
	}
	return connection, true, nil
}

func (s *Service) conflictFor(existing Connection) error {
	if existing.Status == StatusAccepted {
		s.metrics.Conflict("already_connected")
		return svcerr.New(svcerr.KindConflict, opSendRequest, "already_connected", ErrAlreadyConnected)
	}
	s.metrics.Conflict("request_already_sent")
	return svcerr.New(svcerr.KindConflict, opSendRequest, "request_already_sent", ErrRequestAlreadySent)
}

func (s *Service) notifyRequest(ctx context.Context, connection Connection) {
	requesterName := "Someone"
	if profiles, err := s.profiles.GetProfiles(ctx, []string{connection.RequesterID}); err == nil {
		if profile, ok := profiles[connection.RequesterID]; ok && profile.FullName != "" {
			requesterName = profile.FullName
		}
	}
	push := notify.Push{
		UserID:    connection.AddresseeID,
		Title:     "New crew request",
		Body:      fmt.Sprintf("%s wants to join your crew", requesterName),
		ChannelID: notify.ChannelCrewRequests,
		Data: map[string]string{
			"type":       "crew_request",
			"request_id": connection.ID,
			"user_id":    connection.RequesterID,
		},
	}
	if err := s.notifier.Notify(ctx, push); err != nil {
		s.logger.Warn("crew request push failed", zap.String("request_id", connection.ID), zap.Error(err))
	}
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
	s.logger.Error("crew service error", attrs...)
}

func summaryOf(profiles map[string]users.Profile, userID string) users.Summary {
	if profile, ok := profiles[userID]; ok {
		return profile.Summary()
	}
	return users.Summary{ID: userID}
}
