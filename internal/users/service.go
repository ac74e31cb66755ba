package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/gateway"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/svcerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrProfileNotFound indicates no profile exists for the id.
	ErrProfileNotFound = errors.New("users: profile not found")

	errMissingDatabase = errors.New("users: database connection required")
)

// ServiceConfig describes the dependencies required for profile resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service keeps public profiles in sync with session claims and serves profile lookups.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// EnsureProfile creates or refreshes the caller's profile from the session claims.
func (s *Service) EnsureProfile(ctx context.Context, claims auth.SessionClaims) (Profile, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		return Profile{}, svcerr.New(svcerr.KindUnauthenticated, "users.ensure_profile", "invalid_identity", ErrInvalidIdentity)
	}
	fullName := displayNameFor(claims.UserDisplayName, claims.UserEmail)
	email := normalize(claims.UserEmail)
	avatar := optional(claims.UserAvatarURL)

	if cached, ok := s.cached(userID); ok && cached.FullName == fullName && cached.Email == email && equalOptional(cached.AvatarURL, avatar) {
		return cached, nil
	}

	nowMillis := gateway.ToMillis(s.now())
	var profile Profile
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&profile).Error
	switch {
	case gateway.IsNotFound(err):
		profile = Profile{
			ID:              userID,
			Email:           email,
			FullName:        fullName,
			AvatarURL:       avatar,
			CreatedAtMillis: nowMillis,
			UpdatedAtMillis: nowMillis,
		}
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&profile).Error; err != nil {
			s.logError("ensure_profile", "insert_failed", err, zap.String("user_id", userID))
			return Profile{}, svcerr.Transient("users.ensure_profile", "insert_failed", err)
		}
	case err != nil:
		s.logError("ensure_profile", "load_failed", err, zap.String("user_id", userID))
		return Profile{}, svcerr.Transient("users.ensure_profile", "load_failed", err)
	default:
		updates := map[string]interface{}{}
		if email != "" && email != profile.Email {
			updates["email"] = email
			profile.Email = email
		}
		if fullName != "" && fullName != profile.FullName {
			updates["full_name"] = fullName
			profile.FullName = fullName
		}
		if avatar != nil && !equalOptional(avatar, profile.AvatarURL) {
			updates["avatar_url"] = *avatar
			profile.AvatarURL = avatar
		}
		if len(updates) > 0 {
			updates["updated_at_ms"] = nowMillis
			profile.UpdatedAtMillis = nowMillis
			if err := s.db.WithContext(ctx).Model(&Profile{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
				s.logError("ensure_profile", "update_failed", err, zap.String("user_id", userID))
				return Profile{}, svcerr.Transient("users.ensure_profile", "update_failed", err)
			}
		}
	}

	s.cache.Store(userID, profile)
	return profile, nil
}

// GetProfile returns the profile for the id.
func (s *Service) GetProfile(ctx context.Context, userID string) (Profile, error) {
	userID = normalize(userID)
	if cached, ok := s.cached(userID); ok {
		return cached, nil
	}
	var profile Profile
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&profile).Error
	if gateway.IsNotFound(err) {
		return Profile{}, svcerr.New(svcerr.KindNotFound, "users.get_profile", "not_found", ErrProfileNotFound)
	}
	if err != nil {
		s.logError("get_profile", "load_failed", err, zap.String("user_id", userID))
		return Profile{}, svcerr.Transient("users.get_profile", "load_failed", err)
	}
	s.cache.Store(userID, profile)
	return profile, nil
}

// GetProfiles resolves profiles in one batched query. Unknown ids are absent from the result.
func (s *Service) GetProfiles(ctx context.Context, userIDs []string) (map[string]Profile, error) {
	result := make(map[string]Profile, len(userIDs))
	missing := make([]string, 0, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))
	for _, raw := range userIDs {
		userID := normalize(raw)
		if userID == "" {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		if cached, ok := s.cached(userID); ok {
			result[userID] = cached
			continue
		}
		missing = append(missing, userID)
	}
	if len(missing) == 0 {
		return result, nil
	}

	var profiles []Profile
	if err := s.db.WithContext(ctx).Where("id IN ?", missing).Find(&profiles).Error; err != nil {
		s.logError("get_profiles", "load_failed", err, zap.Int("count", len(missing)))
		return nil, svcerr.Transient("users.get_profiles", "load_failed", err)
	}
	for _, profile := range profiles {
		s.cache.Store(profile.ID, profile)
		result[profile.ID] = profile
	}
	return result, nil
}

// Exists reports whether a profile row exists for the id.
func (s *Service) Exists(ctx context.Context, userID string) (bool, error) {
	_, err := s.GetProfile(ctx, userID)
	if svcerr.Is(err, svcerr.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) cached(userID string) (Profile, bool) {
	value, ok := s.cache.Load(userID)
	if !ok {
		return Profile{}, false
	}
	profile, ok := value.(Profile)
	return profile, ok
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	base := []zap.Field{
		zap.String("operation", fmt.Sprintf("users.%s", operation)),
		zap.String("reason", reason),
		zap.Error(err),
	}
	s.logger.Error("users service error", append(base, fields...)...)
}

func equalOptional(left, right *string) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	return *left == *right
}
