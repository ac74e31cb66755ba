package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/gateway"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/svcerr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrEmptyToken = errors.New("notify: push token required")

	errMissingDatabase   = errors.New("notify: database connection required")
	errMissingIDProvider = errors.New("notify: id provider required")
)

// TokenStoreConfig wires a TokenStore.
type TokenStoreConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Clock      func() time.Time
}

// TokenStore persists device push tokens.
type TokenStore struct {
	db    *gorm.DB
	ids   ids.Provider
	clock func() time.Time
}

// NewTokenStore constructs a TokenStore.
func NewTokenStore(cfg TokenStoreConfig) (*TokenStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenStore{db: cfg.Database, ids: cfg.IDProvider, clock: clock}, nil
}

// Register records the token for the user, refreshing last use when it is already known.
func (s *TokenStore) Register(ctx context.Context, userID, token, platform string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return svcerr.New(svcerr.KindValidation, "notify.register_token", "empty_token", ErrEmptyToken)
	}
	platform = strings.ToLower(strings.TrimSpace(platform))
	if platform == "" {
		platform = "unknown"
	}
	id, err := s.ids.NewID()
	if err != nil {
		return svcerr.Transient("notify.register_token", "id_failed", err)
	}
	nowMillis := gateway.ToMillis(s.clock())
	record := PushToken{
		ID:               id,
		UserID:           userID,
		Token:            token,
		Platform:         platform,
		CreatedAtMillis:  nowMillis,
		LastUsedAtMillis: nowMillis,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_used_at_ms", "platform"}),
	}).Create(&record).Error
	if err != nil {
		return svcerr.Transient("notify.register_token", "upsert_failed", err)
	}
	return nil
}

// TokensFor lists the user's device tokens.
func (s *TokenStore) TokensFor(ctx context.Context, userID string) ([]string, error) {
	var tokens []string
	err := s.db.WithContext(ctx).
		Model(&PushToken{}).
		Where("user_id = ?", userID).
		Order("last_used_at_ms desc").
		Pluck("token", &tokens).Error
	if err != nil {
		return nil, svcerr.Transient("notify.tokens_for", "load_failed", err)
	}
	return tokens, nil
}
