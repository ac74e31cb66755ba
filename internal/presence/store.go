package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const redisKeyPrefix = "citycrew:typing:"

var errMissingRedisClient = errors.New("redis client is required")

// Store persists typing indicators. Readers filter by age, so stores may return stale rows.
type Store interface {
	Upsert(ctx context.Context, indicator TypingIndicator) error
	Delete(ctx context.Context, conversationID, userID string) error
	List(ctx context.Context, conversationID string) ([]TypingIndicator, error)
}

// DatabaseStore keeps indicators in the typing_indicators table.
type DatabaseStore struct {
	db *gorm.DB
}

// NewDatabaseStore constructs the GORM-backed store.
func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	return &DatabaseStore{db: db}
}

func (s *DatabaseStore) Upsert(ctx context.Context, indicator TypingIndicator) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"started_at_ms"}),
	}).Create(&indicator).Error
}

func (s *DatabaseStore) Delete(ctx context.Context, conversationID, userID string) error {
	return s.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Delete(&TypingIndicator{}).Error
}

func (s *DatabaseStore) List(ctx context.Context, conversationID string) ([]TypingIndicator, error) {
	var rows []TypingIndicator
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("started_at_ms ASC").
		Find(&rows).Error
	return rows, err
}

// RedisStore keeps one hash per conversation: field user id, value started_at in unix ms.
// Each write refreshes the key TTL so idle conversations expire on their own.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore constructs the Redis-backed store.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errMissingRedisClient
	}
	if ttl <= 0 {
		ttl = 2 * ExpiryWindow
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

// NewRedisClient parses the URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Upsert(ctx context.Context, indicator TypingIndicator) error {
	key := redisKey(indicator.ConversationID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, indicator.UserID, strconv.FormatInt(indicator.StartedAtMillis, 10))
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Delete(ctx context.Context, conversationID, userID string) error {
	return s.client.HDel(ctx, redisKey(conversationID), userID).Err()
}

func (s *RedisStore) List(ctx context.Context, conversationID string) ([]TypingIndicator, error) {
	values, err := s.client.HGetAll(ctx, redisKey(conversationID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeHash(conversationID, values), nil
}

func redisKey(conversationID string) string {
	return redisKeyPrefix + conversationID
}

// decodeHash skips fields whose value is not a millisecond timestamp.
func decodeHash(conversationID string, values map[string]string) []TypingIndicator {
	rows := make([]TypingIndicator, 0, len(values))
	for userID, raw := range values {
		startedAt, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		rows = append(rows, TypingIndicator{ConversationID: conversationID, UserID: userID, StartedAtMillis: startedAt})
	}
	return rows
}
