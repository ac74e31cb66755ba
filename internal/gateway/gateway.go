// Package gateway holds helpers shared by the GORM-backed stores.
package gateway

import (
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const pgUniqueViolation = "23505"

// IsUniqueViolation reports whether err was raised by a unique index or primary key.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

// IsNotFound reports whether err is GORM's record-not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// ToMillis converts a time to unix milliseconds in UTC.
func ToMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// FromMillis converts unix milliseconds to a UTC time.
func FromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// FromOptionalMillis converts a nullable millisecond column.
func FromOptionalMillis(value *int64) *time.Time {
	if value == nil {
		return nil
	}
	converted := FromMillis(*value)
	return &converted
}

// PairKey returns the order-independent key for two user identifiers.
func PairKey(first, second string) string {
	if first > second {
		first, second = second, first
	}
	return first + "|" + second
}
