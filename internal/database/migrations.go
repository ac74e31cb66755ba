package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/crew"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/gateway"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationPurgeDeclinedCrew  = "2025-05-20_purge_declined_crew_connections"
	migrationBackfillDirectKeys = "2025-06-02_backfill_direct_conversation_keys"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func migrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationPurgeDeclinedCrew, apply: purgeDeclinedCrew},
		{name: migrationBackfillDirectKeys, apply: backfillDirectKeys},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrations() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// purgeDeclinedCrew drops rows left by builds that kept declined requests; decline now deletes.
func purgeDeclinedCrew(db *gorm.DB) error {
	return db.Where("status = ?", crew.StatusDeclined).Delete(&crew.Connection{}).Error
}

// backfillDirectKeys stamps direct_key on direct conversations created before the column existed.
func backfillDirectKeys(db *gorm.DB) error {
	var conversations []chat.Conversation
	if err := db.Where("type = ? AND direct_key IS NULL", chat.ConversationDirect).Find(&conversations).Error; err != nil {
		return err
	}
	for _, conversation := range conversations {
		var members []string
		if err := db.Model(&chat.Participant{}).
			Where("conversation_id = ?", conversation.ID).
			Pluck("user_id", &members).Error; err != nil {
			return err
		}
		if len(members) != 2 {
			continue
		}
		key := gateway.PairKey(members[0], members[1])
		err := db.Model(&chat.Conversation{}).Where("id = ?", conversation.ID).Update("direct_key", key).Error
		if gateway.IsUniqueViolation(err) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}
