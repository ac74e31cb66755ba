package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/crew"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/gateway"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openRaw(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "migration.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsPurgesDeclinedCrew(t *testing.T) {
	database := openRaw(t)
	rows := []crew.Connection{
		{ID: "c1", RequesterID: "ana", AddresseeID: "bo", PairKey: gateway.PairKey("ana", "bo"), Status: crew.StatusDeclined, CreatedAtMillis: 1},
		{ID: "c2", RequesterID: "ana", AddresseeID: "cy", PairKey: gateway.PairKey("ana", "cy"), Status: crew.StatusAccepted, CreatedAtMillis: 1},
	}
	if err := database.Create(&rows).Error; err != nil {
		t.Fatalf("failed to insert connections: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining []crew.Connection
	if err := database.Find(&remaining).Error; err != nil {
		t.Fatalf("failed to reload connections: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "c2" {
		t.Fatalf("expected only the accepted row to survive, got %+v", remaining)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationPurgeDeclinedCrew).Take(&record).Error; err != nil {
		t.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		t.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsBackfillsDirectKeys(t *testing.T) {
	database := openRaw(t)
	conversation := chat.Conversation{ID: "conv", Type: chat.ConversationDirect, CreatedAtMillis: 1, UpdatedAtMillis: 1}
	if err := database.Create(&conversation).Error; err != nil {
		t.Fatalf("failed to insert conversation: %v", err)
	}
	participants := []chat.Participant{
		{ID: "p1", ConversationID: "conv", UserID: "zed", JoinedAtMillis: 1},
		{ID: "p2", ConversationID: "conv", UserID: "amy", JoinedAtMillis: 1},
	}
	if err := database.Create(&participants).Error; err != nil {
		t.Fatalf("failed to insert participants: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		t.Fatalf("second run must be a no-op: %v", err)
	}

	var stored chat.Conversation
	if err := database.Where("id = ?", "conv").Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload conversation: %v", err)
	}
	if stored.DirectKey == nil || *stored.DirectKey != gateway.PairKey("amy", "zed") {
		t.Fatalf("expected backfilled direct key, got %v", stored.DirectKey)
	}
	var applied int64
	database.Model(&migrationRecord{}).Count(&applied)
	if applied != int64(len(migrations())) {
		t.Fatalf("expected %d migration records, got %d", len(migrations()), applied)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Options{Driver: "mysql"}, zap.NewNop()); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(Options{Driver: DriverPostgres}, zap.NewNop()); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}

func TestOpenSQLiteMigratesEveryModel(t *testing.T) {
	database, err := Open(Options{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "citycrew.db")}, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, model := range Models() {
		if !database.Migrator().HasTable(model) {
			t.Fatalf("expected table for %T", model)
		}
	}
}
