package users

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/svcerr"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Profile{}); err != nil {
		t.Fatalf("failed to migrate profile schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestEnsureProfileCreatesAndRefreshes(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	profile, err := service.EnsureProfile(ctx, auth.SessionClaims{
		UserID:    "user-1",
		UserEmail: "ana@example.com",
	})
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if profile.FullName != "ana" {
		t.Fatalf("expected name derived from email, got %q", profile.FullName)
	}

	profile, err = service.EnsureProfile(ctx, auth.SessionClaims{
		UserID:          "user-1",
		UserEmail:       "ana@example.com",
		UserDisplayName: "Ana Lima",
		UserAvatarURL:   "https://example.com/ana.png",
	})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if profile.FullName != "Ana Lima" || profile.AvatarURL == nil {
		t.Fatalf("expected refreshed profile, got %+v", profile)
	}

	var stored Profile
	if err := db.Where("id = ?", "user-1").Take(&stored).Error; err != nil {
		t.Fatalf("load stored profile: %v", err)
	}
	if stored.FullName != "Ana Lima" || stored.AvatarURL == nil || *stored.AvatarURL != "https://example.com/ana.png" {
		t.Fatalf("expected persisted refresh, got %+v", stored)
	}
	var count int64
	db.Model(&Profile{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected a single profile row, got %d", count)
	}
}

func TestEnsureProfileRejectsEmptyIdentity(t *testing.T) {
	service, _ := newTestService(t)
	_, err := service.EnsureProfile(context.Background(), auth.SessionClaims{UserEmail: "x@example.com"})
	if !svcerr.Is(err, svcerr.KindUnauthenticated) {
		t.Fatalf("expected unauthenticated error, got %v", err)
	}
}

func TestGetProfilesBatchesAndSkipsUnknown(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := service.EnsureProfile(ctx, auth.SessionClaims{UserID: id, UserDisplayName: "User " + id}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	fresh, err := NewService(ServiceConfig{Database: service.db})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	profiles, err := fresh.GetProfiles(ctx, []string{"a", "b", "a", "ghost", " "})
	if err != nil {
		t.Fatalf("get profiles: %v", err)
	}
	if len(profiles) != 2 || profiles["b"].FullName != "User b" {
		t.Fatalf("unexpected profiles %+v", profiles)
	}

	if _, err := fresh.GetProfile(ctx, "ghost"); !svcerr.Is(err, svcerr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	exists, err := fresh.Exists(ctx, "a")
	if err != nil || !exists {
		t.Fatalf("expected profile a to exist, err=%v", err)
	}
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); err == nil {
		t.Fatalf("expected missing database error")
	}
}
