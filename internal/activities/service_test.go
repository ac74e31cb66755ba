package activities

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/svcerr"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type recordingLeaver struct {
	calls []string
	err   error
}

func (r *recordingLeaver) LeaveActivityConversation(_ context.Context, activityID, userID string) error {
	r.calls = append(r.calls, activityID+"/"+userID)
	return r.err
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *cache.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "activities.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Activity{}, &Attendee{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store := cache.NewStore(cache.Config{})
	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: ids.NewUUIDProvider(),
		Clock:      func() time.Time { return time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC) },
		Cache:      store,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service, db, store
}

func capacity(value int) *int {
	return &value
}

func TestJoinRules(t *testing.T) {
	service, db, _ := newTestService(t)
	ctx := context.Background()

	activity, err := service.Create(ctx, "host", CreateInput{Title: " Sunset hike ", MaxAttendees: capacity(1)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if activity.Title != "Sunset hike" || activity.Status != StatusActive {
		t.Fatalf("unexpected activity %+v", activity)
	}

	if _, err := service.Join(ctx, "host", activity.ID); !svcerr.Is(err, svcerr.KindValidation) || !errors.Is(err, ErrHostMembership) {
		t.Fatalf("expected host join to be rejected, got %v", err)
	}
	if _, err := service.Join(ctx, "ana", activity.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := service.Join(ctx, "ana", activity.ID); !errors.Is(err, ErrAlreadyJoined) || !svcerr.Is(err, svcerr.KindConflict) {
		t.Fatalf("expected already joined conflict, got %v", err)
	}
	if _, err := service.Join(ctx, "bo", activity.ID); !errors.Is(err, ErrActivityFull) {
		t.Fatalf("expected capacity conflict, got %v", err)
	}
	if _, err := service.Join(ctx, "bo", "missing"); !svcerr.Is(err, svcerr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := db.Model(&Activity{}).Where("id = ?", activity.ID).Update("status", StatusCancelled).Error; err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := service.Join(ctx, "cy", activity.ID); !errors.Is(err, ErrActivityInactive) {
		t.Fatalf("expected inactive rejection, got %v", err)
	}

	detail, err := service.Get(ctx, activity.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.AttendeeCount != 1 {
		t.Fatalf("expected one attendee, got %d", detail.AttendeeCount)
	}
}

func TestJoinReactivatesDeclinedRow(t *testing.T) {
	service, db, _ := newTestService(t)
	ctx := context.Background()
	activity, err := service.Create(ctx, "host", CreateInput{Title: "Food tour"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.Create(&Attendee{ID: "a1", ActivityID: activity.ID, UserID: "ana", Status: AttendeeDeclined, JoinedAtMillis: 1}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	attendee, err := service.Join(ctx, "ana", activity.ID)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if attendee.ID != "a1" || attendee.Status != AttendeeJoined {
		t.Fatalf("expected reactivated row, got %+v", attendee)
	}
}

func TestLeaveRemovesConversationSeatFirst(t *testing.T) {
	service, _, store := newTestService(t)
	leaver := &recordingLeaver{}
	service.UseConversationLeaver(leaver)
	ctx := context.Background()

	activity, err := service.Create(ctx, "host", CreateInput{Title: "Museum"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := service.Join(ctx, "ana", activity.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	key := cache.Key{Kind: cache.KindActivityConversation, Owner: "ana", Subject: activity.ID}
	store.Set(key, "cached")

	if err := service.Leave(ctx, "ana", activity.ID); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if len(leaver.calls) != 1 || leaver.calls[0] != activity.ID+"/ana" {
		t.Fatalf("expected conversation leave hook, got %v", leaver.calls)
	}
	if _, ok := store.Get(key); ok {
		t.Fatalf("expected activity conversation cache entry to be invalidated")
	}
	if err := service.Leave(ctx, "ana", activity.ID); !svcerr.Is(err, svcerr.KindNotFound) {
		t.Fatalf("expected not attending, got %v", err)
	}
	if err := service.Leave(ctx, "host", activity.ID); !errors.Is(err, ErrHostMembership) {
		t.Fatalf("expected host leave rejection, got %v", err)
	}
}

func TestLeaveKeepsAttendanceWhenHookFails(t *testing.T) {
	service, _, _ := newTestService(t)
	service.UseConversationLeaver(&recordingLeaver{err: svcerr.Transient("chat.leave", "delete_failed", nil)})
	ctx := context.Background()
	activity, _ := service.Create(ctx, "host", CreateInput{Title: "Museum"})
	if _, err := service.Join(ctx, "ana", activity.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := service.Leave(ctx, "ana", activity.ID); !svcerr.Retryable(err) {
		t.Fatalf("expected retryable failure, got %v", err)
	}
	status, err := service.AttendeeStatus(ctx, "ana", activity.ID)
	if err != nil || status != AttendanceJoined {
		t.Fatalf("expected attendance to survive, got %v %v", status, err)
	}
}

func TestAttendeeStatusAndAccess(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	activity, _ := service.Create(ctx, "host", CreateInput{Title: "Climbing"})
	if _, err := service.Join(ctx, "ana", activity.ID); err != nil {
		t.Fatalf("join: %v", err)
	}

	tests := []struct {
		caller string
		want   Attendance
	}{
		{caller: "host", want: AttendanceHost},
		{caller: "ana", want: AttendanceJoined},
		{caller: "stranger", want: AttendanceNone},
	}
	for _, tt := range tests {
		got, err := service.AttendeeStatus(ctx, tt.caller, activity.ID)
		if err != nil || got != tt.want {
			t.Fatalf("status for %s = %v (%v), want %v", tt.caller, got, err, tt.want)
		}
	}

	hostID, joined, err := service.Access(ctx, activity.ID, "ana")
	if err != nil || hostID != "host" || !joined {
		t.Fatalf("unexpected access %q %v %v", hostID, joined, err)
	}
	if _, _, err := service.Access(ctx, "missing", "ana"); !svcerr.Is(err, svcerr.KindNotFound) {
		t.Fatalf("expected not found for unknown activity, got %v", err)
	}
}

func TestListAndTitles(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	base := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	late, _ := service.Create(ctx, "h", CreateInput{Title: "Late", City: "Lisbon", StartsAt: base.Add(2 * time.Hour)})
	early, _ := service.Create(ctx, "h", CreateInput{Title: "Early", City: "Lisbon", StartsAt: base})
	_, _ = service.Create(ctx, "h", CreateInput{Title: "Elsewhere", City: "Porto", StartsAt: base})

	list, err := service.List(ctx, ListFilter{City: "Lisbon"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != early.ID || list[1].ID != late.ID {
		t.Fatalf("unexpected order %+v", list)
	}

	titles, err := service.Titles(ctx, []string{early.ID, late.ID, "missing"})
	if err != nil {
		t.Fatalf("titles: %v", err)
	}
	if len(titles) != 2 || titles[late.ID] != "Late" {
		t.Fatalf("unexpected titles %v", titles)
	}
}

func TestCreateValidation(t *testing.T) {
	service, _, _ := newTestService(t)
	if _, err := service.Create(context.Background(), "h", CreateInput{Title: "  "}); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("expected empty title, got %v", err)
	}
	if _, err := service.Create(context.Background(), "h", CreateInput{Title: "x", MaxAttendees: capacity(0)}); !errors.Is(err, ErrInvalidCapacity) {
		t.Fatalf("expected invalid capacity, got %v", err)
	}
}
