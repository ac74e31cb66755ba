package activities

import (
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/gateway"
)

// Status is the lifecycle state of an activity.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// AttendeeStatus is the state of a user's attendance row.
type AttendeeStatus string

const (
	AttendeeJoined   AttendeeStatus = "joined"
	AttendeePending  AttendeeStatus = "pending"
	AttendeeDeclined AttendeeStatus = "declined"
)

// Attendance is what AttendeeStatus reports for a caller.
type Attendance string

const (
	AttendanceHost     Attendance = "host"
	AttendanceJoined   Attendance = "joined"
	AttendancePending  Attendance = "pending"
	AttendanceDeclined Attendance = "declined"
	AttendanceNone     Attendance = "none"
)

// Activity is a time-boxed event hosted by one user.
type Activity struct {
	ID              string  `gorm:"column:id;primaryKey;size:190;not null"`
	HostID          string  `gorm:"column:host_id;size:190;not null;index"`
	Title           string  `gorm:"column:title;size:190;not null"`
	Description     *string `gorm:"column:description;type:text"`
	Category        *string `gorm:"column:category;size:64;index"`
	City            *string `gorm:"column:city;size:190;index"`
	Status          Status  `gorm:"column:status;size:16;not null;index"`
	MaxAttendees    *int    `gorm:"column:max_attendees"`
	StartsAtMillis  int64   `gorm:"column:starts_at_ms;not null;index"`
	CreatedAtMillis int64   `gorm:"column:created_at_ms;not null"`
}

// TableName exposes the table backing activities.
func (Activity) TableName() string {
	return "activities"
}

// StartsAt returns the start time.
func (a Activity) StartsAt() time.Time {
	return gateway.FromMillis(a.StartsAtMillis)
}

// CreatedAt returns the creation time.
func (a Activity) CreatedAt() time.Time {
	return gateway.FromMillis(a.CreatedAtMillis)
}

// Attendee links a user to an activity.
type Attendee struct {
	ID             string         `gorm:"column:id;primaryKey;size:190;not null"`
	ActivityID     string         `gorm:"column:activity_id;size:190;not null;uniqueIndex:idx_activity_attendees_activity_user,priority:1"`
	UserID         string         `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_activity_attendees_activity_user,priority:2;index"`
	Status         AttendeeStatus `gorm:"column:status;size:16;not null"`
	JoinedAtMillis int64          `gorm:"column:joined_at_ms;not null"`
}

// TableName exposes the table backing activity attendance.
func (Attendee) TableName() string {
	return "activity_attendees"
}

// JoinedAt returns the time the row was created or last rejoined.
func (a Attendee) JoinedAt() time.Time {
	return gateway.FromMillis(a.JoinedAtMillis)
}

// Detail is an activity with its joined-attendee count.
type Detail struct {
	Activity
	AttendeeCount int64 `gorm:"column:attendee_count"`
}
