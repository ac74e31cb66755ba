package crew

import (
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/gateway"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/users"
)

// Status is the persisted state of a connection row.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
)

// ConnectionStatus is the caller-relative view of the pair.
type ConnectionStatus string

const (
	ConnectionNone            ConnectionStatus = "none"
	ConnectionPendingSent     ConnectionStatus = "pending_sent"
	ConnectionPendingReceived ConnectionStatus = "pending_received"
	ConnectionAccepted        ConnectionStatus = "accepted"
)

// Connection is the single row kept per unordered pair of users.
type Connection struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	RequesterID      string `gorm:"column:requester_id;size:190;not null;index"`
	AddresseeID      string `gorm:"column:addressee_id;size:190;not null;index"`
	PairKey          string `gorm:"column:pair_key;size:400;not null;uniqueIndex"`
	Status           Status `gorm:"column:status;size:16;not null;index"`
	CreatedAtMillis  int64  `gorm:"column:created_at_ms;not null"`
	AcceptedAtMillis *int64 `gorm:"column:accepted_at_ms"`
}

// TableName exposes the table backing crew connections.
func (Connection) TableName() string {
	return "crew_connections"
}

// CreatedAt returns the request time.
func (c Connection) CreatedAt() time.Time {
	return gateway.FromMillis(c.CreatedAtMillis)
}

// AcceptedAt returns the acceptance time when the pair is connected.
func (c Connection) AcceptedAt() *time.Time {
	return gateway.FromOptionalMillis(c.AcceptedAtMillis)
}

// Other returns the side of the pair that is not userID.
func (c Connection) Other(userID string) string {
	if c.RequesterID == userID {
		return c.AddresseeID
	}
	return c.RequesterID
}

// statusFor derives the caller-relative status of an existing row.
func (c Connection) statusFor(callerID string) ConnectionStatus {
	switch c.Status {
	case StatusAccepted:
		return ConnectionAccepted
	case StatusPending:
		if c.RequesterID == callerID {
			return ConnectionPendingSent
		}
		return ConnectionPendingReceived
	default:
		return ConnectionNone
	}
}

// Member is an accepted connection seen from one side.
type Member struct {
	users.Summary
	ConnectedAt time.Time `json:"connected_at"`
}

// Request is a pending connection with both profiles resolved.
type Request struct {
	ID          string        `json:"id"`
	RequesterID string        `json:"requester_id"`
	AddresseeID string        `json:"addressee_id"`
	Status      Status        `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	Requester   users.Summary `json:"requester"`
	Addressee   users.Summary `json:"addressee"`
}

// Requests splits pending rows by direction.
type Requests struct {
	Sent     []Request `json:"sent"`
	Received []Request `json:"received"`
}
