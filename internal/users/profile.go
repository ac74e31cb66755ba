package users

import (
	"strings"
)

// Profile holds the public fields other users may see.
type Profile struct {
	ID              string  `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Email           string  `gorm:"column:email;size:320" json:"email"`
	FullName        string  `gorm:"column:full_name;size:320;not null" json:"full_name"`
	Username        *string `gorm:"column:username;size:64;uniqueIndex" json:"username,omitempty"`
	AvatarURL       *string `gorm:"column:avatar_url;size:512" json:"avatar_url,omitempty"`
	CurrentCity     *string `gorm:"column:current_city;size:190" json:"current_city,omitempty"`
	CurrentCountry  *string `gorm:"column:current_country;size:190" json:"current_country,omitempty"`
	CreatedAtMillis int64   `gorm:"column:created_at_ms;not null" json:"-"`
	UpdatedAtMillis int64   `gorm:"column:updated_at_ms;not null" json:"-"`
}

// TableName exposes the table backing public profiles.
func (Profile) TableName() string {
	return "profiles"
}

// Summary is the profile projection embedded in messages, crew members and participants.
type Summary struct {
	ID             string  `json:"id"`
	FullName       string  `json:"full_name"`
	Username       *string `json:"username,omitempty"`
	AvatarURL      *string `json:"avatar_url,omitempty"`
	CurrentCity    *string `json:"current_city,omitempty"`
	CurrentCountry *string `json:"current_country,omitempty"`
}

// Summary projects the profile to its embeddable form.
func (p Profile) Summary() Summary {
	return Summary{
		ID:             p.ID,
		FullName:       p.FullName,
		Username:       p.Username,
		AvatarURL:      p.AvatarURL,
		CurrentCity:    p.CurrentCity,
		CurrentCountry: p.CurrentCountry,
	}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func optional(value string) *string {
	trimmed := normalize(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func displayNameFor(displayName, email string) string {
	if name := normalize(displayName); name != "" {
		return name
	}
	local, _, _ := strings.Cut(normalize(email), "@")
	return local
}
