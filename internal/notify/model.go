package notify

// PushToken is a device token registered by a user.
type PushToken struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_push_tokens_user_token,priority:1"`
	Token            string `gorm:"column:token;size:512;not null;uniqueIndex:idx_push_tokens_user_token,priority:2"`
	Platform         string `gorm:"column:platform;size:32;not null"`
	CreatedAtMillis  int64  `gorm:"column:created_at_ms;not null"`
	LastUsedAtMillis int64  `gorm:"column:last_used_at_ms;not null"`
}

// TableName exposes the table backing push tokens.
func (PushToken) TableName() string {
	return "push_tokens"
}
