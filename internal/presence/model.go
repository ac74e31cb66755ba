package presence

// TypingIndicator marks a user as typing in a conversation since StartedAtMillis.
type TypingIndicator struct {
	ConversationID  string `gorm:"column:conversation_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	StartedAtMillis int64  `gorm:"column:started_at_ms;not null"`
}

// TableName exposes the table backing typing indicators.
func (TypingIndicator) TableName() string {
	return "typing_indicators"
}
