package chat

// ConversationType distinguishes one-to-one and activity group conversations.
type ConversationType string

const (
	ConversationDirect        ConversationType = "direct"
	ConversationActivityGroup ConversationType = "activity_group"
)

// MessageStatus is the delivery state persisted on a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// DeletedPlaceholder replaces the content of soft-deleted messages.
const DeletedPlaceholder = "Message deleted"

// Conversation is a direct or activity group thread. ActivityID and DirectKey are nullable
// unique columns: at most one group per activity and one direct thread per pair.
type Conversation struct {
	ID              string           `gorm:"column:id;primaryKey;size:190;not null"`
	Type            ConversationType `gorm:"column:type;size:32;not null"`
	ActivityID      *string          `gorm:"column:activity_id;size:190;uniqueIndex"`
	DirectKey       *string          `gorm:"column:direct_key;size:400;uniqueIndex"`
	CreatedAtMillis int64            `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64            `gorm:"column:updated_at_ms;not null;index"`
}

// TableName exposes the table backing conversations.
func (Conversation) TableName() string {
	return "conversations"
}

// Participant is a user's membership in a conversation. LastReadAtMillis only moves forward.
type Participant struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	ConversationID   string `gorm:"column:conversation_id;size:190;not null;uniqueIndex:idx_participants_conversation_user,priority:1"`
	UserID           string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_participants_conversation_user,priority:2;index"`
	JoinedAtMillis   int64  `gorm:"column:joined_at_ms;not null"`
	LastReadAtMillis *int64 `gorm:"column:last_read_at_ms"`
}

// TableName exposes the table backing conversation membership.
func (Participant) TableName() string {
	return "conversation_participants"
}

// Message is the persisted message row. Media columns are populated per payload variant.
type Message struct {
	ID               string        `gorm:"column:id;primaryKey;size:190;not null"`
	ConversationID   string        `gorm:"column:conversation_id;size:190;not null;index:idx_messages_conversation_created,priority:1"`
	SenderID         string        `gorm:"column:sender_id;size:190;not null;index"`
	Content          string        `gorm:"column:content;type:text;not null"`
	Type             MessageType   `gorm:"column:type;size:16;not null"`
	Status           MessageStatus `gorm:"column:status;size:16;not null"`
	CreatedAtMillis  int64         `gorm:"column:created_at_ms;not null;index:idx_messages_conversation_created,priority:2"`
	EditedAtMillis   *int64        `gorm:"column:edited_at_ms"`
	DeletedAtMillis  *int64        `gorm:"column:deleted_at_ms"`
	ReplyToMessageID *string       `gorm:"column:reply_to_message_id;size:190"`
	MediaURL         *string       `gorm:"column:media_url;size:1024"`
	MediaType        *string       `gorm:"column:media_type;size:128"`
	FileName         *string       `gorm:"column:file_name;size:255"`
	FileSize         *int64        `gorm:"column:file_size"`
	ThumbnailURL     *string       `gorm:"column:thumbnail_url;size:1024"`
	Duration         *float64      `gorm:"column:duration"`
}

// TableName exposes the table backing messages.
func (Message) TableName() string {
	return "messages"
}

// Deleted reports whether the message was soft-deleted.
func (m Message) Deleted() bool {
	return m.DeletedAtMillis != nil
}

// Reaction is one user's emoji on a message, unique per (message, user, emoji).
type Reaction struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null"`
	MessageID       string `gorm:"column:message_id;size:190;not null;uniqueIndex:idx_reactions_message_user_emoji,priority:1"`
	UserID          string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_reactions_message_user_emoji,priority:2"`
	Emoji           string `gorm:"column:emoji;size:64;not null;uniqueIndex:idx_reactions_message_user_emoji,priority:3"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName exposes the table backing reactions.
func (Reaction) TableName() string {
	return "message_reactions"
}
