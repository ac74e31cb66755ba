package chat

import (
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/gateway"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/users"
)

// MessageView is a message as clients read it.
type MessageView struct {
	ID               string            `json:"id"`
	ConversationID   string            `json:"conversation_id"`
	SenderID         string            `json:"sender_id"`
	Content          string            `json:"content"`
	Type             MessageType       `json:"type"`
	Status           MessageStatus     `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	EditedAt         *time.Time        `json:"edited_at,omitempty"`
	DeletedAt        *time.Time        `json:"deleted_at,omitempty"`
	ReplyToMessageID *string           `json:"reply_to_message_id,omitempty"`
	MediaURL         *string           `json:"media_url,omitempty"`
	MediaType        *string           `json:"media_type,omitempty"`
	FileName         *string           `json:"file_name,omitempty"`
	FileSize         *int64            `json:"file_size,omitempty"`
	ThumbnailURL     *string           `json:"thumbnail_url,omitempty"`
	Duration         *float64          `json:"duration,omitempty"`
	Sender           *users.Summary    `json:"sender,omitempty"`
	ReplyTo          *ReplyPreview     `json:"reply_to,omitempty"`
	Reactions        []ReactionSummary `json:"reactions"`
}

// ReplyPreview is the quoted target of a reply.
type ReplyPreview struct {
	ID       string      `json:"id"`
	SenderID string      `json:"sender_id"`
	Content  string      `json:"content"`
	Type     MessageType `json:"type"`
	Deleted  bool        `json:"deleted"`
}

// ReactionSummary aggregates reactions on one message by emoji.
type ReactionSummary struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	UserIDs []string `json:"user_ids"`
}

// ReactionView is one reaction with its author.
type ReactionView struct {
	ID        string         `json:"id"`
	MessageID string         `json:"message_id"`
	UserID    string         `json:"user_id"`
	Emoji     string         `json:"emoji"`
	CreatedAt time.Time      `json:"created_at"`
	User      *users.Summary `json:"user,omitempty"`
}

// renderMessage applies the soft-delete rule: deleted rows show the placeholder and no media.
func renderMessage(row Message, sender *users.Summary, replyTo *Message, reactions []Reaction) MessageView {
	view := MessageView{
		ID:               row.ID,
		ConversationID:   row.ConversationID,
		SenderID:         row.SenderID,
		Content:          row.Content,
		Type:             row.Type,
		Status:           row.Status,
		CreatedAt:        gateway.FromMillis(row.CreatedAtMillis),
		EditedAt:         gateway.FromOptionalMillis(row.EditedAtMillis),
		DeletedAt:        gateway.FromOptionalMillis(row.DeletedAtMillis),
		ReplyToMessageID: row.ReplyToMessageID,
		Sender:           sender,
		Reactions:        []ReactionSummary{},
	}
	if replyTo != nil {
		view.ReplyTo = previewOf(*replyTo)
	}
	if row.Deleted() {
		view.Content = DeletedPlaceholder
		return view
	}
	view.MediaURL = row.MediaURL
	view.MediaType = row.MediaType
	view.FileName = row.FileName
	view.FileSize = row.FileSize
	view.ThumbnailURL = row.ThumbnailURL
	view.Duration = row.Duration
	view.Reactions = summarizeReactions(reactions)
	return view
}

func previewOf(row Message) *ReplyPreview {
	preview := &ReplyPreview{
		ID:       row.ID,
		SenderID: row.SenderID,
		Content:  row.Content,
		Type:     row.Type,
		Deleted:  row.Deleted(),
	}
	if preview.Deleted {
		preview.Content = DeletedPlaceholder
	}
	return preview
}

// summarizeReactions groups reactions by emoji in first-reacted order.
func summarizeReactions(reactions []Reaction) []ReactionSummary {
	sorted := append([]Reaction(nil), reactions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAtMillis < sorted[j].CreatedAtMillis
	})
	summaries := []ReactionSummary{}
	index := map[string]int{}
	for _, reaction := range sorted {
		position, ok := index[reaction.Emoji]
		if !ok {
			position = len(summaries)
			index[reaction.Emoji] = position
			summaries = append(summaries, ReactionSummary{Emoji: reaction.Emoji, UserIDs: []string{}})
		}
		summaries[position].Count++
		summaries[position].UserIDs = append(summaries[position].UserIDs, reaction.UserID)
	}
	return summaries
}

// MergeIntoPage adds incoming to a newest-first page unless a message with the same id is
// already present. The result is ordered by (created_at desc, id desc) and trimmed to limit when
// limit is positive.
func MergeIntoPage(page []MessageView, incoming MessageView, limit int) []MessageView {
	for _, existing := range page {
		if existing.ID == incoming.ID {
			return page
		}
	}
	merged := make([]MessageView, 0, len(page)+1)
	merged = append(merged, page...)
	merged = append(merged, incoming)
	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.After(merged[j].CreatedAt)
		}
		return merged[i].ID > merged[j].ID
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// ReplaceInPage swaps in updated when the page holds a message with its id.
func ReplaceInPage(page []MessageView, updated MessageView) ([]MessageView, bool) {
	for i, existing := range page {
		if existing.ID != updated.ID {
			continue
		}
		replaced := make([]MessageView, len(page))
		copy(replaced, page)
		replaced[i] = updated
		return replaced, true
	}
	return page, false
}
