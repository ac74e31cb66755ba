package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/chat"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleBadges(c *gin.Context) {
	badges, err := h.chat.Badges(c.Request.Context(), callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, badges)
}

// handleActivityConversation answers with a null conversation when the caller is not a member.
func (h *httpHandler) handleActivityConversation(c *gin.Context) {
	conversation, err := h.chat.GetOrCreateActivityConversation(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conversation})
}

type directConversationBody struct {
	UserID string `json:"user_id"`
}

func (h *httpHandler) handleDirectConversation(c *gin.Context) {
	var body directConversationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondInvalid(c)
		return
	}
	conversation, err := h.chat.GetOrCreateDirectConversation(c.Request.Context(), callerID(c), strings.TrimSpace(body.UserID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conversation})
}

func (h *httpHandler) handleListConversations(c *gin.Context) {
	conversations, err := h.chat.ListConversations(c.Request.Context(), callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (h *httpHandler) handleListParticipants(c *gin.Context) {
	participants, err := h.chat.ListParticipants(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": participants})
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	limit, limitOK := queryInt(c, "limit")
	offset, offsetOK := queryInt(c, "offset")
	if !limitOK || !offsetOK {
		respondInvalid(c)
		return
	}
	messages, err := h.chat.ListMessages(c.Request.Context(), callerID(c), c.Param("id"), limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// queryInt reads an optional integer query parameter. An absent value reads as zero.
func queryInt(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}

type sendMessageBody struct {
	Type             chat.MessageType `json:"type"`
	Content          string           `json:"content"`
	MediaURL         string           `json:"media_url"`
	MediaType        string           `json:"media_type"`
	FileName         string           `json:"file_name"`
	FileSize         int64            `json:"file_size"`
	ThumbnailURL     string           `json:"thumbnail_url"`
	Duration         float64          `json:"duration"`
	ReplyToMessageID *string          `json:"reply_to_message_id"`
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	var body sendMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondInvalid(c)
		return
	}
	payload, err := chat.NewPayload(chat.PayloadFields{
		Type:         body.Type,
		Content:      body.Content,
		MediaURL:     body.MediaURL,
		MediaType:    body.MediaType,
		FileName:     body.FileName,
		FileSize:     body.FileSize,
		ThumbnailURL: body.ThumbnailURL,
		Duration:     body.Duration,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_type", "code": "chat.send.unknown_type"})
		return
	}
	message, err := h.chat.Send(c.Request.Context(), callerID(c), chat.SendInput{
		ConversationID:   c.Param("id"),
		Payload:          payload,
		ReplyToMessageID: body.ReplyToMessageID,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (h *httpHandler) handleMarkAsRead(c *gin.Context) {
	if err := h.chat.MarkAsRead(c.Request.Context(), callerID(c), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnreadCount(c *gin.Context) {
	count, err := h.chat.UnreadCount(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_count": count})
}

type editMessageBody struct {
	Content string `json:"content"`
}

func (h *httpHandler) handleEditMessage(c *gin.Context) {
	var body editMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondInvalid(c)
		return
	}
	message, err := h.chat.Edit(c.Request.Context(), callerID(c), c.Param("id"), body.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, message)
}

func (h *httpHandler) handleDeleteMessage(c *gin.Context) {
	message, err := h.chat.SoftDelete(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, message)
}

type reactBody struct {
	Emoji string `json:"emoji"`
}

func (h *httpHandler) handleReact(c *gin.Context) {
	var body reactBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondInvalid(c)
		return
	}
	reaction, err := h.chat.React(c.Request.Context(), callerID(c), c.Param("id"), body.Emoji)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reaction)
}

func (h *httpHandler) handleUnreact(c *gin.Context) {
	if err := h.chat.Unreact(c.Request.Context(), callerID(c), c.Param("id"), c.Param("emoji")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListReactions(c *gin.Context) {
	reactions, err := h.chat.ListReactions(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reactions": reactions})
}

func (h *httpHandler) handleSetTyping(c *gin.Context) {
	if err := h.presence.SetTyping(c.Request.Context(), callerID(c), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleClearTyping(c *gin.Context) {
	if err := h.presence.ClearTyping(c.Request.Context(), callerID(c), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListTyping(c *gin.Context) {
	typing, err := h.presence.Typing(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"typing": typing})
}
