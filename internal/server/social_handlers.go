package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/activities"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/crew"
	"github.com/gin-gonic/gin"
)

type crewRequestBody struct {
	AddresseeID string `json:"addressee_id"`
}

type connectionPayload struct {
	ID          string      `json:"id"`
	RequesterID string      `json:"requester_id"`
	AddresseeID string      `json:"addressee_id"`
	Status      crew.Status `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	AcceptedAt  *time.Time  `json:"accepted_at,omitempty"`
}

func connectionPayloadOf(connection crew.Connection) connectionPayload {
	return connectionPayload{
		ID:          connection.ID,
		RequesterID: connection.RequesterID,
		AddresseeID: connection.AddresseeID,
		Status:      connection.Status,
		CreatedAt:   connection.CreatedAt(),
		AcceptedAt:  connection.AcceptedAt(),
	}
}

func (h *httpHandler) handleSendCrewRequest(c *gin.Context) {
	var body crewRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondInvalid(c)
		return
	}
	connection, err := h.crew.SendRequest(c.Request.Context(), callerID(c), strings.TrimSpace(body.AddresseeID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, connectionPayloadOf(connection))
}

func (h *httpHandler) handleListCrewRequests(c *gin.Context) {
	requests, err := h.crew.ListRequests(c.Request.Context(), callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, requests)
}

func (h *httpHandler) handleAcceptCrewRequest(c *gin.Context) {
	if err := h.crew.AcceptRequest(c.Request.Context(), callerID(c), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeclineCrewRequest(c *gin.Context) {
	if err := h.crew.DeclineRequest(c.Request.Context(), callerID(c), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListCrew(c *gin.Context) {
	members, err := h.crew.ListCrew(c.Request.Context(), callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func (h *httpHandler) handleRemoveCrew(c *gin.Context) {
	if err := h.crew.RemoveConnection(c.Request.Context(), callerID(c), c.Param("userId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCrewStatus(c *gin.Context) {
	status, err := h.crew.ConnectionStatus(c.Request.Context(), callerID(c), c.Param("userId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

type createActivityBody struct {
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Category     string    `json:"category"`
	City         string    `json:"city"`
	StartsAt     time.Time `json:"starts_at"`
	MaxAttendees *int      `json:"max_attendees"`
}

type activityPayload struct {
	ID            string            `json:"id"`
	HostID        string            `json:"host_id"`
	Title         string            `json:"title"`
	Description   *string           `json:"description,omitempty"`
	Category      *string           `json:"category,omitempty"`
	City          *string           `json:"city,omitempty"`
	Status        activities.Status `json:"status"`
	MaxAttendees  *int              `json:"max_attendees,omitempty"`
	StartsAt      time.Time         `json:"starts_at"`
	CreatedAt     time.Time         `json:"created_at"`
	AttendeeCount *int64            `json:"attendee_count,omitempty"`
}

func activityPayloadOf(activity activities.Activity) activityPayload {
	return activityPayload{
		ID:           activity.ID,
		HostID:       activity.HostID,
		Title:        activity.Title,
		Description:  activity.Description,
		Category:     activity.Category,
		City:         activity.City,
		Status:       activity.Status,
		MaxAttendees: activity.MaxAttendees,
		StartsAt:     activity.StartsAt(),
		CreatedAt:    activity.CreatedAt(),
	}
}

func (h *httpHandler) handleCreateActivity(c *gin.Context) {
	var body createActivityBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondInvalid(c)
		return
	}
	activity, err := h.activities.Create(c.Request.Context(), callerID(c), activities.CreateInput{
		Title:        body.Title,
		Description:  body.Description,
		Category:     body.Category,
		City:         body.City,
		StartsAt:     body.StartsAt,
		MaxAttendees: body.MaxAttendees,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, activityPayloadOf(activity))
}

func (h *httpHandler) handleListActivities(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		respondInvalid(c)
		return
	}
	found, err := h.activities.List(c.Request.Context(), activities.ListFilter{
		Status:   activities.Status(c.Query("status")),
		City:     c.Query("city"),
		Category: c.Query("category"),
		Limit:    limit,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]activityPayload, 0, len(found))
	for _, activity := range found {
		payload = append(payload, activityPayloadOf(activity))
	}
	c.JSON(http.StatusOK, gin.H{"activities": payload})
}

func (h *httpHandler) handleGetActivity(c *gin.Context) {
	ctx := c.Request.Context()
	detail, err := h.activities.Get(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	attendance, err := h.activities.AttendeeStatus(ctx, callerID(c), detail.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := activityPayloadOf(detail.Activity)
	payload.AttendeeCount = &detail.AttendeeCount
	c.JSON(http.StatusOK, gin.H{"activity": payload, "attendance": attendance})
}

func (h *httpHandler) handleJoinActivity(c *gin.Context) {
	attendee, err := h.activities.Join(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"activity_id": attendee.ActivityID,
		"user_id":     attendee.UserID,
		"status":      attendee.Status,
		"joined_at":   attendee.JoinedAt(),
	})
}

func (h *httpHandler) handleLeaveActivity(c *gin.Context) {
	if err := h.activities.Leave(c.Request.Context(), callerID(c), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
