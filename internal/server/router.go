package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/activities"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/crew"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/media"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey  = "citycrew_user_id"
	accessTokenParam  = "access_token"
	maxUploadBodySize = 64 << 20
)

var (
	errMissingSessions   = errors.New("session validator dependency required")
	errMissingProfiles   = errors.New("profile service dependency required")
	errMissingCrew       = errors.New("crew service dependency required")
	errMissingActivities = errors.New("activity service dependency required")
	errMissingChat       = errors.New("chat service dependency required")
	errMissingPresence   = errors.New("presence service dependency required")
)

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// ProfileSyncer refreshes the caller's profile from session claims.
type ProfileSyncer interface {
	EnsureProfile(ctx context.Context, claims auth.SessionClaims) (users.Profile, error)
	GetProfiles(ctx context.Context, userIDs []string) (map[string]users.Profile, error)
}

// PushTokenRegistry stores device push tokens.
type PushTokenRegistry interface {
	Register(ctx context.Context, userID, token, platform string) error
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Sessions   SessionValidator
	Profiles   ProfileSyncer
	Crew       *crew.Service
	Activities *activities.Service
	Chat       *chat.Service
	Presence   *presence.Service
	Media      media.Store
	MediaRoot  string
	PushTokens PushTokenRegistry
	Feed       *realtime.Feed
	Metrics    *metrics.Recorder
	Logger     *zap.Logger
	Clock      func() time.Time
	Heartbeat  time.Duration
}

// NewHTTPHandler builds the gin engine with every route.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Profiles == nil {
		return nil, errMissingProfiles
	}
	if deps.Crew == nil {
		return nil, errMissingCrew
	}
	if deps.Activities == nil {
		return nil, errMissingActivities
	}
	if deps.Chat == nil {
		return nil, errMissingChat
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	pushTokens := deps.PushTokens
	if pushTokens == nil {
		pushTokens = discardTokens{}
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:   deps.Sessions,
		profiles:   deps.Profiles,
		crew:       deps.Crew,
		activities: deps.Activities,
		chat:       deps.Chat,
		presence:   deps.Presence,
		media:      deps.Media,
		pushTokens: pushTokens,
		feed:       deps.Feed,
		logger:     logger,
		clock:      clock,
		heartbeat:  heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	if deps.MediaRoot != "" {
		router.Static("/media", deps.MediaRoot)
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/me/badges", handler.handleBadges)

	protected.POST("/crew/requests", handler.handleSendCrewRequest)
	protected.GET("/crew/requests", handler.handleListCrewRequests)
	protected.POST("/crew/requests/:id/accept", handler.handleAcceptCrewRequest)
	protected.DELETE("/crew/requests/:id", handler.handleDeclineCrewRequest)
	protected.GET("/crew", handler.handleListCrew)
	protected.DELETE("/crew/:userId", handler.handleRemoveCrew)
	protected.GET("/crew/status/:userId", handler.handleCrewStatus)

	protected.POST("/activities", handler.handleCreateActivity)
	protected.GET("/activities", handler.handleListActivities)
	protected.GET("/activities/:id", handler.handleGetActivity)
	protected.POST("/activities/:id/join", handler.handleJoinActivity)
	protected.DELETE("/activities/:id/join", handler.handleLeaveActivity)
	protected.GET("/activities/:id/conversation", handler.handleActivityConversation)

	protected.POST("/conversations/direct", handler.handleDirectConversation)
	protected.GET("/conversations", handler.handleListConversations)
	protected.GET("/conversations/:id/participants", handler.handleListParticipants)
	protected.GET("/conversations/:id/messages", handler.handleListMessages)
	protected.POST("/conversations/:id/messages", handler.handleSendMessage)
	protected.POST("/conversations/:id/read", handler.handleMarkAsRead)
	protected.GET("/conversations/:id/unread", handler.handleUnreadCount)
	protected.PUT("/conversations/:id/typing", handler.handleSetTyping)
	protected.DELETE("/conversations/:id/typing", handler.handleClearTyping)
	protected.GET("/conversations/:id/typing", handler.handleListTyping)
	protected.GET("/conversations/:id/stream", handler.handleStream)
	protected.GET("/conversations/:id/ws", handler.handleWebSocket)

	protected.PATCH("/messages/:id", handler.handleEditMessage)
	protected.DELETE("/messages/:id", handler.handleDeleteMessage)
	protected.GET("/messages/:id/reactions", handler.handleListReactions)
	protected.POST("/messages/:id/reactions", handler.handleReact)
	protected.DELETE("/messages/:id/reactions/:emoji", handler.handleUnreact)

	protected.POST("/media", handler.handleUpload)
	protected.POST("/push-tokens", handler.handleRegisterPushToken)

	return router, nil
}

type httpHandler struct {
	sessions   SessionValidator
	profiles   ProfileSyncer
	crew       *crew.Service
	activities *activities.Service
	chat       *chat.Service
	presence   *presence.Service
	media      media.Store
	pushTokens PushTokenRegistry
	feed       *realtime.Feed
	logger     *zap.Logger
	clock      func() time.Time
	heartbeat  time.Duration
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool { return true },
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeRequest accepts a Bearer header, the session cookie, or an access_token query
// parameter for stream clients that cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingSessionToken) {
		if token := strings.TrimSpace(c.Query(accessTokenParam)); token != "" {
			claims, err = h.sessions.ValidateToken(token)
		}
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "auth.unauthorized"})
		return
	}
	if _, err := h.profiles.EnsureProfile(c.Request.Context(), claims); err != nil {
		h.respondError(c, err)
		c.Abort()
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func callerID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}

type discardTokens struct{}

func (discardTokens) Register(context.Context, string, string, string) error {
	return nil
}

var _ PushTokenRegistry = (*notify.TokenStore)(nil)
