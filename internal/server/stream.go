package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/gateway"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/svcerr"
	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamEventMessageInserted = "message-inserted"
	streamEventMessageUpdated  = "message-updated"
	streamEventReaction        = "reaction"
	streamEventTyping          = "typing"
	streamEventHeartbeat       = "heartbeat"

	defaultHeartbeat = 25 * time.Second
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
	wsSendBuffer     = 64
	wsReadLimit      = 4096
)

var (
	errStreamDisabled = errors.New("realtime feed disabled")
	errSendBufferFull = errors.New("websocket send buffer full")
)

type streamEvent struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

type reactionEvent struct {
	Op        realtime.Op `json:"op"`
	MessageID string      `json:"message_id"`
	UserID    string      `json:"user_id"`
	Emoji     string      `json:"emoji"`
	CreatedAt time.Time   `json:"created_at"`
}

// conversationRelay turns feed events for one conversation into client events.
type conversationRelay struct {
	handler        *httpHandler
	callerID       string
	conversationID string
}

// openRelay checks membership and subscribes. The returned channel closes when ctx ends
// or the caller leaves the conversation.
func (h *httpHandler) openRelay(ctx context.Context, caller, conversationID string) (<-chan streamEvent, error) {
	if h.feed == nil {
		return nil, svcerr.Transient("realtime.stream", "feed_disabled", errStreamDisabled)
	}
	member, err := h.chat.IsParticipant(ctx, conversationID, caller)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, svcerr.New(svcerr.KindForbidden, "realtime.stream", "not_participant", chat.ErrNotParticipant)
	}
	relay := &conversationRelay{handler: h, callerID: caller, conversationID: conversationID}
	return relay.run(ctx), nil
}

func (r *conversationRelay) run(ctx context.Context) <-chan streamEvent {
	byConversation := func(table string) realtime.Filter {
		return realtime.Filter{Table: table, Column: realtime.ColumnConversationID, Value: r.conversationID}
	}
	messages, cancelMessages := r.handler.feed.Subscribe(ctx, byConversation(realtime.TableMessages))
	reactions, cancelReactions := r.handler.feed.Subscribe(ctx, byConversation(realtime.TableMessageReactions))
	typing, cancelTyping := r.handler.feed.Subscribe(ctx, byConversation(realtime.TableTypingIndicators))
	departures, cancelDepartures := r.handler.feed.Subscribe(ctx, realtime.Filter{
		Table:  realtime.TableParticipants,
		Op:     realtime.OpDelete,
		Column: realtime.ColumnUserID,
		Value:  r.callerID,
	})

	out := make(chan streamEvent, wsSendBuffer)
	go func() {
		defer close(out)
		defer cancelMessages()
		defer cancelReactions()
		defer cancelTyping()
		defer cancelDepartures()
		for {
			var (
				event streamEvent
				ok    bool
			)
			select {
			case <-ctx.Done():
				return
			case change := <-messages:
				event, ok = r.message(ctx, change)
			case change := <-reactions:
				event, ok = r.reaction(change)
			case change := <-typing:
				event, ok = r.typing(ctx, change)
			case change := <-departures:
				if change.Columns[realtime.ColumnConversationID] == r.conversationID {
					return
				}
			}
			if !ok {
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (r *conversationRelay) message(ctx context.Context, change realtime.ChangeEvent) (streamEvent, bool) {
	row, ok := change.Record.(chat.Message)
	if !ok {
		return streamEvent{}, false
	}
	var sender *users.Summary
	if profiles, err := r.handler.profiles.GetProfiles(ctx, []string{row.SenderID}); err == nil {
		if profile, found := profiles[row.SenderID]; found {
			summary := profile.Summary()
			sender = &summary
		}
	}
	name := streamEventMessageUpdated
	if change.Op == realtime.OpInsert {
		name = streamEventMessageInserted
	}
	return streamEvent{Name: name, Data: chat.RenderMessage(row, sender)}, true
}

func (r *conversationRelay) reaction(change realtime.ChangeEvent) (streamEvent, bool) {
	row, ok := change.Record.(chat.Reaction)
	if !ok {
		return streamEvent{}, false
	}
	return streamEvent{Name: streamEventReaction, Data: reactionEvent{
		Op:        change.Op,
		MessageID: row.MessageID,
		UserID:    row.UserID,
		Emoji:     row.Emoji,
		CreatedAt: gateway.FromMillis(row.CreatedAtMillis),
	}}, true
}

// typing re-reads the indicator list so every client sees the same filtered view.
func (r *conversationRelay) typing(ctx context.Context, change realtime.ChangeEvent) (streamEvent, bool) {
	if indicator, ok := change.Record.(presence.TypingIndicator); ok && indicator.UserID == r.callerID {
		return streamEvent{}, false
	}
	current, err := r.handler.presence.Typing(ctx, r.callerID, r.conversationID)
	if err != nil {
		r.handler.logger.Warn("typing refresh failed",
			zap.String("conversation_id", r.conversationID),
			zap.Error(err))
		return streamEvent{}, false
	}
	return streamEvent{Name: streamEventTyping, Data: gin.H{"typing": current}}, true
}

// handleStream serves server-sent events for one conversation.
func (h *httpHandler) handleStream(c *gin.Context) {
	ctx := c.Request.Context()
	events, err := h.openRelay(ctx, callerID(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(event.Name, event.Data)
			c.Writer.Flush()
		case <-heartbeat.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"timestamp": h.clock().UTC()})
			c.Writer.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type clientFrame struct {
	Type string `json:"type"`
}

const (
	frameTyping     = "typing"
	frameTypingStop = "typing_stop"
	frameRead       = "read"
)

// handleWebSocket relays the same events as handleStream and accepts typing and read frames.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	caller := callerID(c)
	conversationID := c.Param("id")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := h.openRelay(ctx, caller, conversationID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", caller), zap.Error(err))
		return
	}
	socket := newSocket(conn)
	go socket.writeLoop()
	defer socket.close(websocket.CloseNormalClosure, "")

	go func() {
		defer cancel()
		h.readFrames(ctx, socket, caller, conversationID)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-socket.done:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("websocket encode failed", zap.String("event", event.Name), zap.Error(err))
				continue
			}
			if err := socket.send(payload); err != nil {
				return
			}
		}
	}
}

func (h *httpHandler) readFrames(ctx context.Context, socket *socket, caller, conversationID string) {
	socket.conn.SetReadLimit(wsReadLimit)
	for {
		var frame clientFrame
		if err := socket.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Info("websocket closed", zap.String("user_id", caller), zap.Error(err))
			}
			return
		}
		var err error
		switch frame.Type {
		case frameTyping:
			err = h.presence.SetTyping(ctx, caller, conversationID)
		case frameTypingStop:
			err = h.presence.ClearTyping(ctx, caller, conversationID)
		case frameRead:
			err = h.chat.MarkAsRead(ctx, caller, conversationID)
		default:
			continue
		}
		if err != nil {
			h.logger.Warn("websocket frame failed",
				zap.String("frame", frame.Type),
				zap.String("code", svcerr.CodeOf(err)),
				zap.Error(err))
		}
	}
}

// socket serializes writes to a websocket. A full send buffer closes the connection.
type socket struct {
	conn     *websocket.Conn
	outbound chan []byte
	done     chan struct{}
	once     sync.Once
}

func newSocket(conn *websocket.Conn) *socket {
	return &socket{
		conn:     conn,
		outbound: make(chan []byte, wsSendBuffer),
		done:     make(chan struct{}),
	}
}

func (s *socket) send(payload []byte) error {
	select {
	case <-s.done:
		return websocket.ErrCloseSent
	case s.outbound <- payload:
		return nil
	default:
		s.close(websocket.CloseGoingAway, "send buffer full")
		return errSendBufferFull
	}
}

func (s *socket) close(code int, reason string) {
	s.once.Do(func() {
		close(s.done)
		deadline := time.Now().Add(writeWait)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = s.conn.Close()
	})
}

func (s *socket) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}
