package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"echolink-backend/internal/domain"
	"echolink-backend/internal/media"
	"echolink-backend/internal/middleware"
	"echolink-backend/internal/notify"
	"echolink-backend/internal/relay"
	callService "echolink-backend/internal/service/call"
	"echolink-backend/pkg/constants"
	apperrors "echolink-backend/pkg/errors"
	"echolink-backend/pkg/logger"
	"echolink-backend/pkg/metrics"
)

// Client command actions
const (
	ActionInitiate    = "initiate"
	ActionAnswer      = "answer"
	ActionDecline     = "decline"
	ActionEnd         = "end"
	ActionToggleMute  = "toggle_mute"
	ActionToggleVideo = "toggle_video"
)

// Server frame types
const (
	FrameTypeView  = "view"
	FrameTypeAck   = "ack"
	FrameTypeError = "error"
)

// Command is a client request over the call socket
type Command struct {
	Action         string   `json:"action"`
	CallID         string   `json:"call_id,omitempty"`
	ChatID         string   `json:"chat_id,omitempty"`
	ParticipantIDs []string `json:"participant_ids,omitempty"`
	CallType       string   `json:"call_type,omitempty"`
}

// Frame is a server message over the call socket
type Frame struct {
	Type      string            `json:"type"`
	Action    string            `json:"action,omitempty"`
	View      *callService.View `json:"view,omitempty"`
	Code      string            `json:"code,omitempty"`
	Message   string            `json:"message,omitempty"`
	State     *bool             `json:"state,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

var callUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Reject empty origins - require explicit origin for security
			return false
		}
		return middleware.GetAllowedOrigins()[origin]
	},
}

// CallGateway upgrades authenticated clients to WebSocket and runs one call
// session per connection. The session tracks the user's current call server
// side; the socket only carries commands in and view snapshots out.
type CallGateway struct {
	svc     *callService.Service
	relay   relay.Relay
	engines media.Factory
	ringer  notify.Ringer
	metrics *metrics.Metrics

	// Semaphore limiting concurrent connections
	semaphore      chan struct{}
	maxConnections int
}

// NewCallGateway creates a call session gateway
func NewCallGateway(svc *callService.Service, rel relay.Relay, engines media.Factory, ringer notify.Ringer, m *metrics.Metrics) *CallGateway {
	maxConns := 1000
	if val := os.Getenv("WS_MAX_CALL_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	return &CallGateway{
		svc:            svc,
		relay:          rel,
		engines:        engines,
		ringer:         ringer,
		metrics:        m,
		semaphore:      make(chan struct{}, maxConns),
		maxConnections: maxConns,
	}
}

// ServeWS handles WebSocket requests for call sessions
// GET /v1/calls/ws
func (g *CallGateway) ServeWS(c *gin.Context) {
	select {
	case g.semaphore <- struct{}{}:
	default:
		logger.Warn("call socket rejected: max connections reached",
			zap.Int("max_connections", g.maxConnections))
		if g.metrics != nil {
			g.metrics.RecordWebSocketError("capacity")
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	userIDVal, exists := c.Get("user_id")
	if !exists {
		<-g.semaphore
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		<-g.semaphore
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	conn, err := callUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-g.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := callService.NewSession(g.svc, g.relay, g.engines, g.ringer, userID)

	client := &callClient{
		gateway: g,
		conn:    conn,
		session: session,
		userID:  userID,
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan Frame, 64),
	}

	if g.metrics != nil {
		g.metrics.WebSocketConnected()
	}

	go session.Run(ctx)
	go client.writePump()
	go client.readPump()
}

// callClient ties one WebSocket connection to one call session
type callClient struct {
	gateway *CallGateway
	conn    *websocket.Conn
	session *callService.Session
	userID  uuid.UUID
	ctx     context.Context
	cancel  context.CancelFunc
	out     chan Frame
}

// readPump reads commands from the socket and applies them to the session
func (c *callClient) readPump() {
	defer func() {
		c.cancel()
		c.conn.Close()
		if c.gateway.metrics != nil {
			c.gateway.metrics.WebSocketDisconnected()
		}
		<-c.gateway.semaphore

		// A dropped connection must not leave the user's calls ringing
		// or active forever
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
		defer cleanupCancel()
		c.gateway.svc.CleanupUserCalls(cleanupCtx, c.userID)
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("call socket closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			logger.Warn("invalid command from call socket",
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			c.sendError(cmd.Action, apperrors.ValidationError("Invalid command format"))
			continue
		}

		if c.gateway.metrics != nil {
			c.gateway.metrics.RecordWebSocketMessage(cmd.Action, "inbound")
		}
		c.handleCommand(cmd)
	}
}

func (c *callClient) handleCommand(cmd Command) {
	switch cmd.Action {
	case ActionInitiate:
		callType := domain.CallType(cmd.CallType)
		participants := make([]uuid.UUID, 0, len(cmd.ParticipantIDs))
		for _, idStr := range cmd.ParticipantIDs {
			id, err := uuid.Parse(idStr)
			if err != nil {
				c.sendError(cmd.Action, apperrors.ValidationError("Invalid participant ID: "+idStr))
				return
			}
			participants = append(participants, id)
		}
		if _, err := c.session.Initiate(c.ctx, cmd.ChatID, participants, callType); err != nil {
			c.sendError(cmd.Action, err)
			return
		}
		c.sendAck(cmd.Action, nil)

	case ActionAnswer:
		if err := c.session.Answer(c.ctx, cmd.CallID); err != nil {
			c.sendError(cmd.Action, err)
			return
		}
		c.sendAck(cmd.Action, nil)

	case ActionDecline:
		if err := c.session.Decline(c.ctx, cmd.CallID); err != nil {
			c.sendError(cmd.Action, err)
			return
		}
		c.sendAck(cmd.Action, nil)

	case ActionEnd:
		if err := c.session.End(c.ctx, cmd.CallID); err != nil {
			c.sendError(cmd.Action, err)
			return
		}
		c.sendAck(cmd.Action, nil)

	case ActionToggleMute:
		muted := c.session.ToggleMute()
		c.sendAck(cmd.Action, &muted)

	case ActionToggleVideo:
		enabled := c.session.ToggleVideo()
		c.sendAck(cmd.Action, &enabled)

	default:
		c.sendError(cmd.Action, apperrors.ValidationError("Unknown action: "+cmd.Action))
	}
}

// writePump streams view snapshots and command results to the socket
func (c *callClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	events := c.session.Events()
	for {
		select {
		case view, ok := <-events:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.writeFrame(Frame{
				Type:      FrameTypeView,
				View:      &view,
				Timestamp: time.Now().UTC(),
			}) {
				return
			}
			if c.gateway.metrics != nil {
				c.gateway.metrics.RecordWebSocketMessage(FrameTypeView, "outbound")
			}

		case frame := <-c.out:
			if !c.writeFrame(frame) {
				return
			}
			if c.gateway.metrics != nil {
				c.gateway.metrics.RecordWebSocketMessage(frame.Type, "outbound")
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *callClient) writeFrame(frame Frame) bool {
	c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
	payload, err := json.Marshal(frame)
	if err != nil {
		logger.Error("failed to marshal frame",
			zap.String("type", frame.Type), zap.Error(err))
		return true
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload) == nil
}

func (c *callClient) sendAck(action string, state *bool) {
	c.enqueue(Frame{
		Type:      FrameTypeAck,
		Action:    action,
		State:     state,
		Timestamp: time.Now().UTC(),
	})
}

func (c *callClient) sendError(action string, err error) {
	appErr := apperrors.GetAppError(err)
	if c.gateway.metrics != nil {
		c.gateway.metrics.RecordWebSocketError(string(appErr.Code))
	}
	c.enqueue(Frame{
		Type:      FrameTypeError,
		Action:    action,
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		Timestamp: time.Now().UTC(),
	})
}

func (c *callClient) enqueue(frame Frame) {
	select {
	case c.out <- frame:
	default:
		logger.Warn("dropping frame for slow call socket",
			zap.String("user_id", c.userID.String()),
			zap.String("type", frame.Type))
	}
}
