package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"carechat/internal/auth"
	"carechat/internal/metrics"
	"carechat/internal/protocol"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
	sendBufferSize = 256
	commandTimeout = 5 * time.Second

	commandRate  = 20
	commandBurst = 40
)

// Backend 是连接处理命令所需的业务能力，只在连接自己的协程里调用，从不进入 Hub 事件循环。
type Backend interface {
	ActiveConversationIDs(ctx context.Context, userID string) ([]string, error)
	CanJoin(ctx context.Context, id auth.Identity, conversationID string) error
	MarkAsRead(ctx context.Context, id auth.Identity, messageID string) error
}

// CommandError 携带回给客户端的错误码，Backend 用它区分业务拒绝与内部错误。
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string { return e.Code + ": " + e.Message }

type Client struct {
	id       string
	identity auth.Identity
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	backend  Backend
	limiter  *rate.Limiter

	// rooms 与 closeCode 只由 Hub 协程写入。
	rooms     map[string]struct{}
	closeCode int
}

func newClient(h *Hub, conn *websocket.Conn, id auth.Identity, backend Backend) *Client {
	return &Client{
		id:       uuid.NewString(),
		identity: id,
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		backend:  backend,
		limiter:  rate.NewLimiter(rate.Limit(commandRate), commandBurst),
		rooms:    make(map[string]struct{}),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve 在升级前完成身份解析与房间加载，失败时以 HTTP 状态拒绝握手。
func Serve(h *Hub, dir auth.Directory, backend Backend, resolveTimeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.TokenFromRequest(c.Request)
		if token == "" {
			metrics.WsConnectRejected.WithLabelValues("missing_token").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), resolveTimeout)
		defer cancel()
		id, err := dir.Resolve(ctx, token)
		if errors.Is(err, auth.ErrDirectoryUnavailable) {
			metrics.WsConnectRejected.WithLabelValues("directory").Inc()
			log.Warn().Err(err).Msg("ws handshake deferred")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": auth.ErrDirectoryUnavailable.Error()})
			return
		}
		if err != nil {
			metrics.WsConnectRejected.WithLabelValues("auth").Inc()
			log.Debug().Err(err).Msg("ws handshake rejected")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid session"})
			return
		}
		rooms, err := backend.ActiveConversationIDs(ctx, id.UserID)
		if err != nil {
			metrics.WsConnectRejected.WithLabelValues("rooms").Inc()
			log.Error().Err(err).Str("user_id", id.UserID).Msg("load conversations for ws")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to load conversations"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("ws upgrade")
			return
		}
		client := newClient(h, conn, *id, backend)
		h.Register(client, rooms)
		// 注册前发生的加入或移除不会经过 Hub，注册后再取一次。
		if latest, err := backend.ActiveConversationIDs(ctx, id.UserID); err != nil {
			log.Warn().Err(err).Str("user_id", id.UserID).Msg("refresh conversations for ws")
		} else {
			h.syncRooms(client, latest)
		}

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("ws read")
			}
			return
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		c.fail(protocol.CodeBadRequest, "", "malformed frame")
		return
	}
	if !c.limiter.Allow() {
		c.fail(protocol.CodeRateLimited, env.Event, "too many commands")
		return
	}

	switch env.Event {
	case protocol.CommandJoin:
		conv, ok := c.roomArg(env)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := c.backend.CanJoin(ctx, c.identity, conv); err != nil {
			c.failErr(env.Event, err)
			return
		}
		c.hub.joinConn(c, conv)
	case protocol.CommandLeave:
		if conv, ok := c.roomArg(env); ok {
			c.hub.leaveConn(c, conv)
		}
	case protocol.EventTypingStart, protocol.EventTypingStop:
		if conv, ok := c.roomArg(env); ok {
			c.hub.typingSignal(c, conv, env.Event == protocol.EventTypingStart)
		}
	case protocol.CommandMarkRead:
		var p protocol.MessageRefPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.MessageID == "" {
			c.fail(protocol.CodeBadRequest, env.Event, "messageId is required")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := c.backend.MarkAsRead(ctx, c.identity, p.MessageID); err != nil {
			c.failErr(env.Event, err)
		}
	default:
		c.fail(protocol.CodeUnknownCommand, env.Event, "unknown command")
	}
}

func (c *Client) roomArg(env protocol.Envelope) (string, bool) {
	var p protocol.RoomPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.ConversationID == "" {
		c.fail(protocol.CodeBadRequest, env.Event, "conversationId is required")
		return "", false
	}
	return p.ConversationID, true
}

func (c *Client) fail(code, command, message string) {
	c.hub.sendTo(c, protocol.EventError, protocol.ErrorPayload{Code: code, Command: command, Message: message})
}

func (c *Client) failErr(command string, err error) {
	var ce *CommandError
	if errors.As(err, &ce) {
		c.fail(ce.Code, command, ce.Message)
		return
	}
	log.Error().Err(err).Str("user_id", c.identity.UserID).Str("command", command).Msg("ws command")
	c.fail(protocol.CodeInternal, command, "internal error")
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				code, reason := websocket.CloseNormalClosure, ""
				if c.closeCode != 0 {
					code, reason = c.closeCode, "session invalidated"
				}
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
