package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"carechat/internal/protocol"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// 本地生命周期事件，与服务端事件一样经 OnEvent 投递，Data 为空。
const (
	EventConnect        = "connect"
	EventDisconnect     = "disconnect"
	EventConnectionLost = "connection_lost"
	EventUnauthorized   = "unauthorized"
)

var (
	ErrNotConnected   = errors.New("client: not connected")
	ErrAlreadyStarted = errors.New("client: already started")
	// ErrUnauthorized 表示握手被服务端以 401 拒绝。
	ErrUnauthorized = errors.New("client: handshake unauthorized")
)

// Conn 是 Manager 使用的连接子集，*websocket.Conn 满足该接口。
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

type wsDialer struct{ d *websocket.Dialer }

func (w wsDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := w.d.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
		}
		return nil, err
	}
	return conn, nil
}

type Options struct {
	URL   string
	Token string

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	Dialer  Dialer
	After   func(time.Duration) <-chan time.Time
	OnEvent func(protocol.Envelope)
	OnState func(State)
}

// Manager 维护一条到服务端的连接：断线按指数退避重连，重连后重新加入已跟踪的房间。
type Manager struct {
	opts    Options
	backoff *backoff.ExponentialBackOff

	mu      sync.Mutex
	state   State
	conn    Conn
	rooms   map[string]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool

	wmu sync.Mutex
}

func New(opts Options) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = wsDialer{d: websocket.DefaultDialer}
	}
	if opts.After == nil {
		opts.After = time.After
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.BaseDelay
	b.MaxInterval = opts.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return &Manager{
		opts:    opts,
		backoff: b,
		state:   StateDisconnected,
		rooms:   make(map[string]struct{}),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Rooms 返回当前跟踪的房间，按 id 排序。
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedRooms()
}

func (m *Manager) sortedRooms() []string {
	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	if m.opts.OnState != nil {
		m.opts.OnState(s)
	}
}

func (m *Manager) emit(env protocol.Envelope) {
	if m.opts.OnEvent != nil {
		m.opts.OnEvent(env)
	}
}

// Connect 启动后台连接循环并立即返回；连接结果通过 OnState 与 OnEvent 通知。
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.done != nil {
		select {
		case <-m.done:
			m.cancel()
		default:
			m.mu.Unlock()
			return ErrAlreadyStarted
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.stopped = false
	m.mu.Unlock()

	m.setState(StateConnecting)
	go m.run(ctx)
	return nil
}

// Disconnect 主动断开，不会触发重连；返回时后台循环已经退出。
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.done == nil {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel, done, conn := m.cancel, m.done, m.conn
	m.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done

	m.mu.Lock()
	m.done = nil
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	attempt := 0
	for {
		conn, err := m.opts.Dialer.Dial(ctx, m.opts.URL, http.Header{"Authorization": {"Bearer " + m.opts.Token}})
		if err == nil {
			attempt = 0
			m.backoff.Reset()
			code := m.serve(ctx, conn)
			if m.isStopped() || ctx.Err() != nil {
				m.setState(StateDisconnected)
				return
			}
			if code == protocol.CloseSessionInvalidated {
				log.Info().Str("url", m.opts.URL).Msg("session invalidated by server")
				m.setState(StateDisconnected)
				m.emit(protocol.Envelope{Event: EventDisconnect})
				return
			}
			m.emit(protocol.Envelope{Event: EventDisconnect})
		} else {
			if ctx.Err() != nil {
				m.setState(StateDisconnected)
				return
			}
			if errors.Is(err, ErrUnauthorized) {
				log.Info().Err(err).Str("url", m.opts.URL).Msg("handshake rejected")
				m.setState(StateDisconnected)
				m.emit(protocol.Envelope{Event: EventUnauthorized})
				return
			}
			log.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
		}

		if attempt >= m.opts.MaxAttempts {
			m.setState(StateFailed)
			m.emit(protocol.Envelope{Event: EventConnectionLost})
			return
		}
		delay := m.backoff.NextBackOff()
		attempt++
		m.setState(StateReconnecting)
		select {
		case <-ctx.Done():
			m.setState(StateDisconnected)
			return
		case <-m.opts.After(delay):
		}
	}
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// serve 在连接建立后阻塞读取，返回服务端关闭码；非关闭帧导致的断开返回 -1。
func (m *Manager) serve(ctx context.Context, conn Conn) int {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close()
	}()

	m.setState(StateConnected)
	m.emit(protocol.Envelope{Event: EventConnect})
	for _, id := range m.Rooms() {
		if err := m.send(protocol.CommandJoin, protocol.RoomPayload{ConversationID: id}); err != nil {
			log.Warn().Err(err).Str("conversation_id", id).Msg("rejoin failed")
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code
			}
			return -1
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Debug().Err(err).Msg("drop malformed frame")
			continue
		}
		m.emit(env)
	}
}

func (m *Manager) send(event string, payload interface{}) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}
	b, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, b)
}

// JoinRoom 记录房间并立即加入；未连接时返回 ErrNotConnected，房间会在下次连上后加入。
func (m *Manager) JoinRoom(conversationID string) error {
	m.mu.Lock()
	m.rooms[conversationID] = struct{}{}
	m.mu.Unlock()
	return m.send(protocol.CommandJoin, protocol.RoomPayload{ConversationID: conversationID})
}

func (m *Manager) LeaveRoom(conversationID string) error {
	m.mu.Lock()
	delete(m.rooms, conversationID)
	m.mu.Unlock()
	return m.send(protocol.CommandLeave, protocol.RoomPayload{ConversationID: conversationID})
}

func (m *Manager) StartTyping(conversationID string) error {
	return m.send(protocol.EventTypingStart, protocol.RoomPayload{ConversationID: conversationID})
}

func (m *Manager) StopTyping(conversationID string) error {
	return m.send(protocol.EventTypingStop, protocol.RoomPayload{ConversationID: conversationID})
}

func (m *Manager) MarkRead(messageID string) error {
	return m.send(protocol.CommandMarkRead, protocol.MessageRefPayload{MessageID: messageID})
}
