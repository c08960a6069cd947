package ws

import (
	"context"
	"time"

	"carechat/internal/metrics"
	"carechat/internal/protocol"

	"github.com/rs/zerolog/log"
)

const defaultTypingTimeout = 3 * time.Second

// PresenceRecorder 把在线状态同步到外部存储（可选），在事件循环之外异步调用。
type PresenceRecorder interface {
	MarkOnline(ctx context.Context, userID string) error
	MarkOffline(ctx context.Context, userID string) error
}

type Option func(*Hub)

func WithTypingTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.typingTimeout = d
		}
	}
}

func WithPresence(p PresenceRecorder) Option {
	return func(h *Hub) { h.presence = p }
}

type registration struct {
	client *Client
	rooms  []string
}

type roomChange struct {
	client         *Client
	conversationID string
}

type userRoomChange struct {
	userID         string
	conversationID string
	join           bool
}

type roomEvent struct {
	conversationID string
	event          string
	payload        interface{}
}

type userEvent struct {
	userID  string
	event   string
	payload interface{}
}

type directEvent struct {
	client *Client
	frame  []byte
}

// Hub 是单协程事件循环：所有注册表只在 Run 协程内读写，外部通过无缓冲 channel 提交操作，
// 因此同一调用方提交的操作按顺序生效，注册表无需加锁。
type Hub struct {
	typingTimeout time.Duration
	presence      PresenceRecorder

	register   chan registration
	unregister chan *Client
	join       chan roomChange
	leave      chan roomChange
	typing     chan typingSignal
	expire     chan typingExpiry
	roomcast   chan roomEvent
	usercast   chan userEvent
	direct     chan directEvent
	userRoom   chan userRoomChange
	kick       chan string
	query      chan func()
	done       chan struct{}

	// 以下字段只在 Run 协程内访问。
	clients   map[*Client]struct{}
	users     map[string]*Client
	rooms     map[string]map[*Client]struct{}
	typers    map[string]map[string]*typingState
	typingSeq uint64
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		typingTimeout: defaultTypingTimeout,
		register:      make(chan registration),
		unregister:    make(chan *Client),
		join:          make(chan roomChange),
		leave:         make(chan roomChange),
		typing:        make(chan typingSignal),
		expire:        make(chan typingExpiry),
		roomcast:      make(chan roomEvent),
		usercast:      make(chan userEvent),
		direct:        make(chan directEvent),
		userRoom:      make(chan userRoomChange),
		kick:          make(chan string),
		query:         make(chan func()),
		done:          make(chan struct{}),
		clients:       make(map[*Client]struct{}),
		users:         make(map[string]*Client),
		rooms:         make(map[string]map[*Client]struct{}),
		typers:        make(map[string]map[string]*typingState),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// submit 把操作交给事件循环；Hub 已停止时直接丢弃。
func submit[T any](h *Hub, ch chan<- T, v T) {
	select {
	case ch <- v:
	case <-h.done:
	}
}

// Run 运行事件循环直到 ctx 结束。
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-h.register:
			h.handleRegister(r.client, r.rooms)
		case c := <-h.unregister:
			h.disconnect(c)
		case rc := <-h.join:
			if _, ok := h.clients[rc.client]; ok {
				h.joinRoom(rc.client, rc.conversationID)
			}
		case rc := <-h.leave:
			h.leaveRoom(rc.client, rc.conversationID)
			h.stopTypingIfAbsent(rc.conversationID, rc.client.identity.UserID)
		case sig := <-h.typing:
			h.handleTyping(sig)
		case e := <-h.expire:
			h.handleExpire(e)
		case e := <-h.roomcast:
			h.broadcastToRoom(e.conversationID, e.event, e.payload, "")
		case e := <-h.usercast:
			h.broadcastToUser(e.userID, e.event, e.payload)
		case d := <-h.direct:
			if _, ok := h.clients[d.client]; ok {
				h.deliver(d.client, d.frame)
			}
		case ch := <-h.userRoom:
			h.handleUserRoom(ch)
		case uid := <-h.kick:
			h.handleKick(uid)
		case fn := <-h.query:
			fn()
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	for _, users := range h.typers {
		for _, st := range users {
			st.timer.Stop()
		}
	}
	h.typers = make(map[string]map[string]*typingState)
	for c := range h.clients {
		close(c.send)
		metrics.WsConnections.Dec()
	}
	h.clients = make(map[*Client]struct{})
	h.users = make(map[string]*Client)
	h.rooms = make(map[string]map[*Client]struct{})
	metrics.TypingUsers.Set(0)
}

// Register 登记新连接并自动订阅其当前所有会话房间；同一用户的新连接覆盖旧的路由条目。
func (h *Hub) Register(c *Client, rooms []string) {
	submit(h, h.register, registration{client: c, rooms: rooms})
}

func (h *Hub) Unregister(c *Client) { submit(h, h.unregister, c) }

// BroadcastToRoom 推送给房间内当前所有连接。
func (h *Hub) BroadcastToRoom(conversationID, event string, payload interface{}) {
	submit(h, h.roomcast, roomEvent{conversationID: conversationID, event: event, payload: payload})
}

// BroadcastToUser 只经注册表里该用户的当前连接推送，用户不在线时静默丢弃。
func (h *Hub) BroadcastToUser(userID, event string, payload interface{}) {
	submit(h, h.usercast, userEvent{userID: userID, event: event, payload: payload})
}

// JoinUser 让用户当前连接加入房间，用于成员被加入会话后立即收到房间事件。
func (h *Hub) JoinUser(userID, conversationID string) {
	submit(h, h.userRoom, userRoomChange{userID: userID, conversationID: conversationID, join: true})
}

// RemoveUser 把用户的所有连接移出房间。
func (h *Hub) RemoveUser(userID, conversationID string) {
	submit(h, h.userRoom, userRoomChange{userID: userID, conversationID: conversationID})
}

// DisconnectUser 以 CloseSessionInvalidated 关闭用户的全部连接，客户端不会自动重连。
func (h *Hub) DisconnectUser(userID string) { submit(h, h.kick, userID) }

func (h *Hub) joinConn(c *Client, conversationID string) {
	submit(h, h.join, roomChange{client: c, conversationID: conversationID})
}

func (h *Hub) leaveConn(c *Client, conversationID string) {
	submit(h, h.leave, roomChange{client: c, conversationID: conversationID})
}

func (h *Hub) sendTo(c *Client, event string, payload interface{}) {
	b, err := protocol.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode direct event")
		return
	}
	submit(h, h.direct, directEvent{client: c, frame: b})
}

// do 在事件循环内执行只读查询。
func (h *Hub) do(fn func()) {
	finished := make(chan struct{})
	select {
	case h.query <- func() { fn(); close(finished) }:
		<-finished
	case <-h.done:
	}
}

// Online 返回房间内的连接数。
func (h *Hub) Online(conversationID string) int {
	n := 0
	h.do(func() { n = len(h.rooms[conversationID]) })
	return n
}

// IsOnline 判断用户在注册表中是否有活跃连接。
func (h *Hub) IsOnline(userID string) bool {
	ok := false
	h.do(func() { _, ok = h.users[userID] })
	return ok
}

func (h *Hub) Connections() int {
	n := 0
	h.do(func() { n = len(h.clients) })
	return n
}

func (h *Hub) handleRegister(c *Client, rooms []string) {
	if c.rooms == nil {
		c.rooms = make(map[string]struct{})
	}
	h.clients[c] = struct{}{}
	uid := c.identity.UserID
	if prev, ok := h.users[uid]; ok && prev != c {
		log.Debug().Str("user_id", uid).Str("conn_id", prev.id).Msg("routing entry replaced by newer connection")
	}
	h.users[uid] = c
	for _, r := range rooms {
		h.joinRoom(c, r)
	}
	metrics.WsConnections.Inc()
	log.Info().Str("user_id", uid).Str("conn_id", c.id).Int("rooms", len(rooms)).Msg("ws connected")

	h.broadcastAll(protocol.EventUserStatus, protocol.UserStatusPayload{UserID: uid, Status: protocol.StatusOnline})
	h.recordPresence(uid, true)
}

// disconnect 是连接断开与慢消费者驱逐的唯一出口，幂等。
func (h *Hub) disconnect(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	left := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		left = append(left, room)
		h.leaveRoom(c, room)
	}
	close(c.send)
	metrics.WsConnections.Dec()

	uid := c.identity.UserID
	for _, room := range left {
		h.stopTypingIfAbsent(room, uid)
	}
	if h.users[uid] == c {
		delete(h.users, uid)
		h.broadcastAll(protocol.EventUserStatus, protocol.UserStatusPayload{UserID: uid, Status: protocol.StatusOffline})
		h.recordPresence(uid, false)
	}
	log.Info().Str("user_id", uid).Str("conn_id", c.id).Msg("ws disconnected")
}

func (h *Hub) joinRoom(c *Client, conversationID string) {
	room := h.rooms[conversationID]
	if room == nil {
		room = make(map[*Client]struct{})
		h.rooms[conversationID] = room
	}
	room[c] = struct{}{}
	c.rooms[conversationID] = struct{}{}
}

func (h *Hub) leaveRoom(c *Client, conversationID string) {
	delete(c.rooms, conversationID)
	room := h.rooms[conversationID]
	if room == nil {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, conversationID)
	}
}

// userInRoom 判断用户是否还有连接留在房间内。
func (h *Hub) userInRoom(userID, conversationID string) bool {
	for c := range h.rooms[conversationID] {
		if c.identity.UserID == userID {
			return true
		}
	}
	return false
}

// stopTypingIfAbsent 只在用户的最后一个连接离开房间后结束其输入状态。
func (h *Hub) stopTypingIfAbsent(conversationID, userID string) {
	if !h.userInRoom(userID, conversationID) {
		h.stopTyping(conversationID, userID)
	}
}

// syncRooms 按最新的会话列表校正连接的订阅，补上加载房间与注册之间发生的成员变更。
func (h *Hub) syncRooms(c *Client, rooms []string) {
	h.do(func() {
		if _, ok := h.clients[c]; !ok {
			return
		}
		want := make(map[string]struct{}, len(rooms))
		for _, r := range rooms {
			want[r] = struct{}{}
			h.joinRoom(c, r)
		}
		for r := range c.rooms {
			if _, ok := want[r]; !ok {
				h.leaveRoom(c, r)
				h.stopTypingIfAbsent(r, c.identity.UserID)
			}
		}
	})
}

func (h *Hub) handleUserRoom(ch userRoomChange) {
	if ch.join {
		if c := h.users[ch.userID]; c != nil {
			h.joinRoom(c, ch.conversationID)
		}
		return
	}
	for c := range h.rooms[ch.conversationID] {
		if c.identity.UserID == ch.userID {
			h.leaveRoom(c, ch.conversationID)
		}
	}
	h.stopTyping(ch.conversationID, ch.userID)
}

func (h *Hub) handleKick(userID string) {
	for c := range h.clients {
		if c.identity.UserID == userID {
			c.closeCode = protocol.CloseSessionInvalidated
			h.disconnect(c)
		}
	}
}

// deliver 非阻塞写入发送缓冲；缓冲已满视为慢消费者，直接断开。
func (h *Hub) deliver(c *Client, frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		metrics.WsEvictedTotal.Inc()
		log.Warn().Str("user_id", c.identity.UserID).Str("conn_id", c.id).Msg("send buffer full, evicting connection")
		h.disconnect(c)
		return false
	}
}

func (h *Hub) broadcastToRoom(conversationID, event string, payload interface{}, excludeUserID string) {
	room := h.rooms[conversationID]
	if len(room) == 0 {
		return
	}
	b, err := protocol.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode room event")
		return
	}
	for c := range room {
		if excludeUserID != "" && c.identity.UserID == excludeUserID {
			continue
		}
		if h.deliver(c, b) {
			metrics.WsEventsTotal.WithLabelValues(event).Inc()
		}
	}
}

func (h *Hub) broadcastToUser(userID, event string, payload interface{}) {
	c := h.users[userID]
	if c == nil {
		return
	}
	b, err := protocol.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode user event")
		return
	}
	if h.deliver(c, b) {
		metrics.WsEventsTotal.WithLabelValues(event).Inc()
	}
}

func (h *Hub) broadcastAll(event string, payload interface{}) {
	b, err := protocol.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode global event")
		return
	}
	for c := range h.clients {
		if h.deliver(c, b) {
			metrics.WsEventsTotal.WithLabelValues(event).Inc()
		}
	}
}

func (h *Hub) recordPresence(userID string, online bool) {
	if h.presence == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		var err error
		if online {
			err = h.presence.MarkOnline(ctx, userID)
		} else {
			err = h.presence.MarkOffline(ctx, userID)
		}
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Bool("online", online).Msg("record presence")
		}
	}()
}
