package ws

import (
	"time"

	"carechat/internal/metrics"
	"carechat/internal/protocol"
)

// 输入状态机：每个 (会话, 用户) 只有 IDLE / TYPING 两态，TYPING 由 typers 中存在条目表示。

type typingState struct {
	seq   uint64
	timer *time.Timer
}

type typingSignal struct {
	client         *Client
	conversationID string
	start          bool
}

type typingExpiry struct {
	conversationID string
	userID         string
	seq            uint64
}

func (h *Hub) typingSignal(c *Client, conversationID string, start bool) {
	submit(h, h.typing, typingSignal{client: c, conversationID: conversationID, start: start})
}

func (h *Hub) handleTyping(sig typingSignal) {
	c := sig.client
	if _, ok := h.clients[c]; !ok {
		return
	}
	if _, ok := c.rooms[sig.conversationID]; !ok {
		cmd := protocol.EventTypingStop
		if sig.start {
			cmd = protocol.EventTypingStart
		}
		h.emitError(c, protocol.CodeNotInRoom, cmd, "join the conversation before sending typing events")
		return
	}
	if sig.start {
		h.startTyping(sig.conversationID, c.identity.UserID)
		return
	}
	h.stopTyping(sig.conversationID, c.identity.UserID)
}

// startTyping 首次进入 TYPING 时广播；重复调用只重置计时器。
func (h *Hub) startTyping(conversationID, userID string) {
	users := h.typers[conversationID]
	if users == nil {
		users = make(map[string]*typingState)
		h.typers[conversationID] = users
	}
	st, ok := users[userID]
	if ok {
		st.timer.Stop()
	} else {
		st = &typingState{}
		users[userID] = st
		metrics.TypingUsers.Inc()
		h.broadcastToRoom(conversationID, protocol.EventTypingStart,
			protocol.TypingPayload{ConversationID: conversationID, UserID: userID}, userID)
	}
	// 全局递增序号，已触发但尚未处理的旧计时器不会误伤新状态。
	h.typingSeq++
	seq := h.typingSeq
	st.seq = seq
	st.timer = time.AfterFunc(h.typingTimeout, func() {
		submit(h, h.expire, typingExpiry{conversationID: conversationID, userID: userID, seq: seq})
	})
}

func (h *Hub) handleExpire(e typingExpiry) {
	st := h.typers[e.conversationID][e.userID]
	if st == nil || st.seq != e.seq {
		return
	}
	h.stopTyping(e.conversationID, e.userID)
}

func (h *Hub) stopTyping(conversationID, userID string) {
	users := h.typers[conversationID]
	st := users[userID]
	if st == nil {
		return
	}
	st.timer.Stop()
	delete(users, userID)
	if len(users) == 0 {
		delete(h.typers, conversationID)
	}
	metrics.TypingUsers.Dec()
	h.broadcastToRoom(conversationID, protocol.EventTypingStop,
		protocol.TypingPayload{ConversationID: conversationID, UserID: userID}, userID)
}

func (h *Hub) emitError(c *Client, code, command, message string) {
	b, err := protocol.Encode(protocol.EventError, protocol.ErrorPayload{Code: code, Command: command, Message: message})
	if err != nil {
		return
	}
	h.deliver(c, b)
}
