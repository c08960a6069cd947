// Package protocol 定义服务端与客户端共用的 WebSocket 事件格式。
package protocol

import "encoding/json"

// 服务端推送事件。
const (
	EventConversationCreated       = "conversation:created"
	EventConversationUpdated       = "conversation:updated"
	EventConversationMemberAdded   = "conversation:member_added"
	EventConversationMemberRemoved = "conversation:member_removed"
	EventConversationMemberUpdated = "conversation:member_updated"

	EventMessageSent            = "message:sent"
	EventMessageUpdated         = "message:updated"
	EventMessageDeleted         = "message:deleted"
	EventMessageReactionAdded   = "message:reaction_added"
	EventMessageReactionRemoved = "message:reaction_removed"
	EventMessageRead            = "message:read"

	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"
	EventUserStatus  = "user:status"
	EventError       = "error"
)

// 客户端命令。typing:start / typing:stop 与事件同名。
const (
	CommandJoin     = "conversation:join"
	CommandLeave    = "conversation:leave"
	CommandMarkRead = "message:read"
)

// CloseSessionInvalidated 是服务端主动断开（会话失效/被登出）的关闭码，客户端收到后不得自动重连。
const CloseSessionInvalidated = 4000

// 错误事件的 code。
const (
	CodeBadRequest     = "BAD_REQUEST"
	CodeUnknownCommand = "UNKNOWN_COMMAND"
	CodeNotAMember     = "NOT_A_MEMBER"
	CodeNotInRoom      = "NOT_IN_ROOM"
	CodeNotFound       = "NOT_FOUND"
	CodeRateLimited    = "RATE_LIMITED"
	CodeInternal       = "INTERNAL"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Envelope 是双向通用的线上格式。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode 把事件与负载编码为一帧。
func Encode(event string, payload interface{}) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = b
	}
	return json.Marshal(env)
}

type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

type MessageRefPayload struct {
	MessageID string `json:"messageId"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type UserStatusPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Command string `json:"command,omitempty"`
}
