package server

import (
	"context"
	"errors"

	"carechat/internal/auth"
	"carechat/internal/protocol"
	"carechat/internal/service"
	"carechat/internal/ws"
)

// wsBackend 让 WebSocket 连接复用业务层，并把业务错误转换为错误事件码。
type wsBackend struct {
	convs *service.ConversationService
	msgs  *service.MessageService
}

func NewWSBackend(convs *service.ConversationService, msgs *service.MessageService) ws.Backend {
	return &wsBackend{convs: convs, msgs: msgs}
}

func (b *wsBackend) ActiveConversationIDs(ctx context.Context, userID string) ([]string, error) {
	return b.convs.ActiveConversationIDs(ctx, userID)
}

func (b *wsBackend) CanJoin(ctx context.Context, id auth.Identity, conversationID string) error {
	return commandError(b.convs.CanJoin(ctx, id, conversationID))
}

func (b *wsBackend) MarkAsRead(ctx context.Context, id auth.Identity, messageID string) error {
	return commandError(b.msgs.MarkAsRead(ctx, id, messageID))
}

func commandError(err error) error {
	if err == nil {
		return nil
	}
	code := ""
	switch {
	case errors.Is(err, service.ErrNotFound):
		code = protocol.CodeNotFound
	case errors.Is(err, service.ErrNotAMember), errors.Is(err, service.ErrAccessDenied):
		code = protocol.CodeNotAMember
	case errors.Is(err, service.ErrInvalidInput):
		code = protocol.CodeBadRequest
	default:
		return err
	}
	return &ws.CommandError{Code: code, Message: err.Error()}
}
