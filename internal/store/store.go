// Package store 定义消息子系统的持久化契约。
// 唯一约束冲突统一返回 ErrDuplicate，业务层依靠它判重而不是预先查询。
package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"time"

	"carechat/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// ConversationFilter 描述会话列表查询，只返回 UserID 仍是有效成员的会话。
type ConversationFilter struct {
	UserID   string
	Type     models.ConversationType
	Archived *bool
	Search   string
	Offset   int
	Limit    int
}

// MessageFilter 描述按 created_at 游标分页的消息查询，结果按时间倒序。
type MessageFilter struct {
	ConversationID string
	Before         *time.Time
	After          *time.Time
	Type           models.MessageType
	Search         string
	Limit          int
}

type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	ListUsers(ctx context.Context, ids []string) ([]models.User, error)

	// CreateConversation 在同一事务中写入会话和初始成员。
	CreateConversation(ctx context.Context, conv *models.Conversation, members []models.ConversationMember) error
	// GetConversation 返回会话及其有效成员。
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	GetDirectConversation(ctx context.Context, directKey string) (*models.Conversation, error)
	UpdateConversation(ctx context.Context, conv *models.Conversation) error
	ListConversations(ctx context.Context, f ConversationFilter) ([]models.Conversation, int64, error)

	// GetMember 返回成员行，无论是否已退出。
	GetMember(ctx context.Context, conversationID, userID string) (*models.ConversationMember, error)
	CreateMember(ctx context.Context, m *models.ConversationMember) error
	UpdateMember(ctx context.Context, m *models.ConversationMember) error
	ActiveConversationIDs(ctx context.Context, userID string) ([]string, error)

	// CreateMessage 在同一事务中写入消息、附件，并更新会话的 last_message_id/last_message_at。
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, f MessageFilter) ([]models.Message, error)
	UpdateMessage(ctx context.Context, msg *models.Message) error

	CreateReaction(ctx context.Context, r *models.MessageReaction) error
	// DeleteReaction 没有匹配行时返回 ErrNotFound。
	DeleteReaction(ctx context.Context, messageID, userID, emoji string) error
	CreateReadReceipt(ctx context.Context, r *models.MessageReadReceipt) error
	CountReadReceipts(ctx context.Context, messageID string) (int64, error)
}

// IsTransient 判断错误是否属于可重试的 I/O 抖动（超时、坏连接）。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
