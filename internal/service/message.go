package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"carechat/internal/auth"
	"carechat/internal/metrics"
	"carechat/internal/models"
	"carechat/internal/protocol"
	"carechat/internal/store"

	"github.com/google/uuid"
)

const (
	maxContentLen = 10000
	maxEmojiLen   = 32
)

// MessageService 封装消息持久化与实时推送；所有推送都在写库成功之后。
type MessageService struct {
	store  store.Store
	bus    Broadcaster
	clock  *clock
	limits Limits
}

func NewMessageService(st store.Store, bus Broadcaster, limits Limits) *MessageService {
	return &MessageService{store: st, bus: bus, clock: newClock(), limits: limits}
}

type AttachmentInput struct {
	FileName     string  `json:"fileName"`
	FileSize     int64   `json:"fileSize"`
	MimeType     string  `json:"mimeType"`
	URL          string  `json:"url"`
	ThumbnailURL *string `json:"thumbnailUrl"`
	Width        *int    `json:"width"`
	Height       *int    `json:"height"`
	Duration     *int    `json:"duration"`
}

type SendMessageInput struct {
	Content     *string            `json:"content"`
	Type        models.MessageType `json:"type"`
	ReplyToID   *string            `json:"replyToId"`
	Metadata    json.RawMessage    `json:"metadata"`
	Attachments []AttachmentInput  `json:"attachments"`
}

type ListMessagesInput struct {
	Before *time.Time
	After  *time.Time
	Limit  int
	Type   models.MessageType
	Search string
}

// MessagePage 按时间倒序；HasMore 仅表示本页已取满。
type MessagePage struct {
	Items   []MessageDTO `json:"items"`
	HasMore bool         `json:"hasMore"`
	Limit   int          `json:"limit"`
}

func validContent(p *string) bool {
	if p == nil || strings.TrimSpace(*p) == "" {
		return false
	}
	return utf8.RuneCountInString(*p) <= maxContentLen
}

func validateSend(in *SendMessageInput) error {
	if in.Type == "" {
		in.Type = models.MessageText
	}
	if !in.Type.Valid() {
		return ErrInvalidInput
	}
	if in.Type == models.MessageText {
		if !validContent(in.Content) {
			return ErrInvalidInput
		}
	} else {
		if len(in.Attachments) == 0 {
			return ErrInvalidInput
		}
		if in.Content != nil && utf8.RuneCountInString(*in.Content) > maxContentLen {
			return ErrInvalidInput
		}
	}
	for _, a := range in.Attachments {
		if a.FileName == "" || a.MimeType == "" || a.URL == "" || a.FileSize < 0 {
			return ErrInvalidInput
		}
	}
	if len(in.Metadata) > 0 && !json.Valid(in.Metadata) {
		return ErrInvalidInput
	}
	return nil
}

func (s *MessageService) loadMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := read("get message", func() (*models.Message, error) {
		return s.store.GetMessage(ctx, id)
	})
	return msg, notFound(err)
}

func (s *MessageService) loadConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := read("get conversation", func() (*models.Conversation, error) {
		return s.store.GetConversation(ctx, id)
	})
	return conv, notFound(err)
}

// Send 在发送时刻校验成员资格，写入消息并推送 message:sent。
func (s *MessageService) Send(ctx context.Context, actor auth.Identity, conversationID string, in SendMessageInput) (*MessageDTO, error) {
	if err := validateSend(&in); err != nil {
		return nil, err
	}
	if _, err := s.loadConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	if _, err := activeMember(ctx, s.store, conversationID, actor.UserID); err != nil {
		return nil, err
	}
	if in.ReplyToID != nil {
		target, err := s.loadMessage(ctx, *in.ReplyToID)
		if errors.Is(err, ErrNotFound) || (err == nil && target.ConversationID != conversationID) {
			return nil, ErrInvalidReply
		}
		if err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       actor.UserID,
		Content:        in.Content,
		Type:           in.Type,
		ReplyToID:      in.ReplyToID,
		Metadata:       in.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, a := range in.Attachments {
		msg.Attachments = append(msg.Attachments, models.MessageAttachment{
			ID:           uuid.NewString(),
			MessageID:    msg.ID,
			FileName:     a.FileName,
			FileSize:     a.FileSize,
			MimeType:     a.MimeType,
			URL:          a.URL,
			ThumbnailURL: a.ThumbnailURL,
			Width:        a.Width,
			Height:       a.Height,
			Duration:     a.Duration,
			CreatedAt:    now,
		})
	}
	if err := insert("create message", func() error { return s.store.CreateMessage(ctx, msg) }); err != nil {
		return nil, notFound(err)
	}

	metrics.MessagesTotal.WithLabelValues(string(msg.Type)).Inc()
	dto := toMessageDTO(msg)
	s.bus.BroadcastToRoom(conversationID, protocol.EventMessageSent, dto)
	return &dto, nil
}

// List 返回最新在前的一页消息，成员或审核员可见。
func (s *MessageService) List(ctx context.Context, actor auth.Identity, conversationID string, in ListMessagesInput) (*MessagePage, error) {
	if in.Type != "" && !in.Type.Valid() {
		return nil, ErrInvalidInput
	}
	conv, err := s.loadConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !actor.IsModerator() && !hasActiveMember(conv, actor.UserID) {
		return nil, ErrAccessDenied
	}
	limit := clampLimit(in.Limit, s.limits.MessageDefault, s.limits.MessageMax)
	msgs, err := read("list messages", func() ([]models.Message, error) {
		return s.store.ListMessages(ctx, store.MessageFilter{
			ConversationID: conversationID,
			Before:         in.Before,
			After:          in.After,
			Type:           in.Type,
			Search:         strings.TrimSpace(in.Search),
			Limit:          limit,
		})
	})
	if err != nil {
		return nil, err
	}
	out := &MessagePage{Items: make([]MessageDTO, 0, len(msgs)), HasMore: len(msgs) == limit, Limit: limit}
	for i := range msgs {
		out.Items = append(out.Items, toMessageDTO(&msgs[i]))
	}
	return out, nil
}

func canModify(msg *models.Message, actor auth.Identity) bool {
	return msg.SenderID == actor.UserID || actor.IsModerator()
}

func (s *MessageService) Update(ctx context.Context, actor auth.Identity, messageID, content string) (*MessageDTO, error) {
	if !validContent(&content) {
		return nil, ErrInvalidInput
	}
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !canModify(msg, actor) {
		return nil, ErrInsufficientPermission
	}
	if msg.IsDeleted {
		return nil, ErrMessageDeleted
	}
	now := s.clock.Now()
	msg.Content = &content
	msg.IsEdited = true
	msg.EditedAt = &now
	msg.UpdatedAt = now
	if err := withRetry("update message", func(int) error {
		return s.store.UpdateMessage(ctx, msg)
	}); err != nil {
		return nil, notFound(err)
	}
	dto := toMessageDTO(msg)
	s.bus.BroadcastToRoom(msg.ConversationID, protocol.EventMessageUpdated, dto)
	return &dto, nil
}

// Delete 软删除：清空内容与元数据，保留 id、发送者与创建时间；重复删除是空操作。
func (s *MessageService) Delete(ctx context.Context, actor auth.Identity, messageID string) error {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if !canModify(msg, actor) {
		return ErrInsufficientPermission
	}
	if msg.IsDeleted {
		return nil
	}
	now := s.clock.Now()
	msg.Content = nil
	msg.Metadata = nil
	msg.IsDeleted = true
	msg.DeletedAt = &now
	msg.UpdatedAt = now
	if err := withRetry("delete message", func(int) error {
		return s.store.UpdateMessage(ctx, msg)
	}); err != nil {
		return notFound(err)
	}
	s.bus.BroadcastToRoom(msg.ConversationID, protocol.EventMessageDeleted,
		MessageDeletedEvent{MessageID: msg.ID, ConversationID: msg.ConversationID, DeletedAt: now})
	return nil
}

func validEmoji(emoji string) bool {
	return emoji != "" && len(emoji) <= maxEmojiLen && strings.TrimSpace(emoji) == emoji
}

// AddReaction 依靠唯一约束判重，同一表情重复添加返回 ErrDuplicateReaction。
func (s *MessageService) AddReaction(ctx context.Context, actor auth.Identity, messageID, emoji string) error {
	if !validEmoji(emoji) {
		return ErrInvalidInput
	}
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.IsDeleted {
		return ErrMessageDeleted
	}
	if _, err := activeMember(ctx, s.store, msg.ConversationID, actor.UserID); err != nil {
		return err
	}
	r := &models.MessageReaction{MessageID: messageID, UserID: actor.UserID, Emoji: emoji, CreatedAt: s.clock.Now()}
	err = insert("create reaction", func() error { return s.store.CreateReaction(ctx, r) })
	if errors.Is(err, store.ErrDuplicate) {
		return ErrDuplicateReaction
	}
	if err != nil {
		return err
	}
	s.bus.BroadcastToRoom(msg.ConversationID, protocol.EventMessageReactionAdded,
		ReactionEvent{MessageID: messageID, ConversationID: msg.ConversationID, UserID: actor.UserID, Emoji: emoji})
	return nil
}

func (s *MessageService) RemoveReaction(ctx context.Context, actor auth.Identity, messageID, emoji string) error {
	if !validEmoji(emoji) {
		return ErrInvalidInput
	}
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return err
	}
	err = withRetry("delete reaction", func(attempt int) error {
		err := s.store.DeleteReaction(ctx, messageID, actor.UserID, emoji)
		if attempt > 0 && errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return notFound(err)
	}
	s.bus.BroadcastToRoom(msg.ConversationID, protocol.EventMessageReactionRemoved,
		ReactionEvent{MessageID: messageID, ConversationID: msg.ConversationID, UserID: actor.UserID, Emoji: emoji})
	return nil
}

// MarkAsRead 只有首次阅读写入回执并推送 message:read，之后的调用静默成功。
func (s *MessageService) MarkAsRead(ctx context.Context, actor auth.Identity, messageID string) error {
	msg, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := activeMember(ctx, s.store, msg.ConversationID, actor.UserID); err != nil {
		return err
	}
	receipt := &models.MessageReadReceipt{MessageID: messageID, UserID: actor.UserID, ReadAt: s.clock.Now()}
	err = insert("create read receipt", func() error { return s.store.CreateReadReceipt(ctx, receipt) })
	if errors.Is(err, store.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return err
	}
	count, err := read("count read receipts", func() (int64, error) {
		return s.store.CountReadReceipts(ctx, messageID)
	})
	if err != nil {
		// 回执已写入，计数只影响推送内容。
		count = 0
	}
	s.bus.BroadcastToRoom(msg.ConversationID, protocol.EventMessageRead, ReadEvent{
		MessageID:      messageID,
		ConversationID: msg.ConversationID,
		UserID:         actor.UserID,
		ReadAt:         receipt.ReadAt,
		ReadCount:      count,
	})
	return nil
}
