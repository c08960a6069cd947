package service

import (
	"encoding/json"
	"time"

	"carechat/internal/models"
)

// ConversationDTO 是对外输出的会话数据，Members 只包含有效成员。
type ConversationDTO struct {
	ID            string                  `json:"id"`
	Title         *string                 `json:"title,omitempty"`
	Description   *string                 `json:"description,omitempty"`
	Type          models.ConversationType `json:"type"`
	IsArchived    bool                    `json:"isArchived"`
	CreatedBy     string                  `json:"createdBy"`
	LastMessageID *string                 `json:"lastMessageId,omitempty"`
	LastMessageAt *time.Time              `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time               `json:"createdAt"`
	UpdatedAt     time.Time               `json:"updatedAt"`
	Members       []MemberDTO             `json:"members"`
}

type MemberDTO struct {
	UserID               string     `json:"userId"`
	IsAdmin              bool       `json:"isAdmin"`
	JoinedAt             time.Time  `json:"joinedAt"`
	LeftAt               *time.Time `json:"leftAt,omitempty"`
	IsMuted              bool       `json:"isMuted"`
	NotificationsEnabled bool       `json:"notificationsEnabled"`
}

type MessageDTO struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversationId"`
	SenderID       string             `json:"senderId"`
	Content        *string            `json:"content"`
	Type           models.MessageType `json:"type"`
	ReplyToID      *string            `json:"replyToId,omitempty"`
	Metadata       json.RawMessage    `json:"metadata,omitempty"`
	IsEdited       bool               `json:"isEdited"`
	EditedAt       *time.Time         `json:"editedAt,omitempty"`
	IsDeleted      bool               `json:"isDeleted"`
	DeletedAt      *time.Time         `json:"deletedAt,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
	Attachments    []AttachmentDTO    `json:"attachments"`
	Reactions      []ReactionDTO      `json:"reactions"`
}

type AttachmentDTO struct {
	ID           string  `json:"id"`
	FileName     string  `json:"fileName"`
	FileSize     int64   `json:"fileSize"`
	MimeType     string  `json:"mimeType"`
	URL          string  `json:"url"`
	ThumbnailURL *string `json:"thumbnailUrl,omitempty"`
	Width        *int    `json:"width,omitempty"`
	Height       *int    `json:"height,omitempty"`
	Duration     *int    `json:"duration,omitempty"`
}

type ReactionDTO struct {
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// 推送事件负载。

type MemberEvent struct {
	ConversationID string    `json:"conversationId"`
	Member         MemberDTO `json:"member"`
}

type MemberRemovedEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	RemovedBy      string `json:"removedBy"`
}

type MessageDeletedEvent struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	DeletedAt      time.Time `json:"deletedAt"`
}

type ReactionEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Emoji          string `json:"emoji"`
}

type ReadEvent struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
	ReadCount      int64     `json:"readCount"`
}

func toMemberDTO(m models.ConversationMember) MemberDTO {
	return MemberDTO{
		UserID:               m.UserID,
		IsAdmin:              m.IsAdmin,
		JoinedAt:             m.JoinedAt,
		LeftAt:               m.LeftAt,
		IsMuted:              m.IsMuted,
		NotificationsEnabled: m.NotificationsEnabled,
	}
}

func toConversationDTO(c *models.Conversation) ConversationDTO {
	out := ConversationDTO{
		ID:            c.ID,
		Title:         c.Title,
		Description:   c.Description,
		Type:          c.Type,
		IsArchived:    c.IsArchived,
		CreatedBy:     c.CreatedBy,
		LastMessageID: c.LastMessageID,
		LastMessageAt: c.LastMessageAt,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		Members:       make([]MemberDTO, 0, len(c.Members)),
	}
	for _, m := range c.Members {
		if m.Active() {
			out.Members = append(out.Members, toMemberDTO(m))
		}
	}
	return out
}

func toMessageDTO(m *models.Message) MessageDTO {
	out := MessageDTO{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Type:           m.Type,
		ReplyToID:      m.ReplyToID,
		Metadata:       m.Metadata,
		IsEdited:       m.IsEdited,
		EditedAt:       m.EditedAt,
		IsDeleted:      m.IsDeleted,
		DeletedAt:      m.DeletedAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		Attachments:    make([]AttachmentDTO, 0, len(m.Attachments)),
		Reactions:      make([]ReactionDTO, 0, len(m.Reactions)),
	}
	// 已删除消息只保留骨架。
	if m.IsDeleted {
		return out
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, AttachmentDTO{
			ID: a.ID, FileName: a.FileName, FileSize: a.FileSize, MimeType: a.MimeType, URL: a.URL,
			ThumbnailURL: a.ThumbnailURL, Width: a.Width, Height: a.Height, Duration: a.Duration,
		})
	}
	for _, r := range m.Reactions {
		out.Reactions = append(out.Reactions, ReactionDTO{UserID: r.UserID, Emoji: r.Emoji, CreatedAt: r.CreatedAt})
	}
	return out
}
