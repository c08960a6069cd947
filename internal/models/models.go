package models

import (
	"encoding/json"
	"time"
)

// Role 是账号系统给出的平台角色。
type Role string

const (
	RolePatient      Role = "patient"
	RolePractitioner Role = "practitioner"
	RoleModerator    Role = "moderator"
	RoleAdmin        Role = "admin"
)

// IsModerator 表示该角色拥有平台审核能力。
func (r Role) IsModerator() bool { return r == RoleModerator || r == RoleAdmin }

type ConversationType string

const (
	ConversationDirect  ConversationType = "DIRECT"
	ConversationGroup   ConversationType = "GROUP"
	ConversationSupport ConversationType = "SUPPORT"
)

func (t ConversationType) Valid() bool {
	switch t {
	case ConversationDirect, ConversationGroup, ConversationSupport:
		return true
	}
	return false
}

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageDocument MessageType = "document"
	MessageVoice    MessageType = "voice"
	MessageVideo    MessageType = "video"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageDocument, MessageVoice, MessageVideo:
		return true
	}
	return false
}

// User 只是外部账号系统的数据契约，本服务只读。
type User struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	Name      string `gorm:"size:128;not null"`
	Role      Role   `gorm:"size:32;not null;default:patient"`
	IsActive  bool   `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Conversation struct {
	ID            string           `gorm:"type:uuid;primaryKey"`
	Title         *string          `gorm:"size:255"`
	Description   *string          `gorm:"type:text"`
	Type          ConversationType `gorm:"size:16;not null;index"`
	IsArchived    bool             `gorm:"not null;default:false"`
	CreatedBy     string           `gorm:"type:uuid;not null"`
	LastMessageID *string          `gorm:"type:uuid"`
	LastMessageAt *time.Time       `gorm:"index:idx_conv_listing,priority:1,sort:desc"`
	// DirectKey 仅 DIRECT 会话非空，唯一索引保证同一对用户只有一个私聊会话。
	DirectKey *string `gorm:"size:80;uniqueIndex"`
	CreatedAt time.Time `gorm:"index:idx_conv_listing,priority:2,sort:desc"`
	UpdatedAt time.Time

	Members []ConversationMember `gorm:"foreignKey:ConversationID"`
}

type ConversationMember struct {
	ID                   uint       `gorm:"primaryKey"`
	ConversationID       string     `gorm:"type:uuid;not null;uniqueIndex:idx_member_conv_user,priority:1"`
	UserID               string     `gorm:"type:uuid;not null;uniqueIndex:idx_member_conv_user,priority:2;index"`
	IsAdmin              bool       `gorm:"not null;default:false"`
	JoinedAt             time.Time  `gorm:"not null"`
	LeftAt               *time.Time `gorm:"index"`
	IsMuted              bool       `gorm:"not null;default:false"`
	NotificationsEnabled bool       `gorm:"not null;default:true"`
}

// Active 成员关系以 LeftAt 为空为准。
func (m ConversationMember) Active() bool { return m.LeftAt == nil }

type Message struct {
	ID             string          `gorm:"type:uuid;primaryKey"`
	ConversationID string          `gorm:"type:uuid;not null;index:idx_msg_conv_created,priority:1"`
	SenderID       string          `gorm:"type:uuid;not null;index"`
	Content        *string         `gorm:"type:text"`
	Type           MessageType     `gorm:"size:16;not null"`
	ReplyToID      *string         `gorm:"type:uuid"`
	Metadata       json.RawMessage `gorm:"type:jsonb"`
	IsEdited       bool            `gorm:"not null;default:false"`
	EditedAt       *time.Time
	IsDeleted      bool `gorm:"not null;default:false"`
	DeletedAt      *time.Time
	CreatedAt      time.Time `gorm:"not null;index:idx_msg_conv_created,priority:2,sort:desc"`
	UpdatedAt      time.Time

	Attachments []MessageAttachment `gorm:"foreignKey:MessageID"`
	Reactions   []MessageReaction   `gorm:"foreignKey:MessageID"`
}

type MessageAttachment struct {
	ID           string  `gorm:"type:uuid;primaryKey"`
	MessageID    string  `gorm:"type:uuid;not null;index"`
	FileName     string  `gorm:"size:255;not null"`
	FileSize     int64   `gorm:"not null"`
	MimeType     string  `gorm:"size:128;not null"`
	URL          string  `gorm:"type:text;not null"`
	ThumbnailURL *string `gorm:"type:text"`
	Width        *int
	Height       *int
	Duration     *int
	CreatedAt    time.Time
}

type MessageReaction struct {
	ID        uint   `gorm:"primaryKey"`
	MessageID string `gorm:"type:uuid;not null;uniqueIndex:idx_reaction_msg_user_emoji,priority:1"`
	UserID    string `gorm:"type:uuid;not null;uniqueIndex:idx_reaction_msg_user_emoji,priority:2"`
	Emoji     string `gorm:"size:32;not null;uniqueIndex:idx_reaction_msg_user_emoji,priority:3"`
	CreatedAt time.Time
}

type MessageReadReceipt struct {
	ID        uint      `gorm:"primaryKey"`
	MessageID string    `gorm:"type:uuid;not null;uniqueIndex:idx_receipt_msg_user,priority:1"`
	UserID    string    `gorm:"type:uuid;not null;uniqueIndex:idx_receipt_msg_user,priority:2"`
	ReadAt    time.Time `gorm:"not null"`
}
