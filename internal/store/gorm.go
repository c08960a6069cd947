package store

import (
	"context"
	"errors"

	"carechat/internal/models"

	"gorm.io/gorm"
)

// Gorm 是基于 gorm + Postgres 的 Store 实现。
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	}
	return err
}

func activeMembers(db *gorm.DB) *gorm.DB {
	return db.Where("left_at IS NULL").Order("joined_at asc")
}

func (s *Gorm) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (s *Gorm) ListUsers(ctx context.Context, ids []string) ([]models.User, error) {
	var users []models.User
	if len(ids) == 0 {
		return users, nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Gorm) CreateConversation(ctx context.Context, conv *models.Conversation, members []models.ConversationMember) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Members").Create(conv).Error; err != nil {
			return err
		}
		if len(members) > 0 {
			if err := tx.Create(&members).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return translate(err)
	}
	conv.Members = members
	return nil
}

func (s *Gorm) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).Preload("Members", activeMembers).First(&conv, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &conv, nil
}

func (s *Gorm) GetDirectConversation(ctx context.Context, directKey string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).Preload("Members", activeMembers).First(&conv, "direct_key = ?", directKey).Error
	if err != nil {
		return nil, translate(err)
	}
	return &conv, nil
}

func (s *Gorm) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	err := s.db.WithContext(ctx).Model(conv).
		Select("title", "description", "is_archived", "updated_at").
		Updates(conv).Error
	return translate(err)
}

func (s *Gorm) ListConversations(ctx context.Context, f ConversationFilter) ([]models.Conversation, int64, error) {
	base := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&models.Conversation{}).
			Joins("JOIN conversation_members cm ON cm.conversation_id = conversations.id AND cm.user_id = ? AND cm.left_at IS NULL", f.UserID)
		if f.Type != "" {
			q = q.Where("conversations.type = ?", f.Type)
		}
		if f.Archived != nil {
			q = q.Where("conversations.is_archived = ?", *f.Archived)
		}
		if f.Search != "" {
			like := "%" + f.Search + "%"
			q = q.Where("conversations.title ILIKE ? OR conversations.description ILIKE ?", like, like)
		}
		return q
	}

	var total int64
	if err := base().Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var convs []models.Conversation
	err := base().Preload("Members", activeMembers).
		Order("conversations.last_message_at DESC NULLS LAST").
		Order("conversations.created_at DESC").
		Offset(f.Offset).Limit(f.Limit).
		Find(&convs).Error
	if err != nil {
		return nil, 0, err
	}
	return convs, total, nil
}

func (s *Gorm) GetMember(ctx context.Context, conversationID, userID string) (*models.ConversationMember, error) {
	var m models.ConversationMember
	err := s.db.WithContext(ctx).First(&m, "conversation_id = ? AND user_id = ?", conversationID, userID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

func (s *Gorm) CreateMember(ctx context.Context, m *models.ConversationMember) error {
	return translate(s.db.WithContext(ctx).Create(m).Error)
}

func (s *Gorm) UpdateMember(ctx context.Context, m *models.ConversationMember) error {
	err := s.db.WithContext(ctx).Model(m).
		Select("is_admin", "joined_at", "left_at", "is_muted", "notifications_enabled").
		Updates(m).Error
	return translate(err)
}

func (s *Gorm) ActiveConversationIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.ConversationMember{}).
		Where("user_id = ? AND left_at IS NULL", userID).
		Pluck("conversation_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Gorm) CreateMessage(ctx context.Context, msg *models.Message) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Reactions").Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&models.Conversation{}).Where("id = ?", msg.ConversationID).Updates(map[string]interface{}{
			"last_message_id": msg.ID,
			"last_message_at": msg.CreatedAt,
			"updated_at":      msg.CreatedAt,
		}).Error
	})
	return translate(err)
}

func (s *Gorm) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).
		Preload("Attachments").
		Preload("Reactions", func(db *gorm.DB) *gorm.DB { return db.Order("created_at asc") }).
		First(&msg, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

func (s *Gorm) ListMessages(ctx context.Context, f MessageFilter) ([]models.Message, error) {
	q := s.db.WithContext(ctx).Where("conversation_id = ?", f.ConversationID)
	if f.Before != nil {
		q = q.Where("created_at < ?", *f.Before)
	}
	if f.After != nil {
		q = q.Where("created_at > ?", *f.After)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Search != "" {
		q = q.Where("is_deleted = ? AND content ILIKE ?", false, "%"+f.Search+"%")
	}
	var msgs []models.Message
	err := q.Preload("Attachments").
		Preload("Reactions", func(db *gorm.DB) *gorm.DB { return db.Order("created_at asc") }).
		Order("created_at desc").Limit(f.Limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Gorm) UpdateMessage(ctx context.Context, msg *models.Message) error {
	err := s.db.WithContext(ctx).Model(msg).
		Select("content", "metadata", "is_edited", "edited_at", "is_deleted", "deleted_at", "updated_at").
		Updates(msg).Error
	return translate(err)
}

func (s *Gorm) CreateReaction(ctx context.Context, r *models.MessageReaction) error {
	return translate(s.db.WithContext(ctx).Create(r).Error)
}

func (s *Gorm) DeleteReaction(ctx context.Context, messageID, userID, emoji string) error {
	res := s.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
		Delete(&models.MessageReaction{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Gorm) CreateReadReceipt(ctx context.Context, r *models.MessageReadReceipt) error {
	return translate(s.db.WithContext(ctx).Create(r).Error)
}

func (s *Gorm) CountReadReceipts(ctx context.Context, messageID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.MessageReadReceipt{}).Where("message_id = ?", messageID).Count(&n).Error
	return n, err
}
