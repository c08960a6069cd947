package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"carechat/internal/models"
)

// Memory 是进程内 Store 实现，唯一约束语义与 Postgres 表结构保持一致。
// 用于本地开发（STORE_DRIVER=memory）和测试。
type Memory struct {
	mu sync.RWMutex

	users         map[string]models.User
	conversations map[string]models.Conversation
	directKeys    map[string]string
	members       map[memberKey]models.ConversationMember
	messages      map[string]models.Message
	attachments   map[string][]models.MessageAttachment
	reactions     map[reactionKey]models.MessageReaction
	receipts      map[memberKey]models.MessageReadReceipt

	nextID uint
}

type memberKey struct{ a, b string }

type reactionKey struct{ messageID, userID, emoji string }

func NewMemory() *Memory {
	return &Memory{
		users:         make(map[string]models.User),
		conversations: make(map[string]models.Conversation),
		directKeys:    make(map[string]string),
		members:       make(map[memberKey]models.ConversationMember),
		messages:      make(map[string]models.Message),
		attachments:   make(map[string][]models.MessageAttachment),
		reactions:     make(map[reactionKey]models.MessageReaction),
		receipts:      make(map[memberKey]models.MessageReadReceipt),
	}
}

// PutUser 写入或覆盖一个用户，模拟外部账号系统的数据。
func (s *Memory) PutUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Memory) id() uint {
	s.nextID++
	return s.nextID
}

func (s *Memory) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (s *Memory) ListUsers(_ context.Context, ids []string) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *Memory) CreateConversation(_ context.Context, conv *models.Conversation, members []models.ConversationMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conv.ID]; ok {
		return ErrDuplicate
	}
	if conv.DirectKey != nil {
		if _, ok := s.directKeys[*conv.DirectKey]; ok {
			return ErrDuplicate
		}
	}
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if seen[m.UserID] {
			return ErrDuplicate
		}
		seen[m.UserID] = true
	}

	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = conv.CreatedAt
	for i := range members {
		members[i].ID = s.id()
		members[i].ConversationID = conv.ID
		s.members[memberKey{conv.ID, members[i].UserID}] = members[i]
	}
	stored := *conv
	stored.Members = nil
	s.conversations[conv.ID] = stored
	if conv.DirectKey != nil {
		s.directKeys[*conv.DirectKey] = conv.ID
	}
	conv.Members = members
	return nil
}

// withMembers 调用方需持有读锁。
func (s *Memory) withMembers(conv models.Conversation) models.Conversation {
	var ms []models.ConversationMember
	for k, m := range s.members {
		if k.a == conv.ID && m.Active() {
			ms = append(ms, m)
		}
	}
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].JoinedAt.Equal(ms[j].JoinedAt) {
			return ms[i].ID < ms[j].ID
		}
		return ms[i].JoinedAt.Before(ms[j].JoinedAt)
	})
	conv.Members = ms
	return conv
}

func (s *Memory) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := s.withMembers(conv)
	return &out, nil
}

func (s *Memory) GetDirectConversation(ctx context.Context, directKey string) (*models.Conversation, error) {
	s.mu.RLock()
	id, ok := s.directKeys[directKey]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetConversation(ctx, id)
}

func (s *Memory) UpdateConversation(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Title = conv.Title
	cur.Description = conv.Description
	cur.IsArchived = conv.IsArchived
	cur.UpdatedAt = conv.UpdatedAt
	s.conversations[conv.ID] = cur
	return nil
}

func (s *Memory) ListConversations(_ context.Context, f ConversationFilter) ([]models.Conversation, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	search := strings.ToLower(f.Search)
	var matched []models.Conversation
	for _, conv := range s.conversations {
		m, ok := s.members[memberKey{conv.ID, f.UserID}]
		if !ok || !m.Active() {
			continue
		}
		if f.Type != "" && conv.Type != f.Type {
			continue
		}
		if f.Archived != nil && conv.IsArchived != *f.Archived {
			continue
		}
		if search != "" && !containsFold(conv.Title, search) && !containsFold(conv.Description, search) {
			continue
		}
		matched = append(matched, conv)
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		switch {
		case a.LastMessageAt != nil && b.LastMessageAt == nil:
			return true
		case a.LastMessageAt == nil && b.LastMessageAt != nil:
			return false
		case a.LastMessageAt != nil && !a.LastMessageAt.Equal(*b.LastMessageAt):
			return a.LastMessageAt.After(*b.LastMessageAt)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	total := int64(len(matched))
	if f.Offset >= len(matched) {
		return []models.Conversation{}, total, nil
	}
	end := len(matched)
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	page := make([]models.Conversation, 0, end-f.Offset)
	for _, conv := range matched[f.Offset:end] {
		page = append(page, s.withMembers(conv))
	}
	return page, total, nil
}

func containsFold(s *string, lowerNeedle string) bool {
	return s != nil && strings.Contains(strings.ToLower(*s), lowerNeedle)
}

func (s *Memory) GetMember(_ context.Context, conversationID, userID string) (*models.ConversationMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberKey{conversationID, userID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *Memory) CreateMember(_ context.Context, m *models.ConversationMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memberKey{m.ConversationID, m.UserID}
	if _, ok := s.members[k]; ok {
		return ErrDuplicate
	}
	m.ID = s.id()
	s.members[k] = *m
	return nil
}

func (s *Memory) UpdateMember(_ context.Context, m *models.ConversationMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memberKey{m.ConversationID, m.UserID}
	cur, ok := s.members[k]
	if !ok {
		return ErrNotFound
	}
	m.ID = cur.ID
	s.members[k] = *m
	return nil
}

func (s *Memory) ActiveConversationIDs(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for k, m := range s.members {
		if k.b == userID && m.Active() {
			ids = append(ids, k.a)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Memory) CreateMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; ok {
		return ErrDuplicate
	}
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.UpdatedAt = msg.CreatedAt
	atts := make([]models.MessageAttachment, len(msg.Attachments))
	for i, a := range msg.Attachments {
		a.MessageID = msg.ID
		a.CreatedAt = msg.CreatedAt
		atts[i] = a
	}
	msg.Attachments = atts
	s.attachments[msg.ID] = atts

	stored := *msg
	stored.Attachments = nil
	stored.Reactions = nil
	s.messages[msg.ID] = stored

	id, at := msg.ID, msg.CreatedAt
	conv.LastMessageID = &id
	conv.LastMessageAt = &at
	conv.UpdatedAt = at
	s.conversations[conv.ID] = conv
	return nil
}

// hydrate 调用方需持有读锁。
func (s *Memory) hydrate(msg models.Message) models.Message {
	msg.Attachments = append([]models.MessageAttachment(nil), s.attachments[msg.ID]...)
	var rs []models.MessageReaction
	for k, r := range s.reactions {
		if k.messageID == msg.ID {
			rs = append(rs, r)
		}
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
	msg.Reactions = rs
	return msg
}

func (s *Memory) GetMessage(_ context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := s.hydrate(msg)
	return &out, nil
}

func (s *Memory) ListMessages(_ context.Context, f MessageFilter) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	search := strings.ToLower(f.Search)
	var matched []models.Message
	for _, msg := range s.messages {
		if msg.ConversationID != f.ConversationID {
			continue
		}
		if f.Before != nil && !msg.CreatedAt.Before(*f.Before) {
			continue
		}
		if f.After != nil && !msg.CreatedAt.After(*f.After) {
			continue
		}
		if f.Type != "" && msg.Type != f.Type {
			continue
		}
		if search != "" && (msg.IsDeleted || !containsFold(msg.Content, search)) {
			continue
		}
		matched = append(matched, msg)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	out := make([]models.Message, 0, len(matched))
	for _, msg := range matched {
		out = append(out, s.hydrate(msg))
	}
	return out, nil
}

func (s *Memory) UpdateMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.messages[msg.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Content = msg.Content
	cur.Metadata = msg.Metadata
	cur.IsEdited = msg.IsEdited
	cur.EditedAt = msg.EditedAt
	cur.IsDeleted = msg.IsDeleted
	cur.DeletedAt = msg.DeletedAt
	cur.UpdatedAt = msg.UpdatedAt
	s.messages[msg.ID] = cur
	return nil
}

func (s *Memory) CreateReaction(_ context.Context, r *models.MessageReaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := reactionKey{r.MessageID, r.UserID, r.Emoji}
	if _, ok := s.reactions[k]; ok {
		return ErrDuplicate
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.ID = s.id()
	s.reactions[k] = *r
	return nil
}

func (s *Memory) DeleteReaction(_ context.Context, messageID, userID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := reactionKey{messageID, userID, emoji}
	if _, ok := s.reactions[k]; !ok {
		return ErrNotFound
	}
	delete(s.reactions, k)
	return nil
}

func (s *Memory) CreateReadReceipt(_ context.Context, r *models.MessageReadReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memberKey{r.MessageID, r.UserID}
	if _, ok := s.receipts[k]; ok {
		return ErrDuplicate
	}
	r.ID = s.id()
	s.receipts[k] = *r
	return nil
}

func (s *Memory) CountReadReceipts(_ context.Context, messageID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for k := range s.receipts {
		if k.a == messageID {
			n++
		}
	}
	return n, nil
}
