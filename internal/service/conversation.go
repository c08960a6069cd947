package service

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"carechat/internal/auth"
	"carechat/internal/models"
	"carechat/internal/protocol"
	"carechat/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	maxTitleLen       = 255
	maxDescriptionLen = 2000
)

// ConversationService 管理会话与成员关系。
type ConversationService struct {
	store  store.Store
	bus    Broadcaster
	clock  *clock
	limits Limits
}

func NewConversationService(st store.Store, bus Broadcaster, limits Limits) *ConversationService {
	return &ConversationService{store: st, bus: bus, clock: newClock(), limits: limits}
}

type CreateConversationInput struct {
	Type        models.ConversationType `json:"type"`
	MemberIDs   []string                `json:"memberIds"`
	Title       *string                 `json:"title"`
	Description *string                 `json:"description"`
}

type ListConversationsInput struct {
	Type     models.ConversationType
	Archived *bool
	Search   string
	Page     int
	Limit    int
}

type ConversationPage struct {
	Items []ConversationDTO `json:"items"`
	Total int64             `json:"total"`
	Page  int               `json:"page"`
	Limit int               `json:"limit"`
}

type UpdateConversationInput struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	IsArchived  *bool   `json:"isArchived"`
}

type UpdateMemberInput struct {
	IsAdmin              *bool `json:"isAdmin"`
	IsMuted              *bool `json:"isMuted"`
	NotificationsEnabled *bool `json:"notificationsEnabled"`
}

// DirectKey 把一对用户映射为与顺序无关的唯一键。
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

func validText(p *string, max int) bool {
	return p == nil || utf8.RuneCountInString(*p) <= max
}

// Create 创建会话；DIRECT 会话幂等，已存在时返回旧会话且 created 为 false。
func (s *ConversationService) Create(ctx context.Context, actor auth.Identity, in CreateConversationInput) (*ConversationDTO, bool, error) {
	if !in.Type.Valid() || !validText(in.Title, maxTitleLen) || !validText(in.Description, maxDescriptionLen) {
		return nil, false, ErrInvalidInput
	}
	ids := uniqueIDs(actor.UserID, in.MemberIDs)
	if in.Type == models.ConversationDirect && len(ids) != 2 {
		return nil, false, ErrInvalidDirectSize
	}
	if err := s.requireActiveUsers(ctx, ids); err != nil {
		return nil, false, err
	}

	var key *string
	if in.Type == models.ConversationDirect {
		k := DirectKey(ids[0], ids[1])
		key = &k
		existing, err := read("get direct conversation", func() (*models.Conversation, error) {
			return s.store.GetDirectConversation(ctx, k)
		})
		if err == nil {
			dto := toConversationDTO(existing)
			return &dto, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	now := s.clock.Now()
	conv := &models.Conversation{
		ID:          uuid.NewString(),
		Title:       in.Title,
		Description: in.Description,
		Type:        in.Type,
		CreatedBy:   actor.UserID,
		DirectKey:   key,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	members := make([]models.ConversationMember, 0, len(ids))
	for _, id := range ids {
		members = append(members, models.ConversationMember{
			ConversationID:       conv.ID,
			UserID:               id,
			IsAdmin:              in.Type != models.ConversationDirect && id == actor.UserID,
			JoinedAt:             now,
			NotificationsEnabled: true,
		})
	}

	err := insert("create conversation", func() error {
		return s.store.CreateConversation(ctx, conv, members)
	})
	if errors.Is(err, store.ErrDuplicate) && key != nil {
		// 并发创建同一对私聊时输掉唯一约束的一方返回胜者。
		winner, rerr := read("get direct conversation", func() (*models.Conversation, error) {
			return s.store.GetDirectConversation(ctx, *key)
		})
		if rerr != nil {
			return nil, false, rerr
		}
		dto := toConversationDTO(winner)
		return &dto, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	conv.Members = members
	dto := toConversationDTO(conv)
	for _, id := range ids {
		s.bus.JoinUser(id, conv.ID)
		s.bus.BroadcastToUser(id, protocol.EventConversationCreated, dto)
	}
	log.Info().Str("conversation_id", conv.ID).Str("type", string(conv.Type)).Int("members", len(ids)).Msg("conversation created")
	return &dto, true, nil
}

func uniqueIDs(first string, rest []string) []string {
	seen := map[string]bool{first: true}
	out := []string{first}
	for _, id := range rest {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (s *ConversationService) requireActiveUsers(ctx context.Context, ids []string) error {
	users, err := read("list users", func() ([]models.User, error) {
		return s.store.ListUsers(ctx, ids)
	})
	if err != nil {
		return err
	}
	active := make(map[string]bool, len(users))
	for _, u := range users {
		active[u.ID] = u.IsActive
	}
	for _, id := range ids {
		if !active[id] {
			return ErrInvalidMembership
		}
	}
	return nil
}

func (s *ConversationService) load(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := read("get conversation", func() (*models.Conversation, error) {
		return s.store.GetConversation(ctx, id)
	})
	return conv, notFound(err)
}

// activeMember 返回仍在会话中的成员行，否则 ErrNotAMember。
func activeMember(ctx context.Context, st store.Store, conversationID, userID string) (*models.ConversationMember, error) {
	m, err := read("get member", func() (*models.ConversationMember, error) {
		return st.GetMember(ctx, conversationID, userID)
	})
	if errors.Is(err, store.ErrNotFound) || (err == nil && !m.Active()) {
		return nil, ErrNotAMember
	}
	return m, err
}

// authorizeManage 要求 actor 是会话的有效管理员或平台审核员。
func (s *ConversationService) authorizeManage(ctx context.Context, conversationID string, actor auth.Identity) error {
	if actor.IsModerator() {
		return nil
	}
	m, err := activeMember(ctx, s.store, conversationID, actor.UserID)
	if err != nil {
		return err
	}
	if !m.IsAdmin {
		return ErrInsufficientPermission
	}
	return nil
}

func (s *ConversationService) Get(ctx context.Context, actor auth.Identity, id string) (*ConversationDTO, error) {
	conv, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsModerator() && !hasActiveMember(conv, actor.UserID) {
		return nil, ErrAccessDenied
	}
	dto := toConversationDTO(conv)
	return &dto, nil
}

func hasActiveMember(conv *models.Conversation, userID string) bool {
	for _, m := range conv.Members {
		if m.UserID == userID && m.Active() {
			return true
		}
	}
	return false
}

// List 返回 actor 作为有效成员的会话，limit 总是被截断到上限。
func (s *ConversationService) List(ctx context.Context, actor auth.Identity, in ListConversationsInput) (*ConversationPage, error) {
	if in.Type != "" && !in.Type.Valid() {
		return nil, ErrInvalidInput
	}
	limit := clampLimit(in.Limit, s.limits.ConversationDefault, s.limits.ConversationMax)
	page := max(in.Page, 1)
	f := store.ConversationFilter{
		UserID:   actor.UserID,
		Type:     in.Type,
		Archived: in.Archived,
		Search:   strings.TrimSpace(in.Search),
		Offset:   (page - 1) * limit,
		Limit:    limit,
	}
	var (
		convs []models.Conversation
		total int64
	)
	err := withRetry("list conversations", func(int) error {
		var err error
		convs, total, err = s.store.ListConversations(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := &ConversationPage{Items: make([]ConversationDTO, 0, len(convs)), Total: total, Page: page, Limit: limit}
	for i := range convs {
		out.Items = append(out.Items, toConversationDTO(&convs[i]))
	}
	return out, nil
}

func (s *ConversationService) Update(ctx context.Context, actor auth.Identity, id string, in UpdateConversationInput) (*ConversationDTO, error) {
	if in.Title == nil && in.Description == nil && in.IsArchived == nil {
		return nil, ErrInvalidInput
	}
	if !validText(in.Title, maxTitleLen) || !validText(in.Description, maxDescriptionLen) {
		return nil, ErrInvalidInput
	}
	conv, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeManage(ctx, id, actor); err != nil {
		return nil, err
	}
	if in.Title != nil {
		conv.Title = in.Title
	}
	if in.Description != nil {
		conv.Description = in.Description
	}
	if in.IsArchived != nil {
		conv.IsArchived = *in.IsArchived
	}
	conv.UpdatedAt = s.clock.Now()
	if err := withRetry("update conversation", func(int) error {
		return s.store.UpdateConversation(ctx, conv)
	}); err != nil {
		return nil, notFound(err)
	}
	dto := toConversationDTO(conv)
	s.bus.BroadcastToRoom(conv.ID, protocol.EventConversationUpdated, dto)
	return &dto, nil
}

// AddMember 加入或重新激活成员；已经是有效成员时原样返回，不产生事件。
func (s *ConversationService) AddMember(ctx context.Context, actor auth.Identity, conversationID, userID string, isAdmin bool) (*MemberDTO, error) {
	conv, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeManage(ctx, conversationID, actor); err != nil {
		return nil, err
	}
	if conv.Type == models.ConversationDirect {
		return nil, ErrInvalidDirectSize
	}
	if err := s.requireActiveUsers(ctx, []string{userID}); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	existing, err := read("get member", func() (*models.ConversationMember, error) {
		return s.store.GetMember(ctx, conversationID, userID)
	})
	var member *models.ConversationMember
	switch {
	case err == nil && existing.Active():
		dto := toMemberDTO(*existing)
		return &dto, nil
	case err == nil:
		existing.LeftAt = nil
		existing.JoinedAt = now
		existing.IsAdmin = isAdmin
		if err := withRetry("update member", func(int) error {
			return s.store.UpdateMember(ctx, existing)
		}); err != nil {
			return nil, err
		}
		member = existing
	case errors.Is(err, store.ErrNotFound):
		member = &models.ConversationMember{
			ConversationID:       conversationID,
			UserID:               userID,
			IsAdmin:              isAdmin,
			JoinedAt:             now,
			NotificationsEnabled: true,
		}
		err := insert("create member", func() error { return s.store.CreateMember(ctx, member) })
		if errors.Is(err, store.ErrDuplicate) {
			// 并发加入，返回已经写入的那一行。
			m, rerr := activeMember(ctx, s.store, conversationID, userID)
			if rerr != nil {
				return nil, rerr
			}
			dto := toMemberDTO(*m)
			return &dto, nil
		}
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	ev := MemberEvent{ConversationID: conversationID, Member: toMemberDTO(*member)}
	s.bus.BroadcastToRoom(conversationID, protocol.EventConversationMemberAdded, ev)
	s.bus.JoinUser(userID, conversationID)
	s.bus.BroadcastToUser(userID, protocol.EventConversationMemberAdded, ev)
	return &ev.Member, nil
}

// RemoveMember 由管理员移除成员，或成员自己退出。
func (s *ConversationService) RemoveMember(ctx context.Context, actor auth.Identity, conversationID, userID string) error {
	conv, err := s.load(ctx, conversationID)
	if err != nil {
		return err
	}
	// DIRECT 会话固定两名成员，不允许退出或移除。
	if conv.Type == models.ConversationDirect {
		return ErrInvalidDirectSize
	}
	if actor.UserID != userID {
		if err := s.authorizeManage(ctx, conversationID, actor); err != nil {
			return err
		}
	}
	m, err := activeMember(ctx, s.store, conversationID, userID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	m.LeftAt = &now
	if err := withRetry("update member", func(int) error {
		return s.store.UpdateMember(ctx, m)
	}); err != nil {
		return err
	}
	s.bus.BroadcastToRoom(conversationID, protocol.EventConversationMemberRemoved,
		MemberRemovedEvent{ConversationID: conversationID, UserID: userID, RemovedBy: actor.UserID})
	s.bus.RemoveUser(userID, conversationID)
	return nil
}

// UpdateMember 修改成员设置；管理员标记需要管理权限，成员可以改自己的免打扰与通知开关。
func (s *ConversationService) UpdateMember(ctx context.Context, actor auth.Identity, conversationID, userID string, in UpdateMemberInput) (*MemberDTO, error) {
	if in.IsAdmin == nil && in.IsMuted == nil && in.NotificationsEnabled == nil {
		return nil, ErrInvalidInput
	}
	if _, err := s.load(ctx, conversationID); err != nil {
		return nil, err
	}
	m, err := activeMember(ctx, s.store, conversationID, userID)
	if err != nil {
		return nil, err
	}
	selfOnly := in.IsAdmin == nil && actor.UserID == userID
	if !selfOnly {
		if err := s.authorizeManage(ctx, conversationID, actor); err != nil {
			return nil, err
		}
	}
	if in.IsAdmin != nil {
		m.IsAdmin = *in.IsAdmin
	}
	if in.IsMuted != nil {
		m.IsMuted = *in.IsMuted
	}
	if in.NotificationsEnabled != nil {
		m.NotificationsEnabled = *in.NotificationsEnabled
	}
	if err := withRetry("update member", func(int) error {
		return s.store.UpdateMember(ctx, m)
	}); err != nil {
		return nil, err
	}
	ev := MemberEvent{ConversationID: conversationID, Member: toMemberDTO(*m)}
	s.bus.BroadcastToRoom(conversationID, protocol.EventConversationMemberUpdated, ev)
	return &ev.Member, nil
}

// ActiveConversationIDs 供连接建立时自动订阅房间。
func (s *ConversationService) ActiveConversationIDs(ctx context.Context, userID string) ([]string, error) {
	return read("active conversation ids", func() ([]string, error) {
		return s.store.ActiveConversationIDs(ctx, userID)
	})
}

// CanJoin 校验连接能否订阅会话房间。
func (s *ConversationService) CanJoin(ctx context.Context, actor auth.Identity, conversationID string) error {
	if _, err := s.load(ctx, conversationID); err != nil {
		return err
	}
	_, err := activeMember(ctx, s.store, conversationID, actor.UserID)
	return err
}
