package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"carechat/internal/auth"
	"carechat/internal/models"
	"carechat/internal/presence"
	"carechat/internal/protocol"
	"carechat/internal/service"
	"carechat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	convs    *service.ConversationService
	msgs     *service.MessageService
	hub      *ws.Hub
	presence *presence.Store
}

func NewHandler(convs *service.ConversationService, msgs *service.MessageService, hub *ws.Hub, p *presence.Store) *Handler {
	return &Handler{convs: convs, msgs: msgs, hub: hub, presence: p}
}

func queryInt(c *gin.Context, key string) int {
	v, _ := strconv.Atoi(c.Query(key))
	return v
}

func queryTime(c *gin.Context, key string) (*time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, false
	}
	return &t, true
}

// CreateConversation 创建会话；DIRECT 会话已存在时返回 200 与旧会话。
func (h *Handler) CreateConversation(c *gin.Context) {
	var req service.CreateConversationInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	req.Type = models.ConversationType(strings.ToUpper(string(req.Type)))
	conv, created, err := h.convs.Create(c.Request.Context(), auth.GetIdentity(c), req)
	if err != nil {
		respondError(c, err, "create conversation")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"conversation": conv, "created": created})
}

func (h *Handler) ListConversations(c *gin.Context) {
	in := service.ListConversationsInput{
		Type:   models.ConversationType(strings.ToUpper(c.Query("type"))),
		Search: c.Query("search"),
		Page:   queryInt(c, "page"),
		Limit:  queryInt(c, "limit"),
	}
	if raw := c.Query("archived"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "invalid archived flag")
			return
		}
		in.Archived = &v
	}
	page, err := h.convs.List(c.Request.Context(), auth.GetIdentity(c), in)
	if err != nil {
		respondError(c, err, "list conversations")
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) GetConversation(c *gin.Context) {
	conv, err := h.convs.Get(c.Request.Context(), auth.GetIdentity(c), c.Param("id"))
	if err != nil {
		respondError(c, err, "get conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

func (h *Handler) UpdateConversation(c *gin.Context) {
	var req service.UpdateConversationInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	conv, err := h.convs.Update(c.Request.Context(), auth.GetIdentity(c), c.Param("id"), req)
	if err != nil {
		respondError(c, err, "update conversation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

func (h *Handler) AddMember(c *gin.Context) {
	var req struct {
		UserID  string `json:"userId"`
		IsAdmin bool   `json:"isAdmin"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		badRequest(c, "invalid payload")
		return
	}
	m, err := h.convs.AddMember(c.Request.Context(), auth.GetIdentity(c), c.Param("id"), strings.TrimSpace(req.UserID), req.IsAdmin)
	if err != nil {
		respondError(c, err, "add member")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"member": m})
}

func (h *Handler) UpdateMember(c *gin.Context) {
	var req service.UpdateMemberInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	m, err := h.convs.UpdateMember(c.Request.Context(), auth.GetIdentity(c), c.Param("id"), c.Param("userId"), req)
	if err != nil {
		respondError(c, err, "update member")
		return
	}
	c.JSON(http.StatusOK, gin.H{"member": m})
}

func (h *Handler) RemoveMember(c *gin.Context) {
	if err := h.convs.RemoveMember(c.Request.Context(), auth.GetIdentity(c), c.Param("id"), c.Param("userId")); err != nil {
		respondError(c, err, "remove member")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req service.SendMessageInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	msg, err := h.msgs.Send(c.Request.Context(), auth.GetIdentity(c), c.Param("id"), req)
	if err != nil {
		respondError(c, err, "send message")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// ListMessages 按游标分页，返回给前端时反转为时间升序。
func (h *Handler) ListMessages(c *gin.Context) {
	before, ok := queryTime(c, "before")
	if !ok {
		badRequest(c, "invalid before cursor")
		return
	}
	after, ok := queryTime(c, "after")
	if !ok {
		badRequest(c, "invalid after cursor")
		return
	}
	page, err := h.msgs.List(c.Request.Context(), auth.GetIdentity(c), c.Param("id"), service.ListMessagesInput{
		Before: before,
		After:  after,
		Limit:  queryInt(c, "limit"),
		Type:   models.MessageType(c.Query("type")),
		Search: c.Query("search"),
	})
	if err != nil {
		respondError(c, err, "list messages")
		return
	}
	msgs := page.Items
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "hasMore": page.HasMore, "limit": page.Limit})
}

func (h *Handler) UpdateMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	msg, err := h.msgs.Update(c.Request.Context(), auth.GetIdentity(c), c.Param("id"), req.Content)
	if err != nil {
		respondError(c, err, "update message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	if err := h.msgs.Delete(c.Request.Context(), auth.GetIdentity(c), c.Param("id")); err != nil {
		respondError(c, err, "delete message")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) AddReaction(c *gin.Context) {
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	if err := h.msgs.AddReaction(c.Request.Context(), auth.GetIdentity(c), c.Param("id"), req.Emoji); err != nil {
		respondError(c, err, "add reaction")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"messageId": c.Param("id"), "emoji": req.Emoji})
}

func (h *Handler) RemoveReaction(c *gin.Context) {
	if err := h.msgs.RemoveReaction(c.Request.Context(), auth.GetIdentity(c), c.Param("id"), c.Param("emoji")); err != nil {
		respondError(c, err, "remove reaction")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) MarkRead(c *gin.Context) {
	if err := h.msgs.MarkAsRead(c.Request.Context(), auth.GetIdentity(c), c.Param("id")); err != nil {
		respondError(c, err, "mark read")
		return
	}
	c.Status(http.StatusNoContent)
}

// Presence 以本进程注册表为准，Redis 镜像只补充最后在线时间。
func (h *Handler) Presence(c *gin.Context) {
	uid := c.Param("id")
	status := protocol.StatusOffline
	if h.hub.IsOnline(uid) {
		status = protocol.StatusOnline
	}
	out := gin.H{"userId": uid, "status": status}
	if h.presence != nil {
		st, ok, err := h.presence.Get(c.Request.Context(), uid)
		if err != nil {
			log.Warn().Err(err).Str("user_id", uid).Msg("presence lookup")
		} else if ok {
			out["lastSeen"] = time.Unix(st.LastSeen, 0).UTC()
		}
	}
	c.JSON(http.StatusOK, out)
}

// KickUser 断开用户的全部连接，仅审核员可用。
func (h *Handler) KickUser(c *gin.Context) {
	actor := auth.GetIdentity(c)
	if !actor.IsModerator() {
		respondError(c, service.ErrInsufficientPermission, "kick user")
		return
	}
	uid := c.Param("id")
	h.hub.DisconnectUser(uid)
	log.Info().Str("user_id", uid).Str("by", actor.UserID).Msg("user connections closed")
	c.Status(http.StatusNoContent)
}
