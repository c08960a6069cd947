package server

import (
	"context"
	"net/http"
	"time"

	"carechat/internal/auth"
	"carechat/internal/config"
	"carechat/internal/metrics"
	"carechat/internal/mw"
	"carechat/internal/presence"
	"carechat/internal/service"
	"carechat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps 是路由依赖的组件，Presence 与 Ready 可以为空。
type Deps struct {
	Directory     auth.Directory
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Hub           *ws.Hub
	Presence      *presence.Store
	Limiter       *mw.KeyedLimiter
	Ready         func(ctx context.Context) error
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSAllowedOrigins))

	r.GET("/healthz", func(c *gin.Context) {
		if d.Ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := d.Ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": d.Hub.Connections()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := NewHandler(d.Conversations, d.Messages, d.Hub, d.Presence)

	// 需要 Bearer Token 的业务接口。
	api := r.Group("/api/v1")
	api.Use(auth.AuthMiddleware(d.Directory, cfg.SessionResolveTimeout))
	if d.Limiter != nil {
		api.Use(d.Limiter.Middleware(mw.ByUser))
	}

	api.POST("/conversations", h.CreateConversation)
	api.GET("/conversations", h.ListConversations)
	api.GET("/conversations/:id", h.GetConversation)
	api.PATCH("/conversations/:id", h.UpdateConversation)
	api.POST("/conversations/:id/members", h.AddMember)
	api.PATCH("/conversations/:id/members/:userId", h.UpdateMember)
	api.DELETE("/conversations/:id/members/:userId", h.RemoveMember)
	api.POST("/conversations/:id/messages", h.SendMessage)
	api.GET("/conversations/:id/messages", h.ListMessages)

	api.PATCH("/messages/:id", h.UpdateMessage)
	api.DELETE("/messages/:id", h.DeleteMessage)
	api.POST("/messages/:id/reactions", h.AddReaction)
	api.DELETE("/messages/:id/reactions/:emoji", h.RemoveReaction)
	api.POST("/messages/:id/read", h.MarkRead)

	api.GET("/users/:id/presence", h.Presence)
	api.DELETE("/admin/users/:id/connections", h.KickUser)

	wsHandlers := []gin.HandlerFunc{}
	if d.Limiter != nil {
		wsHandlers = append(wsHandlers, d.Limiter.Middleware(mw.ByIP))
	}
	wsHandlers = append(wsHandlers, ws.Serve(d.Hub, d.Directory, NewWSBackend(d.Conversations, d.Messages), cfg.SessionResolveTimeout))
	r.GET("/ws", wsHandlers...)
	return r
}
