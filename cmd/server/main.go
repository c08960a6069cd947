package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"carechat/internal/auth"
	"carechat/internal/config"
	"carechat/internal/db"
	clog "carechat/internal/log"
	"carechat/internal/models"
	"carechat/internal/mw"
	"carechat/internal/presence"
	"carechat/internal/server"
	"carechat/internal/service"
	"carechat/internal/store"
	"carechat/internal/ws"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func main() {
	seed := flag.String("seed", "", "memory 存储下预置的用户，格式 id:role,id:role")
	flag.Parse()

	// main 函数负责加载配置、初始化日志、连接存储并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, ready := openStore(cfg, *seed)

	var opts []ws.Option
	opts = append(opts, ws.WithTypingTimeout(cfg.TypingTimeout))
	var ps *presence.Store
	if cfg.RedisAddr != "" {
		rdb, err := presence.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis connect")
		}
		defer rdb.Close()
		ps = presence.NewStore(rdb, "")
		// 单实例部署，启动时之前残留的在线集合全部作废。
		if err := ps.Reset(ctx); err != nil {
			log.Warn().Err(err).Msg("presence reset")
		}
		opts = append(opts, ws.WithPresence(ps))
	}

	hub := ws.NewHub(opts...)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()

	limits := service.Limits{
		ConversationDefault: cfg.ConversationPageDefault,
		ConversationMax:     cfg.ConversationPageMax,
		MessageDefault:      cfg.MessagePageDefault,
		MessageMax:          cfg.MessagePageMax,
	}
	limiter := mw.NewKeyedLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	defer limiter.Stop()

	r := server.SetupRouter(cfg, server.Deps{
		Directory:     auth.NewJWTDirectory(cfg.JWTSecret, st),
		Conversations: service.NewConversationService(st, hub, limits),
		Messages:      service.NewMessageService(st, hub, limits),
		Hub:           hub,
		Presence:      ps,
		Limiter:       limiter,
		Ready:         ready,
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("port", cfg.Port).Str("store", cfg.StoreDriver).Msg("carechat listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	<-hubDone
}

// openStore 按 STORE_DRIVER 打开存储，并返回健康检查使用的探针。
func openStore(cfg config.Config, seed string) (store.Store, func(context.Context) error) {
	if cfg.StoreDriver == "memory" {
		mem := store.NewMemory()
		for _, u := range parseSeed(seed) {
			mem.PutUser(u)
			tok, err := auth.GenerateAccessToken(u.ID, cfg.JWTSecret, cfg.AccessTokenTTLMinutes)
			if err != nil {
				log.Fatal().Err(err).Msg("seed token")
			}
			log.Info().Str("user_id", u.ID).Str("role", string(u.Role)).Str("token", tok).Msg("seeded user")
		}
		return mem, nil
	}

	gdb, err := db.Connect(cfg.DatabaseDSN, 10)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		log.Fatal().Err(err).Msg("db handle")
	}
	return store.NewGorm(gdb), sqlDB.PingContext
}

func parseSeed(raw string) []models.User {
	var out []models.User
	for _, item := range strings.Split(raw, ",") {
		id, role, _ := strings.Cut(strings.TrimSpace(item), ":")
		if id == "" {
			continue
		}
		if role == "" {
			role = string(models.RolePatient)
		}
		out = append(out, models.User{ID: id, Name: id, Role: models.Role(role), IsActive: true})
	}
	return out
}
