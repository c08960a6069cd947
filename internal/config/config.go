package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	Env                   string
	LogLevel              string
	StoreDriver           string
	DatabaseDSN           string
	JWTSecret             string
	AccessTokenTTLMinutes int
	RedisAddr             string
	CORSAllowedOrigins    []string

	TypingTimeout         time.Duration
	SessionResolveTimeout time.Duration

	ConversationPageDefault int
	ConversationPageMax     int
	MessagePageDefault      int
	MessagePageMax          int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt 读取正整数配置，非法值回退到默认值。
func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// getenvList 读取逗号分隔的列表，忽略空项。
func getenvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getenvMillis(key string, def time.Duration) time.Duration {
	ms := getenvInt(key, int(def/time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}

// Load 从环境变量读取配置；若当前目录存在 .env 文件则先加载它。
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Port:                    getenv("APP_PORT", "8080"),
		Env:                     getenv("APP_ENV", "dev"),
		LogLevel:                getenv("LOG_LEVEL", "info"),
		StoreDriver:             getenv("STORE_DRIVER", "postgres"),
		DatabaseDSN:             getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=carechat port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:               getenv("JWT_SECRET", defaultJWTSecret),
		AccessTokenTTLMinutes:   getenvInt("ACCESS_TOKEN_TTL_MINUTES", 15),
		RedisAddr:               getenv("REDIS_ADDR", ""),
		CORSAllowedOrigins:      getenvList("CORS_ALLOWED_ORIGINS"),
		TypingTimeout:           getenvMillis("TYPING_TIMEOUT_MS", 3*time.Second),
		SessionResolveTimeout:   getenvMillis("SESSION_RESOLVE_TIMEOUT_MS", 5*time.Second),
		ConversationPageDefault: getenvInt("CONVERSATION_PAGE_DEFAULT", 20),
		ConversationPageMax:     getenvInt("CONVERSATION_PAGE_MAX", 50),
		MessagePageDefault:      getenvInt("MESSAGE_PAGE_DEFAULT", 50),
		MessagePageMax:          getenvInt("MESSAGE_PAGE_MAX", 100),
	}
}

// Validate 在启动前检查配置的合法性。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseDSN == "" {
			return errors.New("DATABASE_DSN is required for the postgres store")
		}
	case "memory":
	default:
		return errors.New("STORE_DRIVER must be postgres or memory")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	// 非 dev 环境禁止使用默认密钥
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be changed outside dev")
	}
	if cfg.ConversationPageDefault <= 0 || cfg.ConversationPageMax < cfg.ConversationPageDefault {
		return errors.New("invalid conversation page limits")
	}
	if cfg.MessagePageDefault <= 0 || cfg.MessagePageMax < cfg.MessagePageDefault {
		return errors.New("invalid message page limits")
	}
	if cfg.TypingTimeout <= 0 || cfg.SessionResolveTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}
