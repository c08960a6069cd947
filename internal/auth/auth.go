package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"carechat/internal/models"
	"carechat/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthenticationFailure 表示 token 缺失、无效、过期，或账号不存在/已停用。
var ErrAuthenticationFailure = errors.New("authentication failure")

// ErrDirectoryUnavailable 表示账号查询遇到存储故障，与 token 本身无关。
var ErrDirectoryUnavailable = errors.New("session directory unavailable")

type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// Identity 是会话目录解析出的调用方身份。
type Identity struct {
	UserID string
	Role   models.Role
	Active bool
}

func (i Identity) IsModerator() bool { return i.Role.IsModerator() }

// UserLookup 对应外部账号系统的只读查询。
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// Directory 把不透明的会话 token 解析为用户身份，每个连接只调用一次。
type Directory interface {
	Resolve(ctx context.Context, token string) (*Identity, error)
}

func GenerateAccessToken(userID, secret string, ttlMinutes int) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttlMinutes) * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// JWTDirectory 用 JWT 校验 token，再回查用户表确认账号仍然有效。
type JWTDirectory struct {
	secret string
	users  UserLookup
}

func NewJWTDirectory(secret string, users UserLookup) *JWTDirectory {
	return &JWTDirectory{secret: secret, users: users}
}

func (d *JWTDirectory) Resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrAuthenticationFailure)
	}
	claims, err := ParseAccessToken(token, d.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailure, err)
	}
	user, err := d.users.GetUser(ctx, claims.UserID)
	if err != nil && store.IsTransient(err) && ctx.Err() == nil {
		user, err = d.users.GetUser(ctx, claims.UserID)
	}
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: user not found", ErrAuthenticationFailure)
	case ctx.Err() != nil:
		return nil, fmt.Errorf("%w: session lookup: %v", ErrAuthenticationFailure, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	if !user.IsActive {
		return nil, fmt.Errorf("%w: account inactive", ErrAuthenticationFailure)
	}
	return &Identity{UserID: user.ID, Role: user.Role, Active: user.IsActive}, nil
}

// TokenFromRequest 从 Authorization 头或 token 查询参数中提取 token（浏览器 WS 握手无法带头）。
func TokenFromRequest(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return r.URL.Query().Get("token")
}

// AuthMiddleware 校验 REST 请求的 Bearer Token，并把身份写入 gin.Context。
func AuthMiddleware(dir Directory, timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		id, err := dir.Resolve(ctx, strings.TrimSpace(authz[len("Bearer "):]))
		if errors.Is(err, ErrDirectoryUnavailable) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": ErrDirectoryUnavailable.Error()})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("identity", *id)
		c.Next()
	}
}

func GetIdentity(c *gin.Context) Identity {
	if v, ok := c.Get("identity"); ok {
		if id, ok2 := v.(Identity); ok2 {
			return id
		}
	}
	return Identity{}
}
