package mw

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"carechat/internal/auth"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc 决定请求落入哪个令牌桶。
type KeyFunc func(c *gin.Context) string

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter 按 key 维护独立令牌桶，空闲超过 idle 的桶被定期清理。
type KeyedLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

func NewKeyedLimiter(limit rate.Limit, burst int, idle time.Duration) *KeyedLimiter {
	l := &KeyedLimiter{
		limit:   limit,
		burst:   burst,
		idle:    idle,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

func (l *KeyedLimiter) bucketFor(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim
}

// Reserve 尝试取一个令牌；失败时返回需要等待的时长。
func (l *KeyedLimiter) Reserve(key string) (time.Duration, bool) {
	now := time.Now()
	r := l.bucketFor(key, now).ReserveN(now, 1)
	if !r.OK() {
		return time.Duration(math.MaxInt64), false
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d, false
	}
	return 0, true
}

func (l *KeyedLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *KeyedLimiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idle {
			delete(l.buckets, k)
		}
	}
}

func (l *KeyedLimiter) janitor() {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-t.C:
			l.evictIdle(now)
		}
	}
}

// Stop 停止清理 goroutine，可重复调用。
func (l *KeyedLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Middleware 返回限速中间件，超限时带 Retry-After 返回 429。
func (l *KeyedLimiter) Middleware(key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		wait, ok := l.Reserve(key(c))
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if wait < 0 || secs > 3600 {
				secs = 3600
			}
			c.Header("Retry-After", strconv.Itoa(max(secs, 1)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func route(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}

// ByIP 以客户端地址与路由为 key，用于握手等未鉴权入口。
func ByIP(c *gin.Context) string {
	return remoteHost(c.Request.RemoteAddr) + "|" + route(c)
}

// ByUser 以已鉴权用户与路由为 key，需放在 AuthMiddleware 之后；无身份时退回 ByIP。
func ByUser(c *gin.Context) string {
	if id := auth.GetIdentity(c); id.UserID != "" {
		return "user:" + id.UserID + "|" + route(c)
	}
	return ByIP(c)
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
