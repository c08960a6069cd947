package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"carechat/internal/store"

	"github.com/rs/zerolog/log"
)

// Broadcaster 是业务层对实时推送的依赖，由 ws.Hub 实现；调用总是发生在写库成功之后。
type Broadcaster interface {
	BroadcastToRoom(conversationID, event string, payload interface{})
	BroadcastToUser(userID, event string, payload interface{})
	JoinUser(userID, conversationID string)
	RemoveUser(userID, conversationID string)
}

// Limits 是列表接口的分页默认值与硬上限。
type Limits struct {
	ConversationDefault int
	ConversationMax     int
	MessageDefault      int
	MessageMax          int
}

func DefaultLimits() Limits {
	return Limits{ConversationDefault: 20, ConversationMax: 50, MessageDefault: 50, MessageMax: 100}
}

func clampLimit(requested, def, max int) int {
	if requested <= 0 {
		requested = def
	}
	if requested > max {
		return max
	}
	return requested
}

// clock 产生严格递增的微秒级时间戳，作为消息游标不会重复。
type clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func newClock() *clock { return &clock{now: time.Now} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

// withRetry 对瞬时 I/O 错误重试一次，第二次仍失败时返回 ErrTransientIO。
// fn 收到尝试序号，写操作据此把重试时的唯一冲突视为首次已成功。
func withRetry(op string, fn func(attempt int) error) error {
	err := fn(0)
	if err == nil || !store.IsTransient(err) {
		return err
	}
	log.Warn().Err(err).Str("op", op).Msg("transient store error, retrying once")
	err = fn(1)
	if err != nil && store.IsTransient(err) {
		return fmt.Errorf("%w: %s: %v", ErrTransientIO, op, err)
	}
	return err
}

func read[T any](op string, fn func() (T, error)) (T, error) {
	var out T
	err := withRetry(op, func(int) error {
		v, err := fn()
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// insert 把重试时出现的唯一冲突当作成功。
func insert(op string, fn func() error) error {
	return withRetry(op, func(attempt int) error {
		err := fn()
		if attempt > 0 && errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return err
	})
}

func notFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
