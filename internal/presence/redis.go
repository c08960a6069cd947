// Package presence 把在线状态镜像到 Redis，供其他进程或离线查询使用。
// 进程内的在线判断仍以 ws.Hub 的注册表为准。
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const defaultPrefix = "carechat"

// Status 是 <prefix>:presence:user:<id> 中保存的 JSON。
type Status struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
}

type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// Connect 建立 Redis 连接并 Ping 确认可用。
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Msg("redis connected")
	return rdb, nil
}

func NewStore(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix, now: time.Now}
}

func (s *Store) onlineKey() string { return s.prefix + ":presence:online" }
func (s *Store) statusKey(userID string) string { return s.prefix + ":presence:user:" + userID }

func (s *Store) write(ctx context.Context, userID, status string) error {
	b, err := json.Marshal(Status{Status: status, LastSeen: s.now().Unix()})
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	if status == "online" {
		pipe.SAdd(ctx, s.onlineKey(), userID)
	} else {
		pipe.SRem(ctx, s.onlineKey(), userID)
	}
	pipe.Set(ctx, s.statusKey(userID), b, 0)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) MarkOnline(ctx context.Context, userID string) error {
	return s.write(ctx, userID, "online")
}

func (s *Store) MarkOffline(ctx context.Context, userID string) error {
	return s.write(ctx, userID, "offline")
}

// Get 返回用户最后一次记录的状态；从未上线过时 ok 为 false。
func (s *Store) Get(ctx context.Context, userID string) (st Status, ok bool, err error) {
	b, err := s.client.Get(ctx, s.statusKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, err
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return Status{}, false, err
	}
	return st, true, nil
}

// OnlineCount 返回镜像中在线的用户数。
func (s *Store) OnlineCount(ctx context.Context) (int64, error) {
	return s.client.SCard(ctx, s.onlineKey()).Result()
}

// Reset 清空在线集合，进程启动时调用，避免上次异常退出残留。
func (s *Store) Reset(ctx context.Context) error {
	return s.client.Del(ctx, s.onlineKey()).Err()
}
