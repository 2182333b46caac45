package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// admitScript 在一个有序集合上实现滑动日志。
// KEYS[1] 为限流 key；ARGV 依次为 当前毫秒时间、窗口毫秒数、上限、成员名。
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisStore 是基于 Redis 有序集合的时间戳存储，
// 多个网关实例可以共享同一份限流状态。
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore 创建 Redis 存储。
//
// 参数:
//   - client: 已连接的 Redis 客户端
//   - prefix: key 前缀，例如 "neonspark:ratelimit:"
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// Admit 实现 Store 接口
func (s *RedisStore) Admit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := s.now()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.New().String())
	res, err := admitScript.Run(ctx, s.client,
		[]string{s.prefix + key},
		now.UnixMilli(), window.Milliseconds(), limit, member,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis admit: %w", err)
	}
	return res == 1, nil
}

// Ping 检查 Redis 连通性
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
