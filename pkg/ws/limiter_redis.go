package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript INCR 后首次命中设置过期；返回 {count, pttl}
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisLimiter 跨进程固定窗口限流器
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLimiter 创建 Redis 限流器
func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "qichat:ratelimit:"
	}
	return &RedisLimiter{client: client, prefix: prefix}
}

// Allow 消耗一个点数
func (l *RedisLimiter) Allow(ctx context.Context, key string, points int, window time.Duration) (LimitResult, error) {
	now := time.Now()
	if points <= 0 {
		return LimitResult{Allowed: false, ResetAt: now.Add(window)}, nil
	}

	res, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return LimitResult{}, fmt.Errorf("ws: redis limiter: %w", err)
	}
	if len(res) != 2 {
		return LimitResult{}, fmt.Errorf("ws: redis limiter: unexpected reply %v", res)
	}

	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	remaining := points - count
	if remaining < 0 {
		remaining = 0
	}
	return LimitResult{
		Allowed:   count <= points,
		Remaining: remaining,
		ResetAt:   now.Add(ttl),
	}, nil
}

// Forget 删除 key
func (l *RedisLimiter) Forget(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = l.prefix + k
	}
	_ = l.client.Del(ctx, full...).Err()
}
