package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// pingTimeout 建立客户端时的连通性检查超时
const pingTimeout = 5 * time.Second

type redisCache struct {
	client     redis.UniversalClient
	serializer Serializer
	prefix     string
	defaultTTL time.Duration
}

// NewRedisClient 按部署模式创建客户端并确认可达
// 分布式限流与缓存共用同一个客户端
func NewRedisClient(cfg *RedisConfig) (redis.UniversalClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: redis config is required", ErrCacheInvalidConfig)
	}
	if cfg.Mode == "" {
		cfg.Mode = RedisStandalone
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	var client redis.UniversalClient
	switch cfg.Mode {
	case RedisCluster:
		opts.Addrs = cfg.Addrs
		client = redis.NewClusterClient(opts.Cluster())
	case RedisSentinel:
		opts.Addrs = cfg.Addrs
		opts.MasterName = cfg.MasterName
		client = redis.NewFailoverClient(opts.Failover())
	default:
		opts.Addrs = []string{cfg.Addr}
		client = redis.NewClient(opts.Simple())
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", ErrCacheConnection, err)
	}
	return client, nil
}

func newRedisCache(cfg *Config) (*redisCache, error) {
	client, err := NewRedisClient(cfg.Redis)
	if err != nil {
		return nil, err
	}
	return &redisCache{
		client:     client,
		serializer: cfg.Serializer,
		prefix:     cfg.KeyPrefix,
		defaultTTL: cfg.DefaultTTL,
	}, nil
}

// RedisClient 缓存底层的 Redis 客户端，内存驱动返回 false
func RedisClient(c Cache) (redis.UniversalClient, bool) {
	switch v := c.(type) {
	case *redisCache:
		return v.client, true
	case *tracedCache:
		return RedisClient(v.Cache)
	}
	return nil, false
}

// opErr 将客户端错误归入 ErrCacheOperation
func opErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrCacheOperation, err)
}

func (r *redisCache) Get(ctx context.Context, key string, value any) error {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheNotFound
	}
	if err != nil {
		return opErr(err)
	}
	return decode(r.serializer, data, value)
}

// Set ttl 为 0 时使用默认值
func (r *redisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := encode(r.serializer, value)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = r.defaultTTL
	}
	return opErr(r.client.Set(ctx, r.prefix+key, data, ttl).Err())
}

func (r *redisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, 0, len(keys))
	for _, key := range keys {
		full = append(full, r.prefix+key)
	}
	return opErr(r.client.Del(ctx, full...).Err())
}

func (r *redisCache) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheConnection, err)
	}
	return nil
}

func (r *redisCache) Close() error {
	return opErr(r.client.Close())
}

func (r *redisCache) String() string {
	return "redis(" + r.prefix + ")"
}
