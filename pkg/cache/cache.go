// Package cache 键值缓存：单进程使用内存驱动，多实例部署使用 Redis 驱动共享
// 聊天服务用它缓存在线状态受众，分发器用它共享幂等响应
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

var (
	ErrCacheNotFound      = errors.New("cache: key not found")
	ErrCacheConnection    = errors.New("cache: connection failed")
	ErrCacheSerialization = errors.New("cache: serialization failed")
	ErrCacheInvalidConfig = errors.New("cache: invalid config")
	ErrCacheOperation     = errors.New("cache: operation failed")
)

// Cache 缓存接口，键会自动加上配置的前缀
type Cache interface {
	Get(ctx context.Context, key string, value any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	Ping(ctx context.Context) error
	Close() error
}

// Serializer 值编解码
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// SonicSerializer 与标准库 JSON 行为一致的 sonic 编解码（默认）
type SonicSerializer struct{}

// Marshal 序列化
func (SonicSerializer) Marshal(v any) ([]byte, error) {
	return sonic.ConfigStd.Marshal(v)
}

// Unmarshal 反序列化
func (SonicSerializer) Unmarshal(data []byte, v any) error {
	return sonic.ConfigStd.Unmarshal(data, v)
}

// New 按配置创建缓存，nil 表示默认的内存缓存
func New(cfg *Config) (Cache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Serializer == nil {
		cfg.Serializer = SonicSerializer{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Driver != DriverRedis {
		return newMemoryCache(cfg), nil
	}
	rc, err := newRedisCache(cfg)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// NewWithOptions 以默认配置为基础应用选项后创建
func NewWithOptions(opts ...Option) (Cache, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return New(cfg)
}

// encode 序列化失败统一包装为 ErrCacheSerialization
func encode(s Serializer, value any) ([]byte, error) {
	data, err := s.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheSerialization, err)
	}
	return data, nil
}

// decode 反序列化失败统一包装为 ErrCacheSerialization
func decode(s Serializer, data []byte, value any) error {
	if err := s.Unmarshal(data, value); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheSerialization, err)
	}
	return nil
}
