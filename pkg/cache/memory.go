package cache

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// memoryCache 进程内缓存，值以序列化后的字节保存，读取时得到独立副本
type memoryCache struct {
	store      *gocache.Cache
	serializer Serializer
	prefix     string
	defaultTTL time.Duration
}

func newMemoryCache(cfg *Config) *memoryCache {
	return &memoryCache{
		store:      gocache.New(cfg.Memory.DefaultExpiration, cfg.Memory.CleanupInterval),
		serializer: cfg.Serializer,
		prefix:     cfg.KeyPrefix,
		defaultTTL: cfg.DefaultTTL,
	}
}

func (m *memoryCache) Get(_ context.Context, key string, value any) error {
	v, ok := m.store.Get(m.prefix + key)
	if !ok {
		return ErrCacheNotFound
	}
	data, ok := v.([]byte)
	if !ok {
		return fmt.Errorf("%w: unexpected value type %T", ErrCacheOperation, v)
	}
	return decode(m.serializer, data, value)
}

// Set ttl 为 0 时使用默认值
func (m *memoryCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := encode(m.serializer, value)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = m.defaultTTL
	}
	m.store.Set(m.prefix+key, data, ttl)
	return nil
}

func (m *memoryCache) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		m.store.Delete(m.prefix + key)
	}
	return nil
}

func (m *memoryCache) Ping(context.Context) error {
	return nil
}

// Close 清空全部键
func (m *memoryCache) Close() error {
	m.store.Flush()
	return nil
}

func (m *memoryCache) String() string {
	return "memory(" + m.prefix + ")"
}
