package ws

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/tokmz/qichat/pkg/cache"
)

// ResponseStore 响应缓存存储
type ResponseStore interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// lruEntry LRU 条目
type lruEntry struct {
	value     []byte
	expiresAt time.Time
}

// LRUStore 进程内有界响应缓存
type LRUStore struct {
	cache *lru.Cache[string, lruEntry]
	now   func() time.Time
}

// NewLRUStore 创建 LRU 存储
func NewLRUStore(size int) (*LRUStore, error) {
	c, err := lru.New[string, lruEntry](size)
	if err != nil {
		return nil, err
	}
	return &LRUStore{cache: c, now: time.Now}, nil
}

// Get 读取，过期视为未命中并移除
func (s *LRUStore) Get(_ context.Context, key string) ([]byte, bool) {
	e, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.expiresAt) {
		s.cache.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Set 写入
func (s *LRUStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	s.cache.Add(key, lruEntry{value: value, expiresAt: s.now().Add(ttl)})
}

// Len 条目数
func (s *LRUStore) Len() int {
	return s.cache.Len()
}

// SharedStore 基于 cache.Cache 的共享存储（多进程部署）
type SharedStore struct {
	cache  cache.Cache
	prefix string
}

// NewSharedStore 创建共享存储
func NewSharedStore(c cache.Cache, prefix string) *SharedStore {
	if prefix == "" {
		prefix = "qichat:resp:"
	}
	return &SharedStore{cache: c, prefix: prefix}
}

// Get 读取，任何错误都视为未命中
func (s *SharedStore) Get(ctx context.Context, key string) ([]byte, bool) {
	var v []byte
	if err := s.cache.Get(ctx, s.prefix+key, &v); err != nil {
		return nil, false
	}
	return v, true
}

// Set 写入，失败忽略（缓存仅为优化）
func (s *SharedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	_ = s.cache.Set(ctx, s.prefix+key, value, ttl)
}

// ResponseCache 按内容缓存处理结果，并合并并发的相同请求
type ResponseCache struct {
	store ResponseStore
	group singleflight.Group
}

// NewResponseCache 创建响应缓存
func NewResponseCache(store ResponseStore) *ResponseCache {
	return &ResponseCache{store: store}
}

// CacheKey 内容键：event|identity|xxhash64(payload)
func CacheKey(event, identity string, payload []byte) string {
	return event + "|" + identity + "|" + strconv.FormatUint(xxhash.Sum64(payload), 16)
}

// Do 命中返回缓存值；未命中执行 fn 并按 ttl 写入
// hit 表示未执行 fn
func (c *ResponseCache) Do(ctx context.Context, key string, ttl time.Duration, fn func() ([]byte, error)) (value []byte, hit bool, err error) {
	if v, ok := c.store.Get(ctx, key); ok {
		return v, true, nil
	}

	executed := false
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.store.Get(ctx, key); ok {
			return v, nil
		}
		executed = true

		out, err := fn()
		if err != nil {
			return nil, err
		}
		if out != nil {
			c.store.Set(ctx, key, out, ttl)
		}
		return out, nil
	})
	if err != nil {
		return nil, false, err
	}

	// 仅 leader 执行闭包，合并等待的调用方视为命中
	b, _ := v.([]byte)
	return b, !executed, nil
}
