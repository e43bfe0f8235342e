package cache

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader 缓存未命中时的加载函数
type Loader[T any] func(ctx context.Context) (T, error)

// Remember 读取缓存，未命中时调用 fn 并写回
// 写回失败只影响下次命中，不影响本次结果
func Remember[T any](ctx context.Context, c Cache, key string, ttl time.Duration, fn Loader[T]) (T, error) {
	var result T
	err := c.Get(ctx, key, &result)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, ErrCacheNotFound) && !errors.Is(err, ErrCacheSerialization) {
		// 缓存不可用时直接回源
		return fn(ctx)
	}

	result, err = fn(ctx)
	if err != nil {
		return result, err
	}
	_ = c.Set(ctx, key, result, ttl)
	return result, nil
}

// Group 合并并发回源的缓存读取器
type Group struct {
	cache Cache
	group singleflight.Group
}

// NewGroup 创建读取器
func NewGroup(c Cache) *Group {
	return &Group{cache: c}
}

// Cache 底层缓存
func (g *Group) Cache() Cache {
	return g.cache
}

// Forget 清除缓存值与进行中的合并状态
func (g *Group) Forget(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		g.group.Forget(k)
	}
	return g.cache.Delete(ctx, keys...)
}

// RememberWithLock 与 Remember 相同，但同一 key 的并发未命中只回源一次
func RememberWithLock[T any](ctx context.Context, g *Group, key string, ttl time.Duration, fn Loader[T]) (T, error) {
	var result T
	if err := g.cache.Get(ctx, key, &result); err == nil {
		return result, nil
	}

	v, err, _ := g.group.Do(key, func() (any, error) {
		return Remember(ctx, g.cache, key, ttl, fn)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	result, _ = v.(T)
	return result, nil
}
