package ws

import (
	"context"
	"sync"
	"time"
)

// LimitResult 限流结果
type LimitResult struct {
	Allowed   bool      // 是否放行
	Remaining int       // 剩余额度
	ResetAt   time.Time // 窗口重置时间
}

// Limiter 固定窗口限流器
type Limiter interface {
	// Allow 消耗 key 的一个点数，不阻塞
	Allow(ctx context.Context, key string, points int, window time.Duration) (LimitResult, error)
	// Forget 释放 key
	Forget(ctx context.Context, keys ...string)
}

// bucket 单个窗口
type bucket struct {
	remaining int
	resetAt   time.Time
}

// MemoryLimiter 进程内固定窗口限流器
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// MemoryLimiterOption 限流器选项
type MemoryLimiterOption func(*MemoryLimiter)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) MemoryLimiterOption {
	return func(l *MemoryLimiter) {
		l.now = now
	}
}

// NewMemoryLimiter 创建进程内限流器
// cleanupInterval > 0 时后台定期清理过期窗口
func NewMemoryLimiter(cleanupInterval time.Duration, opts ...MemoryLimiterOption) *MemoryLimiter {
	l := &MemoryLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	if cleanupInterval > 0 {
		l.wg.Add(1)
		go l.runCleanup(cleanupInterval)
	}
	return l
}

// Allow 消耗一个点数
// 窗口首个请求初始化为 points-1；now >= resetAt 视为过期
func (l *MemoryLimiter) Allow(_ context.Context, key string, points int, window time.Duration) (LimitResult, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if points <= 0 {
		return LimitResult{Allowed: false, ResetAt: now.Add(window)}, nil
	}

	b, ok := l.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{remaining: points - 1, resetAt: now.Add(window)}
		l.buckets[key] = b
		return LimitResult{Allowed: true, Remaining: b.remaining, ResetAt: b.resetAt}, nil
	}

	if b.remaining <= 0 {
		return LimitResult{Allowed: false, Remaining: 0, ResetAt: b.resetAt}, nil
	}

	b.remaining--
	return LimitResult{Allowed: true, Remaining: b.remaining, ResetAt: b.resetAt}, nil
}

// Forget 释放 key
func (l *MemoryLimiter) Forget(_ context.Context, keys ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		delete(l.buckets, k)
	}
}

// Len 当前窗口数
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Cleanup 清理过期窗口
func (l *MemoryLimiter) Cleanup() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, b := range l.buckets {
		if !now.Before(b.resetAt) {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

// Close 停止后台清理
func (l *MemoryLimiter) Close() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	l.wg.Wait()
}

// runCleanup 后台清理
func (l *MemoryLimiter) runCleanup(interval time.Duration) {
	defer l.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// limitKey 限流键：identity + ":" + event
func limitKey(identity, event string) string {
	return identity + ":" + event
}
