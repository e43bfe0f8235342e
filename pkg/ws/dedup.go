package ws

import (
	"sync"
	"time"
)

// DedupMode 去重策略
type DedupMode int

const (
	// DedupOff 不去重
	DedupOff DedupMode = iota
	// DedupSilent 重复消息静默丢弃
	DedupSilent
	// DedupReject 重复消息返回 DUPLICATE_MESSAGE
	DedupReject
)

// dedupCache 单连接去重表（envelope id -> 首次出现时间）
type dedupCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	seen     map[string]time.Time
	order    []string // 插入顺序
}

// newDedupCache 创建去重表
func newDedupCache(ttl time.Duration, capacity int) *dedupCache {
	return &dedupCache{
		ttl:      ttl,
		capacity: capacity,
		seen:     make(map[string]time.Time),
	}
}

// Seen 原子地检查并记录 id
// 已存在且未过期返回 true；否则记录并返回 false
func (d *dedupCache) Seen(id string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[id]; ok {
		if now.Sub(at) < d.ttl {
			return true
		}
		d.remove(id)
	}

	d.prune(now)

	for len(d.seen) >= d.capacity && len(d.order) > 0 {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}

	d.seen[id] = now
	d.order = append(d.order, id)
	return false
}

// Len 当前记录数
func (d *dedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Reset 清空（连接关闭时调用）
func (d *dedupCache) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]time.Time)
	d.order = nil
}

// prune 按插入顺序移除过期记录
func (d *dedupCache) prune(now time.Time) {
	n := 0
	for n < len(d.order) {
		id := d.order[n]
		at, ok := d.seen[id]
		if ok && now.Sub(at) < d.ttl {
			break
		}
		delete(d.seen, id)
		n++
	}
	if n > 0 {
		d.order = d.order[n:]
	}
}

// remove 移除单条记录
func (d *dedupCache) remove(id string) {
	delete(d.seen, id)
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}
