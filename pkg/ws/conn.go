package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tokmz/qichat/pkg/protocol"
)

// WebSocket 关闭码
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseTryAgainLater   = 1013
)

// Sink 帧写入端（websocket 实现或测试记录器）
type Sink interface {
	// Write 非阻塞写入一帧，high 为高优先级队列
	Write(frame []byte, high bool) error
	// Close 以关闭码结束底层连接
	Close(code int, reason string) error
	// RemoteAddr 远端地址
	RemoteAddr() string
}

// Principal 已认证用户
type Principal struct {
	UserID   string
	Username string
	Status   string
}

// Conn 一个物理连接及其全部附属状态
// 附属状态随 Conn 一起创建与释放
type Conn struct {
	ID        string
	sink      Sink
	createdAt time.Time

	mu        sync.RWMutex
	principal *Principal
	channels  map[string]struct{}
	servers   map[string]struct{}
	anonKeys  map[string]struct{} // 匿名身份的限流键
	metadata  sync.Map

	dedup         *dedupCache
	inflight      chan struct{}
	invalidFrames atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewConn 创建连接
func NewConn(sink Sink, config *Config) *Conn {
	if config == nil {
		config = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Conn{
		ID:        uuid.NewString(),
		sink:      sink,
		createdAt: time.Now(),
		channels:  make(map[string]struct{}),
		servers:   make(map[string]struct{}),
		anonKeys:  make(map[string]struct{}),
		dedup:     newDedupCache(config.Dispatch.DedupTTL, config.Dispatch.DedupCapacity),
		inflight:  make(chan struct{}, config.Dispatch.MaxInflight),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context 连接生命周期 Context，连接关闭时取消
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Send 发送一帧（非阻塞，连接关闭后返回 ErrConnectionClosed）
func (c *Conn) Send(frame []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.sink.Write(frame, false)
}

// SendHigh 高优先级发送
func (c *Conn) SendHigh(frame []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.sink.Write(frame, true)
}

// SendEnvelope 编码并发送
func (c *Conn) SendEnvelope(env *protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if env.Event.Type == protocol.EventError {
		return c.SendHigh(frame)
	}
	return c.Send(frame)
}

// Principal 当前绑定的用户，未认证返回 nil
func (c *Conn) Principal() *Principal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.principal == nil {
		return nil
	}
	p := *c.principal
	return &p
}

// UserID 当前用户 ID，未认证返回空字符串
func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.principal == nil {
		return ""
	}
	return c.principal.UserID
}

// IsAuthenticated 是否已认证
func (c *Conn) IsAuthenticated() bool {
	return c.UserID() != ""
}

// Channels 已加入的频道（快照）
func (c *Conn) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return keys(c.channels)
}

// Servers 已加入的服务器（快照）
func (c *Conn) Servers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return keys(c.servers)
}

// InChannel 是否已加入频道
func (c *Conn) InChannel(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[id]
	return ok
}

// InServer 是否已加入服务器
func (c *Conn) InServer(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.servers[id]
	return ok
}

// GetMetadata 获取元数据
func (c *Conn) GetMetadata(key string) (any, bool) {
	return c.metadata.Load(key)
}

// SetMetadata 设置元数据
func (c *Conn) SetMetadata(key string, value any) {
	c.metadata.Store(key, value)
}

// IsClosed 是否已关闭
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// RemoteAddr 远端地址
func (c *Conn) RemoteAddr() string {
	return c.sink.RemoteAddr()
}

// CreatedAt 建立时间
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// identity 限流与缓存使用的身份
func (c *Conn) identity() string {
	if uid := c.UserID(); uid != "" {
		return "user:" + uid
	}
	return "anon:" + c.ID
}

// trackAnonKey 记录匿名限流键，连接关闭时释放
// 连接已关闭时不再记录，返回 false
func (c *Conn) trackAnonKey(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return false
	}
	c.anonKeys[key] = struct{}{}
	return true
}

// acquire 占用一个并发槽位
func (c *Conn) acquire(ctx context.Context) bool {
	if c.closed.Load() || ctx.Err() != nil {
		return false
	}
	select {
	case c.inflight <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	case <-c.ctx.Done():
		return false
	}
}

// release 释放并发槽位
func (c *Conn) release() {
	<-c.inflight
}

// teardown 关闭后释放全部附属状态，返回匿名限流键
func (c *Conn) teardown() []string {
	c.closed.Store(true)
	c.cancel()
	c.dedup.Reset()

	c.mu.Lock()
	defer c.mu.Unlock()
	anon := keys(c.anonKeys)
	c.channels = make(map[string]struct{})
	c.servers = make(map[string]struct{})
	c.anonKeys = make(map[string]struct{})
	c.metadata.Range(func(k, _ any) bool {
		c.metadata.Delete(k)
		return true
	})
	return anon
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
