package ws

import (
	"context"
	"sync"
	"time"
)

// Registry 连接注册表：连接 <-> 用户 <-> 房间
// 所有索引由同一把锁保护，在线/离线转换在锁内判定并按提交顺序入队
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	users    map[string]map[string]*Conn // userID -> connID -> conn
	channels map[string]map[string]*Conn // channelID -> connID -> conn
	servers  map[string]map[string]*Conn // serverID -> connID -> conn

	maxConns int
	bus      *EventBus
	limiter  Limiter
	metrics  Metrics
}

// NewRegistry 创建注册表
func NewRegistry(config *Config, bus *EventBus) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	config.setDefaults()

	return &Registry{
		conns:    make(map[string]*Conn),
		users:    make(map[string]map[string]*Conn),
		channels: make(map[string]map[string]*Conn),
		servers:  make(map[string]map[string]*Conn),
		maxConns: config.MaxConnections,
		bus:      bus,
		limiter:  config.Limiter,
		metrics:  config.Metrics,
	}
}

// Add 注册连接
func (r *Registry) Add(conn *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn.ID]; exists {
		return ErrConnIDExists
	}
	if len(r.conns) >= r.maxConns {
		return ErrTooManyConnections
	}

	r.conns[conn.ID] = conn
	r.publish(Event{Type: ConnOpened, ConnID: conn.ID})
	r.metrics.IncrementConnections()
	r.metrics.SetConnectionCount(len(r.conns))
	return nil
}

// Get 获取连接
func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// Count 连接数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// OnlineUserCount 在线用户数
func (r *Registry) OnlineUserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Range 遍历连接快照
func (r *Registry) Range(fn func(*Conn) bool) {
	for _, c := range r.snapshot() {
		if !fn(c) {
			return
		}
	}
}

// Authenticate 绑定连接与用户
// 同一连接再次认证会替换绑定；用户首个连接触发 UserOnline
func (r *Registry) Authenticate(conn *Conn, p Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[conn.ID] != conn {
		return ErrConnNotFound
	}

	conn.mu.Lock()
	old := conn.principal
	np := p
	conn.principal = &np
	conn.mu.Unlock()

	if old != nil && old.UserID != p.UserID {
		r.detachUser(conn, old.UserID)
	}

	set, ok := r.users[p.UserID]
	if !ok {
		set = make(map[string]*Conn)
		r.users[p.UserID] = set
	}
	first := len(set) == 0
	set[conn.ID] = conn

	r.publish(Event{Type: ConnAuthenticated, ConnID: conn.ID, UserID: p.UserID})
	if first {
		r.publish(Event{Type: UserOnline, ConnID: conn.ID, UserID: p.UserID})
		r.metrics.SetOnlineUsers(len(r.users))
	}
	return nil
}

// UserConnections 用户的全部连接
func (r *Registry) UserConnections(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return values(r.users[userID])
}

// IsUserOnline 用户是否在线（至少一个已认证连接）
func (r *Registry) IsUserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// OnlineUsers 过滤出在线用户，保持输入顺序
func (r *Registry) OnlineUsers(userIDs []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if len(r.users[id]) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// SubscribeChannel 加入频道（幂等）
func (r *Registry) SubscribeChannel(conn *Conn, channelID string) {
	r.subscribe(r.channels, conn, channelID, func() map[string]struct{} { return conn.channels })
}

// UnsubscribeChannel 离开频道（幂等）
func (r *Registry) UnsubscribeChannel(conn *Conn, channelID string) {
	r.unsubscribe(r.channels, conn, channelID, func() map[string]struct{} { return conn.channels })
}

// SubscribeServer 加入服务器（幂等）
func (r *Registry) SubscribeServer(conn *Conn, serverID string) {
	r.subscribe(r.servers, conn, serverID, func() map[string]struct{} { return conn.servers })
}

// UnsubscribeServer 离开服务器（幂等）
func (r *Registry) UnsubscribeServer(conn *Conn, serverID string) {
	r.unsubscribe(r.servers, conn, serverID, func() map[string]struct{} { return conn.servers })
}

// ChannelConnections 频道内连接
func (r *Registry) ChannelConnections(channelID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return values(r.channels[channelID])
}

// ServerConnections 服务器内连接
func (r *Registry) ServerConnections(serverID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return values(r.servers[serverID])
}

// CloseConnection 强制关闭连接，清理与自然断开一致
func (r *Registry) CloseConnection(conn *Conn, code int, reason string) {
	_ = conn.sink.Close(code, reason)
	r.Remove(conn)
}

// Remove 注销连接并释放全部附属状态（幂等）
// 用户最后一个连接移除时触发 UserOffline
func (r *Registry) Remove(conn *Conn) bool {
	r.mu.Lock()
	if r.conns[conn.ID] != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, conn.ID)

	conn.mu.RLock()
	channels := keys(conn.channels)
	servers := keys(conn.servers)
	var userID string
	if conn.principal != nil {
		userID = conn.principal.UserID
	}
	conn.mu.RUnlock()

	for _, id := range channels {
		removeMember(r.channels, id, conn.ID)
	}
	for _, id := range servers {
		removeMember(r.servers, id, conn.ID)
	}
	if userID != "" {
		r.detachUser(conn, userID)
	}

	r.publish(Event{Type: ConnClosed, ConnID: conn.ID, UserID: userID})
	r.metrics.DecrementConnections()
	r.metrics.SetConnectionCount(len(r.conns))
	r.mu.Unlock()

	anon := conn.teardown()
	if len(anon) > 0 && r.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		r.limiter.Forget(ctx, anon...)
		cancel()
	}
	return true
}

// detachUser 从用户索引移除连接，持有 r.mu 时调用
func (r *Registry) detachUser(conn *Conn, userID string) {
	set, ok := r.users[userID]
	if !ok {
		return
	}
	if _, ok := set[conn.ID]; !ok {
		return
	}
	delete(set, conn.ID)
	if len(set) == 0 {
		delete(r.users, userID)
		r.publish(Event{Type: UserOffline, ConnID: conn.ID, UserID: userID})
		r.metrics.SetOnlineUsers(len(r.users))
	}
}

// subscribe 加入房间
func (r *Registry) subscribe(index map[string]map[string]*Conn, conn *Conn, id string, side func() map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 已关闭的连接不再加入任何房间
	if r.conns[conn.ID] != conn {
		return
	}

	set, ok := index[id]
	if !ok {
		set = make(map[string]*Conn)
		index[id] = set
	}
	set[conn.ID] = conn

	conn.mu.Lock()
	side()[id] = struct{}{}
	conn.mu.Unlock()
}

// unsubscribe 离开房间
func (r *Registry) unsubscribe(index map[string]map[string]*Conn, conn *Conn, id string, side func() map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removeMember(index, id, conn.ID)

	conn.mu.Lock()
	delete(side(), id)
	conn.mu.Unlock()
}

// snapshot 全部连接快照
func (r *Registry) snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// publish 入队生命周期事件
func (r *Registry) publish(e Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

func removeMember(index map[string]map[string]*Conn, id, connID string) {
	set, ok := index[id]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(index, id)
	}
}

func values(m map[string]*Conn) []*Conn {
	out := make([]*Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}
