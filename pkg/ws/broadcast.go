package ws

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokmz/qichat/pkg/logger"
	"github.com/tokmz/qichat/pkg/protocol"
)

// PermissionFunc 按用户判定是否投递
type PermissionFunc func(ctx context.Context, userID string) (bool, error)

// Broadcaster 广播扇出
// 所有方法只编码一次，单个连接发送失败只跳过该连接，返回成功投递数
type Broadcaster struct {
	registry    *Registry
	metrics     Metrics
	logger      logger.Logger
	concurrency int
}

// NewBroadcaster 创建广播器
func NewBroadcaster(config *Config, registry *Registry) *Broadcaster {
	if registry == nil {
		panic(ErrNotInitialized)
	}
	if config == nil {
		config = DefaultConfig()
	}
	config.setDefaults()

	return &Broadcaster{
		registry:    registry,
		metrics:     config.Metrics,
		logger:      config.Logger,
		concurrency: config.Dispatch.PermissionConcurrency,
	}
}

// ToUser 发送给用户的全部连接（exclude 除外）
func (b *Broadcaster) ToUser(userID string, env *protocol.Envelope, exclude *Conn) int {
	frame, ok := b.encode(env)
	if !ok {
		return 0
	}
	n := b.deliver(b.registry.UserConnections(userID), frame, exclude)
	b.metrics.RecordBroadcast("user", n)
	return n
}

// ToChannel 发送给频道内连接
func (b *Broadcaster) ToChannel(channelID string, env *protocol.Envelope, exclude *Conn) int {
	frame, ok := b.encode(env)
	if !ok {
		return 0
	}
	n := b.deliver(b.registry.ChannelConnections(channelID), frame, exclude)
	b.metrics.RecordBroadcast("channel", n)
	return n
}

// ToServer 发送给服务器内连接
func (b *Broadcaster) ToServer(serverID string, env *protocol.Envelope, exclude *Conn) int {
	frame, ok := b.encode(env)
	if !ok {
		return 0
	}
	n := b.deliver(b.registry.ServerConnections(serverID), frame, exclude)
	b.metrics.RecordBroadcast("server", n)
	return n
}

// ToServerWithPermission 按用户过滤后发送给服务器内连接
// 每个用户并发独立判定一次，判定失败只跳过该用户；未认证连接不参与
func (b *Broadcaster) ToServerWithPermission(ctx context.Context, serverID string, env *protocol.Envelope, allow PermissionFunc, exclude *Conn) int {
	frame, ok := b.encode(env)
	if !ok {
		return 0
	}

	byUser := make(map[string][]*Conn)
	for _, c := range b.registry.ServerConnections(serverID) {
		if c == exclude {
			continue
		}
		uid := c.UserID()
		if uid == "" {
			continue
		}
		byUser[uid] = append(byUser[uid], c)
	}

	var delivered atomic.Int64
	var g errgroup.Group
	g.SetLimit(b.concurrency)

	for uid, conns := range byUser {
		g.Go(func() error {
			ok, err := b.check(ctx, allow, uid)
			if err != nil {
				b.logger.WarnContext(ctx, "broadcast permission check failed",
					zap.String("server_id", serverID),
					zap.String("user_id", uid),
					zap.Error(err),
				)
				return nil
			}
			if ok {
				delivered.Add(int64(b.deliver(conns, frame, exclude)))
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(delivered.Load())
	b.metrics.RecordBroadcast("server_permission", n)
	return n
}

// ToPresenceAudience 发送给好友连接与服务器订阅连接的并集，每个连接只收到一份
// exclude 中的连接不接收
func (b *Broadcaster) ToPresenceAudience(friendIDs, serverIDs []string, env *protocol.Envelope, exclude ...*Conn) int {
	frame, ok := b.encode(env)
	if !ok {
		return 0
	}

	seen := make(map[string]struct{})
	for _, c := range exclude {
		if c != nil {
			seen[c.ID] = struct{}{}
		}
	}
	targets := make([]*Conn, 0)
	add := func(conns []*Conn) {
		for _, c := range conns {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			targets = append(targets, c)
		}
	}
	for _, uid := range friendIDs {
		add(b.registry.UserConnections(uid))
	}
	for _, sid := range serverIDs {
		add(b.registry.ServerConnections(sid))
	}

	n := b.deliver(targets, frame, nil)
	b.metrics.RecordBroadcast("presence", n)
	return n
}

// ToAll 发送给全部连接（含未认证）
func (b *Broadcaster) ToAll(env *protocol.Envelope) int {
	frame, ok := b.encode(env)
	if !ok {
		return 0
	}
	n := b.deliver(b.registry.snapshot(), frame, nil)
	b.metrics.RecordBroadcast("all", n)
	return n
}

// encode 编码一次供全部目标复用
func (b *Broadcaster) encode(env *protocol.Envelope) ([]byte, bool) {
	frame, err := protocol.Encode(env)
	if err != nil {
		b.logger.Error("broadcast encode failed",
			zap.String("event", env.Event.Type.String()),
			zap.Error(err),
		)
		return nil, false
	}
	return frame, true
}

// deliver 逐个发送，失败计为丢弃
func (b *Broadcaster) deliver(conns []*Conn, frame []byte, exclude *Conn) int {
	n := 0
	for _, c := range conns {
		if c == exclude {
			continue
		}
		if err := c.Send(frame); err != nil {
			b.metrics.IncrementDroppedMessages()
			continue
		}
		n++
	}
	return n
}

// check 调用判定函数，panic 视为失败
func (b *Broadcaster) check(ctx context.Context, allow PermissionFunc, userID string) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, panicError(r)
		}
	}()
	return allow(ctx, userID)
}
