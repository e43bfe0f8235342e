// Package chat 聊天事件处理器与在线状态推送
package chat

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/tokmz/qichat/pkg/cache"
	"github.com/tokmz/qichat/pkg/errors"
	"github.com/tokmz/qichat/pkg/logger"
	"github.com/tokmz/qichat/pkg/protocol"
	"github.com/tokmz/qichat/pkg/ws"
)

var (
	// ErrMissingDependency 缺少协作方
	ErrMissingDependency = stderrors.New("chat: missing dependency")
	// ErrNilHub 缺少注册表或广播器
	ErrNilHub = stderrors.New("chat: registry and broadcaster are required")
)

// 业务错误
var (
	errSelfMessage     = errors.ErrBadRequest.WithMessage("cannot message yourself")
	errNotFriends      = errors.ErrForbidden.WithMessage("not friends with receiver")
	errNotAuthor       = errors.ErrForbidden.WithMessage("only the author can modify this message")
	errNotParticipant  = errors.ErrForbidden.WithMessage("not a participant of this conversation")
	errReceiverMissing = errors.ErrNotFound.WithMessage("receiver not found")
	errMessageMissing  = errors.ErrNotFound.WithMessage("message not found")
	errReplyMissing    = errors.ErrBadRequest.WithMessage("reply target not found")
	errNotMember       = errors.ErrForbidden.WithMessage("not a member of this server")
	errNoPermission    = errors.ErrForbidden.WithMessage("missing channel permission")
	errInvalidToken    = errors.ErrAuthFailed.WithMessage("invalid token")
	errAccountMissing  = errors.ErrAuthFailed.WithMessage("account not found")
	errAccountBanned   = errors.ErrAuthFailed.WithMessage("account banned")
	errTokenRevoked    = errors.ErrAuthFailed.WithMessage("token revoked")
)

// Registrar 路由注册方（*ws.Manager 与 *ws.Dispatcher 均满足）
type Registrar interface {
	Register(routes ...ws.Route) error
}

// Subscriber 生命周期事件订阅方
type Subscriber interface {
	Subscribe(t ws.LifecycleEvent, handler ws.EventHandler)
}

// Service 聊天服务
type Service struct {
	deps        Deps
	registry    *ws.Registry
	broadcaster *ws.Broadcaster
	audience    *audience
	logger      logger.Logger
	now         func() time.Time

	presenceTimeout time.Duration
}

// Option 服务选项
type Option func(*Service)

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAudienceCache 缓存在线状态受众（好友与服务器列表）
// ttl <= 0 时每次回源
func WithAudienceCache(g *cache.Group, ttl time.Duration) Option {
	return func(s *Service) {
		s.audience.group = g
		s.audience.ttl = ttl
	}
}

// WithClock 设置时钟
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithPresenceTimeout 设置上下线推送的回源超时
func WithPresenceTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.presenceTimeout = d
		}
	}
}

// NewService 创建聊天服务
func NewService(deps Deps, registry *ws.Registry, broadcaster *ws.Broadcaster, opts ...Option) (*Service, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if registry == nil || broadcaster == nil {
		return nil, ErrNilHub
	}
	if deps.Tx == nil {
		deps.Tx = noTx{}
	}

	s := &Service{
		deps:            deps,
		registry:        registry,
		broadcaster:     broadcaster,
		audience:        &audience{friends: deps.Friends, members: deps.Members},
		logger:          logger.NewNop(),
		now:             time.Now,
		presenceTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Attach 注册全部路由并订阅上下线事件
func (s *Service) Attach(m *ws.Manager) error {
	if err := s.Register(m); err != nil {
		return err
	}
	s.Subscribe(m)
	return nil
}

// Register 注册全部聊天事件
func (s *Service) Register(r Registrar) error {
	return r.Register(s.Routes()...)
}

// Routes 全部聊天事件的注册记录
func (s *Service) Routes() []ws.Route {
	return []ws.Route{
		{
			Event:     protocol.EventAuthenticate,
			RateLimit: &ws.RateLimit{Points: 5, Window: time.Minute},
			Schema:    ws.Payload[protocol.AuthenticatePayload](),
			Timeout:   5 * time.Second,
			After:     []ws.AfterHook{s.syncPresence},
			Handler:   ws.Handle(s.authenticate),
		},
		{
			Event:   protocol.EventPing,
			Schema:  ws.Payload[protocol.PingPayload](),
			Handler: ws.Handle(s.ping),
		},
		{
			Event:       protocol.EventSendMessageDM,
			RequireAuth: true,
			Dedup:       ws.DedupSilent,
			RateLimit:   &ws.RateLimit{Points: 10, Window: 10 * time.Second},
			Schema:      ws.Payload[protocol.SendMessageDMPayload](),
			Timeout:     5 * time.Second,
			Handler:     ws.Handle(s.sendMessageDM),
		},
		{
			Event:       protocol.EventEditMessageDM,
			RequireAuth: true,
			Dedup:       ws.DedupSilent,
			RateLimit:   &ws.RateLimit{Points: 10, Window: 10 * time.Second},
			Schema:      ws.Payload[protocol.EditMessageDMPayload](),
			Timeout:     5 * time.Second,
			Handler:     ws.Handle(s.editMessageDM),
		},
		{
			Event:       protocol.EventDeleteMessageDM,
			RequireAuth: true,
			Dedup:       ws.DedupSilent,
			RateLimit:   &ws.RateLimit{Points: 10, Window: 10 * time.Second},
			Schema:      ws.Payload[protocol.DeleteMessageDMPayload](),
			Timeout:     5 * time.Second,
			Handler:     ws.Handle(s.deleteMessageDM),
		},
		{
			Event:       protocol.EventMarkDMRead,
			RequireAuth: true,
			RateLimit:   &ws.RateLimit{Points: 30, Window: 10 * time.Second},
			Schema:      ws.Payload[protocol.MarkDMReadPayload](),
			Timeout:     5 * time.Second,
			Handler:     ws.Handle(s.markDMRead),
		},
		{
			Event:       protocol.EventTypingDM,
			RequireAuth: true,
			RateLimit:   &ws.RateLimit{Points: 5, Window: 5 * time.Second},
			Schema:      ws.Payload[protocol.TypingDMPayload](),
			Handler:     ws.Handle(s.typingDM),
		},
		{
			Event:       protocol.EventTypingChannel,
			RequireAuth: true,
			RateLimit:   &ws.RateLimit{Points: 5, Window: 5 * time.Second},
			Schema:      ws.Payload[protocol.TypingChannelPayload](),
			Handler:     ws.Handle(s.typingChannel),
		},
		{
			Event:       protocol.EventAddReaction,
			RequireAuth: true,
			Dedup:       ws.DedupSilent,
			RateLimit:   &ws.RateLimit{Points: 20, Window: 10 * time.Second},
			Schema:      ws.Payload[protocol.ReactionPayload](),
			Timeout:     5 * time.Second,
			Handler:     ws.Handle(s.addReaction),
		},
		{
			Event:       protocol.EventRemoveReaction,
			RequireAuth: true,
			Dedup:       ws.DedupSilent,
			RateLimit:   &ws.RateLimit{Points: 20, Window: 10 * time.Second},
			Schema:      ws.Payload[protocol.ReactionPayload](),
			Timeout:     5 * time.Second,
			Handler:     ws.Handle(s.removeReaction),
		},
		{
			Event:       protocol.EventSetStatus,
			RequireAuth: true,
			RateLimit:   &ws.RateLimit{Points: 5, Window: 10 * time.Second},
			Schema:      ws.Payload[protocol.SetStatusPayload](),
			Timeout:     5 * time.Second,
			Handler:     ws.Handle(s.setStatus),
		},
		{
			Event:       protocol.EventJoinServer,
			RequireAuth: true,
			Schema:      ws.Payload[protocol.ServerPayload](),
			Timeout:     5 * time.Second,
			Handler:     ws.Handle(s.joinServer),
		},
		{
			Event:       protocol.EventLeaveServer,
			RequireAuth: true,
			Schema:      ws.Payload[protocol.ServerPayload](),
			Handler:     ws.Handle(s.leaveServer),
		},
		{
			Event:       protocol.EventJoinChannel,
			RequireAuth: true,
			Schema:      ws.Payload[protocol.ChannelPayload](),
			Timeout:     5 * time.Second,
			Handler:     ws.Handle(s.joinChannel),
		},
		{
			Event:       protocol.EventLeaveChannel,
			RequireAuth: true,
			Schema:      ws.Payload[protocol.ChannelPayload](),
			Handler:     ws.Handle(s.leaveChannel),
		},
		{
			Event:       protocol.EventGetPresence,
			RequireAuth: true,
			RateLimit:   &ws.RateLimit{Points: 10, Window: 10 * time.Second},
			Schema:      ws.Payload[protocol.GetPresencePayload](),
			Cache:       &ws.CacheOptions{TTL: 5 * time.Second},
			Timeout:     5 * time.Second,
			Handler:     ws.Handle(s.getPresence),
		},
	}
}

// ping 心跳
func (s *Service) ping(_ context.Context, _ *ws.Request, _ *protocol.PingPayload) (any, error) {
	return protocol.PongPayload{Ts: s.now().UnixMilli()}, nil
}

// InvalidateAudience 好友或服务器成员关系变化后清除用户的受众缓存
func (s *Service) InvalidateAudience(ctx context.Context, userIDs ...string) error {
	for _, id := range userIDs {
		if err := s.audience.forget(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
