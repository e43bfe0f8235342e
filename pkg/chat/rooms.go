package chat

import (
	"context"

	"github.com/tokmz/qichat/pkg/protocol"
	"github.com/tokmz/qichat/pkg/ws"
)

// joinServer 订阅服务器广播，需为成员
func (s *Service) joinServer(ctx context.Context, req *ws.Request, p *protocol.ServerPayload) (any, error) {
	ok, err := s.deps.Members.IsMember(ctx, p.ServerID, req.User.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNotMember
	}
	s.registry.SubscribeServer(req.Conn, p.ServerID)
	return *p, nil
}

// leaveServer 取消订阅服务器广播
func (s *Service) leaveServer(_ context.Context, req *ws.Request, p *protocol.ServerPayload) (any, error) {
	s.registry.UnsubscribeServer(req.Conn, p.ServerID)
	return *p, nil
}

// joinChannel 订阅频道，需有查看权限
func (s *Service) joinChannel(ctx context.Context, req *ws.Request, p *protocol.ChannelPayload) (any, error) {
	ok, err := s.deps.Permissions.HasChannelPermission(ctx, p.ServerID, req.User.UserID, p.ChannelID, PermissionViewChannel)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNoPermission
	}
	s.registry.SubscribeChannel(req.Conn, p.ChannelID)
	return *p, nil
}

// leaveChannel 取消订阅频道
func (s *Service) leaveChannel(_ context.Context, req *ws.Request, p *protocol.ChannelPayload) (any, error) {
	s.registry.UnsubscribeChannel(req.Conn, p.ChannelID)
	return *p, nil
}

// typingChannel 频道输入提示
// 发送方需有发言权限，接收方逐个判定查看权限
func (s *Service) typingChannel(ctx context.Context, req *ws.Request, p *protocol.TypingChannelPayload) (any, error) {
	uid := req.User.UserID
	ok, err := s.deps.Permissions.HasChannelPermission(ctx, p.ServerID, uid, p.ChannelID, PermissionSendMessages)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNoPermission
	}

	env := protocol.MustPush(protocol.EventTypingChannel, protocol.TypingPayload{
		UserID:    uid,
		ServerID:  p.ServerID,
		ChannelID: p.ChannelID,
	})
	s.broadcaster.ToServerWithPermission(ctx, p.ServerID, env, func(ctx context.Context, userID string) (bool, error) {
		if userID == uid {
			return false, nil
		}
		return s.deps.Permissions.HasChannelPermission(ctx, p.ServerID, userID, p.ChannelID, PermissionViewChannel)
	}, req.Conn)
	return nil, nil
}
