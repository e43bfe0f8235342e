package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/tokmz/qichat/pkg/errors"
	"github.com/tokmz/qichat/pkg/protocol"
	"github.com/tokmz/qichat/pkg/ws"
)

// authenticate 校验令牌并绑定连接
func (s *Service) authenticate(ctx context.Context, req *ws.Request, p *protocol.AuthenticatePayload) (any, error) {
	claims, err := s.deps.Tokens.Verify(p.Token)
	if err != nil {
		return nil, errInvalidToken.WithError(err)
	}

	user, err := s.deps.Users.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errAccountMissing
		}
		return nil, err
	}
	if user.Deleted {
		return nil, errAccountMissing
	}
	banned, err := s.deps.Users.IsBanned(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, errAccountBanned
	}
	if user.TokenVersion != claims.Version {
		return nil, errTokenRevoked
	}

	status := user.Status
	if status == "" || status == protocol.StatusOffline {
		status = protocol.StatusOnline
	}

	// 先订阅所在服务器，上线推送即可覆盖同服成员
	servers, err := s.audience.serverIDs(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if prev := req.Conn.Principal(); prev != nil && prev.UserID != user.ID {
		s.leaveRooms(req.Conn)
	}
	for _, id := range servers {
		s.registry.SubscribeServer(req.Conn, id)
	}

	if err := s.registry.Authenticate(req.Conn, ws.Principal{
		UserID:   user.ID,
		Username: user.Username,
		Status:   status,
	}); err != nil {
		return nil, err
	}

	return protocol.AuthenticatedPayload{
		UserID:   user.ID,
		Username: user.Username,
		Status:   status,
	}, nil
}

// leaveRooms 切换身份时退出旧身份加入的全部房间
func (s *Service) leaveRooms(conn *ws.Conn) {
	for _, id := range conn.Servers() {
		s.registry.UnsubscribeServer(conn, id)
	}
	for _, id := range conn.Channels() {
		s.registry.UnsubscribeChannel(conn, id)
	}
}

// syncPresence 认证成功后向调用方推送在线好友
func (s *Service) syncPresence(ctx context.Context, req *ws.Request, result any) error {
	auth, ok := result.(protocol.AuthenticatedPayload)
	if !ok {
		return nil
	}
	friends, err := s.audience.friendIDs(ctx, auth.UserID)
	if err != nil {
		return err
	}
	online, err := s.visible(ctx, s.registry.OnlineUsers(friends))
	if err != nil {
		return err
	}
	return req.Conn.SendEnvelope(protocol.MustPush(protocol.EventPresenceSync, protocol.PresenceSyncPayload{Online: online}))
}

// getPresence 查询好友在线状态，只返回请求中属于好友的用户
func (s *Service) getPresence(ctx context.Context, req *ws.Request, p *protocol.GetPresencePayload) (any, error) {
	friends, err := s.audience.friendIDs(ctx, req.User.UserID)
	if err != nil {
		return nil, err
	}
	isFriend := make(map[string]struct{}, len(friends))
	for _, id := range friends {
		isFriend[id] = struct{}{}
	}

	ids := make([]string, 0, len(p.UserIDs))
	for _, id := range p.UserIDs {
		if _, ok := isFriend[id]; ok {
			ids = append(ids, id)
		}
	}

	online, err := s.visible(ctx, s.registry.OnlineUsers(ids))
	if err != nil {
		return nil, err
	}
	return protocol.PresenceSyncPayload{Online: online}, nil
}

// visible 过滤隐身用户
func (s *Service) visible(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}
	users, err := s.deps.Users.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	hidden := make(map[string]struct{})
	for _, u := range users {
		if u.Status == protocol.StatusInvisible {
			hidden[u.ID] = struct{}{}
		}
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := hidden[id]; !ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// setStatus 更新状态并通知受众与本人其他设备
// 隐身对受众表现为离线
func (s *Service) setStatus(ctx context.Context, req *ws.Request, p *protocol.SetStatusPayload) (any, error) {
	uid := req.User.UserID
	if err := s.deps.Users.UpdateStatus(ctx, uid, p.Status); err != nil {
		return nil, err
	}

	result := protocol.StatusPayload{UserID: uid, Status: p.Status}
	s.broadcaster.ToUser(uid, protocol.MustPush(protocol.EventStatusUpdated, result), req.Conn)

	friends, servers, err := s.audience.lookup(ctx, uid)
	if err != nil {
		return nil, err
	}
	public := result
	if public.Status == protocol.StatusInvisible {
		public.Status = protocol.StatusOffline
	}
	s.broadcaster.ToPresenceAudience(friends, servers, protocol.MustPush(protocol.EventStatusUpdated, public),
		s.registry.UserConnections(uid)...)

	return result, nil
}

// Subscribe 订阅上下线事件，向受众推送 user_online / user_offline
func (s *Service) Subscribe(sub Subscriber) {
	sub.Subscribe(ws.UserOnline, s.onUserOnline)
	sub.Subscribe(ws.UserOffline, s.onUserOffline)
}

// onUserOnline 用户首个连接认证
func (s *Service) onUserOnline(e ws.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.presenceTimeout)
	defer cancel()

	user, err := s.deps.Users.FindByID(ctx, e.UserID)
	if err != nil {
		s.logger.WarnContext(ctx, "presence lookup failed", zap.String("user_id", e.UserID), zap.Error(err))
		return
	}
	if user.Status == protocol.StatusInvisible {
		return
	}
	status := user.Status
	if status == "" || status == protocol.StatusOffline {
		status = protocol.StatusOnline
	}

	s.announce(ctx, e.UserID, protocol.MustPush(protocol.EventUserOnline, protocol.StatusPayload{
		UserID: e.UserID,
		Status: status,
	}))
}

// onUserOffline 用户最后一个连接关闭
func (s *Service) onUserOffline(e ws.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.presenceTimeout)
	defer cancel()

	s.announce(ctx, e.UserID, protocol.MustPush(protocol.EventUserOffline, protocol.StatusPayload{
		UserID: e.UserID,
		Status: protocol.StatusOffline,
	}))
}

// announce 推送给好友与同服成员，本人的连接不接收
func (s *Service) announce(ctx context.Context, userID string, env *protocol.Envelope) {
	friends, servers, err := s.audience.lookup(ctx, userID)
	if err != nil {
		s.logger.WarnContext(ctx, "presence audience lookup failed",
			zap.String("user_id", userID),
			zap.String("event", env.Event.Type.String()),
			zap.Error(err),
		)
		return
	}
	n := s.broadcaster.ToPresenceAudience(friends, servers, env, s.registry.UserConnections(userID)...)
	s.logger.DebugContext(ctx, "presence announced",
		zap.String("user_id", userID),
		zap.String("event", env.Event.Type.String()),
		zap.Int("delivered", n),
	)
}
