package chat

import (
	"context"

	"github.com/tokmz/qichat/pkg/errors"
	"github.com/tokmz/qichat/pkg/protocol"
	"github.com/tokmz/qichat/pkg/ws"
)

// sendMessageDM 发送私信
// 消息与接收方未读计数在同一事务内写入，提交后再推送
func (s *Service) sendMessageDM(ctx context.Context, req *ws.Request, p *protocol.SendMessageDMPayload) (any, error) {
	sender := req.User.UserID
	if p.ReceiverID == sender {
		return nil, errSelfMessage
	}

	receiver, err := s.deps.Users.FindByID(ctx, p.ReceiverID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errReceiverMissing
		}
		return nil, err
	}
	if receiver.Deleted {
		return nil, errReceiverMissing
	}

	friends, err := s.deps.Friends.AreFriends(ctx, sender, receiver.ID)
	if err != nil {
		return nil, err
	}
	if !friends {
		return nil, errNotFriends
	}

	if p.ReplyToID != "" {
		if err := s.checkReplyTarget(ctx, p.ReplyToID, sender, receiver.ID); err != nil {
			return nil, err
		}
	}

	msg := &Message{
		ID:         protocol.NewID(),
		SenderID:   sender,
		ReceiverID: receiver.ID,
		Text:       p.Text,
		ReplyToID:  p.ReplyToID,
		CreatedAt:  s.now(),
	}

	var unread int64
	err = s.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.deps.Messages.Create(ctx, msg); err != nil {
			return err
		}
		n, err := s.deps.Unread.Increment(ctx, receiver.ID, sender)
		if err != nil {
			return err
		}
		unread = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	payload := messagePayload(msg)
	push := protocol.MustPush(protocol.EventMessageDM, payload)
	s.broadcaster.ToUser(receiver.ID, push, nil)
	s.broadcaster.ToUser(sender, push, req.Conn)
	s.broadcaster.ToUser(receiver.ID, protocol.MustPush(protocol.EventDMUnreadUpdated, protocol.UnreadPayload{
		PeerID: sender,
		Count:  unread,
	}), nil)

	return payload, nil
}

// checkReplyTarget 被回复的消息必须属于同一会话
func (s *Service) checkReplyTarget(ctx context.Context, id, a, b string) error {
	target, err := s.deps.Messages.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return errReplyMissing
		}
		return err
	}
	if !target.Involves(a) || !target.Involves(b) {
		return errReplyMissing
	}
	return nil
}

// editMessageDM 编辑私信，仅作者可编辑
func (s *Service) editMessageDM(ctx context.Context, req *ws.Request, p *protocol.EditMessageDMPayload) (any, error) {
	msg, err := s.ownMessage(ctx, p.MessageID, req.User.UserID)
	if err != nil {
		return nil, err
	}

	msg.Text = p.Text
	msg.EditedAt = s.now()
	if err := s.deps.Messages.Update(ctx, msg); err != nil {
		return nil, err
	}

	payload := messagePayload(msg)
	s.toParticipants(msg, protocol.MustPush(protocol.EventMessageDMEdited, payload), req.Conn)
	return payload, nil
}

// deleteMessageDM 删除私信，仅作者可删除
func (s *Service) deleteMessageDM(ctx context.Context, req *ws.Request, p *protocol.DeleteMessageDMPayload) (any, error) {
	msg, err := s.ownMessage(ctx, p.MessageID, req.User.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Messages.Delete(ctx, msg.ID); err != nil {
		return nil, err
	}

	payload := protocol.MessageDMDeletedPayload{
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
	}
	s.toParticipants(msg, protocol.MustPush(protocol.EventMessageDMDeleted, payload), req.Conn)
	return payload, nil
}

// markDMRead 清零未读并同步本人其他设备
func (s *Service) markDMRead(ctx context.Context, req *ws.Request, p *protocol.MarkDMReadPayload) (any, error) {
	uid := req.User.UserID
	if err := s.deps.Unread.Reset(ctx, uid, p.PeerID); err != nil {
		return nil, err
	}

	payload := protocol.UnreadPayload{PeerID: p.PeerID, Count: 0}
	s.broadcaster.ToUser(uid, protocol.MustPush(protocol.EventDMUnreadUpdated, payload), req.Conn)
	return payload, nil
}

// typingDM 输入提示，仅推送给好友
func (s *Service) typingDM(ctx context.Context, req *ws.Request, p *protocol.TypingDMPayload) (any, error) {
	uid := req.User.UserID
	if p.ReceiverID == uid {
		return nil, nil
	}
	friends, err := s.deps.Friends.AreFriends(ctx, uid, p.ReceiverID)
	if err != nil || !friends {
		return nil, err
	}
	s.broadcaster.ToUser(p.ReceiverID, protocol.MustPush(protocol.EventTypingDM, protocol.TypingPayload{UserID: uid}), nil)
	return nil, nil
}

// addReaction 添加表情回应，限制由存储层判定
func (s *Service) addReaction(ctx context.Context, req *ws.Request, p *protocol.ReactionPayload) (any, error) {
	msg, err := s.participantMessage(ctx, p.MessageID, req.User.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Reactions.AddReaction(ctx, msg.ID, req.User.UserID, p.Emoji); err != nil {
		return nil, err
	}

	payload := protocol.ReactionEventPayload{MessageID: msg.ID, UserID: req.User.UserID, Emoji: p.Emoji}
	s.toParticipants(msg, protocol.MustPush(protocol.EventReactionAdded, payload), req.Conn)
	return payload, nil
}

// removeReaction 移除表情回应
func (s *Service) removeReaction(ctx context.Context, req *ws.Request, p *protocol.ReactionPayload) (any, error) {
	msg, err := s.participantMessage(ctx, p.MessageID, req.User.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Reactions.RemoveReaction(ctx, msg.ID, req.User.UserID, p.Emoji); err != nil {
		return nil, err
	}

	payload := protocol.ReactionEventPayload{MessageID: msg.ID, UserID: req.User.UserID, Emoji: p.Emoji}
	s.toParticipants(msg, protocol.MustPush(protocol.EventReactionRemoved, payload), req.Conn)
	return payload, nil
}

// ownMessage 读取消息并校验作者
func (s *Service) ownMessage(ctx context.Context, id, userID string) (*Message, error) {
	msg, err := s.findMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		if msg.Involves(userID) {
			return nil, errNotAuthor
		}
		// 非参与方不暴露消息存在性
		return nil, errMessageMissing
	}
	return msg, nil
}

// participantMessage 读取消息并校验会话参与方
func (s *Service) participantMessage(ctx context.Context, id, userID string) (*Message, error) {
	msg, err := s.findMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if !msg.Involves(userID) {
		return nil, errNotParticipant
	}
	return msg, nil
}

func (s *Service) findMessage(ctx context.Context, id string) (*Message, error) {
	msg, err := s.deps.Messages.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errMessageMissing
		}
		return nil, err
	}
	return msg, nil
}

// toParticipants 推送给会话双方，排除发起连接
func (s *Service) toParticipants(msg *Message, env *protocol.Envelope, exclude *ws.Conn) {
	s.broadcaster.ToUser(msg.SenderID, env, exclude)
	if msg.ReceiverID != msg.SenderID {
		s.broadcaster.ToUser(msg.ReceiverID, env, exclude)
	}
}

// messagePayload 转换为线上格式
func messagePayload(m *Message) protocol.MessageDMPayload {
	p := protocol.MessageDMPayload{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		ReplyToID:  m.ReplyToID,
		CreatedAt:  m.CreatedAt.UnixMilli(),
	}
	if !m.EditedAt.IsZero() {
		p.EditedAt = m.EditedAt.UnixMilli()
	}
	return p
}
