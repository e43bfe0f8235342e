package chat

import (
	"context"
	"time"

	"github.com/tokmz/qichat/pkg/auth"
)

// Permission 频道权限名
type Permission string

const (
	PermissionViewChannel  Permission = "VIEW_CHANNEL"
	PermissionSendMessages Permission = "SEND_MESSAGES"
)

// User 用户
type User struct {
	ID           string
	Username     string
	Status       string
	TokenVersion int
	Deleted      bool
}

// Friendship 好友关系（单向视角）
type Friendship struct {
	UserID   string
	FriendID string
}

// Message 私信
type Message struct {
	ID         string
	SenderID   string
	ReceiverID string
	Text       string
	ReplyToID  string
	CreatedAt  time.Time
	EditedAt   time.Time
}

// Involves 用户是否为会话参与方
func (m *Message) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// Peer 会话中对方的 ID
func (m *Message) Peer(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// 以下接口由存储层实现；资源不存在时返回 Code 为 NOT_FOUND 的 *errors.Error

// UserStore 用户查询
type UserStore interface {
	FindByID(ctx context.Context, id string) (*User, error)
	FindByIDs(ctx context.Context, ids []string) ([]*User, error)
	IsBanned(ctx context.Context, id string) (bool, error)
	UpdateStatus(ctx context.Context, id, status string) error
}

// FriendshipStore 好友关系
type FriendshipStore interface {
	AreFriends(ctx context.Context, a, b string) (bool, error)
	FindByUserID(ctx context.Context, userID string) ([]Friendship, error)
}

// MemberStore 服务器成员
type MemberStore interface {
	ServerIDs(ctx context.Context, userID string) ([]string, error)
	IsMember(ctx context.Context, serverID, userID string) (bool, error)
}

// MessageStore 私信持久化
type MessageStore interface {
	Create(ctx context.Context, m *Message) error
	FindByID(ctx context.Context, id string) (*Message, error)
	Update(ctx context.Context, m *Message) error
	Delete(ctx context.Context, id string) error
}

// UnreadStore 未读计数
type UnreadStore interface {
	// Increment 递增 user 对 peer 的未读数并返回新值
	Increment(ctx context.Context, userID, peerID string) (int64, error)
	Reset(ctx context.Context, userID, peerID string) error
	Get(ctx context.Context, userID, peerID string) (int64, error)
}

// ReactionStore 表情回应
// 同一用户同一表情重复回应返回 CONFLICT，超出表情种类上限返回 BAD_REQUEST
type ReactionStore interface {
	AddReaction(ctx context.Context, messageID, userID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) error
}

// PermissionChecker 频道权限判定
type PermissionChecker interface {
	HasChannelPermission(ctx context.Context, serverID, userID, channelID string, perm Permission) (bool, error)
}

// Transactor 事务分组，fn 内的存储调用共享同一事务
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TokenVerifier 令牌校验
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Deps 处理器依赖的协作方
type Deps struct {
	Users       UserStore
	Friends     FriendshipStore
	Members     MemberStore
	Messages    MessageStore
	Unread      UnreadStore
	Reactions   ReactionStore
	Permissions PermissionChecker
	Tx          Transactor
	Tokens      TokenVerifier
}

// validate 检查依赖是否齐全
func (d *Deps) validate() error {
	switch {
	case d.Users == nil, d.Friends == nil, d.Members == nil, d.Messages == nil,
		d.Unread == nil, d.Reactions == nil, d.Permissions == nil, d.Tokens == nil:
		return ErrMissingDependency
	}
	return nil
}

// noTx 不支持事务时直接执行
type noTx struct{}

func (noTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
