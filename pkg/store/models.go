package store

import (
	"time"

	"gorm.io/gorm"
)

// UserModel 用户
type UserModel struct {
	ID           string         `gorm:"primaryKey;size:64"`
	Username     string         `gorm:"size:64;uniqueIndex"`
	Status       string         `gorm:"size:16;default:online"`
	TokenVersion int            `gorm:"default:0"`
	Banned       bool           `gorm:"default:false"`
	CreatedAt    time.Time      `gorm:"autoCreateTime"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime"`
	DeletedAt    gorm.DeletedAt `gorm:"index"`
}

// FriendshipModel 好友关系，每对好友存两行
type FriendshipModel struct {
	UserID    string    `gorm:"primaryKey;size:64"`
	FriendID  string    `gorm:"primaryKey;size:64"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// ServerMemberModel 服务器成员
type ServerMemberModel struct {
	ServerID  string    `gorm:"primaryKey;size:64"`
	UserID    string    `gorm:"primaryKey;size:64;index"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// ChannelPermissionModel 频道权限授予
type ChannelPermissionModel struct {
	ServerID   string `gorm:"primaryKey;size:64"`
	ChannelID  string `gorm:"primaryKey;size:64"`
	UserID     string `gorm:"primaryKey;size:64"`
	Permission string `gorm:"primaryKey;size:32"`
}

// DirectMessageModel 私信
type DirectMessageModel struct {
	ID         string    `gorm:"primaryKey;size:64"`
	SenderID   string    `gorm:"size:64;index:idx_dm_pair,priority:1"`
	ReceiverID string    `gorm:"size:64;index:idx_dm_pair,priority:2"`
	Text       string    `gorm:"type:text"`
	ReplyToID  string    `gorm:"size:64"`
	CreatedAt  time.Time `gorm:"index"`
	EditedAt   *time.Time
}

// UnreadCounterModel 未读计数，user 未读来自 peer 的私信数
type UnreadCounterModel struct {
	UserID      string    `gorm:"primaryKey;size:64"`
	PeerID      string    `gorm:"primaryKey;size:64"`
	UnreadCount int64     `gorm:"default:0"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// ReactionModel 表情回应
type ReactionModel struct {
	MessageID string    `gorm:"primaryKey;size:64"`
	Emoji     string    `gorm:"primaryKey;size:64"`
	UserID    string    `gorm:"primaryKey;size:64"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName 设置表名
func (UserModel) TableName() string { return "qichat_users" }

// TableName 设置表名
func (FriendshipModel) TableName() string { return "qichat_friendships" }

// TableName 设置表名
func (ServerMemberModel) TableName() string { return "qichat_server_members" }

// TableName 设置表名
func (ChannelPermissionModel) TableName() string { return "qichat_channel_permissions" }

// TableName 设置表名
func (DirectMessageModel) TableName() string { return "qichat_direct_messages" }

// TableName 设置表名
func (UnreadCounterModel) TableName() string { return "qichat_unread_counters" }

// TableName 设置表名
func (ReactionModel) TableName() string { return "qichat_reactions" }

// models 全部需要迁移的模型
func models() []any {
	return []any{
		&UserModel{},
		&FriendshipModel{},
		&ServerMemberModel{},
		&ChannelPermissionModel{},
		&DirectMessageModel{},
		&UnreadCounterModel{},
		&ReactionModel{},
	}
}
