package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tokmz/qichat/pkg/chat"
)

// Users 用户查询
type Users struct{ s *Store }

// FindByID 查询用户，已注销用户返回 Deleted=true
func (u Users) FindByID(ctx context.Context, id string) (*chat.User, error) {
	var m UserModel
	if err := u.s.conn(ctx).Unscoped().Where("id = ?", id).Take(&m).Error; err != nil {
		return nil, translate(err, "user not found")
	}
	return toUser(&m), nil
}

// FindByIDs 批量查询有效用户，不存在的 ID 被忽略
func (u Users) FindByIDs(ctx context.Context, ids []string) ([]*chat.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []UserModel
	if err := u.s.conn(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*chat.User, 0, len(rows))
	for i := range rows {
		out = append(out, toUser(&rows[i]))
	}
	return out, nil
}

// IsBanned 是否被封禁
func (u Users) IsBanned(ctx context.Context, id string) (bool, error) {
	var m UserModel
	err := u.s.conn(ctx).Unscoped().Select("banned").Where("id = ?", id).Take(&m).Error
	if err != nil {
		return false, translate(err, "user not found")
	}
	return m.Banned, nil
}

// UpdateStatus 更新状态
func (u Users) UpdateStatus(ctx context.Context, id, status string) error {
	res := u.s.conn(ctx).Model(&UserModel{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return translate(gorm.ErrRecordNotFound, "user not found")
	}
	return nil
}

func toUser(m *UserModel) *chat.User {
	return &chat.User{
		ID:           m.ID,
		Username:     m.Username,
		Status:       m.Status,
		TokenVersion: m.TokenVersion,
		Deleted:      m.DeletedAt.Valid,
	}
}

// Friends 好友关系
type Friends struct{ s *Store }

// AreFriends a 与 b 是否为好友
func (f Friends) AreFriends(ctx context.Context, a, b string) (bool, error) {
	var n int64
	err := f.s.conn(ctx).Model(&FriendshipModel{}).
		Where("user_id = ? AND friend_id = ?", a, b).
		Count(&n).Error
	return n > 0, err
}

// FindByUserID 用户的全部好友
func (f Friends) FindByUserID(ctx context.Context, userID string) ([]chat.Friendship, error) {
	var rows []FriendshipModel
	if err := f.s.conn(ctx).Where("user_id = ?", userID).Order("friend_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]chat.Friendship, 0, len(rows))
	for _, r := range rows {
		out = append(out, chat.Friendship{UserID: r.UserID, FriendID: r.FriendID})
	}
	return out, nil
}

// Members 服务器成员
type Members struct{ s *Store }

// ServerIDs 用户所在的服务器
func (m Members) ServerIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := m.s.conn(ctx).Model(&ServerMemberModel{}).
		Where("user_id = ?", userID).
		Order("server_id").
		Pluck("server_id", &ids).Error
	return ids, err
}

// IsMember 是否为服务器成员
func (m Members) IsMember(ctx context.Context, serverID, userID string) (bool, error) {
	var n int64
	err := m.s.conn(ctx).Model(&ServerMemberModel{}).
		Where("server_id = ? AND user_id = ?", serverID, userID).
		Count(&n).Error
	return n > 0, err
}

// Permissions 频道权限
type Permissions struct{ s *Store }

// HasChannelPermission 成员且被授予该权限
func (p Permissions) HasChannelPermission(ctx context.Context, serverID, userID, channelID string, perm chat.Permission) (bool, error) {
	var n int64
	err := p.s.conn(ctx).Model(&ChannelPermissionModel{}).
		Joins("JOIN qichat_server_members m ON m.server_id = qichat_channel_permissions.server_id AND m.user_id = qichat_channel_permissions.user_id").
		Where("qichat_channel_permissions.server_id = ? AND qichat_channel_permissions.channel_id = ? AND qichat_channel_permissions.user_id = ? AND qichat_channel_permissions.permission = ?",
			serverID, channelID, userID, string(perm)).
		Count(&n).Error
	return n > 0, err
}

// CreateUser 创建用户
func (s *Store) CreateUser(ctx context.Context, id, username string) error {
	return translate(s.conn(ctx).Create(&UserModel{ID: id, Username: username, Status: "online"}).Error, "")
}

// DeleteUser 注销用户（软删除）
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	return s.conn(ctx).Where("id = ?", id).Delete(&UserModel{}).Error
}

// SetBanned 设置封禁状态
func (s *Store) SetBanned(ctx context.Context, id string, banned bool) error {
	return s.conn(ctx).Model(&UserModel{}).Where("id = ?", id).Update("banned", banned).Error
}

// RevokeTokens 令牌版本加一，此前签发的令牌全部失效
func (s *Store) RevokeTokens(ctx context.Context, id string) (int, error) {
	var version int
	err := s.InTx(ctx, func(ctx context.Context) error {
		db := s.conn(ctx)
		if err := db.Model(&UserModel{}).Where("id = ?", id).
			Update("token_version", gorm.Expr("token_version + 1")).Error; err != nil {
			return err
		}
		var m UserModel
		if err := db.Select("token_version").Where("id = ?", id).Take(&m).Error; err != nil {
			return translate(err, "user not found")
		}
		version = m.TokenVersion
		return nil
	})
	return version, err
}

// AddFriend 建立双向好友关系（重复添加无副作用）
func (s *Store) AddFriend(ctx context.Context, a, b string) error {
	return s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create([]FriendshipModel{
		{UserID: a, FriendID: b},
		{UserID: b, FriendID: a},
	}).Error
}

// RemoveFriend 解除双向好友关系
func (s *Store) RemoveFriend(ctx context.Context, a, b string) error {
	return s.conn(ctx).
		Where("(user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)", a, b, b, a).
		Delete(&FriendshipModel{}).Error
}

// AddMember 加入服务器
func (s *Store) AddMember(ctx context.Context, serverID, userID string) error {
	return s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ServerMemberModel{ServerID: serverID, UserID: userID}).Error
}

// RemoveMember 移出服务器并撤销其在该服务器的频道权限
func (s *Store) RemoveMember(ctx context.Context, serverID, userID string) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		db := s.conn(ctx)
		if err := db.Where("server_id = ? AND user_id = ?", serverID, userID).Delete(&ChannelPermissionModel{}).Error; err != nil {
			return err
		}
		return db.Where("server_id = ? AND user_id = ?", serverID, userID).Delete(&ServerMemberModel{}).Error
	})
}

// Grant 授予频道权限
func (s *Store) Grant(ctx context.Context, serverID, channelID, userID string, perms ...chat.Permission) error {
	if len(perms) == 0 {
		return nil
	}
	rows := make([]ChannelPermissionModel, 0, len(perms))
	for _, p := range perms {
		rows = append(rows, ChannelPermissionModel{ServerID: serverID, ChannelID: channelID, UserID: userID, Permission: string(p)})
	}
	return s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rows).Error
}

// Revoke 撤销频道权限
func (s *Store) Revoke(ctx context.Context, serverID, channelID, userID string, perm chat.Permission) error {
	return s.conn(ctx).
		Where("server_id = ? AND channel_id = ? AND user_id = ? AND permission = ?", serverID, channelID, userID, string(perm)).
		Delete(&ChannelPermissionModel{}).Error
}
