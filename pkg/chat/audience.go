package chat

import (
	"context"
	"time"

	"github.com/tokmz/qichat/pkg/cache"
)

// audience 在线状态受众：好友与所在服务器
type audience struct {
	friends FriendshipStore
	members MemberStore
	group   *cache.Group
	ttl     time.Duration
}

// friendIDs 用户的全部好友 ID
func (a *audience) friendIDs(ctx context.Context, userID string) ([]string, error) {
	load := func(ctx context.Context) ([]string, error) {
		rels, err := a.friends.FindByUserID(ctx, userID)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(rels))
		for _, r := range rels {
			ids = append(ids, r.FriendID)
		}
		return ids, nil
	}
	if a.group == nil || a.ttl <= 0 {
		return load(ctx)
	}
	return cache.RememberWithLock(ctx, a.group, "audience:friends:"+userID, a.ttl, load)
}

// serverIDs 用户所在的全部服务器 ID
func (a *audience) serverIDs(ctx context.Context, userID string) ([]string, error) {
	load := func(ctx context.Context) ([]string, error) {
		return a.members.ServerIDs(ctx, userID)
	}
	if a.group == nil || a.ttl <= 0 {
		return load(ctx)
	}
	return cache.RememberWithLock(ctx, a.group, "audience:servers:"+userID, a.ttl, load)
}

// lookup 同时取好友与服务器
func (a *audience) lookup(ctx context.Context, userID string) (friends, servers []string, err error) {
	if friends, err = a.friendIDs(ctx, userID); err != nil {
		return nil, nil, err
	}
	if servers, err = a.serverIDs(ctx, userID); err != nil {
		return nil, nil, err
	}
	return friends, servers, nil
}

// forget 清除用户的受众缓存（好友或成员关系变化后调用）
func (a *audience) forget(ctx context.Context, userID string) error {
	if a.group == nil {
		return nil
	}
	return a.group.Forget(ctx, "audience:friends:"+userID, "audience:servers:"+userID)
}
