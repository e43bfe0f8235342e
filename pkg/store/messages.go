package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tokmz/qichat/pkg/chat"
	"github.com/tokmz/qichat/pkg/errors"
)

var (
	errDuplicateReaction = errors.ErrConflict.WithMessage("reaction already exists")
	errTooManyEmoji      = errors.ErrBadRequest.WithMessage("too many distinct reactions").
				WithDetails(map[string]int{"max": MaxDistinctEmoji})
)

// Messages 私信持久化
type Messages struct{ s *Store }

// Create 写入私信
func (m Messages) Create(ctx context.Context, msg *chat.Message) error {
	return translate(m.s.conn(ctx).Create(toMessageModel(msg)).Error, "")
}

// FindByID 查询私信
func (m Messages) FindByID(ctx context.Context, id string) (*chat.Message, error) {
	var row DirectMessageModel
	if err := m.s.conn(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, translate(err, "message not found")
	}
	return toMessage(&row), nil
}

// Update 更新正文与编辑时间
func (m Messages) Update(ctx context.Context, msg *chat.Message) error {
	row := toMessageModel(msg)
	res := m.s.conn(ctx).Model(&DirectMessageModel{}).Where("id = ?", msg.ID).
		Updates(map[string]any{"text": row.Text, "edited_at": row.EditedAt})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return translate(gorm.ErrRecordNotFound, "message not found")
	}
	return nil
}

// Delete 删除私信及其表情回应
func (m Messages) Delete(ctx context.Context, id string) error {
	return m.s.InTx(ctx, func(ctx context.Context) error {
		db := m.s.conn(ctx)
		if err := db.Where("message_id = ?", id).Delete(&ReactionModel{}).Error; err != nil {
			return err
		}
		res := db.Where("id = ?", id).Delete(&DirectMessageModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return translate(gorm.ErrRecordNotFound, "message not found")
		}
		return nil
	})
}

func toMessageModel(msg *chat.Message) *DirectMessageModel {
	row := &DirectMessageModel{
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Text:       msg.Text,
		ReplyToID:  msg.ReplyToID,
		CreatedAt:  msg.CreatedAt,
	}
	if !msg.EditedAt.IsZero() {
		t := msg.EditedAt
		row.EditedAt = &t
	}
	return row
}

func toMessage(row *DirectMessageModel) *chat.Message {
	msg := &chat.Message{
		ID:         row.ID,
		SenderID:   row.SenderID,
		ReceiverID: row.ReceiverID,
		Text:       row.Text,
		ReplyToID:  row.ReplyToID,
		CreatedAt:  row.CreatedAt,
	}
	if row.EditedAt != nil {
		msg.EditedAt = *row.EditedAt
	}
	return msg
}

// Unread 未读计数
type Unread struct{ s *Store }

// Increment 递增并返回新值
func (u Unread) Increment(ctx context.Context, userID, peerID string) (int64, error) {
	var count int64
	err := u.s.InTx(ctx, func(ctx context.Context) error {
		db := u.s.conn(ctx)
		err := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "peer_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"unread_count": gorm.Expr("unread_count + 1"),
				"updated_at":   time.Now(),
			}),
		}).Create(&UnreadCounterModel{UserID: userID, PeerID: peerID, UnreadCount: 1}).Error
		if err != nil {
			return err
		}
		var row UnreadCounterModel
		if err := db.Where("user_id = ? AND peer_id = ?", userID, peerID).Take(&row).Error; err != nil {
			return err
		}
		count = row.UnreadCount
		return nil
	})
	return count, err
}

// Reset 清零
func (u Unread) Reset(ctx context.Context, userID, peerID string) error {
	return u.s.conn(ctx).Where("user_id = ? AND peer_id = ?", userID, peerID).Delete(&UnreadCounterModel{}).Error
}

// Get 当前未读数，无记录为 0
func (u Unread) Get(ctx context.Context, userID, peerID string) (int64, error) {
	var counts []int64
	err := u.s.conn(ctx).Model(&UnreadCounterModel{}).
		Where("user_id = ? AND peer_id = ?", userID, peerID).
		Pluck("unread_count", &counts).Error
	if err != nil || len(counts) == 0 {
		return 0, err
	}
	return counts[0], nil
}

// Reactions 表情回应
type Reactions struct{ s *Store }

// AddReaction 添加回应
// 同一用户同一表情重复添加返回 CONFLICT，新表情超出种类上限返回 BAD_REQUEST
func (r Reactions) AddReaction(ctx context.Context, messageID, userID, emoji string) error {
	return r.s.InTx(ctx, func(ctx context.Context) error {
		db := r.s.conn(ctx)

		var n int64
		if err := db.Model(&ReactionModel{}).
			Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return errDuplicateReaction
		}

		var emojis []string
		if err := db.Model(&ReactionModel{}).Distinct("emoji").
			Where("message_id = ?", messageID).
			Pluck("emoji", &emojis).Error; err != nil {
			return err
		}
		known := false
		for _, e := range emojis {
			if e == emoji {
				known = true
				break
			}
		}
		if !known && len(emojis) >= MaxDistinctEmoji {
			return errTooManyEmoji
		}

		err := db.Create(&ReactionModel{MessageID: messageID, Emoji: emoji, UserID: userID}).Error
		if err != nil {
			if errors.Is(translate(err, ""), errors.ErrConflict) {
				return errDuplicateReaction
			}
			return err
		}
		return nil
	})
}

// RemoveReaction 移除回应，不存在时返回 NOT_FOUND
func (r Reactions) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	res := r.s.conn(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
		Delete(&ReactionModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return translate(gorm.ErrRecordNotFound, "reaction not found")
	}
	return nil
}
