// Package store 基于 GORM 的聊天数据存储
package store

import (
	"context"
	stderrors "errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/tokmz/qichat/pkg/chat"
	"github.com/tokmz/qichat/pkg/errors"
)

// MaxDistinctEmoji 单条消息的表情种类上限
const MaxDistinctEmoji = 20

// ErrNilDB 缺少数据库实例
var ErrNilDB = stderrors.New("store: nil db")

type txKey struct{}

// Store 聊天数据存储
type Store struct {
	db *gorm.DB
}

// New 创建存储
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	return &Store{db: db}, nil
}

// Migrate 迁移表结构
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(models()...); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// InTx 在事务内执行 fn，fn 内通过 ctx 的存储调用共享同一事务
// 已处于事务中时直接复用
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// conn 当前上下文的连接（事务优先）
func (s *Store) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

// Deps 组装聊天服务的全部存储协作方
func (s *Store) Deps(tokens chat.TokenVerifier) chat.Deps {
	return chat.Deps{
		Users:       Users{s},
		Friends:     Friends{s},
		Members:     Members{s},
		Messages:    Messages{s},
		Unread:      Unread{s},
		Reactions:   Reactions{s},
		Permissions: Permissions{s},
		Tx:          s,
		Tokens:      tokens,
	}
}

// translate 将 GORM 错误映射为领域错误
func translate(err error, notFound string) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, gorm.ErrRecordNotFound):
		return errors.ErrNotFound.WithMessage(notFound)
	case stderrors.Is(err, gorm.ErrDuplicatedKey):
		return errors.ErrConflict.WithError(err)
	default:
		return err
	}
}
