// Package orm 按配置打开 GORM 连接，可选读写分离与链路追踪
package orm

import (
	"database/sql"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	"gorm.io/plugin/dbresolver"
)

// dialectors 各数据库类型的驱动入口
var dialectors = map[DBType]func(dsn string) gorm.Dialector{
	MySQL:      mysql.Open,
	PostgreSQL: postgres.Open,
	SQLite:     sqlite.Open,
	SQLServer:  sqlserver.Open,
}

// New 打开数据库
// 唯一键冲突等驱动错误统一翻译为 gorm.ErrDuplicatedKey 等哨兵错误
func New(cfg *Config) (*gorm.DB, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialectors[cfg.Type](cfg.DSN), &gorm.Config{
		PrepareStmt:    cfg.PrepareStmt,
		TranslateError: true,
		Logger:         newGormLogger(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("orm: open %s: %w", cfg.Type, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("orm: %w", err)
	}
	configurePool(sqlDB, cfg)

	if cfg.ReadWriteSplit != nil {
		if err := db.Use(newResolver(cfg)); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("orm: read-write split: %w", err)
		}
	}
	if cfg.Trace {
		if err := db.Use(NewTracingPlugin(WithSQLTrace(cfg.TraceSQL))); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("orm: tracing: %w", err)
		}
	}
	return db, nil
}

// Close 关闭底层连接池
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// configurePool 设置连接池参数
func configurePool(db *sql.DB, cfg *Config) {
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
}

// newResolver 读副本解析器，副本连接池与主库一致
func newResolver(cfg *Config) *dbresolver.DBResolver {
	replicas := make([]gorm.Dialector, 0, len(cfg.ReadWriteSplit.Sources))
	for _, dsn := range cfg.ReadWriteSplit.Sources {
		replicas = append(replicas, dialectors[cfg.Type](dsn))
	}

	return dbresolver.Register(dbresolver.Config{
		Replicas: replicas,
		Policy:   policy(cfg.ReadWriteSplit.Policy),
	}).
		SetMaxIdleConns(cfg.MaxIdleConns).
		SetMaxOpenConns(cfg.MaxOpenConns).
		SetConnMaxLifetime(cfg.ConnMaxLifetime).
		SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
}

// policy 副本负载均衡策略
func policy(name string) dbresolver.Policy {
	if name == PolicyRoundRobin {
		return dbresolver.RoundRobinPolicy()
	}
	return dbresolver.RandomPolicy{}
}
