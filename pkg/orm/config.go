package orm

import (
	"errors"
	"fmt"
	"time"

	gormlogger "gorm.io/gorm/logger"

	"github.com/tokmz/qichat/pkg/logger"
)

// ErrInvalidConfig 配置无效
var ErrInvalidConfig = errors.New("orm: invalid config")

// DBType 数据库类型
type DBType string

const (
	MySQL      DBType = "mysql"
	PostgreSQL DBType = "postgres"
	SQLite     DBType = "sqlite"
	SQLServer  DBType = "sqlserver"
)

// 副本负载均衡策略
const (
	PolicyRandom     = "random"
	PolicyRoundRobin = "round_robin"
)

// Config 数据库配置
type Config struct {
	Type DBType
	DSN  string

	// 连接池，读副本沿用同一组参数
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	PrepareStmt bool

	Logger        logger.Logger       // nil 时丢弃 SQL 日志
	LogLevel      gormlogger.LogLevel // Silent=1 Error=2 Warn=3 Info=4
	SlowThreshold time.Duration

	Trace    bool // 注册 TracingPlugin
	TraceSQL bool // Span 中记录完整 SQL

	ReadWriteSplit *ReadWriteSplitConfig
}

// ReadWriteSplitConfig 读写分离，写与事务走主库，读按策略分摊到副本
type ReadWriteSplitConfig struct {
	Sources []string // 副本 DSN
	Policy  string   // random（默认）/ round_robin
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Type:            SQLite,
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		PrepareStmt:     true,
		LogLevel:        gormlogger.Warn,
		SlowThreshold:   200 * time.Millisecond,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if _, ok := dialectors[c.Type]; !ok {
		return fmt.Errorf("%w: unsupported database type %q", ErrInvalidConfig, c.Type)
	}
	if c.DSN == "" {
		return fmt.Errorf("%w: dsn is required", ErrInvalidConfig)
	}
	if c.LogLevel < gormlogger.Silent || c.LogLevel > gormlogger.Info {
		return fmt.Errorf("%w: log level must be in [1,4]", ErrInvalidConfig)
	}
	if rw := c.ReadWriteSplit; rw != nil {
		if len(rw.Sources) == 0 {
			return fmt.Errorf("%w: read-write split requires sources", ErrInvalidConfig)
		}
		switch rw.Policy {
		case "", PolicyRandom, PolicyRoundRobin:
		default:
			return fmt.Errorf("%w: unknown replica policy %q", ErrInvalidConfig, rw.Policy)
		}
	}
	return nil
}
