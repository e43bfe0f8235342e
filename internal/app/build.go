package app

import (
	"github.com/tokmz/qichat/internal/server"
	"github.com/tokmz/qichat/pkg/cache"
	"github.com/tokmz/qichat/pkg/config"
	"github.com/tokmz/qichat/pkg/logger"
	"github.com/tokmz/qichat/pkg/orm"
	"github.com/tokmz/qichat/pkg/tracing"
)

// NewLogger 按日志配置创建日志器，配置了文件时按大小轮转
func NewLogger(s config.LogSettings) (logger.Logger, error) {
	level, err := logger.ParseLevel(s.Level)
	if err != nil {
		return nil, err
	}

	opts := []logger.Option{
		logger.WithLevel(level),
		logger.WithFormat(logger.Format(s.Format)),
		logger.WithCaller(true),
		logger.WithStacktrace(true),
	}
	if s.Console {
		opts = append(opts, logger.WithConsoleOutput())
	}
	if s.File != "" {
		opts = append(opts, logger.WithRotateOutput(&logger.RotateConfig{
			Filename:   s.File,
			MaxSize:    s.MaxSize,
			MaxAge:     s.MaxAge,
			MaxBackups: s.MaxBackups,
			Compress:   s.Compress,
		}))
	}
	return logger.NewWithOptions(opts...)
}

// ormConfig 数据库配置，配置了只读副本时启用读写分离
func ormConfig(s *config.Settings, l logger.Logger) *orm.Config {
	cfg := orm.DefaultConfig()
	cfg.Type = orm.DBType(s.Database.Type)
	cfg.DSN = s.Database.DSN
	if s.Database.MaxIdleConns > 0 {
		cfg.MaxIdleConns = s.Database.MaxIdleConns
	}
	if s.Database.MaxOpenConns > 0 {
		cfg.MaxOpenConns = s.Database.MaxOpenConns
	}
	if s.Database.ConnMaxLifetime > 0 {
		cfg.ConnMaxLifetime = s.Database.ConnMaxLifetime
	}
	cfg.Logger = l
	cfg.Trace = s.Database.Trace && s.Tracing.Enabled

	if len(s.Database.Replicas) > 0 {
		cfg.ReadWriteSplit = &orm.ReadWriteSplitConfig{
			Sources: s.Database.Replicas,
			Policy:  "round_robin",
		}
	}
	return cfg
}

// newCache 创建内存或 Redis 缓存
func newCache(s config.CacheSettings) (cache.Cache, error) {
	if s.Driver != string(cache.DriverRedis) {
		return cache.NewWithOptions(
			cache.WithMemory(cache.DefaultMemoryConfig()),
			cache.WithKeyPrefix(s.KeyPrefix),
		)
	}

	rc := cache.DefaultRedisConfig()
	if s.Mode != "" {
		rc.Mode = cache.RedisMode(s.Mode)
	}
	rc.Addr = s.Addr
	rc.Addrs = s.Addrs
	rc.Username = s.Username
	rc.Password = s.Password
	rc.DB = s.DB
	rc.MasterName = s.MasterName
	if s.PoolSize > 0 {
		rc.PoolSize = s.PoolSize
	}
	return cache.NewWithOptions(cache.WithRedis(rc), cache.WithKeyPrefix(s.KeyPrefix))
}

// tracingConfig 链路追踪配置
func tracingConfig(s *config.Settings) *tracing.Config {
	cfg := tracing.DefaultConfig()
	cfg.ServiceName = s.Tracing.ServiceName
	cfg.ServiceVersion = server.Version
	cfg.ExporterType = s.Tracing.Exporter
	cfg.ExporterEndpoint = s.Tracing.Endpoint
	cfg.Insecure = s.Tracing.Insecure
	cfg.SamplingRate = s.Tracing.SamplingRate
	cfg.Environment = s.Server.Mode
	return cfg
}
