package orm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/plugin/dbresolver"

	"github.com/tokmz/qichat/pkg/logger"
)

type note struct {
	ID   uint `gorm:"primaryKey"`
	Text string
}

func sqliteConfig() *Config {
	cfg := DefaultConfig()
	cfg.DSN = "file::memory:?cache=shared"
	cfg.MaxOpenConns = 1
	return cfg
}

// TestNewSQLite 测试创建 SQLite 实例并执行读写
func TestNewSQLite(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cfg := sqliteConfig()
	cfg.Logger = logger.NewWithCore(core)
	cfg.LogLevel = 4
	cfg.Trace = true

	db, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	require.NoError(t, db.AutoMigrate(&note{}))
	require.NoError(t, db.WithContext(context.Background()).Create(&note{Text: "hi"}).Error)

	var got note
	require.NoError(t, db.First(&got).Error)
	assert.Equal(t, "hi", got.Text)

	assert.NotZero(t, logs.FilterMessage("sql").Len())
}

// TestGormLoggerRecordNotFound 测试记录不存在不输出错误
func TestGormLoggerRecordNotFound(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cfg := sqliteConfig()
	cfg.DSN = "file:notfound?mode=memory&cache=shared"
	cfg.Logger = logger.NewWithCore(core)

	db, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	require.NoError(t, db.AutoMigrate(&note{}))

	var got note
	assert.Error(t, db.First(&got, 999).Error)
	assert.Zero(t, logs.FilterMessage("sql error").Len())
}

// TestConfigValidate 测试配置校验
func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown type", func(c *Config) { c.Type = "oracle" }},
		{"empty dsn", func(c *Config) { c.DSN = "" }},
		{"log level", func(c *Config) { c.LogLevel = 9 }},
		{"split without sources", func(c *Config) { c.ReadWriteSplit = &ReadWriteSplitConfig{} }},
	}

	require.NoError(t, sqliteConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := sqliteConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

			_, err := New(cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

// TestPolicy 测试副本负载均衡策略
func TestPolicy(t *testing.T) {
	assert.IsType(t, dbresolver.RandomPolicy{}, policy(""))
	assert.IsType(t, dbresolver.RandomPolicy{}, policy(PolicyRandom))
	rr := policy(PolicyRoundRobin)
	require.NotNil(t, rr)
	assert.IsType(t, dbresolver.PolicyFunc(nil), rr)
}

// TestReadWriteSplit 测试配置副本后仍可读写
func TestReadWriteSplit(t *testing.T) {
	cfg := sqliteConfig()
	cfg.DSN = "file:rwsplit?mode=memory&cache=shared"
	cfg.ReadWriteSplit = &ReadWriteSplitConfig{Sources: []string{cfg.DSN}, Policy: PolicyRoundRobin}

	db, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	require.NoError(t, db.AutoMigrate(&note{}))
	require.NoError(t, db.Create(&note{Text: "rw"}).Error)

	var got note
	require.NoError(t, db.Where("text = ?", "rw").Take(&got).Error)
	assert.Equal(t, "rw", got.Text)
}

// TestTracingPlugin 测试语句 Span 与记录不存在的处理
func TestTracingPlugin(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	cfg := sqliteConfig()
	cfg.DSN = "file:traced?mode=memory&cache=shared"
	cfg.Trace = true
	cfg.TraceSQL = true
	db, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	require.NoError(t, db.AutoMigrate(&note{}))

	ctx := context.Background()
	require.NoError(t, db.WithContext(ctx).Create(&note{Text: "x"}).Error)
	var got note
	require.Error(t, db.WithContext(ctx).First(&got, 999).Error)

	names := map[string]codes.Code{}
	for _, s := range rec.Ended() {
		names[s.Name()] = s.Status().Code
	}
	require.Contains(t, names, "db.create")
	require.Contains(t, names, "db.query")
	assert.Equal(t, codes.Unset, names["db.query"])
}
