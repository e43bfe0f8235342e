package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestNew 测试创建 Logger
func TestNew(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		config *Config
	}{
		{name: "nil config", config: nil},
		{name: "console", config: &Config{Level: InfoLevel, Format: ConsoleFormat, Console: true}},
		{name: "rotate", config: &Config{Level: InfoLevel, Rotate: &RotateConfig{Filename: filepath.Join(dir, "rotate.log")}}},
		{name: "sampling", config: &Config{Sampling: &SamplingConfig{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.config)
			require.NoError(t, err)
			require.NotNil(t, l)
			l.Info("hello")
			_ = l.Sync()
		})
	}
}

// TestSetLevel 测试动态调整级别对输出立即生效
func TestSetLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewWithCore(core)

	l.SetLevel(WarnLevel)
	l.Info("dropped")
	l.Warn("kept")
	assert.Equal(t, 1, logs.Len())

	l.SetLevel(DebugLevel)
	l.Debug("now visible")
	assert.Equal(t, 2, logs.Len())
	assert.Equal(t, DebugLevel, l.Level())

	// 子 Logger 共享级别
	child := l.With(zap.String("module", "ws"))
	l.SetLevel(ErrorLevel)
	child.Warn("dropped too")
	assert.Equal(t, 2, logs.Len())
}

// TestContextFields 测试 Context 字段提取
func TestContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewWithCore(core)

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	ctx = WithConnID(ctx, "conn-1")
	ctx = WithUID(ctx, "alice")

	l.InfoContext(ctx, "user action", zap.String("action", "send"))
	require.Equal(t, 1, logs.Len())

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, span.SpanContext().TraceID().String(), fields["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), fields["span_id"])
	assert.Equal(t, "conn-1", fields["conn_id"])
	assert.Equal(t, "alice", fields["uid"])
	assert.Equal(t, "send", fields["action"])

	l.WithContext(ctx).Warn("scoped")
	assert.Equal(t, "alice", logs.All()[1].ContextMap()["uid"])

	l.InfoContext(context.Background(), "bare")
	_, ok := logs.All()[2].ContextMap()["trace_id"]
	assert.False(t, ok)
}

// TestParseLevel 测试级别解析
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{" warn ", WarnLevel, false},
		{"error", ErrorLevel, false},
		{"verbose", InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.String(), got.String())
		})
	}
}

// TestDefaults 测试默认值补全
func TestDefaults(t *testing.T) {
	cfg := &Config{
		Format:   "xml",
		Rotate:   &RotateConfig{Filename: "x.log"},
		Sampling: &SamplingConfig{Initial: 5},
	}
	cfg.normalize()
	assert.Equal(t, JSONFormat, cfg.Format)
	assert.False(t, cfg.Console)
	assert.Equal(t, 100, cfg.Rotate.MaxSize)
	assert.Equal(t, 30, cfg.Rotate.MaxAge)
	assert.Equal(t, 10, cfg.Rotate.MaxBackups)
	assert.Equal(t, 5, cfg.Sampling.Initial)
	assert.Equal(t, 100, cfg.Sampling.Thereafter)

	empty := &Config{}
	empty.normalize()
	assert.True(t, empty.Console)
}

// TestRotateOutput 测试轮转文件输出
func TestRotateOutput(t *testing.T) {
	file := filepath.Join(t.TempDir(), "out.log")
	l, err := NewWithOptions(
		WithLevel(InfoLevel),
		WithFormat(JSONFormat),
		WithRotateOutput(&RotateConfig{Filename: file}),
		WithCaller(true),
		WithStacktrace(true),
	)
	require.NoError(t, err)

	l.Info("test file output", zap.String("key", "value"))
	l.Debug("below level")
	_ = l.Sync()

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"key":"value"`)
	assert.Contains(t, string(data), `"caller":"logger/logger_test.go`)
	assert.NotContains(t, string(data), "below level")
}

// TestMiddleware 测试 gin 请求日志中间件
func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)

	r := gin.New()
	r.Use(Middleware(NewWithCore(core), "/healthz"))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/ok", "/boom", "/healthz"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zapcore.InfoLevel, logs.All()[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[1].Level)
	assert.Equal(t, "/boom", logs.All()[1].ContextMap()["path"])
}
