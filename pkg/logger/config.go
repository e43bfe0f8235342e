package logger

import "go.uber.org/zap/zapcore"

// Format 输出编码
type Format string

const (
	JSONFormat    Format = "json"
	ConsoleFormat Format = "console"
)

// Config 日志配置，未配置任何输出时写到标准输出
type Config struct {
	Level  Level
	Format Format // 默认 json

	Console bool
	Rotate  *RotateConfig // 按大小轮转的文件输出

	Sampling *SamplingConfig

	Caller     bool
	Stacktrace bool // Error 及以上附带堆栈
}

// RotateConfig 文件轮转，大小单位 MB，保留期单位天
type RotateConfig struct {
	Filename   string
	MaxSize    int
	MaxAge     int
	MaxBackups int
	Compress   bool
}

// SamplingConfig 每秒同一消息先记 Initial 条，此后每 Thereafter 条记 1 条
type SamplingConfig struct {
	Initial    int
	Thereafter int
}

func (c *Config) normalize() {
	if c.Format != ConsoleFormat {
		c.Format = JSONFormat
	}
	if c.Rotate == nil {
		c.Console = true
	}
	if r := c.Rotate; r != nil {
		r.MaxSize = orDefault(r.MaxSize, 100)
		r.MaxAge = orDefault(r.MaxAge, 30)
		r.MaxBackups = orDefault(r.MaxBackups, 10)
	}
	if s := c.Sampling; s != nil {
		s.Initial = orDefault(s.Initial, 100)
		s.Thereafter = orDefault(s.Thereafter, 100)
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// encoderConfig 时间用 ISO8601，调用位置用短路径
func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// Option 配置选项
type Option func(*Config)

func WithLevel(level Level) Option {
	return func(c *Config) { c.Level = level }
}

func WithFormat(format Format) Option {
	return func(c *Config) { c.Format = format }
}

func WithConsoleOutput() Option {
	return func(c *Config) { c.Console = true }
}

// WithRotateOutput 追加轮转文件输出
func WithRotateOutput(rc *RotateConfig) Option {
	return func(c *Config) { c.Rotate = rc }
}

func WithSampling(sc *SamplingConfig) Option {
	return func(c *Config) { c.Sampling = sc }
}

func WithCaller(enable bool) Option {
	return func(c *Config) { c.Caller = enable }
}

func WithStacktrace(enable bool) Option {
	return func(c *Config) { c.Stacktrace = enable }
}
