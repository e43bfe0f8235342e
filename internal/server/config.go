package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Config HTTP 服务配置
type Config struct {
	Mode   string // gin 运行模式
	Addr   string
	WSPath string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	// TrustedProxies 为 nil 时沿用 gin 默认值
	TrustedProxies []string

	// MetricsHandler 为 nil 时不注册指标端点
	MetricsPath    string
	MetricsHandler http.Handler

	BeforeShutdown func()
	AfterShutdown  func() // HTTP 与 WebSocket 均已关闭

	Banner bool
}

// Option 配置选项
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		Mode:              gin.ReleaseMode,
		Addr:              ":8080",
		WSPath:            "/ws",
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
		MaxHeaderBytes:    1 << 20,
		ShutdownTimeout:   15 * time.Second,
		MetricsPath:       "/metrics",
		Banner:            true,
	}
}

func WithMode(mode string) Option {
	return func(c *Config) { c.Mode = mode }
}

func WithAddr(addr string) Option {
	return func(c *Config) { c.Addr = addr }
}

func WithWSPath(path string) Option {
	return func(c *Config) { c.WSPath = path }
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Config) { c.ShutdownTimeout = d }
}

// WithTrustedProxies 空切片表示不信任任何代理
func WithTrustedProxies(proxies []string) Option {
	return func(c *Config) { c.TrustedProxies = proxies }
}

// WithMetrics 在 path 上挂载指标处理器
func WithMetrics(path string, h http.Handler) Option {
	return func(c *Config) {
		c.MetricsPath = path
		c.MetricsHandler = h
	}
}

func WithBeforeShutdown(fn func()) Option {
	return func(c *Config) { c.BeforeShutdown = fn }
}

func WithAfterShutdown(fn func()) Option {
	return func(c *Config) { c.AfterShutdown = fn }
}

func WithBanner(enable bool) Option {
	return func(c *Config) { c.Banner = enable }
}
