package ws

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tokmz/qichat/pkg/logger"
)

// Config 连接、分发与升级参数，以及可替换的依赖
type Config struct {
	MaxConnections   int
	HandshakeTimeout time.Duration
	MaxMessageSize   int64 // 单帧字节上限

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration // 必须大于 HeartbeatInterval
	WriteWait         time.Duration

	MessageQueueSize      int
	HighPriorityQueueSize int // 错误与关闭通知走高优先级队列

	Dispatch DispatchConfig
	Upgrade  UpgradeConfig

	Logger        logger.Logger
	Metrics       Metrics
	Limiter       Limiter       // nil 时使用进程内令牌桶
	ResponseStore ResponseStore // nil 时使用进程内 LRU
}

// DispatchConfig 分发流水线参数
type DispatchConfig struct {
	MaxInflight           int // 单连接同时处理的请求数
	MaxInvalidFrames      int // 连续无效帧达到该值时断开
	DedupTTL              time.Duration
	DedupCapacity         int // 单连接去重记录数
	ResponseCacheSize     int
	PermissionConcurrency int // 按权限过滤广播时的并发检查数
}

// UpgradeConfig HTTP 升级参数，CheckOrigin 为 nil 时只允许同源
type UpgradeConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(*http.Request) bool
}

func DefaultConfig() *Config {
	return &Config{
		MaxConnections:        10000,
		HandshakeTimeout:      10 * time.Second,
		MaxMessageSize:        64 << 10,
		HeartbeatInterval:     30 * time.Second,
		HeartbeatTimeout:      90 * time.Second,
		WriteWait:             10 * time.Second,
		MessageQueueSize:      256,
		HighPriorityQueueSize: 64,
		Dispatch: DispatchConfig{
			MaxInflight:           16,
			MaxInvalidFrames:      10,
			DedupTTL:              time.Minute,
			DedupCapacity:         256,
			ResponseCacheSize:     10000,
			PermissionConcurrency: 16,
		},
		Upgrade: UpgradeConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Validate 所有数量与时长必须为正
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int64
	}{
		{"MaxConnections", int64(c.MaxConnections)},
		{"HandshakeTimeout", int64(c.HandshakeTimeout)},
		{"MaxMessageSize", c.MaxMessageSize},
		{"HeartbeatInterval", int64(c.HeartbeatInterval)},
		{"WriteWait", int64(c.WriteWait)},
		{"MessageQueueSize", int64(c.MessageQueueSize)},
		{"HighPriorityQueueSize", int64(c.HighPriorityQueueSize)},
		{"Dispatch.MaxInflight", int64(c.Dispatch.MaxInflight)},
		{"Dispatch.MaxInvalidFrames", int64(c.Dispatch.MaxInvalidFrames)},
		{"Dispatch.DedupTTL", int64(c.Dispatch.DedupTTL)},
		{"Dispatch.DedupCapacity", int64(c.Dispatch.DedupCapacity)},
		{"Dispatch.ResponseCacheSize", int64(c.Dispatch.ResponseCacheSize)},
		{"Dispatch.PermissionConcurrency", int64(c.Dispatch.PermissionConcurrency)},
		{"Upgrade.ReadBufferSize", int64(c.Upgrade.ReadBufferSize)},
		{"Upgrade.WriteBufferSize", int64(c.Upgrade.WriteBufferSize)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, p.name)
		}
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("%w: HeartbeatTimeout %v must exceed HeartbeatInterval %v",
			ErrInvalidConfig, c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logger.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
}

// Option 配置选项
type Option func(*Config)

func WithMaxConnections(max int) Option {
	return func(c *Config) { c.MaxConnections = max }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatTimeout = d }
}

func WithMessageSizeLimit(size int64) Option {
	return func(c *Config) { c.MaxMessageSize = size }
}

func WithMessageQueueSize(size int) Option {
	return func(c *Config) { c.MessageQueueSize = size }
}

func WithMaxInflight(n int) Option {
	return func(c *Config) { c.Dispatch.MaxInflight = n }
}

func WithMaxInvalidFrames(n int) Option {
	return func(c *Config) { c.Dispatch.MaxInvalidFrames = n }
}

// WithDedup 去重窗口时长与单连接容量
func WithDedup(ttl time.Duration, capacity int) Option {
	return func(c *Config) {
		c.Dispatch.DedupTTL = ttl
		c.Dispatch.DedupCapacity = capacity
	}
}

func WithResponseCacheSize(size int) Option {
	return func(c *Config) { c.Dispatch.ResponseCacheSize = size }
}

// WithCheckOriginWhitelist 只接受 Origin 精确匹配白名单的握手，空 Origin 拒绝
func WithCheckOriginWhitelist(origins []string) Option {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return func(c *Config) {
		c.Upgrade.CheckOrigin = func(r *http.Request) bool {
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		}
	}
}

// WithAllowAllOrigins 不检查 Origin，用于非浏览器客户端与测试
func WithAllowAllOrigins() Option {
	return func(c *Config) {
		c.Upgrade.CheckOrigin = func(*http.Request) bool { return true }
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func WithMetrics(m Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

// WithLimiter 替换限流器，多实例部署时使用 RedisLimiter
func WithLimiter(l Limiter) Option {
	return func(c *Config) { c.Limiter = l }
}

// WithResponseStore 替换响应缓存，多实例部署时使用 SharedStore
func WithResponseStore(s ResponseStore) Option {
	return func(c *Config) { c.ResponseStore = s }
}

// sameOrigin 无 Origin 的请求视为跨域
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin != "" && (origin == "http://"+r.Host || origin == "https://"+r.Host)
}

func newUpgrader(c *Config) *websocket.Upgrader {
	check := c.Upgrade.CheckOrigin
	if check == nil {
		check = sameOrigin
	}
	return &websocket.Upgrader{
		HandshakeTimeout: c.HandshakeTimeout,
		ReadBufferSize:   c.Upgrade.ReadBufferSize,
		WriteBufferSize:  c.Upgrade.WriteBufferSize,
		CheckOrigin:      check,
	}
}
