package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Settings qichat 服务配置
type Settings struct {
	Server   ServerSettings   `mapstructure:"server"`
	WS       WSSettings       `mapstructure:"ws"`
	Log      LogSettings      `mapstructure:"log"`
	Cache    CacheSettings    `mapstructure:"cache"`
	Database DatabaseSettings `mapstructure:"database"`
	Auth     AuthSettings     `mapstructure:"auth"`
	Chat     ChatSettings     `mapstructure:"chat"`
	Tracing  TracingSettings  `mapstructure:"tracing"`
	Metrics  MetricsSettings  `mapstructure:"metrics"`
}

// ServerSettings HTTP 服务
type ServerSettings struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	Mode            string        `mapstructure:"mode" validate:"oneof=debug release test"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies" validate:"dive,ip|cidr"`
}

// WSSettings WebSocket 传输与分发
type WSSettings struct {
	Path              string        `mapstructure:"path" validate:"required,startswith=/"`
	MaxConnections    int           `mapstructure:"max_connections" validate:"gt=0"`
	MaxMessageSize    int64         `mapstructure:"max_message_size" validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout" validate:"gtfield=HeartbeatInterval"`
	MessageQueueSize  int           `mapstructure:"message_queue_size" validate:"gt=0"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	AllowAllOrigins   bool          `mapstructure:"allow_all_origins"`
	MaxInflight       int           `mapstructure:"max_inflight" validate:"gt=0"`
	MaxInvalidFrames  int           `mapstructure:"max_invalid_frames" validate:"gt=0"`
	DedupTTL          time.Duration `mapstructure:"dedup_ttl" validate:"gt=0"`
	DedupCapacity     int           `mapstructure:"dedup_capacity" validate:"gt=0"`
	ResponseCacheSize int           `mapstructure:"response_cache_size" validate:"gt=0"`
	// 多实例部署：限流与响应缓存使用 Redis
	Distributed bool `mapstructure:"distributed"`
}

// LogSettings 日志
type LogSettings struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json console"`
	Console    bool   `mapstructure:"console"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// CacheSettings 缓存
type CacheSettings struct {
	Driver     string   `mapstructure:"driver" validate:"oneof=memory redis"`
	KeyPrefix  string   `mapstructure:"key_prefix"`
	Mode       string   `mapstructure:"mode" validate:"omitempty,oneof=standalone cluster sentinel"`
	Addr       string   `mapstructure:"addr"`
	Addrs      []string `mapstructure:"addrs"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	DB         int      `mapstructure:"db"`
	PoolSize   int      `mapstructure:"pool_size"`
	MasterName string   `mapstructure:"master_name"`
}

// DatabaseSettings 数据库
type DatabaseSettings struct {
	Type            string        `mapstructure:"type" validate:"oneof=mysql postgres sqlite sqlserver"`
	DSN             string        `mapstructure:"dsn" validate:"required"`
	Replicas        []string      `mapstructure:"replicas"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	Trace           bool          `mapstructure:"trace"`
}

// AuthSettings 令牌校验
type AuthSettings struct {
	Secret   string        `mapstructure:"secret" validate:"required,min=32"`
	Issuer   string        `mapstructure:"issuer" validate:"required"`
	TokenTTL time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
}

// ChatSettings 聊天服务
type ChatSettings struct {
	// 好友与服务器列表的缓存时长，0 表示不缓存
	AudienceTTL     time.Duration `mapstructure:"audience_ttl" validate:"gte=0"`
	PresenceTimeout time.Duration `mapstructure:"presence_timeout" validate:"gt=0"`
}

// TracingSettings 链路追踪
type TracingSettings struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter" validate:"oneof=stdout otlp otlp-grpc noop"`
	Endpoint     string  `mapstructure:"endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SamplingRate float64 `mapstructure:"sampling_rate" validate:"gte=0,lte=1"`
	ServiceName  string  `mapstructure:"service_name"`
}

// MetricsSettings 指标
type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

// Defaults 全部配置项的默认值（扁平键）
// 环境变量只覆盖已登记的键，因此每个键都需要默认值
func Defaults() map[string]any {
	return map[string]any{
		"server.addr":             ":8080",
		"server.mode":             "release",
		"server.shutdown_timeout": "15s",

		"ws.path":                "/ws",
		"ws.max_connections":     10000,
		"ws.max_message_size":    64 * 1024,
		"ws.heartbeat_interval":  "30s",
		"ws.heartbeat_timeout":   "90s",
		"ws.message_queue_size":  256,
		"ws.allowed_origins":     []string{},
		"ws.allow_all_origins":   false,
		"ws.max_inflight":        16,
		"ws.max_invalid_frames":  10,
		"ws.dedup_ttl":           "60s",
		"ws.dedup_capacity":      256,
		"ws.response_cache_size": 10000,
		"ws.distributed":         false,

		"log.level":       "info",
		"log.format":      "json",
		"log.console":     true,
		"log.file":        "",
		"log.max_size":    100,
		"log.max_backups": 7,
		"log.max_age":     30,
		"log.compress":    true,

		"cache.driver":      "memory",
		"cache.key_prefix":  "qichat:",
		"cache.mode":        "standalone",
		"cache.addr":        "localhost:6379",
		"cache.addrs":       []string{},
		"cache.username":    "",
		"cache.password":    "",
		"cache.db":          0,
		"cache.pool_size":   100,
		"cache.master_name": "",

		"database.type":              "sqlite",
		"database.dsn":               "file:qichat.db?_foreign_keys=on",
		"database.replicas":          []string{},
		"database.max_idle_conns":    10,
		"database.max_open_conns":    100,
		"database.conn_max_lifetime": "1h",
		"database.auto_migrate":      true,
		"database.trace":             false,

		"auth.secret":    "",
		"auth.issuer":    "qichat",
		"auth.token_ttl": "24h",

		"chat.audience_ttl":     "5m",
		"chat.presence_timeout": "5s",

		"tracing.enabled":       false,
		"tracing.exporter":      "stdout",
		"tracing.endpoint":      "",
		"tracing.insecure":      false,
		"tracing.sampling_rate": 1.0,
		"tracing.service_name":  "qichat",

		"metrics.enabled": true,
		"metrics.path":    "/metrics",
	}
}

// Load 默认值、可选配置文件与 QICHAT_ 环境变量合并后解码校验
func Load(file string, opts ...Option) (*Config, *Settings, error) {
	c := New(append([]Option{
		WithDefaults(Defaults()),
		WithEnvPrefix("QICHAT"),
		WithFile(file),
	}, opts...)...)
	if err := c.Load(); err != nil {
		return nil, nil, err
	}

	s, err := c.Settings()
	if err != nil {
		return nil, nil, err
	}
	return c, s, nil
}

// Settings 解码并校验当前配置
func (c *Config) Settings() (*Settings, error) {
	var s Settings
	if err := c.unmarshal(&s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigReadFailed, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate 校验配置值
func (s *Settings) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(s); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	if s.Cache.Driver == "redis" && s.Cache.Addr == "" && len(s.Cache.Addrs) == 0 {
		return fmt.Errorf("%w: cache.addr or cache.addrs is required for redis", ErrInvalidSettings)
	}
	if s.WS.Distributed && s.Cache.Driver != "redis" {
		return fmt.Errorf("%w: ws.distributed requires cache.driver=redis", ErrInvalidSettings)
	}
	return nil
}
