package cache

import (
	"fmt"
	"time"
)

// DriverType 驱动类型
type DriverType string

const (
	DriverRedis  DriverType = "redis"
	DriverMemory DriverType = "memory"
)

// RedisMode Redis 部署模式
type RedisMode string

const (
	RedisStandalone RedisMode = "standalone"
	RedisCluster    RedisMode = "cluster"
	RedisSentinel   RedisMode = "sentinel"
)

// Config 缓存配置
type Config struct {
	Driver     DriverType
	Redis      *RedisConfig
	Memory     *MemoryConfig
	Serializer Serializer
	KeyPrefix  string
	DefaultTTL time.Duration // Set 传入 0 时使用
}

// RedisConfig Redis 连接配置，集群与哨兵模式使用 Addrs
type RedisConfig struct {
	Mode       RedisMode
	Addr       string
	Addrs      []string
	MasterName string // 哨兵模式的主节点名

	Username string
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// MemoryConfig 内存缓存配置
type MemoryConfig struct {
	DefaultExpiration time.Duration
	CleanupInterval   time.Duration
}

// DefaultConfig 默认内存缓存
func DefaultConfig() *Config {
	return &Config{
		Driver:     DriverMemory,
		Memory:     DefaultMemoryConfig(),
		Serializer: SonicSerializer{},
		KeyPrefix:  "qichat:",
		DefaultTTL: 10 * time.Minute,
	}
}

// DefaultRedisConfig 默认单机 Redis
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Mode:         RedisStandalone,
		Addr:         "localhost:6379",
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// DefaultMemoryConfig 默认内存配置
func DefaultMemoryConfig() *MemoryConfig {
	return &MemoryConfig{
		DefaultExpiration: 10 * time.Minute,
		CleanupInterval:   time.Minute,
	}
}

// Option 配置选项
type Option func(*Config)

// WithRedis 使用 Redis 驱动
func WithRedis(cfg *RedisConfig) Option {
	return func(c *Config) {
		c.Driver = DriverRedis
		c.Redis = cfg
	}
}

// WithMemory 使用内存驱动
func WithMemory(cfg *MemoryConfig) Option {
	return func(c *Config) {
		c.Driver = DriverMemory
		c.Memory = cfg
	}
}

// WithKeyPrefix 设置键前缀
func WithKeyPrefix(prefix string) Option {
	return func(c *Config) {
		c.KeyPrefix = prefix
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Serializer == nil {
		return fmt.Errorf("%w: serializer is required", ErrCacheInvalidConfig)
	}
	switch c.Driver {
	case DriverMemory:
		if c.Memory == nil {
			return fmt.Errorf("%w: memory config is required", ErrCacheInvalidConfig)
		}
		return nil
	case DriverRedis:
		if c.Redis == nil {
			return fmt.Errorf("%w: redis config is required", ErrCacheInvalidConfig)
		}
		return c.Redis.validate()
	default:
		return fmt.Errorf("%w: unknown driver %q", ErrCacheInvalidConfig, c.Driver)
	}
}

// validate 各部署模式所需的地址
func (r *RedisConfig) validate() error {
	var problem string
	switch r.Mode {
	case RedisStandalone:
		if r.Addr == "" {
			problem = "standalone mode requires addr"
		}
	case RedisCluster:
		if len(r.Addrs) == 0 {
			problem = "cluster mode requires addrs"
		}
	case RedisSentinel:
		if len(r.Addrs) == 0 || r.MasterName == "" {
			problem = "sentinel mode requires addrs and master name"
		}
	default:
		problem = fmt.Sprintf("unknown redis mode %q", r.Mode)
	}
	if problem != "" {
		return fmt.Errorf("%w: %s", ErrCacheInvalidConfig, problem)
	}
	return nil
}
