// Package config 基于 viper 的分层配置：内置默认值 < 配置文件 < 环境变量
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	ErrConfigNotFound   = errors.New("config: file not found")
	ErrConfigReadFailed = errors.New("config: read failed")
	ErrInvalidSettings  = errors.New("config: invalid settings")
)

// Config 配置源，读方法可并发调用，文件变更后自动重新读取
type Config struct {
	mu sync.RWMutex
	v  *viper.Viper

	file      string
	defaults  map[string]any
	envPrefix string

	watching bool
	onChange func(*Settings)
	onError  func(error)
}

// Option 配置选项
type Option func(*Config)

// WithFile 配置文件路径，格式按扩展名识别
func WithFile(path string) Option {
	return func(c *Config) { c.file = path }
}

func WithDefaults(defaults map[string]any) Option {
	return func(c *Config) { c.defaults = defaults }
}

// WithEnvPrefix 环境变量前缀，键中的点换成下划线，如 QICHAT_WS_PATH
func WithEnvPrefix(prefix string) Option {
	return func(c *Config) { c.envPrefix = prefix }
}

// WithOnChange 文件变更且新配置通过校验后回调
func WithOnChange(fn func(*Settings)) Option {
	return func(c *Config) { c.onChange = fn }
}

// WithOnError 重新读取失败或回调 panic 时回调，未设置时写 stderr
func WithOnError(fn func(error)) Option {
	return func(c *Config) { c.onError = fn }
}

func New(opts ...Option) *Config {
	c := &Config{v: viper.New()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load 应用默认值与环境变量并读取配置文件，未指定文件时跳过读取
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.defaults {
		c.v.SetDefault(k, v)
	}
	if c.envPrefix != "" {
		c.v.SetEnvPrefix(c.envPrefix)
		c.v.SetEnvKeyReplacer(EnvKeyReplacer())
		c.v.AutomaticEnv()
	}
	if c.file == "" {
		return nil
	}

	if _, err := os.Stat(c.file); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrConfigNotFound, c.file)
	}
	c.v.SetConfigFile(c.file)
	if err := c.v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigReadFailed, err)
	}
	return nil
}

// EnvKeyReplacer 配置键到环境变量名的替换规则
func EnvKeyReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_")
}

func (c *Config) GetString(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetString(key)
}

func (c *Config) GetInt(key string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetInt(key)
}

func (c *Config) GetBool(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetBool(key)
}

func (c *Config) GetDuration(key string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetDuration(key)
}

func (c *Config) GetStringSlice(key string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.GetStringSlice(key)
}

// Set 覆盖单个键，优先级高于文件与环境变量
func (c *Config) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v.Set(key, value)
}

func (c *Config) IsSet(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.IsSet(key)
}

// UnmarshalKey 将某一节解码到结构体，按 mapstructure 标签匹配
func (c *Config) UnmarshalKey(key string, out any) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.UnmarshalKey(key, out)
}

func (c *Config) unmarshal(out any) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v.Unmarshal(out)
}

// Close 停止响应文件变更
func (c *Config) Close() {
	c.StopWatch()
}
