package config

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
)

// StartWatch 监听配置文件，重复调用无副作用
func (c *Config) StartWatch() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.watching {
		return nil
	}
	if c.v.ConfigFileUsed() == "" {
		return ErrConfigNotFound
	}
	c.v.OnConfigChange(c.reload)
	c.v.WatchConfig()
	c.watching = true
	return nil
}

// StopWatch viper 无法关闭底层 watcher，停止后只忽略事件
func (c *Config) StopWatch() {
	c.mu.Lock()
	c.watching = false
	c.mu.Unlock()
}

func (c *Config) IsWatching() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.watching
}

// reload viper 已重新读取文件，这里解码校验后通知
func (c *Config) reload(ev fsnotify.Event) {
	c.mu.RLock()
	watching, fn := c.watching, c.onChange
	c.mu.RUnlock()
	if !watching || fn == nil {
		return
	}

	s, err := c.Settings()
	if err != nil {
		c.report(fmt.Errorf("reload %s: %w", ev.Name, err))
		return
	}
	c.notify(fn, s)
}

func (c *Config) notify(fn func(*Settings), s *Settings) {
	defer func() {
		if r := recover(); r != nil {
			c.report(fmt.Errorf("config: change callback panic: %v", r))
		}
	}()
	fn(s)
}

func (c *Config) report(err error) {
	c.mu.RLock()
	fn := c.onError
	c.mu.RUnlock()

	if fn != nil {
		fn(err)
		return
	}
	fmt.Fprintln(os.Stderr, "config:", err)
}
