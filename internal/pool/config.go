package pool

import (
	"fmt"
	"time"
)

// Config 上下文池配置
type Config struct {
	MinBrowsers           int           `yaml:"minBrowsers"`
	MaxBrowsers           int           `yaml:"maxBrowsers"`
	MaxContextsPerBrowser int           `yaml:"maxContextsPerBrowser"`
	BrowserIdleTimeout    time.Duration `yaml:"browserIdleTimeout"`
	MaxBrowserAge         time.Duration `yaml:"maxBrowserAge"`
	AcquireTimeout        time.Duration `yaml:"acquireTimeout"`
	CleanupInterval       time.Duration `yaml:"cleanupInterval"`
	MaxWaitQueue          int           `yaml:"maxWaitQueue"` // 0 表示不限
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MinBrowsers:           1,
		MaxBrowsers:           2,
		MaxContextsPerBrowser: 5,
		BrowserIdleTimeout:    5 * time.Minute,
		MaxBrowserAge:         30 * time.Minute,
		AcquireTimeout:        30 * time.Second,
		CleanupInterval:       30 * time.Second,
	}
}

// Validate 填充缺省值并检查跨字段约束
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.MinBrowsers < 0 {
		return fmt.Errorf("pool: minBrowsers must be >= 0, got %d", c.MinBrowsers)
	}
	if c.MaxBrowsers == 0 {
		c.MaxBrowsers = def.MaxBrowsers
		if c.MinBrowsers > c.MaxBrowsers {
			c.MaxBrowsers = c.MinBrowsers
		}
	}
	if c.MaxContextsPerBrowser == 0 {
		c.MaxContextsPerBrowser = def.MaxContextsPerBrowser
	}
	if c.BrowserIdleTimeout == 0 {
		c.BrowserIdleTimeout = def.BrowserIdleTimeout
	}
	if c.MaxBrowserAge == 0 {
		c.MaxBrowserAge = def.MaxBrowserAge
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = def.AcquireTimeout
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	switch {
	case c.MaxBrowsers < 1:
		return fmt.Errorf("pool: maxBrowsers must be >= 1, got %d", c.MaxBrowsers)
	case c.MaxContextsPerBrowser < 1:
		return fmt.Errorf("pool: maxContextsPerBrowser must be >= 1, got %d", c.MaxContextsPerBrowser)
	case c.MinBrowsers > c.MaxBrowsers:
		return fmt.Errorf("pool: minBrowsers (%d) exceeds maxBrowsers (%d)", c.MinBrowsers, c.MaxBrowsers)
	case c.BrowserIdleTimeout >= c.MaxBrowserAge:
		return fmt.Errorf("pool: browserIdleTimeout (%s) must be less than maxBrowserAge (%s)", c.BrowserIdleTimeout, c.MaxBrowserAge)
	case c.MaxWaitQueue < 0:
		return fmt.Errorf("pool: maxWaitQueue must be >= 0, got %d", c.MaxWaitQueue)
	case c.AcquireTimeout < 0 || c.CleanupInterval < 0:
		return fmt.Errorf("pool: timeouts must not be negative")
	}
	return nil
}

// Capacity 返回池可同时出借的上下文总数
func (c Config) Capacity() int { return c.MaxBrowsers * c.MaxContextsPerBrowser }
