package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"tagaudit/internal/capture"
	"tagaudit/internal/cdp"
	"tagaudit/internal/detect"
	"tagaudit/internal/logger"
	"tagaudit/internal/pool"
	"tagaudit/internal/rules"
	"tagaudit/internal/scanner"
	"tagaudit/internal/storage"
	"tagaudit/pkg/page"
)

// Log 日志配置
type Log struct {
	Level      string   `yaml:"level"`
	Writer     []string `yaml:"writer"`
	File       string   `yaml:"file"`
	MaxSizeMB  int      `yaml:"maxSizeMB"`
	MaxBackups int      `yaml:"maxBackups"`
	MaxAgeDays int      `yaml:"maxAgeDays"`
}

// Options 转换为 logger.Options
func (l Log) Options() logger.Options {
	return logger.Options{
		Level:      l.Level,
		Writers:    l.Writer,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
	}
}

// Rules 规则引擎配置与默认加载的规则文件
type Rules struct {
	Files         []string `yaml:"files"`
	rules.Options `yaml:",inline"`
}

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Log       Log             `yaml:"log"`
	Sqlite    storage.Config  `yaml:"sqlite"`
	Browser   cdp.Config      `yaml:"browser"`
	Pool      pool.Config     `yaml:"pool"`
	Capture   capture.Options `yaml:"capture"`
	Detection detect.Options  `yaml:"detection"`
	Rules     Rules           `yaml:"rules"`
	Scan      scanner.Options `yaml:"scan"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Version: "1.0.0",
		Log: Log{
			Level:  "info",
			Writer: []string{"console"},
		},
		Sqlite: storage.Config{
			DSN:    "tagaudit.sqlite3",
			Prefix: "tagaudit_",
		},
		Browser: cdp.Config{Headless: true},
		Pool:    pool.DefaultConfig(),
		Capture: capture.Options{
			DataLayer: capture.DataLayerOptions{Layers: capture.DefaultLayers()},
		},
		Detection: detect.Options{
			MinConfidence:   detect.Threshold(detect.DefaultMinConfidence),
			DetectorTimeout: detect.DefaultDetectorTimeout,
		},
		Rules: Rules{Options: rules.Options{Concurrency: 4}},
		Scan:  scanner.DefaultOptions(),
	}
}

// Load 读取 YAML 配置，未出现的字段保留默认值
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate 校验各段配置，池的跨字段约束由 pool.Config 负责
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log: unknown level %q", c.Log.Level))
	}
	for _, w := range c.Log.Writer {
		if w != "console" && w != "file" {
			errs = append(errs, fmt.Errorf("log: unknown writer %q", w))
		}
	}
	if err := c.Pool.Validate(); err != nil {
		errs = append(errs, err)
	}
	if mc := c.Detection.MinConfidence; mc != nil && (*mc < 0 || *mc > 1) {
		errs = append(errs, fmt.Errorf("detection: minConfidence must be within [0,1], got %v", *mc))
	}
	if c.Rules.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("rules: concurrency must be >= 0, got %d", c.Rules.Concurrency))
	}
	switch c.Scan.WaitUntil {
	case "", page.WaitLoad, page.WaitDOMContentLoaded, page.WaitNetworkIdle:
	default:
		errs = append(errs, fmt.Errorf("scan: unknown waitUntil %q", c.Scan.WaitUntil))
	}
	for _, l := range c.Capture.DataLayer.Layers {
		if l.Name == "" {
			errs = append(errs, errors.New("capture: data layer name is empty"))
		}
		if l.Kind != capture.LayerArray && l.Kind != capture.LayerObject {
			errs = append(errs, fmt.Errorf("capture: data layer %s has unknown kind %q", l.Name, l.Kind))
		}
	}
	return errors.Join(errs...)
}
