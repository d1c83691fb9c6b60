package cdp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/rpcc"
	"github.com/mafredri/cdp/session"

	"tagaudit/internal/logger"
	"tagaudit/internal/pool"
)

// Config 浏览器启动配置
type Config struct {
	DevToolsURL   string        `yaml:"devToolsURL"` // 非空时连接已有浏览器而不启动进程
	Bin           string        `yaml:"bin"`
	Headless      bool          `yaml:"headless"`
	Flags         []string      `yaml:"flags"`
	LaunchTimeout time.Duration `yaml:"launchTimeout"`
}

// Launcher 基于 CDP 的浏览器启动器，实现 pool.Launcher
type Launcher struct {
	cfg Config
	log logger.Logger
}

// NewLauncher 创建启动器
func NewLauncher(cfg Config, l logger.Logger) *Launcher {
	if l == nil {
		l = logger.NewNop()
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	return &Launcher{cfg: cfg, log: l}
}

// Launch 启动（或连接）一个浏览器并建立浏览器级连接
func (l *Launcher) Launch(ctx context.Context) (pool.Browser, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.LaunchTimeout)
	defer cancel()

	wsURL, proc, err := l.resolve(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := rpcc.DialContext(ctx, wsURL)
	if err != nil {
		killProcess(proc)
		return nil, fmt.Errorf("dial devtools %s: %w", wsURL, err)
	}
	client := cdp.NewClient(conn)
	sessions, err := session.NewManager(client)
	if err != nil {
		_ = conn.Close()
		killProcess(proc)
		return nil, fmt.Errorf("session manager: %w", err)
	}
	b := &Browser{
		wsURL:    wsURL,
		conn:     conn,
		client:   client,
		sessions: sessions,
		proc:     proc,
		log:      l.log.With("devtools", wsURL),
	}
	l.log.Info("浏览器连接已建立", "devtools", wsURL, "launched", proc != nil)
	return b, nil
}

// resolve 返回浏览器级 WebSocket 地址；启动了新进程时一并返回进程句柄
func (l *Launcher) resolve(ctx context.Context) (string, *launcher.Launcher, error) {
	if l.cfg.DevToolsURL != "" {
		if strings.HasPrefix(l.cfg.DevToolsURL, "ws://") || strings.HasPrefix(l.cfg.DevToolsURL, "wss://") {
			return l.cfg.DevToolsURL, nil, nil
		}
		v, err := devtool.New(l.cfg.DevToolsURL).Version(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("devtools version %s: %w", l.cfg.DevToolsURL, err)
		}
		return v.WebSocketDebuggerURL, nil, nil
	}

	lc := launcher.New().Context(ctx).Headless(l.cfg.Headless)
	if l.cfg.Bin != "" {
		lc = lc.Bin(l.cfg.Bin)
	}
	for _, raw := range l.cfg.Flags {
		name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
		if hasVal {
			lc = lc.Set(flags.Flag(name), val)
		} else {
			lc = lc.Set(flags.Flag(name))
		}
	}
	u, err := lc.Launch()
	if err != nil {
		return "", nil, fmt.Errorf("launch chrome: %w", err)
	}
	return u, lc, nil
}

func killProcess(proc *launcher.Launcher) {
	if proc == nil {
		return
	}
	proc.Kill()
	proc.Cleanup()
}
