package pool

import (
	"context"

	"tagaudit/pkg/page"
)

// Launcher 启动浏览器进程
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser 一个浏览器进程句柄
type Browser interface {
	// NewContext 创建与其他上下文不共享 Cookie 与存储的隔离上下文
	NewContext(ctx context.Context) (BrowserContext, error)
	// Done 在进程崩溃或连接断开时关闭
	Done() <-chan struct{}
	Close() error
}

// BrowserContext 一个隔离的执行上下文
type BrowserContext interface {
	Page() page.Controller
	Close(ctx context.Context) error
}

// LauncherFunc 函数形式的 Launcher
type LauncherFunc func(ctx context.Context) (Browser, error)

func (f LauncherFunc) Launch(ctx context.Context) (Browser, error) { return f(ctx) }
