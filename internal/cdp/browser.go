package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/target"
	"github.com/mafredri/cdp/rpcc"
	"github.com/mafredri/cdp/session"

	"tagaudit/internal/logger"
	"tagaudit/internal/pool"
	"tagaudit/pkg/page"
)

// Browser 一个浏览器进程的浏览器级连接，实现 pool.Browser
type Browser struct {
	wsURL    string
	conn     *rpcc.Conn
	client   *cdp.Client
	sessions *session.Manager
	proc     *launcher.Launcher
	log      logger.Logger
	once     sync.Once
}

// Done 在浏览器级连接关闭时关闭
func (b *Browser) Done() <-chan struct{} { return b.conn.Context().Done() }

// NewContext 创建独立的浏览器上下文（不共享 Cookie 与存储）并打开一个页面
func (b *Browser) NewContext(ctx context.Context) (pool.BrowserContext, error) {
	bc, err := b.client.Target.CreateBrowserContext(ctx, target.NewCreateBrowserContextArgs())
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	c := &Context{browser: b, browserContext: bc}

	t, err := b.client.Target.CreateTarget(ctx, target.NewCreateTargetArgs("about:blank").SetBrowserContextID(bc.BrowserContextID))
	if err != nil {
		_ = c.dispose(ctx)
		return nil, fmt.Errorf("create target: %w", err)
	}
	c.targetID = t.TargetID
	c.hasTarget = true

	conn, err := b.sessions.Dial(ctx, t.TargetID)
	if err != nil {
		_ = c.dispose(ctx)
		return nil, fmt.Errorf("attach target %s: %w", t.TargetID, err)
	}
	c.conn = conn

	p, err := newPage(ctx, cdp.NewClient(conn), b.log.With("target", string(t.TargetID)))
	if err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	c.page = p
	return c, nil
}

// Close 关闭连接并结束由本启动器创建的进程
func (b *Browser) Close() error {
	var err error
	b.once.Do(func() {
		err = errors.Join(b.sessions.Close(), b.conn.Close())
		killProcess(b.proc)
	})
	return err
}

// Context 浏览器上下文与其唯一页面
type Context struct {
	browser        *Browser
	browserContext *target.CreateBrowserContextReply
	targetID       target.ID
	hasTarget      bool
	conn           *rpcc.Conn
	page           *Page
}

// Page 返回页面控制器
func (c *Context) Page() page.Controller { return c.page }

// Close 关闭页面并销毁浏览器上下文
func (c *Context) Close(ctx context.Context) error {
	var errs []error
	if c.page != nil {
		c.page.close()
	}
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
	}
	errs = append(errs, c.dispose(ctx))
	return errors.Join(errs...)
}

func (c *Context) dispose(ctx context.Context) error {
	var errs []error
	if c.hasTarget {
		if _, err := c.browser.client.Target.CloseTarget(ctx, target.NewCloseTargetArgs(c.targetID)); err != nil {
			errs = append(errs, fmt.Errorf("close target: %w", err))
		}
	}
	if c.browserContext != nil {
		if err := c.browser.client.Target.DisposeBrowserContext(ctx, target.NewDisposeBrowserContextArgs(c.browserContext.BrowserContextID)); err != nil {
			errs = append(errs, fmt.Errorf("dispose browser context: %w", err))
		}
	}
	return errors.Join(errs...)
}
