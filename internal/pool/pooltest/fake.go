// Package pooltest 提供不依赖真实浏览器的池后端与页面控制器
package pooltest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	"tagaudit/internal/pool"
	"tagaudit/pkg/model"
	"tagaudit/pkg/page"
	"tagaudit/pkg/traffic"
)

// Page 可编排的页面控制器；未登记的表达式求值结果保持零值
type Page struct {
	mu      sync.Mutex
	evals   map[string]string
	inits   []string
	removed int
	netFn   func(traffic.Event)
	conFn   func(page.ConsoleEvent)
	errFn   func(page.ErrorEvent)

	// OnNavigate 在导航期间调用，可在其中 Emit 网络事件
	OnNavigate  func(p *Page, url string) error
	CookieJar   []model.Cookie
	Local       map[string]string
	Session     map[string]string
	CookiesErr  error
	FinalURL    string
	Navigations atomic.Int32
}

// NewPage 创建空白页面
func NewPage() *Page {
	return &Page{evals: map[string]string{}, Local: map[string]string{}, Session: map[string]string{}}
}

// SetEval 登记包含 marker 的表达式的 JSON 结果
func (p *Page) SetEval(marker, result string) {
	p.mu.Lock()
	p.evals[marker] = result
	p.mu.Unlock()
}

// InitScripts 已注册且未移除的初始化脚本数
func (p *Page) InitScripts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inits) - p.removed
}

func (p *Page) Navigate(ctx context.Context, url string, _ page.NavigateOptions) (*page.Response, error) {
	p.Navigations.Add(1)
	if p.OnNavigate != nil {
		if err := p.OnNavigate(p, url); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	final := p.FinalURL
	if final == "" {
		final = url
	}
	return &page.Response{URL: final, Status: 200}, nil
}

func (p *Page) AddInitScript(_ context.Context, src string) (func(context.Context) error, error) {
	p.mu.Lock()
	p.inits = append(p.inits, src)
	p.mu.Unlock()
	return func(context.Context) error {
		p.mu.Lock()
		p.removed++
		p.mu.Unlock()
		return nil
	}, nil
}

func (p *Page) Evaluate(_ context.Context, expr string, out any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for marker, body := range p.evals {
		if strings.Contains(expr, marker) {
			return json.Unmarshal([]byte(body), out)
		}
	}
	return nil
}

func (p *Page) SubscribeConsole(_ context.Context, fn func(page.ConsoleEvent)) (page.Unsubscribe, error) {
	p.mu.Lock()
	p.conFn = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.conFn = nil
		p.mu.Unlock()
	}, nil
}

func (p *Page) SubscribePageErrors(_ context.Context, fn func(page.ErrorEvent)) (page.Unsubscribe, error) {
	p.mu.Lock()
	p.errFn = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.errFn = nil
		p.mu.Unlock()
	}, nil
}

func (p *Page) SubscribeNetwork(_ context.Context, fn func(traffic.Event)) (page.Unsubscribe, error) {
	p.mu.Lock()
	p.netFn = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.netFn = nil
		p.mu.Unlock()
	}, nil
}

func (p *Page) ResponseBody(context.Context, string) ([]byte, error) { return []byte{}, nil }

func (p *Page) Cookies(context.Context) ([]model.Cookie, error) {
	if p.CookiesErr != nil {
		return nil, p.CookiesErr
	}
	return append([]model.Cookie{}, p.CookieJar...), nil
}

func (p *Page) Storage(_ context.Context, kind page.StorageKind) (map[string]string, error) {
	src := p.Local
	if kind == page.SessionStorage {
		src = p.Session
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

// Emit 向网络订阅者投递事件
func (p *Page) Emit(ev traffic.Event) {
	p.mu.Lock()
	fn := p.netFn
	p.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Console 向控制台订阅者投递消息
func (p *Page) Console(ev page.ConsoleEvent) {
	p.mu.Lock()
	fn := p.conFn
	p.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Launcher 每个上下文调用 NewPage 生成页面
type Launcher struct {
	NewPage func() *Page

	mu       sync.Mutex
	browsers []*Browser
}

func (l *Launcher) Launch(context.Context) (pool.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := &Browser{launcher: l, done: make(chan struct{})}
	l.browsers = append(l.browsers, b)
	return b, nil
}

// Launched 已启动的浏览器数
func (l *Launcher) Launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.browsers)
}

// Browser 假浏览器
type Browser struct {
	launcher *Launcher
	done     chan struct{}
	once     sync.Once
	Contexts atomic.Int32
}

func (b *Browser) NewContext(context.Context) (pool.BrowserContext, error) {
	b.Contexts.Add(1)
	var pg *Page
	if b.launcher.NewPage != nil {
		pg = b.launcher.NewPage()
	}
	if pg == nil {
		pg = NewPage()
	}
	return &Context{page: pg}, nil
}

func (b *Browser) Done() <-chan struct{} { return b.done }

func (b *Browser) Close() error {
	b.Crash()
	return nil
}

// Crash 模拟浏览器断开
func (b *Browser) Crash() { b.once.Do(func() { close(b.done) }) }

// Context 假隔离上下文
type Context struct {
	page   *Page
	Closed atomic.Bool
}

func (c *Context) Page() page.Controller { return c.page }

func (c *Context) Close(context.Context) error {
	c.Closed.Store(true)
	return nil
}
