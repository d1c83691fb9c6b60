package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/network"
	cdppage "github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/rpcc"

	adapter "tagaudit/internal/adapter/cdp"
	"tagaudit/internal/logger"
	"tagaudit/pkg/model"
	"tagaudit/pkg/page"
	"tagaudit/pkg/traffic"
)

const defaultNavigateTimeout = 30 * time.Second

// Page 基于 CDP 会话的页面控制器，实现 page.Controller
type Page struct {
	client *cdp.Client
	log    logger.Logger
	clock  *adapter.Clock

	ctx    context.Context
	cancel context.CancelFunc
	subs   sync.WaitGroup
}

func newPage(ctx context.Context, client *cdp.Client, l logger.Logger) (*Page, error) {
	if err := client.Network.Enable(ctx, nil); err != nil {
		return nil, fmt.Errorf("enable network: %w", err)
	}
	if err := client.Page.Enable(ctx); err != nil {
		return nil, fmt.Errorf("enable page: %w", err)
	}
	if err := client.Runtime.Enable(ctx); err != nil {
		return nil, fmt.Errorf("enable runtime: %w", err)
	}
	if err := client.Page.SetLifecycleEventsEnabled(ctx, cdppage.NewSetLifecycleEventsEnabledArgs(true)); err != nil {
		return nil, fmt.Errorf("enable lifecycle events: %w", err)
	}
	pctx, cancel := context.WithCancel(context.Background())
	return &Page{client: client, log: l, clock: &adapter.Clock{}, ctx: pctx, cancel: cancel}, nil
}

// close 结束所有订阅
func (p *Page) close() {
	p.cancel()
	p.subs.Wait()
}

// Navigate 导航并等待完成条件，返回主文档响应
func (p *Page) Navigate(ctx context.Context, url string, opts page.NavigateOptions) (*page.Response, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultNavigateTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	docs, err := p.client.Network.ResponseReceived(ctx)
	if err != nil {
		return nil, err
	}
	defer docs.Close()

	var (
		mu   sync.Mutex
		resp *page.Response
	)
	docDone := make(chan struct{})
	go func() {
		defer close(docDone)
		for {
			ev, err := docs.Recv()
			if err != nil {
				return
			}
			if ev.Type != network.ResourceTypeDocument {
				continue
			}
			mu.Lock()
			if resp == nil {
				resp = &page.Response{URL: ev.Response.URL, Status: ev.Response.Status}
			}
			mu.Unlock()
		}
	}()

	waiter, err := p.openWaiter(ctx, opts.WaitUntil)
	if err != nil {
		return nil, err
	}
	defer waiter.close()

	nav, err := p.client.Page.Navigate(ctx, cdppage.NewNavigateArgs(url))
	if err != nil {
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	if nav.ErrorText != nil && *nav.ErrorText != "" {
		return nil, fmt.Errorf("navigate %s: %s", url, *nav.ErrorText)
	}
	if err := waiter.wait(nav.FrameID); err != nil {
		return nil, fmt.Errorf("wait %s: %w", orLoad(opts.WaitUntil), err)
	}

	_ = docs.Close()
	<-docDone

	mu.Lock()
	defer mu.Unlock()
	if resp == nil {
		resp = &page.Response{URL: url}
	}
	var href string
	if err := p.Evaluate(ctx, "location.href", &href); err == nil && href != "" {
		resp.URL = href
	}
	return resp, nil
}

func orLoad(w page.WaitCondition) page.WaitCondition {
	if w == "" {
		return page.WaitLoad
	}
	return w
}

type navWaiter struct {
	stream rpcc.Stream
	wait   func(frame cdppage.FrameID) error
}

func (w *navWaiter) close() { _ = w.stream.Close() }

// openWaiter 需在导航前打开，避免错过事件
func (p *Page) openWaiter(ctx context.Context, cond page.WaitCondition) (*navWaiter, error) {
	switch orLoad(cond) {
	case page.WaitDOMContentLoaded:
		s, err := p.client.Page.DOMContentEventFired(ctx)
		if err != nil {
			return nil, err
		}
		return &navWaiter{stream: s, wait: func(cdppage.FrameID) error {
			_, err := s.Recv()
			return err
		}}, nil
	case page.WaitNetworkIdle:
		s, err := p.client.Page.LifecycleEvent(ctx)
		if err != nil {
			return nil, err
		}
		return &navWaiter{stream: s, wait: func(frame cdppage.FrameID) error {
			for {
				ev, err := s.Recv()
				if err != nil {
					return err
				}
				if ev.FrameID == frame && ev.Name == "networkIdle" {
					return nil
				}
			}
		}}, nil
	default:
		s, err := p.client.Page.LoadEventFired(ctx)
		if err != nil {
			return nil, err
		}
		return &navWaiter{stream: s, wait: func(cdppage.FrameID) error {
			_, err := s.Recv()
			return err
		}}, nil
	}
}

// AddInitScript 注册文档创建时执行的脚本
func (p *Page) AddInitScript(ctx context.Context, source string) (func(context.Context) error, error) {
	reply, err := p.client.Page.AddScriptToEvaluateOnNewDocument(ctx, cdppage.NewAddScriptToEvaluateOnNewDocumentArgs(source))
	if err != nil {
		return nil, fmt.Errorf("add init script: %w", err)
	}
	id := reply.Identifier
	return func(ctx context.Context) error {
		return p.client.Page.RemoveScriptToEvaluateOnNewDocument(ctx, cdppage.NewRemoveScriptToEvaluateOnNewDocumentArgs(id))
	}, nil
}

// Evaluate 执行表达式；Promise 会被等待
func (p *Page) Evaluate(ctx context.Context, expression string, out any) error {
	reply, err := p.client.Runtime.Evaluate(ctx, runtime.NewEvaluateArgs(expression).SetReturnByValue(true).SetAwaitPromise(true))
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if ex := reply.ExceptionDetails; ex != nil {
		msg := ex.Text
		if ex.Exception != nil && ex.Exception.Description != nil {
			msg = *ex.Exception.Description
		}
		return fmt.Errorf("evaluate: %s", msg)
	}
	if out == nil || len(reply.Result.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Result.Value, out); err != nil {
		return fmt.Errorf("decode evaluate result: %w", err)
	}
	return nil
}

// subscribe 以页面生命周期为上限启动一个事件循环
func (p *Page) subscribe(run func(ctx context.Context)) page.Unsubscribe {
	ctx, cancel := context.WithCancel(p.ctx)
	done := make(chan struct{})
	p.subs.Add(1)
	go func() {
		defer p.subs.Done()
		defer close(done)
		run(ctx)
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// SubscribeConsole 订阅 Runtime.consoleAPICalled
func (p *Page) SubscribeConsole(ctx context.Context, fn func(page.ConsoleEvent)) (page.Unsubscribe, error) {
	s, err := p.client.Runtime.ConsoleAPICalled(p.ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe console: %w", err)
	}
	return p.subscribe(func(ctx context.Context) {
		defer s.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.Ready():
				ev, err := s.Recv()
				if err != nil {
					return
				}
				fn(toConsoleEvent(ev))
			}
		}
	}), nil
}

// SubscribePageErrors 订阅 Runtime.exceptionThrown
func (p *Page) SubscribePageErrors(ctx context.Context, fn func(page.ErrorEvent)) (page.Unsubscribe, error) {
	s, err := p.client.Runtime.ExceptionThrown(p.ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe exceptions: %w", err)
	}
	return p.subscribe(func(ctx context.Context) {
		defer s.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.Ready():
				ev, err := s.Recv()
				if err != nil {
					return
				}
				fn(toErrorEvent(ev))
			}
		}
	}), nil
}

// SubscribeNetwork 订阅四类网络事件，按协议顺序同步投递
func (p *Page) SubscribeNetwork(ctx context.Context, fn func(traffic.Event)) (page.Unsubscribe, error) {
	reqs, err := p.client.Network.RequestWillBeSent(p.ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe requestWillBeSent: %w", err)
	}
	resps, err := p.client.Network.ResponseReceived(p.ctx)
	if err != nil {
		reqs.Close()
		return nil, fmt.Errorf("subscribe responseReceived: %w", err)
	}
	fins, err := p.client.Network.LoadingFinished(p.ctx)
	if err != nil {
		reqs.Close()
		resps.Close()
		return nil, fmt.Errorf("subscribe loadingFinished: %w", err)
	}
	fails, err := p.client.Network.LoadingFailed(p.ctx)
	if err != nil {
		reqs.Close()
		resps.Close()
		fins.Close()
		return nil, fmt.Errorf("subscribe loadingFailed: %w", err)
	}
	if err := cdp.Sync(reqs, resps, fins, fails); err != nil {
		p.log.Warn("网络事件流同步失败，事件可能乱序", "error", err)
	}

	return p.subscribe(func(ctx context.Context) {
		defer func() {
			reqs.Close()
			resps.Close()
			fins.Close()
			fails.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-reqs.Ready():
				ev, err := reqs.Recv()
				if err != nil {
					return
				}
				fn(adapter.ToRequestEvent(ev, p.clock))
			case <-resps.Ready():
				ev, err := resps.Recv()
				if err != nil {
					return
				}
				fn(adapter.ToResponseEvent(ev, p.clock))
			case <-fins.Ready():
				ev, err := fins.Recv()
				if err != nil {
					return
				}
				fn(adapter.ToFinishedEvent(ev, p.clock))
			case <-fails.Ready():
				ev, err := fails.Recv()
				if err != nil {
					return
				}
				fn(adapter.ToFailedEvent(ev, p.clock))
			}
		}
	}), nil
}

// ResponseBody 获取响应体，base64 编码时解码
func (p *Page) ResponseBody(ctx context.Context, requestID string) ([]byte, error) {
	reply, err := p.client.Network.GetResponseBody(ctx, network.NewGetResponseBodyArgs(network.RequestID(requestID)))
	if err != nil {
		return nil, fmt.Errorf("get response body %s: %w", requestID, err)
	}
	if reply.Base64Encoded {
		b, err := base64.StdEncoding.DecodeString(reply.Body)
		if err != nil {
			return nil, fmt.Errorf("decode response body %s: %w", requestID, err)
		}
		return b, nil
	}
	return []byte(reply.Body), nil
}

// Cookies 读取当前页面 URL 可见的 Cookie
func (p *Page) Cookies(ctx context.Context) ([]model.Cookie, error) {
	reply, err := p.client.Network.GetCookies(ctx, network.NewGetCookiesArgs())
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	out := make([]model.Cookie, 0, len(reply.Cookies))
	for _, c := range reply.Cookies {
		out = append(out, model.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			Session:  c.Session,
		})
	}
	return out, nil
}

const storageScript = `(() => {
  const out = {};
  try {
    const s = window[%q];
    for (let i = 0; i < s.length; i++) {
      const k = s.key(i);
      out[k] = String(s.getItem(k));
    }
  } catch (e) {}
  return out;
})()`

// Storage 读取 Web Storage 键值
func (p *Page) Storage(ctx context.Context, kind page.StorageKind) (map[string]string, error) {
	if kind != page.LocalStorage && kind != page.SessionStorage {
		return nil, errors.New("unknown storage kind: " + string(kind))
	}
	out := map[string]string{}
	if err := p.Evaluate(ctx, fmt.Sprintf(storageScript, string(kind)), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toConsoleEvent(ev *runtime.ConsoleAPICalledReply) page.ConsoleEvent {
	parts := make([]string, 0, len(ev.Args))
	for _, a := range ev.Args {
		parts = append(parts, remoteObjectText(a))
	}
	out := page.ConsoleEvent{
		Level:     string(ev.Type),
		Text:      strings.Join(parts, " "),
		Timestamp: msToTime(float64(ev.Timestamp)),
	}
	if st := ev.StackTrace; st != nil && len(st.CallFrames) > 0 {
		out.URL = st.CallFrames[0].URL
		out.Line = st.CallFrames[0].LineNumber + 1
	}
	return out
}

func toErrorEvent(ev *runtime.ExceptionThrownReply) page.ErrorEvent {
	d := ev.ExceptionDetails
	out := page.ErrorEvent{
		Message:   d.Text,
		Line:      d.LineNumber + 1,
		Column:    d.ColumnNumber + 1,
		Timestamp: msToTime(float64(ev.Timestamp)),
	}
	if d.Exception != nil && d.Exception.Description != nil {
		desc := *d.Exception.Description
		first, _, _ := strings.Cut(desc, "\n")
		out.Message = first
		out.Stack = desc
	}
	if d.URL != nil {
		out.URL = *d.URL
	}
	if out.Stack == "" && d.StackTrace != nil {
		var b strings.Builder
		for _, f := range d.StackTrace.CallFrames {
			fmt.Fprintf(&b, "    at %s (%s:%d:%d)\n", f.FunctionName, f.URL, f.LineNumber+1, f.ColumnNumber+1)
		}
		out.Stack = b.String()
	}
	return out
}

func remoteObjectText(o runtime.RemoteObject) string {
	if len(o.Value) > 0 {
		var s string
		if err := json.Unmarshal(o.Value, &s); err == nil {
			return s
		}
		return string(o.Value)
	}
	if o.UnserializableValue != nil {
		return string(*o.UnserializableValue)
	}
	if o.Description != nil {
		return *o.Description
	}
	return string(o.Type)
}

func msToTime(ms float64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(int64(ms))
}
