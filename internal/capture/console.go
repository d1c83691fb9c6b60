package capture

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"tagaudit/internal/logger"
	"tagaudit/pkg/model"
	"tagaudit/pkg/page"
)

const (
	defaultMaxMessages      = 1000
	defaultMaxMessageLength = 2000
	errorDedupWindow        = time.Second
)

// ConsoleOptions 控制台采集配置
type ConsoleOptions struct {
	MaxMessages      int `yaml:"maxMessages"`
	MaxMessageLength int `yaml:"maxMessageLength"`
}

// Console 控制台与页面错误采集器
type Console struct {
	lifecycle
	opts ConsoleOptions
	log  logger.Logger

	pc     page.Controller
	remove func(context.Context) error
	unsubs []page.Unsubscribe

	mu       sync.Mutex
	messages []model.ConsoleMessage
	dropped  int
	errors   []model.PageError
}

// NewConsole 创建控制台采集器
func NewConsole(opts ConsoleOptions, l logger.Logger) *Console {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = defaultMaxMessages
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = defaultMaxMessageLength
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Console{lifecycle: newLifecycle("console"), opts: opts, log: l.With("collector", "console")}
}

func (c *Console) Name() string { return "console" }

const consoleHookJS = `(() => {
  if (window.__tagauditErrors) return;
  const errs = [];
  Object.defineProperty(window, '__tagauditErrors', { value: errs, enumerable: false });
  const cap = %d;
  window.addEventListener('error', (e) => {
    if (errs.length >= cap || !(e instanceof ErrorEvent)) return;
    errs.push({ message: String(e.message || ''), source: 'window.onerror', url: e.filename || '',
      line: e.lineno || 0, column: e.colno || 0, stack: (e.error && e.error.stack) || '', ts: Date.now() });
  }, true);
  window.addEventListener('unhandledrejection', (e) => {
    if (errs.length >= cap) return;
    const r = e.reason;
    errs.push({ message: String((r && r.message) || r), source: 'rejection', url: '', line: 0, column: 0,
      stack: (r && r.stack) || '', ts: Date.now() });
  }, true);
})();`

const consoleCollectJS = `/*tagaudit:console*/(window.__tagauditErrors || [])`

type jsPageError struct {
	Message string  `json:"message"`
	Source  string  `json:"source"`
	URL     string  `json:"url"`
	Line    int     `json:"line"`
	Column  int     `json:"column"`
	Stack   string  `json:"stack"`
	TS      float64 `json:"ts"`
}

// Attach 注册错误钩子并订阅实时控制台与异常事件
func (c *Console) Attach(ctx context.Context, pc page.Controller) error {
	if err := c.beginAttach(); err != nil {
		return err
	}
	c.mu.Lock()
	c.messages, c.errors, c.dropped = nil, nil, 0
	c.mu.Unlock()
	c.pc = pc

	remove, err := pc.AddInitScript(ctx, fmt.Sprintf(consoleHookJS, c.opts.MaxMessages))
	if err != nil {
		return c.endAttach(err)
	}
	c.remove = remove

	unsub, err := pc.SubscribeConsole(ctx, c.onConsole)
	if err != nil {
		c.rollback(ctx)
		return c.endAttach(err)
	}
	c.unsubs = append(c.unsubs, unsub)

	unsub, err = pc.SubscribePageErrors(ctx, c.onError)
	if err != nil {
		c.rollback(ctx)
		return c.endAttach(err)
	}
	c.unsubs = append(c.unsubs, unsub)
	return c.endAttach(nil)
}

func (c *Console) rollback(ctx context.Context) {
	for _, u := range c.unsubs {
		u()
	}
	c.unsubs = nil
	if c.remove != nil {
		_ = c.remove(ctx)
		c.remove = nil
	}
}

func (c *Console) onConsole(ev page.ConsoleEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) >= c.opts.MaxMessages {
		c.dropped++
		return
	}
	text, truncated := truncateRunes(ev.Text, c.opts.MaxMessageLength)
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	c.messages = append(c.messages, model.ConsoleMessage{
		Level:     normalizeLevel(ev.Level),
		Text:      text,
		URL:       ev.URL,
		Line:      ev.Line,
		Timestamp: ts,
		Truncated: truncated,
	})
}

func (c *Console) onError(ev page.ErrorEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errors) >= c.opts.MaxMessages {
		return
	}
	msg, _ := truncateRunes(ev.Message, c.opts.MaxMessageLength)
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	c.errors = append(c.errors, model.PageError{
		Message:   msg,
		Source:    "exception",
		URL:       ev.URL,
		Line:      ev.Line,
		Column:    ev.Column,
		Stack:     ev.Stack,
		Timestamp: ts,
	})
}

// Collect 合并钩子与实时异常两路错误（1 秒内同文本去重），分别按时间排序返回
func (c *Console) Collect(ctx context.Context) ([]model.ConsoleMessage, []model.PageError, error) {
	if err := c.beginCollect(); err != nil {
		return nil, nil, err
	}
	var hooked []jsPageError
	if err := c.pc.Evaluate(ctx, consoleCollectJS, &hooked); err != nil {
		return nil, nil, c.endCollect(err)
	}

	c.mu.Lock()
	msgs := make([]model.ConsoleMessage, len(c.messages))
	copy(msgs, c.messages)
	errs := make([]model.PageError, 0, len(c.errors)+len(hooked))
	errs = append(errs, c.errors...)
	dropped := c.dropped
	c.mu.Unlock()

	for _, h := range hooked {
		msg, _ := truncateRunes(h.Message, c.opts.MaxMessageLength)
		errs = append(errs, model.PageError{
			Message:   msg,
			Source:    h.Source,
			URL:       h.URL,
			Line:      h.Line,
			Column:    h.Column,
			Stack:     h.Stack,
			Timestamp: msTime(h.TS),
		})
	}
	if dropped > 0 {
		c.log.Debug("控制台消息超过上限，已丢弃", "dropped", dropped)
	}

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	return msgs, dedupErrors(errs), c.endCollect(nil)
}

// CollectInto 写入 res.ConsoleMessages 与 res.PageErrors
func (c *Console) CollectInto(ctx context.Context, res *model.PageScanResult) error {
	msgs, errs, err := c.Collect(ctx)
	if err != nil {
		return err
	}
	res.ConsoleMessages = msgs
	res.PageErrors = errs
	return nil
}

// Detach 取消订阅并移除钩子脚本
func (c *Console) Detach(ctx context.Context) error {
	c.beginDetach()
	for _, u := range c.unsubs {
		u()
	}
	c.unsubs = nil
	var err error
	if c.remove != nil {
		err = c.remove(ctx)
		c.remove = nil
	}
	return c.endDetach(err)
}

// dedupErrors 按时间排序后丢弃与已保留记录同文本且相距不超过 1 秒的错误
func dedupErrors(errs []model.PageError) []model.PageError {
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Timestamp.Before(errs[j].Timestamp) })
	kept := make(map[string]time.Time, len(errs))
	out := make([]model.PageError, 0, len(errs))
	for _, e := range errs {
		key := errorKey(e.Message)
		if last, ok := kept[key]; ok && e.Timestamp.Sub(last) <= errorDedupWindow {
			continue
		}
		kept[key] = e.Timestamp
		out = append(out, e)
	}
	return out
}

func errorKey(msg string) string {
	msg = strings.TrimSpace(msg)
	for _, p := range []string{"Uncaught (in promise) ", "Uncaught "} {
		msg = strings.TrimPrefix(msg, p)
	}
	return msg
}

func normalizeLevel(l string) string {
	switch strings.ToLower(l) {
	case "warning", "warn":
		return "warn"
	case "error", "assert":
		return "error"
	case "debug", "trace":
		return "debug"
	case "info":
		return "info"
	default:
		return "log"
	}
}

func truncateRunes(s string, max int) (string, bool) {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s, false
	}
	r := []rune(s)
	return string(r[:max]), true
}
