package capture

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"tagaudit/internal/logger"
	"tagaudit/pkg/model"
	"tagaudit/pkg/page"
	"tagaudit/pkg/traffic"
)

const (
	defaultMaxBodySize = 64 << 10
	defaultBodyTimeout = 5 * time.Second

	// IncompleteError 采集时仍未完成的请求的错误文本
	IncompleteError = "incomplete at collection time"
)

// NetworkOptions 网络采集配置
type NetworkOptions struct {
	MaxBodySize           int           `yaml:"maxBodySize"`
	CaptureResponseBodies bool          `yaml:"captureResponseBodies"` // false 时仅获取分析类请求的响应体
	BodyTimeout           time.Duration `yaml:"bodyTimeout"`
	ExcludeResourceTypes  []string      `yaml:"excludeResourceTypes"`
	ExcludeURLPatterns    []string      `yaml:"excludeURLPatterns"` // 正则
}

// Network 网络采集器
type Network struct {
	lifecycle
	opts    NetworkOptions
	exclude []*regexp.Regexp
	log     logger.Logger

	pc     page.Controller
	unsub  page.Unsubscribe
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	inflight  map[string]*model.CapturedRequest
	pending   map[string]*model.CapturedRequest // 已结束、等待响应体
	done      []model.CapturedRequest
	observers map[int]func(model.CapturedRequest)
	nextObs   int
	bodies    sync.WaitGroup
}

// NewNetwork 创建网络采集器；排除规则中的非法正则返回错误
func NewNetwork(opts NetworkOptions, l logger.Logger) (*Network, error) {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaultMaxBodySize
	}
	if opts.BodyTimeout <= 0 {
		opts.BodyTimeout = defaultBodyTimeout
	}
	if l == nil {
		l = logger.NewNop()
	}
	n := &Network{
		lifecycle: newLifecycle("network"),
		opts:      opts,
		log:       l.With("collector", "network"),
		observers: make(map[int]func(model.CapturedRequest)),
	}
	for _, p := range opts.ExcludeURLPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &CollectorError{Collector: "network", Op: "configure", Err: err}
		}
		n.exclude = append(n.exclude, re)
	}
	n.reset()
	return n, nil
}

func (n *Network) Name() string { return "network" }

func (n *Network) reset() {
	n.inflight = make(map[string]*model.CapturedRequest)
	n.pending = make(map[string]*model.CapturedRequest)
	n.done = nil
}

// OnRequest 注册请求定稿回调，返回取消函数
func (n *Network) OnRequest(fn func(model.CapturedRequest)) func() {
	n.mu.Lock()
	id := n.nextObs
	n.nextObs++
	n.observers[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.observers, id)
		n.mu.Unlock()
	}
}

// Attach 订阅底层网络事件
func (n *Network) Attach(ctx context.Context, pc page.Controller) error {
	if err := n.beginAttach(); err != nil {
		return err
	}
	n.mu.Lock()
	n.reset()
	n.mu.Unlock()
	n.pc = pc
	n.ctx, n.cancel = context.WithCancel(context.Background())
	unsub, err := pc.SubscribeNetwork(ctx, n.handle)
	if err != nil {
		n.cancel()
		return n.endAttach(err)
	}
	n.unsub = unsub
	return n.endAttach(nil)
}

func (n *Network) handle(ev traffic.Event) {
	switch ev.Kind {
	case traffic.EventRequest:
		n.onRequest(ev.Request)
	case traffic.EventResponse:
		n.onResponse(ev.Response)
	case traffic.EventFinished:
		n.onFinished(ev.Finished)
	case traffic.EventFailed:
		n.onFailed(ev.Failed)
	}
}

func (n *Network) onRequest(r *traffic.Request) {
	if r == nil {
		return
	}
	var notify []model.CapturedRequest
	n.mu.Lock()
	redirectedFrom := ""
	if prev, ok := n.inflight[r.ID]; ok {
		// 同一 ID 的新请求表示上一跳被重定向
		if r.Redirect != nil {
			prev.Status = r.Redirect.Status
			prev.ResponseHeaders = r.Redirect.Headers.Clone()
		}
		prev.EndTime = r.Timestamp
		redirectedFrom = prev.URL
		delete(n.inflight, r.ID)
		if rec, ok := n.finalizeLocked(prev); ok {
			notify = append(notify, rec)
		}
	}
	rec := &model.CapturedRequest{
		ID:             r.ID,
		URL:            r.URL,
		Method:         r.Method,
		ResourceType:   r.ResourceType,
		RequestHeaders: r.Headers.Clone(),
		Query:          parseQuery(r.URL),
		Initiator:      r.Initiator,
		StartTime:      r.Timestamp,
		IsAnalytics:    IsAnalyticsURL(r.URL),
		RedirectedFrom: redirectedFrom,
	}
	if rec.StartTime.IsZero() {
		rec.StartTime = time.Now()
	}
	if r.PostData != "" {
		rec.PostData, rec.PostDataTruncated = truncate(r.PostData, n.opts.MaxBodySize)
		rec.PostParams = parsePostParams(r.PostData, r.Headers.Get("content-type"))
	}
	n.inflight[r.ID] = rec
	obs := n.observerList()
	n.mu.Unlock()
	n.dispatch(obs, notify)
}

func (n *Network) onResponse(r *traffic.Response) {
	if r == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	rec, ok := n.inflight[r.ID]
	if !ok {
		return
	}
	rec.Status = r.Status
	rec.StatusText = r.StatusText
	rec.MimeType = r.MimeType
	rec.ResponseHeaders = r.Headers.Clone()
	rec.FromCache = r.FromCache
	if rec.ResourceType == "" {
		rec.ResourceType = r.ResourceType
	}
}

func (n *Network) onFinished(f *traffic.Finished) {
	if f == nil {
		return
	}
	n.mu.Lock()
	rec, ok := n.inflight[f.ID]
	if !ok {
		n.mu.Unlock()
		return
	}
	delete(n.inflight, f.ID)
	rec.EncodedSize = f.EncodedLength
	rec.EndTime = f.Timestamp
	if n.wantBody(rec) {
		n.pending[f.ID] = rec
		n.bodies.Add(1)
		n.mu.Unlock()
		go n.fetchBody(f.ID)
		return
	}
	out, ok := n.finalizeLocked(rec)
	obs := n.observerList()
	n.mu.Unlock()
	if ok {
		n.dispatch(obs, []model.CapturedRequest{out})
	}
}

func (n *Network) onFailed(f *traffic.Failed) {
	if f == nil {
		return
	}
	n.mu.Lock()
	rec, ok := n.inflight[f.ID]
	if !ok {
		n.mu.Unlock()
		return
	}
	delete(n.inflight, f.ID)
	rec.Failed = true
	rec.ErrorText = f.ErrorText
	if f.Canceled && rec.ErrorText == "" {
		rec.ErrorText = "canceled"
	}
	rec.EndTime = f.Timestamp
	out, ok := n.finalizeLocked(rec)
	obs := n.observerList()
	n.mu.Unlock()
	if ok {
		n.dispatch(obs, []model.CapturedRequest{out})
	}
}

func (n *Network) wantBody(rec *model.CapturedRequest) bool {
	if rec.Status == 204 || (rec.Status >= 300 && rec.Status < 400) {
		return false
	}
	switch strings.ToLower(rec.ResourceType) {
	case "image", "media", "font", "stylesheet":
		return false
	}
	return n.opts.CaptureResponseBodies || rec.IsAnalytics
}

func (n *Network) fetchBody(id string) {
	defer n.bodies.Done()
	ctx, cancel := context.WithTimeout(n.ctx, n.opts.BodyTimeout)
	body, err := n.pc.ResponseBody(ctx, id)
	cancel()
	if err != nil {
		n.log.Debug("获取响应体失败", "requestId", id, "error", err)
	}

	n.mu.Lock()
	rec, ok := n.pending[id]
	if !ok {
		n.mu.Unlock()
		return
	}
	delete(n.pending, id)
	if err == nil {
		rec.ResponseBody, rec.ResponseBodyTruncated = truncate(string(body), n.opts.MaxBodySize)
	}
	out, kept := n.finalizeLocked(rec)
	obs := n.observerList()
	n.mu.Unlock()
	if kept {
		n.dispatch(obs, []model.CapturedRequest{out})
	}
}

// finalizeLocked 补全默认值并追加到结果；被排除的请求返回 false
func (n *Network) finalizeLocked(rec *model.CapturedRequest) (model.CapturedRequest, bool) {
	if rec.Method == "" {
		rec.Method = "GET"
	}
	if rec.RequestHeaders == nil {
		rec.RequestHeaders = traffic.Header{}
	}
	if rec.ResponseHeaders == nil {
		rec.ResponseHeaders = traffic.Header{}
	}
	if rec.Query == nil {
		rec.Query = map[string]string{}
	}
	if rec.EndTime.IsZero() || rec.EndTime.Before(rec.StartTime) {
		rec.EndTime = time.Now()
	}
	rec.Duration = rec.EndTime.Sub(rec.StartTime)
	if n.excluded(rec) {
		return model.CapturedRequest{}, false
	}
	n.done = append(n.done, *rec)
	return *rec, true
}

func (n *Network) excluded(rec *model.CapturedRequest) bool {
	for _, t := range n.opts.ExcludeResourceTypes {
		if strings.EqualFold(t, rec.ResourceType) {
			return true
		}
	}
	for _, re := range n.exclude {
		if re.MatchString(rec.URL) {
			return true
		}
	}
	return false
}

func (n *Network) observerList() []func(model.CapturedRequest) {
	if len(n.observers) == 0 {
		return nil
	}
	ids := make([]int, 0, len(n.observers))
	for id := range n.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(model.CapturedRequest), 0, len(ids))
	for _, id := range ids {
		out = append(out, n.observers[id])
	}
	return out
}

func (n *Network) dispatch(obs []func(model.CapturedRequest), recs []model.CapturedRequest) {
	for _, r := range recs {
		for _, fn := range obs {
			fn(r)
		}
	}
}

// Collect 等待响应体获取（受 ctx 约束），强制定稿未完成的请求，按发起时间返回
func (n *Network) Collect(ctx context.Context) ([]model.CapturedRequest, error) {
	if err := n.beginCollect(); err != nil {
		return nil, err
	}
	waitErr := n.waitBodies(ctx)

	var notify []model.CapturedRequest
	n.mu.Lock()
	for id, rec := range n.pending {
		delete(n.pending, id)
		if out, ok := n.finalizeLocked(rec); ok {
			notify = append(notify, out)
		}
	}
	for id, rec := range n.inflight {
		delete(n.inflight, id)
		rec.Failed = true
		rec.ErrorText = IncompleteError
		rec.EndTime = time.Now()
		if out, ok := n.finalizeLocked(rec); ok {
			notify = append(notify, out)
		}
	}
	out := make([]model.CapturedRequest, len(n.done))
	copy(out, n.done)
	obs := n.observerList()
	n.mu.Unlock()
	n.dispatch(obs, notify)

	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	if waitErr != nil {
		n.log.Warn("等待响应体超时，未完成的响应体已丢弃", "error", waitErr)
	}
	return out, n.endCollect(nil)
}

func (n *Network) waitBodies(ctx context.Context) error {
	ch := make(chan struct{})
	go func() {
		n.bodies.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CollectInto 写入 res.Requests
func (n *Network) CollectInto(ctx context.Context, res *model.PageScanResult) error {
	reqs, err := n.Collect(ctx)
	if err != nil {
		return err
	}
	res.Requests = reqs
	return nil
}

// Detach 取消订阅并中止未完成的响应体获取
func (n *Network) Detach(ctx context.Context) error {
	n.beginDetach()
	if n.unsub != nil {
		n.unsub()
		n.unsub = nil
	}
	if n.cancel != nil {
		n.cancel()
	}
	err := n.waitBodies(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return n.endDetach(err)
}

func truncate(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	return s[:max], true
}

func parseQuery(raw string) map[string]string {
	out := map[string]string{}
	u, err := url.Parse(raw)
	if err != nil {
		return out
	}
	for k, v := range u.Query() {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// parsePostParams 解析表单请求体；GA 批量请求按行拼接，取第一行
func parsePostParams(body, contentType string) map[string]string {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "json") || strings.HasPrefix(strings.TrimSpace(body), "{") || strings.HasPrefix(strings.TrimSpace(body), "[") {
		return nil
	}
	line, _, _ := strings.Cut(body, "\n")
	if !strings.Contains(line, "=") {
		return nil
	}
	vals, err := url.ParseQuery(line)
	if err != nil {
		return nil
	}
	out := make(map[string]string, len(vals))
	for k, v := range vals {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
