// Package scanner 串联一次页面扫描：租用上下文、挂载采集器、导航、静置、采集、卸载与归还
package scanner

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"tagaudit/internal/capture"
	"tagaudit/internal/ctxkeys"
	"tagaudit/internal/logger"
	"tagaudit/internal/pool"
	"tagaudit/pkg/model"
	"tagaudit/pkg/page"
)

// Phase 扫描所处阶段
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhaseAcquiring  Phase = "acquiring"
	PhaseAttaching  Phase = "attaching"
	PhaseNavigating Phase = "navigating"
	PhaseSettling   Phase = "settling"
	PhaseCollecting Phase = "collecting"
	PhaseDetaching  Phase = "detaching"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// ErrInvalidURL 目标地址不是 http(s) 绝对地址
var ErrInvalidURL = errors.New("invalid scan url")

// Options 扫描时序参数
type Options struct {
	WaitUntil         page.WaitCondition `yaml:"waitUntil"`
	NavigationTimeout time.Duration      `yaml:"navigationTimeout"`
	SettleTime        time.Duration      `yaml:"settleTime"`
	CollectTimeout    time.Duration      `yaml:"collectTimeout"`
	DetachTimeout     time.Duration      `yaml:"detachTimeout"`
	AcquireTimeout    time.Duration      `yaml:"acquireTimeout"`
}

// DefaultOptions 返回默认时序
func DefaultOptions() Options {
	return Options{
		WaitUntil:         page.WaitLoad,
		NavigationTimeout: 30 * time.Second,
		SettleTime:        2 * time.Second,
		CollectTimeout:    10 * time.Second,
		DetachTimeout:     5 * time.Second,
	}
}

func (o *Options) fill() {
	def := DefaultOptions()
	if o.WaitUntil == "" {
		o.WaitUntil = def.WaitUntil
	}
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = def.NavigationTimeout
	}
	if o.SettleTime < 0 {
		o.SettleTime = 0
	}
	if o.CollectTimeout <= 0 {
		o.CollectTimeout = def.CollectTimeout
	}
	if o.DetachTimeout <= 0 {
		o.DetachTimeout = def.DetachTimeout
	}
}

// Acquirer 出借隔离上下文，由 *pool.Pool 实现
type Acquirer interface {
	Acquire(ctx context.Context, opts pool.AcquireOptions) (*pool.Lease, error)
}

// Request 一次扫描请求
type Request struct {
	ID        model.ScanID // 为空时生成
	URL       string
	WaitUntil page.WaitCondition // 为空时使用 Options.WaitUntil
	OnPhase   func(Phase)
}

// Scanner 对共享池中的上下文执行单页扫描，可并发调用
type Scanner struct {
	pool    Acquirer
	capture capture.Options
	opts    Options
	log     logger.Logger
}

// New 创建扫描器
func New(p Acquirer, capOpts capture.Options, opts Options, l logger.Logger) *Scanner {
	if l == nil {
		l = logger.NewNop()
	}
	opts.fill()
	return &Scanner{pool: p, capture: capOpts, opts: opts, log: l}
}

// Options 返回生效的时序参数
func (s *Scanner) Options() Options { return s.opts }

// Scan 扫描一个页面；失败的扫描同样返回结构完整的结果，Success 为 false 且 Error 非空
func (s *Scanner) Scan(ctx context.Context, req Request) *model.PageScanResult {
	id := req.ID
	if id == "" {
		id = model.ScanID(uuid.NewString())
	}
	res := model.NewPageScanResult(id, req.URL)
	res.StartedAt = time.Now()
	ctx = context.WithValue(ctx, ctxkeys.TraceIDKey{}, string(id))
	log := s.log.With("scan", string(id), "url", req.URL)
	phase := func(p Phase) {
		if req.OnPhase != nil {
			req.OnPhase(p)
		}
	}

	err := s.run(ctx, req, res, log, phase)

	res.FinishedAt = time.Now()
	res.Timings.Total = res.FinishedAt.Sub(res.StartedAt)
	res.Summarize()
	if err != nil {
		res.Success = false
		res.Error = err.Error()
		phase(PhaseFailed)
		log.Warn("扫描失败", "error", err.Error(), "total", res.Timings.Total)
		return res
	}
	res.Success = true
	phase(PhaseDone)
	log.Info("扫描完成", "requests", res.Summary.Requests, "scripts", res.Summary.Scripts,
		"events", res.Summary.DataLayerEvents, "total", res.Timings.Total)
	return res
}

func (s *Scanner) run(ctx context.Context, req Request, res *model.PageScanResult, log logger.Logger, phase func(Phase)) error {
	if err := validateURL(req.URL); err != nil {
		return err
	}

	phase(PhaseAcquiring)
	t := time.Now()
	lease, err := s.pool.Acquire(ctx, pool.AcquireOptions{Timeout: s.opts.AcquireTimeout, Label: req.URL})
	res.Timings.Acquire = time.Since(t)
	if err != nil {
		return fmt.Errorf("acquire context: %w", err)
	}
	defer lease.Release()

	// 浏览器断开或池关闭时中止本次扫描
	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(lease.Context(), func() { cancel(lease.Err()) })
	defer stop()

	pc := lease.Page()
	pipe, err := capture.New(s.capture, log)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	phase(PhaseAttaching)
	t = time.Now()
	err = pipe.Attach(sctx, pc)
	res.Timings.Attach = time.Since(t)
	if err != nil {
		return fmt.Errorf("attach collectors: %w", err)
	}
	defer func() {
		phase(PhaseDetaching)
		dctx, dcancel := context.WithTimeout(context.WithoutCancel(sctx), s.opts.DetachTimeout)
		defer dcancel()
		pipe.Detach(dctx)
	}()

	phase(PhaseNavigating)
	navErr := s.navigate(sctx, pc, req, res)
	if navErr != nil {
		log.Warn("导航失败，继续采集已捕获的证据", "error", navErr.Error())
	} else {
		phase(PhaseSettling)
		t = time.Now()
		s.settle(sctx)
		res.Timings.Settle = time.Since(t)
	}

	if cause := context.Cause(sctx); cause != nil && ctx.Err() == nil {
		return fmt.Errorf("context lost: %w", cause)
	}

	phase(PhaseCollecting)
	t = time.Now()
	s.collect(sctx, pc, pipe, res, log)
	res.Timings.Collect = time.Since(t)

	if navErr != nil {
		return navErr
	}
	return ctx.Err()
}

func (s *Scanner) navigate(ctx context.Context, pc page.Controller, req Request, res *model.PageScanResult) error {
	wait := req.WaitUntil
	if wait == "" {
		wait = s.opts.WaitUntil
	}
	nctx, cancel := context.WithTimeout(ctx, s.opts.NavigationTimeout)
	defer cancel()

	t := time.Now()
	resp, err := pc.Navigate(nctx, req.URL, page.NavigateOptions{WaitUntil: wait, Timeout: s.opts.NavigationTimeout})
	res.Timings.Navigate = time.Since(t)
	if err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if resp != nil {
		res.FinalURL = resp.URL
	}
	return nil
}

// settle 等待页面的延迟标签继续触发
func (s *Scanner) settle(ctx context.Context) {
	if s.opts.SettleTime <= 0 {
		return
	}
	timer := time.NewTimer(s.opts.SettleTime)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// collect 采集器错误与页面状态读取错误都记入 CollectorErrors，不影响其余证据
func (s *Scanner) collect(ctx context.Context, pc page.Controller, pipe *capture.Pipeline, res *model.PageScanResult, log logger.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CollectTimeout)
	defer cancel()

	if err := pipe.Collect(cctx, res); err != nil {
		log.Warn("部分采集器失败", "error", err.Error())
	}
	if cookies, err := pc.Cookies(cctx); err != nil {
		res.CollectorErrors = append(res.CollectorErrors, fmt.Sprintf("cookies: %v", err))
	} else if cookies != nil {
		res.Cookies = cookies
	}
	for _, kind := range []page.StorageKind{page.LocalStorage, page.SessionStorage} {
		m, err := pc.Storage(cctx, kind)
		if err != nil {
			res.CollectorErrors = append(res.CollectorErrors, fmt.Sprintf("%s: %v", kind, err))
			continue
		}
		if m == nil {
			continue
		}
		if kind == page.LocalStorage {
			res.LocalStorage = m
		} else {
			res.SessionStorage = m
		}
	}
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}
