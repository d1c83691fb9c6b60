package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tagaudit/internal/logger"
	"tagaudit/pkg/model"
)

// AcquireOptions 获取上下文的参数
type AcquireOptions struct {
	Timeout time.Duration // 0 使用 Config.AcquireTimeout
	Label   string        // 仅用于日志
}

type slot struct {
	id         string
	browser    Browser
	launchedAt time.Time
	lastUsed   time.Time
	contexts   int // 已出借与已预留的上下文数
	retired    bool
	leases     map[model.LeaseID]*Lease
}

// grant 等待者获得的容量：已预留的槽位、启动新浏览器的许可或错误
type grant struct {
	slot   *slot
	launch bool
	err    error
}

type waiter struct {
	label string
	ready chan grant
}

// Pool 有界的浏览器上下文池；槽位表与等待队列只在 mu 下修改
type Pool struct {
	cfg      Config
	launcher Launcher
	log      logger.Logger
	now      func() time.Time

	mu          sync.Mutex
	slots       []*slot
	leases      map[model.LeaseID]*Lease
	queue       []*waiter
	launching   int
	draining    bool
	initialized bool
	disconnects int

	stop chan struct{}
	wg   sync.WaitGroup
}

// New 创建上下文池，配置在此校验
func New(cfg Config, launcher Launcher, l logger.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if launcher == nil {
		return nil, errors.New("pool: launcher is nil")
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Pool{
		cfg:      cfg,
		launcher: launcher,
		log:      l,
		now:      time.Now,
		leases:   make(map[model.LeaseID]*Lease),
		stop:     make(chan struct{}),
	}, nil
}

// Config 返回生效的配置
func (p *Pool) Config() Config { return p.cfg }

// Initialize 并行预启动 MinBrowsers 个浏览器，任一失败则整体失败
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return opErr("initialize", ErrPoolClosed)
	}
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	n := p.cfg.MinBrowsers
	p.launching += n
	p.mu.Unlock()

	browsers := make([]Browser, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			b, err := p.launcher.Launch(gctx)
			if err != nil {
				return err
			}
			browsers[i] = b
			return nil
		})
	}
	err := g.Wait()

	p.mu.Lock()
	p.launching -= n
	if err == nil && p.draining {
		err = ErrPoolClosed
	}
	if err != nil {
		p.dispatchLocked()
		p.mu.Unlock()
		for _, b := range browsers {
			if b != nil {
				_ = b.Close()
			}
		}
		p.log.Err(err, "预启动浏览器失败", "count", n)
		if errors.Is(err, ErrPoolClosed) {
			return opErr("initialize", err)
		}
		return opErr("initialize", fmt.Errorf("%w: %w", ErrLaunch, err))
	}
	for _, b := range browsers {
		p.addSlotLocked(b)
	}
	p.initialized = true
	p.dispatchLocked()
	p.mu.Unlock()

	if p.cfg.CleanupInterval > 0 {
		p.wg.Add(1)
		go p.cleanupLoop()
	}
	p.log.Info("上下文池已初始化", "browsers", n, "maxBrowsers", p.cfg.MaxBrowsers, "maxContexts", p.cfg.MaxContextsPerBrowser)
	return nil
}

// Acquire 获取一个隔离上下文；容量不足时按 FIFO 排队等待
func (p *Pool) Acquire(ctx context.Context, opts AcquireOptions) (*Lease, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	start := p.now()

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, opErr("acquire", ErrPoolClosed)
	}
	if p.cfg.MaxWaitQueue > 0 && len(p.queue) >= p.cfg.MaxWaitQueue {
		p.mu.Unlock()
		return nil, opErr("acquire", ErrQueueFull)
	}
	w := &waiter{label: opts.Label, ready: make(chan grant, 1)}
	p.queue = append(p.queue, w)
	p.dispatchLocked()
	p.mu.Unlock()

	var g grant
	select {
	case g = <-w.ready:
	default:
		p.log.Debug("等待可用上下文", "label", opts.Label)
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case g = <-w.ready:
		case <-ctx.Done():
			return nil, p.abandon(w, ctx.Err())
		case <-timer.C:
			return nil, p.abandon(w, ErrAcquireTimeout)
		}
	}
	if g.err != nil {
		return nil, opErr("acquire", g.err)
	}

	s := g.slot
	if g.launch {
		var err error
		if s, err = p.launchSlot(ctx); err != nil {
			return nil, opErr("acquire", err)
		}
	}
	lease, err := p.openLease(ctx, s)
	if err != nil {
		return nil, opErr("acquire", err)
	}
	p.log.Debug("上下文已出借", "lease", string(lease.ID), "browser", s.id, "label", opts.Label, "wait", p.now().Sub(start))
	return lease, nil
}

// Release 按 ID 归还租约
func (p *Pool) Release(id model.LeaseID) error {
	p.mu.Lock()
	l, ok := p.leases[id]
	p.mu.Unlock()
	if !ok {
		return opErr("release", ErrUnknownLease)
	}
	l.Release()
	return nil
}

// Cleanup 关闭超龄与空闲浏览器，返回关闭的数量
func (p *Pool) Cleanup() int {
	now := p.now()
	p.mu.Lock()
	var closing []*slot
	for _, s := range p.slots {
		if !s.retired && now.Sub(s.launchedAt) >= p.cfg.MaxBrowserAge {
			s.retired = true
		}
		if s.retired && s.contexts == 0 {
			closing = append(closing, s)
		}
	}
	for _, s := range closing {
		p.removeSlotLocked(s)
	}

	var idle []*slot
	active := 0
	for _, s := range p.slots {
		if s.retired {
			continue
		}
		active++
		if s.contexts == 0 && now.Sub(s.lastUsed) >= p.cfg.BrowserIdleTimeout {
			idle = append(idle, s)
		}
	}
	sort.SliceStable(idle, func(i, j int) bool { return idle[i].lastUsed.Before(idle[j].lastUsed) })
	for _, s := range idle {
		if active <= p.cfg.MinBrowsers {
			break
		}
		p.removeSlotLocked(s)
		closing = append(closing, s)
		active--
	}
	p.dispatchLocked()
	p.mu.Unlock()

	for _, s := range closing {
		p.closeSlot(s, "cleanup")
	}
	return len(closing)
}

// Shutdown 拒绝所有排队者并强制关闭全部浏览器
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil
	}
	p.draining = true
	queue := p.queue
	p.queue = nil
	for _, w := range queue {
		w.ready <- grant{err: ErrPoolClosed}
	}
	slots := p.slots
	p.slots = nil
	leases := p.leases
	p.leases = make(map[model.LeaseID]*Lease)
	p.mu.Unlock()

	close(p.stop)
	for _, l := range leases {
		l.fail(ErrPoolClosed)
	}
	var errs []error
	for _, s := range slots {
		if err := s.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser %s: %w", s.id, err))
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	p.log.Info("上下文池已关闭", "browsers", len(slots), "leases", len(leases), "rejected", len(queue))
	return opErr("shutdown", errors.Join(errs...))
}

// dispatchLocked 将空闲容量按 FIFO 授予队首等待者
func (p *Pool) dispatchLocked() {
	for len(p.queue) > 0 && !p.draining {
		w := p.queue[0]
		if s := p.pickSlotLocked(); s != nil {
			s.contexts++
			s.lastUsed = p.now()
			p.queue = p.queue[1:]
			w.ready <- grant{slot: s}
			continue
		}
		if len(p.slots)+p.launching < p.cfg.MaxBrowsers {
			p.launching++
			p.queue = p.queue[1:]
			w.ready <- grant{launch: true}
			continue
		}
		return
	}
}

// pickSlotLocked 选择负载最低、其次最早启动的可用槽位
func (p *Pool) pickSlotLocked() *slot {
	var best *slot
	for _, s := range p.slots {
		if s.retired || s.contexts >= p.cfg.MaxContextsPerBrowser {
			continue
		}
		if best == nil || s.contexts < best.contexts ||
			(s.contexts == best.contexts && s.launchedAt.Before(best.launchedAt)) {
			best = s
		}
	}
	return best
}

// abandon 处理等待超时或取消；若授予已送达则归还给队列
func (p *Pool) abandon(w *waiter, cause error) error {
	p.mu.Lock()
	removed := false
	for i, q := range p.queue {
		if q == w {
			p.queue = append(p.queue[:i:i], p.queue[i+1:]...)
			removed = true
			break
		}
	}
	p.mu.Unlock()
	if !removed {
		g := <-w.ready
		if g.err != nil {
			return opErr("acquire", g.err)
		}
		p.returnGrant(g)
	}
	p.log.Debug("放弃等待上下文", "label", w.label, "cause", cause)
	if errors.Is(cause, ErrAcquireTimeout) {
		return opErr("acquire", ErrAcquireTimeout)
	}
	return opErr("acquire", fmt.Errorf("%w: %w", ErrAcquireTimeout, cause))
}

func (p *Pool) returnGrant(g grant) {
	switch {
	case g.slot != nil:
		p.releaseReservation(g.slot)
	case g.launch:
		p.mu.Lock()
		p.launching--
		p.dispatchLocked()
		p.mu.Unlock()
	}
}

// launchSlot 使用已获得的启动许可启动浏览器，新槽位为调用方预留一个上下文
func (p *Pool) launchSlot(ctx context.Context) (*slot, error) {
	b, err := p.launcher.Launch(ctx)

	p.mu.Lock()
	p.launching--
	if err != nil {
		p.dispatchLocked()
		p.mu.Unlock()
		p.log.Err(err, "启动浏览器失败")
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	if p.draining {
		p.mu.Unlock()
		_ = b.Close()
		return nil, ErrPoolClosed
	}
	s := p.addSlotLocked(b)
	s.contexts = 1
	p.dispatchLocked()
	p.mu.Unlock()
	p.log.Info("浏览器已启动", "browser", s.id)
	return s, nil
}

func (p *Pool) addSlotLocked(b Browser) *slot {
	now := p.now()
	s := &slot{
		id:         uuid.NewString(),
		browser:    b,
		launchedAt: now,
		lastUsed:   now,
		leases:     make(map[model.LeaseID]*Lease),
	}
	p.slots = append(p.slots, s)
	p.wg.Add(1)
	go p.watch(s)
	return s
}

func (p *Pool) hasSlotLocked(s *slot) bool {
	for _, cur := range p.slots {
		if cur == s {
			return true
		}
	}
	return false
}

func (p *Pool) removeSlotLocked(s *slot) {
	for i, cur := range p.slots {
		if cur == s {
			p.slots = append(p.slots[:i:i], p.slots[i+1:]...)
			return
		}
	}
}

// watch 监听浏览器断开
func (p *Pool) watch(s *slot) {
	defer p.wg.Done()
	select {
	case <-s.browser.Done():
		p.onDisconnect(s)
	case <-p.stop:
	}
}

// onDisconnect 移除崩溃的槽位并使其上的所有租约失效
func (p *Pool) onDisconnect(s *slot) {
	p.mu.Lock()
	if !p.hasSlotLocked(s) {
		p.mu.Unlock()
		return
	}
	p.removeSlotLocked(s)
	p.disconnects++
	failed := make([]*Lease, 0, len(s.leases))
	for id, l := range s.leases {
		delete(p.leases, id)
		failed = append(failed, l)
	}
	s.leases = map[model.LeaseID]*Lease{}
	p.dispatchLocked()
	p.mu.Unlock()

	p.log.Warn("浏览器连接断开，已移除槽位", "browser", s.id, "leases", len(failed))
	for _, l := range failed {
		l.fail(ErrBrowserDisconnected)
	}
	_ = s.browser.Close()
}

// releaseReservation 归还未转化为租约的预留容量
func (p *Pool) releaseReservation(s *slot) {
	p.mu.Lock()
	var closing *slot
	if p.hasSlotLocked(s) {
		s.contexts--
		s.lastUsed = p.now()
		closing = p.retireIfDrainedLocked(s)
	}
	p.dispatchLocked()
	p.mu.Unlock()
	if closing != nil {
		p.closeSlot(closing, "retired")
	}
}

// retireIfDrainedLocked 超龄槽位的最后一个上下文归还后将其移除
func (p *Pool) retireIfDrainedLocked(s *slot) *slot {
	if s.retired && s.contexts == 0 {
		p.removeSlotLocked(s)
		return s
	}
	return nil
}

func (p *Pool) openLease(ctx context.Context, s *slot) (*Lease, error) {
	bc, err := s.browser.NewContext(ctx)
	if err != nil {
		p.releaseReservation(s)
		return nil, fmt.Errorf("create context: %w", err)
	}
	l := newLease(p, s, bc)

	p.mu.Lock()
	if !p.hasSlotLocked(s) {
		draining := p.draining
		p.mu.Unlock()
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = bc.Close(closeCtx)
		cancel()
		if draining {
			return nil, ErrPoolClosed
		}
		return nil, ErrBrowserDisconnected
	}
	s.leases[l.ID] = l
	p.leases[l.ID] = l
	p.mu.Unlock()
	return l, nil
}

// release 关闭上下文后扣减槽位负载，并把容量交给队首
func (p *Pool) release(l *Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := l.bctx.Close(ctx); err != nil {
		p.log.Debug("关闭上下文失败", "lease", string(l.ID), "error", err)
	}
	cancel()

	p.mu.Lock()
	var closing *slot
	if _, ok := p.leases[l.ID]; ok {
		delete(p.leases, l.ID)
		delete(l.slot.leases, l.ID)
		if p.hasSlotLocked(l.slot) {
			l.slot.contexts--
			l.slot.lastUsed = p.now()
			closing = p.retireIfDrainedLocked(l.slot)
		}
	}
	p.dispatchLocked()
	p.mu.Unlock()

	l.cancel(errLeaseReleased)
	if closing != nil {
		p.closeSlot(closing, "retired")
	}
}

func (p *Pool) closeSlot(s *slot, reason string) {
	if err := s.browser.Close(); err != nil {
		p.log.Warn("关闭浏览器失败", "browser", s.id, "reason", reason, "error", err)
		return
	}
	p.log.Info("浏览器已关闭", "browser", s.id, "reason", reason)
}

func (p *Pool) cleanupLoop() {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n := p.Cleanup(); n > 0 {
				p.log.Debug("定期清理完成", "closed", n)
			}
		case <-p.stop:
			return
		}
	}
}
