package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"tagaudit/pkg/model"
	"tagaudit/pkg/page"
)

var errLeaseReleased = errors.New("lease released")

// Lease 调用方独占的隔离上下文，使用完毕必须 Release
type Lease struct {
	ID         model.LeaseID
	BrowserID  string
	AcquiredAt time.Time

	pool   *Pool
	slot   *slot
	bctx   BrowserContext
	ctx    context.Context
	cancel context.CancelCauseFunc
	once   sync.Once
}

func newLease(p *Pool, s *slot, bc BrowserContext) *Lease {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Lease{
		ID:         model.LeaseID(uuid.NewString()),
		BrowserID:  s.id,
		AcquiredAt: p.now(),
		pool:       p,
		slot:       s,
		bctx:       bc,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Page 返回租约的页面控制器
func (l *Lease) Page() page.Controller { return l.bctx.Page() }

// Context 在浏览器断开、池关闭或租约归还时取消
func (l *Lease) Context() context.Context { return l.ctx }

// Err 返回租约失效原因；有效租约返回 nil
func (l *Lease) Err() error {
	if l.ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(l.ctx)
	if errors.Is(cause, errLeaseReleased) {
		return nil
	}
	return opErr("lease", cause)
}

// Release 归还租约，可重复调用
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l) })
}

func (l *Lease) fail(err error) {
	l.cancel(err)
}
