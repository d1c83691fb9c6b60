// Package capture 实现页面加载期间的四个采集器及其并行编排
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tagaudit/pkg/model"
	"tagaudit/pkg/page"
)

// State 采集器生命周期状态
type State string

const (
	StateIdle       State = "idle"
	StateAttaching  State = "attaching"
	StateAttached   State = "attached"
	StateCollecting State = "collecting"
	StateDetaching  State = "detaching"
	StateError      State = "error"
)

var (
	ErrAlreadyAttached = errors.New("collector already attached")
	ErrNotAttached     = errors.New("collector not attached")
)

// CollectorError 带采集器名称与操作的错误
type CollectorError struct {
	Collector string
	Op        string
	Err       error
}

func (e *CollectorError) Error() string {
	return fmt.Sprintf("%s collector %s: %v", e.Collector, e.Op, e.Err)
}

func (e *CollectorError) Unwrap() error { return e.Err }

// Collector 单个采集器
type Collector interface {
	Name() string
	State() State
	Attach(ctx context.Context, pc page.Controller) error
	// CollectInto 将本采集器的快照写入 res 中对应字段
	CollectInto(ctx context.Context, res *model.PageScanResult) error
	Detach(ctx context.Context) error
}

type lifecycle struct {
	name  string
	mu    sync.Mutex
	state State
}

func newLifecycle(name string) lifecycle {
	return lifecycle{name: name, state: StateIdle}
}

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CollectorError
	if errors.As(err, &ce) {
		return err
	}
	return &CollectorError{Collector: l.name, Op: op, Err: err}
}

func (l *lifecycle) beginAttach() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateAttaching, StateAttached, StateCollecting:
		return l.wrap("attach", ErrAlreadyAttached)
	}
	l.state = StateAttaching
	return nil
}

func (l *lifecycle) endAttach(err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.state = StateError
		return l.wrap("attach", err)
	}
	l.state = StateAttached
	return nil
}

func (l *lifecycle) beginCollect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateAttached {
		return l.wrap("collect", fmt.Errorf("%w (state %s)", ErrNotAttached, l.state))
	}
	l.state = StateCollecting
	return nil
}

// endCollect 无论成败都回到 attached，失败的采集可重试
func (l *lifecycle) endCollect(err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateAttached
	return l.wrap("collect", err)
}

func (l *lifecycle) beginDetach() {
	l.mu.Lock()
	l.state = StateDetaching
	l.mu.Unlock()
}

// endDetach 总是回到 idle
func (l *lifecycle) endDetach(err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateIdle
	return l.wrap("detach", err)
}
