package pool

import (
	"errors"
	"fmt"
)

var (
	ErrPoolClosed          = errors.New("pool is shut down")
	ErrQueueFull           = errors.New("wait queue is full")
	ErrAcquireTimeout      = errors.New("timed out waiting for a context")
	ErrBrowserDisconnected = errors.New("browser disconnected")
	ErrLaunch              = errors.New("browser launch failed")
	ErrUnknownLease        = errors.New("unknown lease")
)

// Error 池操作错误
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("pool %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func opErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Op: op, Err: err}
}
