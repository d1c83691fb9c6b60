package capture

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"tagaudit/pkg/model"
	"tagaudit/pkg/page"
	"tagaudit/pkg/traffic"
)

type fakePage struct {
	mu          sync.Mutex
	initScripts []string
	removed     int
	evals       map[string]string
	evalErr     error
	initErr     error
	netErr      error
	bodies      map[string]string

	netFn     func(traffic.Event)
	consoleFn func(page.ConsoleEvent)
	errorFn   func(page.ErrorEvent)
}

func newFakePage() *fakePage {
	return &fakePage{evals: map[string]string{}, bodies: map[string]string{}}
}

func (f *fakePage) Navigate(ctx context.Context, url string, _ page.NavigateOptions) (*page.Response, error) {
	return &page.Response{URL: url, Status: 200}, nil
}

func (f *fakePage) AddInitScript(ctx context.Context, src string) (func(context.Context) error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return nil, f.initErr
	}
	f.initScripts = append(f.initScripts, src)
	return func(context.Context) error {
		f.mu.Lock()
		f.removed++
		f.mu.Unlock()
		return nil
	}, nil
}

func (f *fakePage) Evaluate(ctx context.Context, expr string, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evalErr != nil {
		return f.evalErr
	}
	for marker, body := range f.evals {
		if strings.Contains(expr, marker) {
			return json.Unmarshal([]byte(body), out)
		}
	}
	return errors.New("no fake result for expression")
}

func (f *fakePage) SubscribeConsole(ctx context.Context, fn func(page.ConsoleEvent)) (page.Unsubscribe, error) {
	f.mu.Lock()
	f.consoleFn = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.consoleFn = nil
		f.mu.Unlock()
	}, nil
}

func (f *fakePage) SubscribePageErrors(ctx context.Context, fn func(page.ErrorEvent)) (page.Unsubscribe, error) {
	f.mu.Lock()
	f.errorFn = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.errorFn = nil
		f.mu.Unlock()
	}, nil
}

func (f *fakePage) SubscribeNetwork(ctx context.Context, fn func(traffic.Event)) (page.Unsubscribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.netErr != nil {
		return nil, f.netErr
	}
	f.netFn = fn
	return func() {
		f.mu.Lock()
		f.netFn = nil
		f.mu.Unlock()
	}, nil
}

func (f *fakePage) ResponseBody(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bodies[id]
	if !ok {
		return nil, errors.New("no body")
	}
	return []byte(b), nil
}

func (f *fakePage) Cookies(ctx context.Context) ([]model.Cookie, error) { return nil, nil }

func (f *fakePage) Storage(ctx context.Context, kind page.StorageKind) (map[string]string, error) {
	return map[string]string{}, nil
}

func (f *fakePage) emit(ev traffic.Event) {
	f.mu.Lock()
	fn := f.netFn
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (f *fakePage) console(ev page.ConsoleEvent) {
	f.mu.Lock()
	fn := f.consoleFn
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (f *fakePage) pageError(ev page.ErrorEvent) {
	f.mu.Lock()
	fn := f.errorFn
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}
