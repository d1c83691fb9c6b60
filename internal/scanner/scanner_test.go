package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagaudit/internal/capture"
	"tagaudit/internal/pool"
	"tagaudit/internal/pool/pooltest"
	"tagaudit/pkg/model"
	"tagaudit/pkg/traffic"
)

const gaURL = "https://region1.google-analytics.com/g/collect?v=2&tid=G-ABC1234&en=page_view"

func gaTraffic(p *pooltest.Page, _ string) error {
	now := time.Now()
	p.Emit(traffic.Event{Kind: traffic.EventRequest, Request: &traffic.Request{
		ID: "1", URL: gaURL, Method: "GET", Headers: traffic.Header{}, ResourceType: "Ping", Timestamp: now,
	}})
	p.Emit(traffic.Event{Kind: traffic.EventResponse, Response: &traffic.Response{
		ID: "1", URL: gaURL, Status: 204, Headers: traffic.Header{}, Timestamp: now,
	}})
	p.Emit(traffic.Event{Kind: traffic.EventFinished, Finished: &traffic.Finished{ID: "1", Timestamp: now.Add(10 * time.Millisecond)}})
	return nil
}

func newPage() *pooltest.Page {
	p := pooltest.NewPage()
	p.OnNavigate = gaTraffic
	p.SetEval("tagaudit:datalayer", `{"events":[{"layer":"dataLayer","index":0,"event":"page_view","payload":{"event":"page_view"},"ts":1767268800000,"source":"push"}]}`)
	p.CookieJar = []model.Cookie{{Name: "_ga", Value: "GA1.1.1.1", Domain: ".example.com", Path: "/"}}
	p.Local["consent"] = "granted"
	return p
}

type fixture struct {
	pool     *pool.Pool
	launcher *pooltest.Launcher
	pages    []*pooltest.Page
	mu       sync.Mutex
}

func newFixture(t *testing.T, cfg pool.Config, mk func() *pooltest.Page) *fixture {
	t.Helper()
	f := &fixture{}
	f.launcher = &pooltest.Launcher{NewPage: func() *pooltest.Page {
		p := mk()
		f.mu.Lock()
		f.pages = append(f.pages, p)
		f.mu.Unlock()
		return p
	}}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
	p, err := pool.New(cfg, f.launcher, nil)
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	f.pool = p
	return f
}

func fastOptions() Options {
	return Options{SettleTime: 5 * time.Millisecond, CollectTimeout: time.Second, NavigationTimeout: time.Second}
}

func TestScanSequencesOnePage(t *testing.T) {
	f := newFixture(t, pool.Config{MinBrowsers: 1, MaxBrowsers: 1, MaxContextsPerBrowser: 1}, newPage)
	s := New(f.pool, capture.Options{}, fastOptions(), nil)

	var mu sync.Mutex
	var phases []Phase
	res := s.Scan(context.Background(), Request{URL: "https://shop.example.com/", OnPhase: func(p Phase) {
		mu.Lock()
		phases = append(phases, p)
		mu.Unlock()
	}})

	require.True(t, res.Success, res.Error)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "https://shop.example.com/", res.FinalURL)
	assert.Equal(t, []Phase{PhaseAcquiring, PhaseAttaching, PhaseNavigating, PhaseSettling, PhaseCollecting, PhaseDetaching, PhaseDone}, phases)

	require.Len(t, res.Requests, 1)
	assert.True(t, res.Requests[0].IsAnalytics)
	assert.Equal(t, "G-ABC1234", res.Requests[0].Query["tid"])
	require.Len(t, res.DataLayerEvents, 1)
	assert.Equal(t, "page_view", res.DataLayerEvents[0].Event)
	assert.Len(t, res.Cookies, 1)
	assert.Equal(t, "granted", res.LocalStorage["consent"])
	assert.Equal(t, 1, res.Summary.AnalyticsRequests)
	assert.GreaterOrEqual(t, res.Timings.Settle, 5*time.Millisecond)
	assert.GreaterOrEqual(t, res.Timings.Total, res.Timings.Settle)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	require.Len(t, f.pages, 1)
	assert.Zero(t, f.pages[0].InitScripts(), "init scripts removed on detach")
	assert.Zero(t, f.pool.Stats().Leases, "lease released")
}

func TestScanRejectsInvalidURL(t *testing.T) {
	f := newFixture(t, pool.Config{MinBrowsers: 1, MaxBrowsers: 1}, newPage)
	s := New(f.pool, capture.Options{}, fastOptions(), nil)

	for _, u := range []string{"", "ftp://example.com/", "/relative", "https://"} {
		res := s.Scan(context.Background(), Request{URL: u})
		assert.False(t, res.Success, u)
		assert.Contains(t, res.Error, "invalid scan url", u)
		assert.NotNil(t, res.Requests)
		assert.NotNil(t, res.Cookies)
		assert.NotNil(t, res.LocalStorage)
	}
	assert.Zero(t, f.pool.Stats().Contexts)
}

func TestScanNavigationFailureKeepsEvidence(t *testing.T) {
	mk := func() *pooltest.Page {
		p := newPage()
		p.OnNavigate = func(p *pooltest.Page, u string) error {
			_ = gaTraffic(p, u)
			return errors.New("net::ERR_NAME_NOT_RESOLVED")
		}
		return p
	}
	f := newFixture(t, pool.Config{MinBrowsers: 1, MaxBrowsers: 1}, mk)
	res := New(f.pool, capture.Options{}, fastOptions(), nil).Scan(context.Background(), Request{URL: "https://missing.example/"})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "ERR_NAME_NOT_RESOLVED")
	assert.Len(t, res.Requests, 1, "traffic before the failure is still collected")
	assert.Zero(t, res.Timings.Settle)
	assert.Zero(t, f.pool.Stats().Leases)
}

func TestScanCollectorErrorsDoNotFailScan(t *testing.T) {
	mk := func() *pooltest.Page {
		p := newPage()
		p.CookiesErr = errors.New("cookies unavailable")
		p.SetEval("tagaudit:scripts", `not json`)
		return p
	}
	f := newFixture(t, pool.Config{MinBrowsers: 1, MaxBrowsers: 1}, mk)
	res := New(f.pool, capture.Options{}, fastOptions(), nil).Scan(context.Background(), Request{URL: "https://shop.example.com/"})

	assert.True(t, res.Success, res.Error)
	assert.Len(t, res.Requests, 1)
	assert.Len(t, res.CollectorErrors, 2)
	assert.NotNil(t, res.Scripts)
}

func TestScanAcquireTimeout(t *testing.T) {
	f := newFixture(t, pool.Config{MinBrowsers: 1, MaxBrowsers: 1, MaxContextsPerBrowser: 1}, newPage)
	held, err := f.pool.Acquire(context.Background(), pool.AcquireOptions{})
	require.NoError(t, err)
	defer held.Release()

	opts := fastOptions()
	opts.AcquireTimeout = 20 * time.Millisecond
	res := New(f.pool, capture.Options{}, opts, nil).Scan(context.Background(), Request{ID: "scan-x", URL: "https://shop.example.com/"})
	assert.False(t, res.Success)
	assert.Equal(t, model.ScanID("scan-x"), res.ID)
	assert.Contains(t, res.Error, "acquire context")
	assert.GreaterOrEqual(t, res.Timings.Acquire, 20*time.Millisecond)
}

func TestConcurrentScansShareThePool(t *testing.T) {
	f := newFixture(t, pool.Config{MinBrowsers: 1, MaxBrowsers: 1, MaxContextsPerBrowser: 2}, newPage)
	s := New(f.pool, capture.Options{}, fastOptions(), nil)

	const n = 5
	results := make([]*model.PageScanResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.Scan(context.Background(), Request{URL: "https://shop.example.com/"})
		}()
	}
	wg.Wait()

	ids := map[model.ScanID]bool{}
	for _, r := range results {
		require.True(t, r.Success, r.Error)
		assert.Len(t, r.Requests, 1, "each scan sees only its own page")
		ids[r.ID] = true
	}
	assert.Len(t, ids, n)
	assert.Zero(t, f.pool.Stats().Leases)
}
