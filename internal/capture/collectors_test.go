package capture

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"tagaudit/pkg/model"
	"tagaudit/pkg/page"
)

func TestScriptsMergeObserverAndDOM(t *testing.T) {
	s := NewScripts(ScriptOptions{}, nil)
	fp := newFakePage()
	require.NoError(t, s.Attach(context.Background(), fp))
	require.Len(t, fp.initScripts, 1)
	assert.Contains(t, fp.initScripts[0], "MutationObserver")

	fp.evals["tagaudit:scripts"] = `{
	  "observed": [
	    {"src": "https://www.googletagmanager.com/gtm.js?id=GTM-XYZ", "position": 1, "async": true, "dynamic": true, "ts": 1700000000000},
	    {"src": "", "prefix": "window.dataLayer=window.dataLayer||[];", "length": 38, "position": 0, "ts": 1700000000000}
	  ],
	  "dom": [
	    {"src": "", "prefix": "window.dataLayer=window.dataLayer||[];", "length": 38, "position": 0},
	    {"src": "https://www.googletagmanager.com/gtm.js?id=GTM-XYZ", "position": 1, "async": true},
	    {"src": "https://example.com/app.js", "position": 2, "defer": true}
	  ]
	}`
	got, err := s.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.True(t, got[0].Inline)
	assert.Equal(t, model.ScriptFromObserver, got[0].Source)
	assert.NotEmpty(t, got[0].ContentHash)
	assert.Equal(t, "https://www.googletagmanager.com/gtm.js?id=GTM-XYZ", got[1].URL)
	assert.True(t, got[1].Dynamic)
	assert.Equal(t, model.ScriptFromObserver, got[1].Source)
	assert.Equal(t, model.ScriptFromDOM, got[2].Source)
	assert.True(t, got[2].Defer)
	assert.Equal(t, "script-3", got[2].ID)

	require.NoError(t, s.Detach(context.Background()))
	assert.Equal(t, 1, fp.removed)
}

func TestFailedCollectReturnsToAttached(t *testing.T) {
	s := NewScripts(ScriptOptions{}, nil)
	fp := newFakePage()
	require.NoError(t, s.Attach(context.Background(), fp))

	fp.evalErr = assert.AnError
	_, err := s.Collect(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, StateAttached, s.State())

	fp.evalErr = nil
	fp.evals["tagaudit:scripts"] = `{"observed": [], "dom": []}`
	got, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDataLayerEventsAndFinalSnapshot(t *testing.T) {
	d := NewDataLayer(DataLayerOptions{}, nil)
	fp := newFakePage()
	require.NoError(t, d.Attach(context.Background(), fp))
	assert.Contains(t, fp.initScripts[0], `"adobeDataLayer"`)

	fp.evals["tagaudit:datalayer"] = `{
	  "events": [
	    {"layer": "dataLayer", "index": 0, "event": "gtm.js", "payload": {"event": "gtm.js", "gtm.start": 1}, "ts": 1700000000000, "source": "initial"},
	    {"layer": "dataLayer", "index": 1, "event": "page_view", "payload": {"event": "page_view", "page": {"type": "home"}}, "ts": 1700000000100, "source": "push"},
	    {"layer": "dataLayer", "index": 2, "event": "", "payload": null, "ts": 1700000000200, "source": "push"}
	  ],
	  "snapshots": [
	    {"layer": "dataLayer", "trigger": "load", "ts": 1700000000150, "length": 2,
	     "state": [{"event": "gtm.js", "gtm.start": 1}, {"event": "page_view", "page": {"type": "home"}}]}
	  ],
	  "live": {
	    "dataLayer": [{"event": "gtm.js", "gtm.start": 1}, {"event": "page_view", "page": {"type": "home"}}, {"page": {"lang": "en"}, "0": "x"}],
	    "digitalData": {"page": {"name": "home"}}
	  }
	}`
	events, snaps, err := d.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "page_view", events[1].Event)
	assert.NotNil(t, events[2].Payload)
	assert.Equal(t, time.UnixMilli(1700000000100), events[1].Timestamp)

	require.Len(t, snaps, 3)
	assert.Equal(t, "load", snaps[0].Trigger)
	final := snaps[1]
	assert.Equal(t, "dataLayer", final.Layer)
	assert.Equal(t, "final", final.Trigger)
	assert.Equal(t, 3, final.Length)
	assert.Equal(t, "home", gjson.GetBytes(final.Model, "page.type").String())
	assert.Equal(t, "en", gjson.GetBytes(final.Model, "page.lang").String())
	assert.Equal(t, "page_view", gjson.GetBytes(final.Model, "event").String())
	assert.Equal(t, "x", gjson.GetBytes(final.Model, "0").String())

	assert.Equal(t, "digitalData", snaps[2].Layer)
	assert.Nil(t, snaps[2].Model)
}

func TestDataLayerFinalSnapshotSkippedWhenUnchanged(t *testing.T) {
	d := NewDataLayer(DataLayerOptions{Layers: []Layer{{Name: "dataLayer", Kind: LayerArray}}}, nil)
	fp := newFakePage()
	require.NoError(t, d.Attach(context.Background(), fp))
	fp.evals["tagaudit:datalayer"] = `{
	  "events": [],
	  "snapshots": [{"layer": "dataLayer", "trigger": "load", "ts": 1, "length": 1, "state": [{"a": 1}]}],
	  "live": {"dataLayer": [ {"a":1} ]}
	}`
	_, snaps, err := d.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestMergedModelOverwritesNonObjects(t *testing.T) {
	m := MergedModel(json.RawMessage(`[{"a": {"b": 1, "c": [1]}}, {"a": {"c": [2, 3]}}, "ignored", {"a.b": true}]`))
	assert.Equal(t, int64(1), gjson.GetBytes(m, "a.b").Int())
	assert.Equal(t, "[2,3]", gjson.GetBytes(m, "a.c").Raw)
	assert.True(t, gjson.GetBytes(m, `a\.b`).Bool())
	assert.Nil(t, MergedModel(json.RawMessage(`{"not": "array"}`)))
}

func TestConsoleCapsAndDedup(t *testing.T) {
	c := NewConsole(ConsoleOptions{MaxMessages: 2, MaxMessageLength: 5}, nil)
	fp := newFakePage()
	require.NoError(t, c.Attach(context.Background(), fp))

	base := time.UnixMilli(1700000000000)
	fp.console(page.ConsoleEvent{Level: "warning", Text: "hello world", Timestamp: base.Add(2 * time.Millisecond)})
	fp.console(page.ConsoleEvent{Level: "log", Text: "hi", Timestamp: base})
	fp.console(page.ConsoleEvent{Level: "log", Text: "dropped", Timestamp: base})
	fp.pageError(page.ErrorEvent{Message: "Error: boom", Timestamp: base.Add(100 * time.Millisecond)})

	fp.evals["tagaudit:console"] = `[
	  {"message": "Uncaught Error: boom", "source": "window.onerror", "ts": 1700000000300},
	  {"message": "Uncaught Error: boom", "source": "window.onerror", "ts": 1700000005000},
	  {"message": "nope", "source": "rejection", "ts": 1700000000050}
	]`
	msgs, errs, err := c.Collect(context.Background())
	require.NoError(t, err)

	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.Equal(t, "hello", msgs[1].Text)
	assert.True(t, msgs[1].Truncated)
	assert.Equal(t, "warn", msgs[1].Level)

	require.Len(t, errs, 3)
	assert.Equal(t, "nope", errs[0].Message)
	assert.Equal(t, "exception", errs[1].Source)
	assert.Equal(t, time.UnixMilli(1700000005000), errs[2].Timestamp)

	require.NoError(t, c.Detach(context.Background()))
	fp.mu.Lock()
	defer fp.mu.Unlock()
	assert.Nil(t, fp.consoleFn)
	assert.Nil(t, fp.errorFn)
}

type failingCollector struct {
	lifecycle
}

func (f *failingCollector) Name() string { return "failing" }
func (f *failingCollector) Attach(ctx context.Context, _ page.Controller) error {
	if err := f.beginAttach(); err != nil {
		return err
	}
	return f.endAttach(assert.AnError)
}
func (f *failingCollector) CollectInto(context.Context, *model.PageScanResult) error { return nil }
func (f *failingCollector) Detach(context.Context) error {
	f.beginDetach()
	return f.endDetach(nil)
}

func TestPipelineAttachRollsBack(t *testing.T) {
	fp := newFakePage()
	s := NewScripts(ScriptOptions{}, nil)
	d := NewDataLayer(DataLayerOptions{}, nil)
	p := NewPipeline(nil, s, d, &failingCollector{lifecycle: newLifecycle("failing")})

	err := p.Attach(context.Background(), fp)
	var ce *CollectorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "failing", ce.Collector)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, StateIdle, d.State())
	assert.Equal(t, 2, fp.removed)
}

func TestPipelineCollectIsolatesFailures(t *testing.T) {
	fp := newFakePage()
	p, err := New(Options{}, nil)
	require.NoError(t, err)
	require.NotNil(t, p.Network())
	require.NoError(t, p.Attach(context.Background(), fp))
	defer p.Detach(context.Background())

	fp.evals["tagaudit:scripts"] = `{"observed": [], "dom": [{"src": "https://example.com/a.js", "position": 0}]}`
	fp.evals["tagaudit:console"] = `[]`
	fp.emit(reqEvent("1", "https://example.com/a.js", 0))

	res := model.NewPageScanResult("scan", "https://example.com/")
	err = p.Collect(context.Background(), res)
	require.Error(t, err)
	assert.Len(t, res.CollectorErrors, 1)
	assert.Contains(t, res.CollectorErrors[0], "datalayer")
	assert.Len(t, res.Scripts, 1)
	assert.Len(t, res.Requests, 1)
	assert.NotNil(t, res.DataLayerEvents)
}
