package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"tagaudit/internal/logger"
	"tagaudit/pkg/model"
	"tagaudit/pkg/page"
)

// LayerKind 数据层结构
type LayerKind string

const (
	LayerArray  LayerKind = "array"
	LayerObject LayerKind = "object"
)

// Layer 一个待监听的全局数据层
type Layer struct {
	Name string    `yaml:"name" json:"name"`
	Kind LayerKind `yaml:"kind" json:"kind"`
}

// DefaultLayers 默认监听的数据层
func DefaultLayers() []Layer {
	return []Layer{
		{Name: "dataLayer", Kind: LayerArray},
		{Name: "adobeDataLayer", Kind: LayerArray},
		{Name: "digitalData", Kind: LayerObject},
		{Name: "utag_data", Kind: LayerObject},
	}
}

// DataLayerOptions 数据层采集配置
type DataLayerOptions struct {
	Layers           []Layer       `yaml:"layers"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"` // 0 表示不做周期快照
	MaxEvents        int           `yaml:"maxEvents"`
}

// DataLayer 数据层采集器：拦截 push 并记录生命周期快照
type DataLayer struct {
	lifecycle
	opts DataLayerOptions
	log  logger.Logger

	pc     page.Controller
	remove func(context.Context) error
}

// NewDataLayer 创建数据层采集器
func NewDataLayer(opts DataLayerOptions, l logger.Logger) *DataLayer {
	if len(opts.Layers) == 0 {
		opts.Layers = DefaultLayers()
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = 5000
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &DataLayer{lifecycle: newLifecycle("datalayer"), opts: opts, log: l.With("collector", "datalayer")}
}

func (d *DataLayer) Name() string { return "datalayer" }

// 页面每次替换 push 都包一层入口，替换函数回调先前读到的 push 时沿原链向下执行；
// 只有最外层入口记录事件
const dataLayerHookJS = `(() => {
  if (window.__tagauditDL) return;
  const layers = %s;
  const interval = %d;
  const maxEvents = %d;
  const store = { events: [], snapshots: [] };
  Object.defineProperty(window, '__tagauditDL', { value: store, enumerable: false });
  const clone = (v) => { try { return v === undefined ? null : JSON.parse(JSON.stringify(v)); } catch (e) { return null; } };
  const nameOf = (item) => {
    if (item && typeof item === 'object' && !Array.isArray(item) && typeof item.length !== 'number') {
      return typeof item.event === 'string' ? item.event : '';
    }
    if (item && typeof item.length === 'number') {
      const a = Array.prototype.slice.call(item);
      return a[0] === 'event' ? String(a[1] || '') : String(a[0] || '');
    }
    return '';
  };
  const payloadOf = (item) => {
    if (item && typeof item === 'object' && !Array.isArray(item) && typeof item.length !== 'number') return clone(item);
    if (item && typeof item.length === 'number') return { args: clone(Array.prototype.slice.call(item)) };
    return { value: clone(item) };
  };
  const record = (layer, index, item, source) => {
    if (store.events.length >= maxEvents) return;
    store.events.push({ layer, index, event: nameOf(item), payload: payloadOf(item), ts: Date.now(), source });
  };
  const last = {};
  const snapshot = (trigger) => {
    for (const l of layers) {
      const v = window[l.name];
      if (v === undefined) continue;
      const state = clone(v);
      const key = JSON.stringify(state);
      if (trigger === 'interval' && last[l.name] === key) continue;
      last[l.name] = key;
      store.snapshots.push({ layer: l.name, trigger, ts: Date.now(), length: Array.isArray(v) ? v.length : 0, state });
    }
  };
  const patch = (name, arr) => {
    if (!Array.isArray(arr) || arr.__tagauditPatched) return;
    Object.defineProperty(arr, '__tagauditPatched', { value: true, enumerable: false });
    for (let i = 0; i < arr.length; i++) record(name, i, arr[i], 'initial');
    let depth = 0;
    const entry = (target) => function () {
      if (depth > 0) return target.apply(this, arguments);
      depth++;
      try {
        const start = this.length;
        for (let i = 0; i < arguments.length; i++) record(name, start + i, arguments[i], 'push');
        return target.apply(this, arguments);
      } finally {
        depth--;
      }
    };
    let exposed = entry(arr.push);
    Object.defineProperty(arr, 'push', {
      configurable: true,
      enumerable: false,
      get() { return exposed; },
      set(fn) { exposed = entry(fn); }
    });
  };
  for (const l of layers) {
    if (l.kind !== 'array') continue;
    let value = window[l.name];
    patch(l.name, value);
    try {
      Object.defineProperty(window, l.name, {
        configurable: true,
        enumerable: true,
        get() { return value; },
        set(v) { value = v; patch(l.name, v); }
      });
    } catch (e) {}
  }
  document.addEventListener('DOMContentLoaded', () => snapshot('domcontentloaded'));
  window.addEventListener('load', () => snapshot('load'));
  if (interval > 0) setInterval(() => snapshot('interval'), interval);
})();`

const dataLayerCollectJS = `/*tagaudit:datalayer*/(() => {
  const layers = %s;
  const store = window.__tagauditDL || { events: [], snapshots: [] };
  const live = {};
  for (const l of layers) {
    const v = window[l.name];
    if (v === undefined) continue;
    try { live[l.name] = JSON.parse(JSON.stringify(v)); } catch (e) {}
  }
  return { events: store.events, snapshots: store.snapshots, live };
})()`

type jsDLEvent struct {
	Layer   string         `json:"layer"`
	Index   int            `json:"index"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	TS      float64        `json:"ts"`
	Source  string         `json:"source"`
}

type jsDLSnapshot struct {
	Layer   string          `json:"layer"`
	Trigger string          `json:"trigger"`
	TS      float64         `json:"ts"`
	Length  int             `json:"length"`
	State   json.RawMessage `json:"state"`
}

type jsDLState struct {
	Events    []jsDLEvent                `json:"events"`
	Snapshots []jsDLSnapshot             `json:"snapshots"`
	Live      map[string]json.RawMessage `json:"live"`
}

func (d *DataLayer) layersJSON() string {
	b, _ := json.Marshal(d.opts.Layers)
	return string(b)
}

func (d *DataLayer) kindOf(name string) LayerKind {
	for _, l := range d.opts.Layers {
		if l.Name == name {
			return l.Kind
		}
	}
	return LayerObject
}

// Attach 在导航前注册 push 拦截
func (d *DataLayer) Attach(ctx context.Context, pc page.Controller) error {
	if err := d.beginAttach(); err != nil {
		return err
	}
	d.pc = pc
	src := fmt.Sprintf(dataLayerHookJS, d.layersJSON(), d.opts.SnapshotInterval.Milliseconds(), d.opts.MaxEvents)
	remove, err := pc.AddInitScript(ctx, src)
	if err != nil {
		return d.endAttach(err)
	}
	d.remove = remove
	return d.endAttach(nil)
}

// Collect 返回 push 事件与快照，并在实时状态与最后快照不同时追加 final 快照
func (d *DataLayer) Collect(ctx context.Context) ([]model.DataLayerEvent, []model.DataLayerSnapshot, error) {
	if err := d.beginCollect(); err != nil {
		return nil, nil, err
	}
	var st jsDLState
	if err := d.pc.Evaluate(ctx, fmt.Sprintf(dataLayerCollectJS, d.layersJSON()), &st); err != nil {
		return nil, nil, d.endCollect(err)
	}

	events := make([]model.DataLayerEvent, 0, len(st.Events))
	for _, e := range st.Events {
		payload := e.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		events = append(events, model.DataLayerEvent{
			Layer:     e.Layer,
			Index:     e.Index,
			Event:     e.Event,
			Payload:   payload,
			Timestamp: msTime(e.TS),
			Source:    e.Source,
		})
	}

	snaps := make([]model.DataLayerSnapshot, 0, len(st.Snapshots)+len(st.Live))
	lastState := map[string]json.RawMessage{}
	for _, s := range st.Snapshots {
		snaps = append(snaps, d.snapshot(s.Layer, s.Trigger, msTime(s.TS), s.Length, s.State))
		lastState[s.Layer] = s.State
	}
	now := time.Now()
	for _, l := range d.opts.Layers {
		live, ok := st.Live[l.Name]
		if !ok {
			continue
		}
		if prev, seen := lastState[l.Name]; seen && sameJSON(prev, live) {
			continue
		}
		length := 0
		if l.Kind == LayerArray {
			length = int(gjson.GetBytes(live, "#").Int())
		}
		snaps = append(snaps, d.snapshot(l.Name, "final", now, length, live))
	}
	return events, snaps, d.endCollect(nil)
}

func (d *DataLayer) snapshot(layer, trigger string, ts time.Time, length int, state json.RawMessage) model.DataLayerSnapshot {
	if len(state) == 0 {
		state = json.RawMessage("null")
	}
	s := model.DataLayerSnapshot{Layer: layer, Trigger: trigger, Timestamp: ts, Length: length, State: state}
	if d.kindOf(layer) == LayerArray {
		s.Model = MergedModel(state)
	}
	return s
}

// CollectInto 写入 res.DataLayerEvents 与 res.DataLayerSnapshots
func (d *DataLayer) CollectInto(ctx context.Context, res *model.PageScanResult) error {
	events, snaps, err := d.Collect(ctx)
	if err != nil {
		return err
	}
	res.DataLayerEvents = events
	res.DataLayerSnapshots = snaps
	return nil
}

// Detach 移除拦截脚本；已加载页面中的拦截随页面销毁
func (d *DataLayer) Detach(ctx context.Context) error {
	d.beginDetach()
	var err error
	if d.remove != nil {
		err = d.remove(ctx)
		d.remove = nil
	}
	return d.endDetach(err)
}

func sameJSON(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

// MergedModel 按 GTM 的语义把数组型数据层的对象条目逐个递归合并成键值模型：
// 对象与对象递归合并，其余类型直接覆盖
func MergedModel(state json.RawMessage) json.RawMessage {
	arr := gjson.ParseBytes(state)
	if !arr.IsArray() {
		return nil
	}
	out := "{}"
	arr.ForEach(func(_, item gjson.Result) bool {
		if item.IsObject() {
			out = mergeObject(out, "", item)
		}
		return true
	})
	return json.RawMessage(out)
}

func mergeObject(doc, prefix string, obj gjson.Result) string {
	obj.ForEach(func(k, v gjson.Result) bool {
		path := escapePathKey(k.String())
		if prefix != "" {
			path = prefix + "." + path
		}
		if v.IsObject() && gjson.Get(doc, path).IsObject() {
			doc = mergeObject(doc, path, v)
			return true
		}
		// 父级总是已存在的对象，数字键也按对象键写入
		if next, err := sjson.SetRaw(doc, path, v.Raw); err == nil {
			doc = next
		}
		return true
	})
	return doc
}

var pathEscaper = strings.NewReplacer(`\`, `\\`, ".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)

func escapePathKey(k string) string {
	return pathEscaper.Replace(k)
}
