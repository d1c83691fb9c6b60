package capture

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"tagaudit/internal/logger"
	"tagaudit/pkg/model"
	"tagaudit/pkg/page"
)

const defaultInlinePrefix = 1024

// ScriptOptions 脚本采集配置
type ScriptOptions struct {
	InlinePrefix int `yaml:"inlinePrefix"` // 内联脚本保留的前缀长度
}

// Scripts 脚本采集器：文档创建时安装 MutationObserver，采集时与 DOM 查询合并
type Scripts struct {
	lifecycle
	opts ScriptOptions
	log  logger.Logger

	pc     page.Controller
	remove func(context.Context) error
}

// NewScripts 创建脚本采集器
func NewScripts(opts ScriptOptions, l logger.Logger) *Scripts {
	if opts.InlinePrefix <= 0 {
		opts.InlinePrefix = defaultInlinePrefix
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Scripts{lifecycle: newLifecycle("scripts"), opts: opts, log: l.With("collector", "scripts")}
}

func (s *Scripts) Name() string { return "scripts" }

const scriptObserverJS = `(() => {
  if (window.__tagauditScripts) return;
  const records = [];
  Object.defineProperty(window, '__tagauditScripts', { value: records, enumerable: false });
  const all = document.getElementsByTagName('script');
  const seen = new WeakSet();
  const describe = (el) => {
    if (seen.has(el)) return;
    seen.add(el);
    const text = el.src ? '' : (el.textContent || '');
    records.push({
      src: el.src || '',
      prefix: text.slice(0, %d),
      length: text.length,
      position: Array.prototype.indexOf.call(all, el),
      type: el.type || '',
      async: !!el.async,
      defer: !!el.defer,
      dynamic: document.readyState !== 'loading' || !!document.currentScript,
      ts: Date.now()
    });
  };
  new MutationObserver((muts) => {
    for (const m of muts) {
      for (const n of m.addedNodes) {
        if (n.nodeName === 'SCRIPT') describe(n);
        else if (n.querySelectorAll) n.querySelectorAll('script').forEach(describe);
      }
    }
  }).observe(document, { childList: true, subtree: true });
})();`

const scriptCollectJS = `/*tagaudit:scripts*/(() => ({
  observed: window.__tagauditScripts || [],
  dom: Array.from(document.scripts).map((el, i) => {
    const text = el.src ? '' : (el.textContent || '');
    return { src: el.src || '', prefix: text.slice(0, %d), length: text.length, position: i,
      type: el.type || '', async: !!el.async, defer: !!el.defer, dynamic: false, ts: Date.now() };
  })
}))()`

type jsScript struct {
	Src      string  `json:"src"`
	Prefix   string  `json:"prefix"`
	Length   int     `json:"length"`
	Position int     `json:"position"`
	Type     string  `json:"type"`
	Async    bool    `json:"async"`
	Defer    bool    `json:"defer"`
	Dynamic  bool    `json:"dynamic"`
	TS       float64 `json:"ts"`
}

type jsScriptState struct {
	Observed []jsScript `json:"observed"`
	DOM      []jsScript `json:"dom"`
}

// Attach 注册脚本插入观察器
func (s *Scripts) Attach(ctx context.Context, pc page.Controller) error {
	if err := s.beginAttach(); err != nil {
		return err
	}
	s.pc = pc
	remove, err := pc.AddInitScript(ctx, fmt.Sprintf(scriptObserverJS, s.opts.InlinePrefix))
	if err != nil {
		return s.endAttach(err)
	}
	s.remove = remove
	return s.endAttach(nil)
}

// Collect 合并观察器记录与 DOM 查询，按文档位置排序
func (s *Scripts) Collect(ctx context.Context) ([]model.ScriptRecord, error) {
	if err := s.beginCollect(); err != nil {
		return nil, err
	}
	var st jsScriptState
	if err := s.pc.Evaluate(ctx, fmt.Sprintf(scriptCollectJS, s.opts.InlinePrefix), &st); err != nil {
		return nil, s.endCollect(err)
	}
	return mergeScripts(st.Observed, st.DOM), s.endCollect(nil)
}

// CollectInto 写入 res.Scripts
func (s *Scripts) CollectInto(ctx context.Context, res *model.PageScanResult) error {
	scripts, err := s.Collect(ctx)
	if err != nil {
		return err
	}
	res.Scripts = scripts
	return nil
}

// Detach 移除观察器脚本
func (s *Scripts) Detach(ctx context.Context) error {
	s.beginDetach()
	var err error
	if s.remove != nil {
		err = s.remove(ctx)
		s.remove = nil
	}
	return s.endDetach(err)
}

// scriptKey 外链脚本以 src 去重，内联脚本以位置加内容前缀哈希去重
func scriptKey(j jsScript) string {
	if j.Src != "" {
		return "src:" + j.Src
	}
	return "inline:" + strconv.Itoa(j.Position) + ":" + contentHash(j.Prefix)
}

func contentHash(s string) string {
	return strconv.FormatUint(xxhash.Sum64String(s), 16)
}

func mergeScripts(observed, dom []jsScript) []model.ScriptRecord {
	seen := make(map[string]bool, len(observed)+len(dom))
	out := make([]model.ScriptRecord, 0, len(observed)+len(dom))
	add := func(j jsScript, src model.ScriptSource) {
		k := scriptKey(j)
		if seen[k] {
			return
		}
		seen[k] = true
		rec := model.ScriptRecord{
			URL:           j.Src,
			Inline:        j.Src == "",
			Position:      j.Position,
			Type:          j.Type,
			Async:         j.Async,
			Defer:         j.Defer,
			Dynamic:       j.Dynamic,
			InsertedAt:    msTime(j.TS),
			Source:        src,
			ContentLength: j.Length,
		}
		if rec.Inline {
			rec.ContentPrefix = j.Prefix
			rec.ContentHash = contentHash(j.Prefix)
		}
		out = append(out, rec)
	}
	for _, j := range observed {
		add(j, model.ScriptFromObserver)
	}
	for _, j := range dom {
		add(j, model.ScriptFromDOM)
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].Position < out[k].Position })
	for i := range out {
		out[i].ID = "script-" + strconv.Itoa(i+1)
	}
	return out
}

func msTime(ms float64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(int64(ms))
}
