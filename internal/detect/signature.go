package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"tagaudit/internal/evidence"
	"tagaudit/pkg/model"
)

// Pattern 一个带权重的匹配模式；IDGroup > 0 时该捕获组为平台 ID
type Pattern struct {
	Re         *regexp.Regexp
	Confidence float64
	IDGroup    int
}

// FieldPattern 在已匹配端点的请求中检查负载字段
type FieldPattern struct {
	Source     model.FieldSource
	Key        string
	Re         *regexp.Regexp
	Confidence float64
	ID         bool // 命中值作为平台 ID
}

// EventPattern 数据层事件模式；IDPath 为 payload 的 gjson 路径
type EventPattern struct {
	Layer      string
	Name       *regexp.Regexp
	IDPath     string
	IDRe       *regexp.Regexp
	Confidence float64
}

// Signature 基于多类信号的声明式检测器
type Signature struct {
	ID          string
	DisplayName string
	Category    model.TagCategory
	Prio        int
	// Hints 小写子串，出现在任何 URL、内联脚本前缀、Cookie 名或事件名中即可能存在；
	// 必须覆盖下列每个模式可能命中的文本，宁多勿漏
	Hints []string

	ScriptURLs    []Pattern
	InlineScripts []Pattern
	Endpoints     []Pattern
	Payload       []FieldPattern
	Cookies       []Pattern
	Events        []EventPattern
	// ConfigQuery 配置名 → 查询参数 / 表单字段名，取首个非空值
	ConfigQuery map[string]string
}

func (s *Signature) Name() string     { return s.ID }
func (s *Signature) Platform() string { return s.ID }
func (s *Signature) Priority() int    { return s.Prio }

func (s *Signature) isTMS() bool { return s.Category == model.CategoryTagManager }

// MightBePresent 按提示子串做廉价预筛选
func (s *Signature) MightBePresent(ev *evidence.Context) bool {
	if len(s.Hints) == 0 {
		return true
	}
	hit := func(v string) bool {
		lv := strings.ToLower(v)
		for _, h := range s.Hints {
			if strings.Contains(lv, h) {
				return true
			}
		}
		return false
	}
	for _, r := range ev.Requests() {
		if hit(r.URL) {
			return true
		}
	}
	for _, sc := range ev.Scripts() {
		if hit(sc.URL) || hit(sc.ContentPrefix) {
			return true
		}
	}
	for _, ck := range ev.CookiesMatching(anyName) {
		if hit(ck.Name) {
			return true
		}
	}
	for _, e := range ev.Events("", "") {
		if hit(e.Event) {
			return true
		}
	}
	return false
}

var anyName = regexp.MustCompile(`.`)

type builder struct {
	tag      model.TagInstance
	ids      []string
	dynamic  bool
	direct   bool
	firstSet bool
}

func (b *builder) evidence(m model.EvidenceMethod, p string, v string, c float64, where string) {
	b.tag.Evidence = append(b.tag.Evidence, model.DetectionEvidence{
		Method: m, Pattern: p, Value: v, Confidence: c, Context: where,
	})
}

func (b *builder) id(v string) {
	if v == "" {
		return
	}
	for _, x := range b.ids {
		if x == v {
			return
		}
	}
	b.ids = append(b.ids, v)
}

func (b *builder) seen(ts time.Time) {
	if ts.IsZero() {
		return
	}
	if !b.firstSet {
		b.tag.FirstSeen, b.tag.LastSeen, b.firstSet = ts, ts, true
		return
	}
	b.tag.FirstSeen = minTime(b.tag.FirstSeen, ts)
	b.tag.LastSeen = maxTime(b.tag.LastSeen, ts)
}

func matchID(p Pattern, m []string) string {
	if p.IDGroup > 0 && p.IDGroup < len(m) {
		return m[p.IDGroup]
	}
	return ""
}

// Detect 收集各类信号的证据；没有证据时不产出实例
func (s *Signature) Detect(ctx context.Context, ev *evidence.Context, known *Known) ([]model.TagInstance, error) {
	b := &builder{tag: model.TagInstance{
		Platform: s.ID, Name: s.DisplayName, Category: s.Category, LoadMethod: model.LoadUnknown,
	}}
	scripts := ev.Scripts()
	requests := ev.Requests()

	var matchedScripts []model.ScriptRecord
	for _, sc := range scripts {
		if sc.Inline || sc.URL == "" {
			continue
		}
		for _, p := range s.ScriptURLs {
			m := p.Re.FindStringSubmatch(sc.URL)
			if m == nil {
				continue
			}
			b.evidence(model.EvidenceScriptURL, p.Re.String(), sc.URL, p.Confidence, "script "+sc.ID)
			b.id(matchID(p, m))
			b.tag.Scripts = append(b.tag.Scripts, sc.URL)
			b.seen(sc.InsertedAt)
			matchedScripts = append(matchedScripts, sc)
			if sc.Dynamic {
				b.dynamic = true
			} else {
				b.direct = true
			}
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, sc := range scripts {
		if !sc.Inline {
			continue
		}
		for _, p := range s.InlineScripts {
			m := p.Re.FindStringSubmatch(sc.ContentPrefix)
			if m == nil {
				continue
			}
			b.evidence(model.EvidenceInlineScript, p.Re.String(), excerpt(m[0]), p.Confidence, "script "+sc.ID)
			b.id(matchID(p, m))
			b.seen(sc.InsertedAt)
			if sc.Dynamic {
				b.dynamic = true
			} else {
				b.direct = true
			}
			break
		}
	}

	var matchedRequests []model.CapturedRequest
	for _, r := range requests {
		for _, p := range s.Endpoints {
			m := p.Re.FindStringSubmatch(r.URL)
			if m == nil {
				continue
			}
			b.evidence(model.EvidenceNetwork, p.Re.String(), stripQuery(r.URL), p.Confidence, "request "+r.ID)
			b.id(matchID(p, m))
			b.tag.Endpoints = append(b.tag.Endpoints, stripQuery(r.URL))
			b.tag.RequestIDs = append(b.tag.RequestIDs, r.ID)
			b.seen(r.StartTime)
			if r.Failed || r.Status >= 400 {
				b.tag.HasErrors = true
				b.tag.Errors = append(b.tag.Errors, requestError(r))
			} else {
				b.tag.IsActive = true
			}
			matchedRequests = append(matchedRequests, r)
			s.payloadEvidence(b, r)
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, p := range s.Cookies {
		for _, ck := range ev.CookiesMatching(p.Re) {
			b.evidence(model.EvidenceCookie, p.Re.String(), ck.Name, p.Confidence, "cookie")
			b.id(matchID(p, p.Re.FindStringSubmatch(ck.Name)))
		}
	}

	for _, ep := range s.Events {
		for _, e := range ev.Events(ep.Layer, "") {
			if !ep.Name.MatchString(e.Event) {
				continue
			}
			if ep.IDPath != "" && ep.IDRe != nil {
				id := payloadPath(e.Payload, ep.IDPath)
				if !ep.IDRe.MatchString(id) {
					continue
				}
				b.id(id)
			}
			b.evidence(model.EvidenceDataLayer, ep.Name.String(), e.Event, ep.Confidence, fmt.Sprintf("%s[%d]", e.Layer, e.Index))
			b.seen(e.Timestamp)
			b.tag.IsActive = true
		}
	}

	if len(b.tag.Evidence) == 0 {
		return nil, nil
	}
	b.tag.Evidence = unionEvidence(b.tag.Evidence, nil)
	b.tag.Confidence = evidenceConfidence(b.tag.Evidence)
	b.tag.IDs = b.ids
	if len(b.ids) > 0 {
		b.tag.PrimaryID = b.ids[0]
	}
	b.tag.Scripts = unionStrings(b.tag.Scripts, nil)
	b.tag.Endpoints = unionStrings(b.tag.Endpoints, nil)
	b.tag.Config = s.config(matchedRequests)
	s.resolveLoadMethod(b, matchedScripts, matchedRequests, requests, known)
	return []model.TagInstance{b.tag}, nil
}

func (s *Signature) payloadEvidence(b *builder, r model.CapturedRequest) {
	for _, fp := range s.Payload {
		v, ok := evidence.RequestField(r, fp.Source, fp.Key)
		if !ok || !fp.Re.MatchString(v) {
			continue
		}
		b.evidence(model.EvidencePayload, fp.Key+"~"+fp.Re.String(), v, fp.Confidence, "request "+r.ID)
		if fp.ID {
			b.id(v)
		}
	}
}

func (s *Signature) config(reqs []model.CapturedRequest) map[string]string {
	if len(s.ConfigQuery) == 0 {
		return nil
	}
	out := map[string]string{}
	for name, key := range s.ConfigQuery {
		for _, r := range reqs {
			v, ok := r.Query[key]
			if !ok || v == "" {
				v, ok = r.PostParams[key]
			}
			if ok && v != "" {
				out[name] = v
				break
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// resolveLoadMethod 发起方属于已知 TMS 容器，或存在 TMS 时脚本为动态插入，判定为 tms
func (s *Signature) resolveLoadMethod(b *builder, scripts []model.ScriptRecord, reqs, all []model.CapturedRequest, known *Known) {
	if !s.isTMS() {
		tms := known.TMS()
		initiators := make([]string, 0, len(scripts)+len(reqs))
		for _, r := range reqs {
			initiators = append(initiators, r.Initiator.URL)
		}
		for _, sc := range scripts {
			for _, r := range all {
				if r.URL == sc.URL {
					initiators = append(initiators, r.Initiator.URL)
				}
			}
		}
		for _, t := range tms {
			for _, u := range initiators {
				if belongsTo(u, t) {
					b.tag.LoadMethod, b.tag.LoadedVia = model.LoadTMS, t.Platform
					return
				}
			}
		}
		if b.dynamic && len(tms) > 0 {
			b.tag.LoadMethod, b.tag.LoadedVia = model.LoadTMS, tms[0].Platform
			return
		}
	}
	switch {
	case b.dynamic:
		b.tag.LoadMethod = model.LoadDynamic
	case b.direct:
		b.tag.LoadMethod = model.LoadDirect
	}
}

func belongsTo(initiator string, tms model.TagInstance) bool {
	if initiator == "" {
		return false
	}
	ip := stripQuery(initiator)
	for _, u := range tms.Scripts {
		if u == initiator || stripQuery(u) == ip {
			return true
		}
	}
	for _, e := range tms.Endpoints {
		if e == ip {
			return true
		}
	}
	return false
}

func payloadPath(payload map[string]any, path string) string {
	if len(payload) == 0 {
		return ""
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return gjson.GetBytes(raw, path).String()
}

func requestError(r model.CapturedRequest) string {
	if r.Failed {
		return fmt.Sprintf("%s: %s", stripQuery(r.URL), r.ErrorText)
	}
	return fmt.Sprintf("%s: HTTP %d", stripQuery(r.URL), r.Status)
}

func stripQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery, u.Fragment = "", ""
	return u.String()
}

func excerpt(match string) string {
	const max = 120
	if len(match) > max {
		return match[:max]
	}
	return match
}
