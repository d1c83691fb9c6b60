// Package evidence 将一次完成的采集转换为只读、可查询的证据上下文
package evidence

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"tagaudit/pkg/model"
)

// Context 一次扫描的不可变证据视图；所有查询返回副本
type Context struct {
	scanID      model.ScanID
	pageURL     string
	pageHost    string
	collectedAt time.Time

	requests  []model.CapturedRequest
	byID      map[string]int
	scripts   []model.ScriptRecord
	events    []model.DataLayerEvent
	snapshots []model.DataLayerSnapshot
	console   []model.ConsoleMessage
	errors    []model.PageError
	cookies   map[string]model.Cookie
	local     map[string]string
	session   map[string]string
}

// New 基于扫描结果构建证据上下文；scan 为 nil 时返回空上下文
func New(scan *model.PageScanResult) *Context {
	c := &Context{
		byID:    map[string]int{},
		cookies: map[string]model.Cookie{},
		local:   map[string]string{},
		session: map[string]string{},
	}
	if scan == nil {
		c.collectedAt = time.Now()
		return c
	}
	c.scanID = scan.ID
	c.collectedAt = scan.FinishedAt
	if c.collectedAt.IsZero() {
		c.collectedAt = time.Now()
	}
	c.pageURL = scan.FinalURL
	if c.pageURL == "" {
		c.pageURL = scan.URL
	}
	c.pageHost = hostOf(c.pageURL)

	c.requests = append([]model.CapturedRequest(nil), scan.Requests...)
	for i := range c.requests {
		c.byID[c.requests[i].ID] = i
	}
	c.scripts = append([]model.ScriptRecord(nil), scan.Scripts...)
	c.events = append([]model.DataLayerEvent(nil), scan.DataLayerEvents...)
	c.snapshots = append([]model.DataLayerSnapshot(nil), scan.DataLayerSnapshots...)
	c.console = append([]model.ConsoleMessage(nil), scan.ConsoleMessages...)
	c.errors = append([]model.PageError(nil), scan.PageErrors...)
	for _, ck := range scan.Cookies {
		if _, ok := c.cookies[ck.Name]; !ok {
			c.cookies[ck.Name] = ck
		}
	}
	for k, v := range scan.LocalStorage {
		c.local[k] = v
	}
	for k, v := range scan.SessionStorage {
		c.session[k] = v
	}
	return c
}

func (c *Context) ScanID() model.ScanID { return c.scanID }
func (c *Context) PageURL() string      { return c.pageURL }
func (c *Context) PageHost() string     { return c.pageHost }

// CollectedAt 采集完成时间，没有更精确时间戳的信号以此为准
func (c *Context) CollectedAt() time.Time { return c.collectedAt }

// Requests 全部请求，按发起时间排序
func (c *Context) Requests() []model.CapturedRequest {
	return append([]model.CapturedRequest{}, c.requests...)
}

// Request 按 ID 查找请求
func (c *Context) Request(id string) (model.CapturedRequest, bool) {
	i, ok := c.byID[id]
	if !ok {
		return model.CapturedRequest{}, false
	}
	return c.requests[i], true
}

// AnalyticsRequests 被归类为分析类流量的请求
func (c *Context) AnalyticsRequests() []model.CapturedRequest {
	return c.filterRequests(func(r *model.CapturedRequest) bool { return r.IsAnalytics })
}

// RequestsMatching URL 命中正则的请求
func (c *Context) RequestsMatching(re *regexp.Regexp) []model.CapturedRequest {
	return c.filterRequests(func(r *model.CapturedRequest) bool { return re.MatchString(r.URL) })
}

// RequestsToHost 主机名等于 host 或为其子域的请求
func (c *Context) RequestsToHost(host string) []model.CapturedRequest {
	host = strings.ToLower(host)
	return c.filterRequests(func(r *model.CapturedRequest) bool {
		h := hostOf(r.URL)
		return h == host || strings.HasSuffix(h, "."+host)
	})
}

func (c *Context) filterRequests(keep func(*model.CapturedRequest) bool) []model.CapturedRequest {
	out := []model.CapturedRequest{}
	for i := range c.requests {
		if keep(&c.requests[i]) {
			out = append(out, c.requests[i])
		}
	}
	return out
}

// Scripts 全部脚本，按文档位置排序
func (c *Context) Scripts() []model.ScriptRecord {
	return append([]model.ScriptRecord{}, c.scripts...)
}

// ScriptsMatching src 命中正则的外链脚本
func (c *Context) ScriptsMatching(re *regexp.Regexp) []model.ScriptRecord {
	out := []model.ScriptRecord{}
	for _, s := range c.scripts {
		if s.URL != "" && re.MatchString(s.URL) {
			out = append(out, s)
		}
	}
	return out
}

// InlineScriptsContaining 内容前缀命中正则的内联脚本
func (c *Context) InlineScriptsContaining(re *regexp.Regexp) []model.ScriptRecord {
	out := []model.ScriptRecord{}
	for _, s := range c.scripts {
		if s.Inline && re.MatchString(s.ContentPrefix) {
			out = append(out, s)
		}
	}
	return out
}

// Cookie 按名称查找 Cookie
func (c *Context) Cookie(name string) (model.Cookie, bool) {
	ck, ok := c.cookies[name]
	return ck, ok
}

// CookiesMatching 名称命中正则的 Cookie
func (c *Context) CookiesMatching(re *regexp.Regexp) []model.Cookie {
	out := []model.Cookie{}
	for _, ck := range c.cookies {
		if re.MatchString(ck.Name) {
			out = append(out, ck)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Events 数据层事件；layer 或 name 为空时不作过滤
func (c *Context) Events(layer, name string) []model.DataLayerEvent {
	out := []model.DataLayerEvent{}
	for _, e := range c.events {
		if layer != "" && e.Layer != layer {
			continue
		}
		if name != "" && e.Event != name {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Snapshots 指定数据层的快照；layer 为空返回全部
func (c *Context) Snapshots(layer string) []model.DataLayerSnapshot {
	out := []model.DataLayerSnapshot{}
	for _, s := range c.snapshots {
		if layer == "" || s.Layer == layer {
			out = append(out, s)
		}
	}
	return out
}

// ConsoleMessages 控制台消息
func (c *Context) ConsoleMessages() []model.ConsoleMessage {
	return append([]model.ConsoleMessage{}, c.console...)
}

// PageErrors 页面错误
func (c *Context) PageErrors() []model.PageError {
	return append([]model.PageError{}, c.errors...)
}

func (c *Context) LocalStorage(key string) (string, bool) {
	v, ok := c.local[key]
	return v, ok
}

func (c *Context) SessionStorage(key string) (string, bool) {
	v, ok := c.session[key]
	return v, ok
}

// RequestField 读取请求字段：query 取查询参数；headers 大小写不敏感；
// body 依次尝试表单参数与 JSON 路径（gjson 语法，批量数组取首个元素）
func RequestField(r model.CapturedRequest, source model.FieldSource, key string) (string, bool) {
	switch source {
	case model.SourceQuery:
		v, ok := r.Query[key]
		return v, ok
	case model.SourceHeaders:
		for k, v := range r.RequestHeaders {
			if strings.EqualFold(k, key) {
				return v, true
			}
		}
		return "", false
	case model.SourceBody:
		if v, ok := r.PostParams[key]; ok {
			return v, true
		}
		body := strings.TrimSpace(r.PostData)
		if body == "" || !gjson.Valid(body) {
			return "", false
		}
		res := gjson.Get(body, key)
		if !res.Exists() && strings.HasPrefix(body, "[") {
			res = gjson.Get(body, "0."+key)
		}
		if !res.Exists() {
			return "", false
		}
		return res.String(), true
	}
	return "", false
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
