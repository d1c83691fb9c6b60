package model

import (
	"encoding/json"
	"time"

	"tagaudit/pkg/traffic"
)

type ScanID string
type LeaseID string
type RuleID string

// CapturedRequest 一次完整的网络交换记录，在完成、失败或采集时强制结束后只定稿一次
type CapturedRequest struct {
	ID                    string            `json:"id"`
	URL                   string            `json:"url"`
	Method                string            `json:"method"`
	ResourceType          string            `json:"resourceType"`
	RequestHeaders        traffic.Header    `json:"requestHeaders"`
	Query                 map[string]string `json:"query"`
	PostData              string            `json:"postData,omitempty"`
	PostDataTruncated     bool              `json:"postDataTruncated,omitempty"`
	PostParams            map[string]string `json:"postParams,omitempty"`
	Status                int               `json:"status"`
	StatusText            string            `json:"statusText,omitempty"`
	MimeType              string            `json:"mimeType,omitempty"`
	ResponseHeaders       traffic.Header    `json:"responseHeaders"`
	ResponseBody          string            `json:"responseBody,omitempty"`
	ResponseBodyTruncated bool              `json:"responseBodyTruncated,omitempty"`
	EncodedSize           int64             `json:"encodedSize"`
	Initiator             traffic.Initiator `json:"initiator"`
	StartTime             time.Time         `json:"startTime"`
	EndTime               time.Time         `json:"endTime"`
	Duration              time.Duration     `json:"duration"`
	Failed                bool              `json:"failed"`
	ErrorText             string            `json:"errorText,omitempty"`
	FromCache             bool              `json:"fromCache,omitempty"`
	IsAnalytics           bool              `json:"isAnalytics"`
	RedirectedFrom        string            `json:"redirectedFrom,omitempty"`
}

// ScriptSource 脚本记录来源
type ScriptSource string

const (
	ScriptFromObserver ScriptSource = "observer"
	ScriptFromDOM      ScriptSource = "dom"
)

// ScriptRecord 页面中的一个脚本元素
type ScriptRecord struct {
	ID            string       `json:"id"`
	URL           string       `json:"url,omitempty"`
	Inline        bool         `json:"inline"`
	ContentPrefix string       `json:"contentPrefix,omitempty"`
	ContentLength int          `json:"contentLength"`
	ContentHash   string       `json:"contentHash,omitempty"`
	Position      int          `json:"position"`
	Type          string       `json:"type,omitempty"`
	Async         bool         `json:"async"`
	Defer         bool         `json:"defer"`
	Dynamic       bool         `json:"dynamic"`
	InsertedAt    time.Time    `json:"insertedAt"`
	Source        ScriptSource `json:"source"`
}

// ConsoleMessage 一条控制台输出
type ConsoleMessage struct {
	Level     string    `json:"level"`
	Text      string    `json:"text"`
	URL       string    `json:"url,omitempty"`
	Line      int       `json:"line,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Truncated bool      `json:"truncated,omitempty"`
}

// PageError 一个未捕获的页面错误或未处理的 Promise 拒绝
type PageError struct {
	Message   string    `json:"message"`
	Source    string    `json:"source"`
	URL       string    `json:"url,omitempty"`
	Line      int       `json:"line,omitempty"`
	Column    int       `json:"column,omitempty"`
	Stack     string    `json:"stack,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DataLayerEvent 一次数据层 push
type DataLayerEvent struct {
	Layer     string         `json:"layer"`
	Index     int            `json:"index"`
	Event     string         `json:"event,omitempty"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
}

// DataLayerSnapshot 数据层在某个生命周期时刻的完整状态
type DataLayerSnapshot struct {
	Layer     string          `json:"layer"`
	Trigger   string          `json:"trigger"`
	Timestamp time.Time       `json:"timestamp"`
	Length    int             `json:"length"`
	State     json.RawMessage `json:"state"`
	Model     json.RawMessage `json:"model,omitempty"`
}

// Cookie 页面结束时的 Cookie
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	Session  bool    `json:"session"`
}

// ScanTimings 扫描各阶段耗时
type ScanTimings struct {
	Acquire  time.Duration `json:"acquire"`
	Attach   time.Duration `json:"attach"`
	Navigate time.Duration `json:"navigate"`
	Settle   time.Duration `json:"settle"`
	Collect  time.Duration `json:"collect"`
	Total    time.Duration `json:"total"`
}

// ScanSummary 扫描计数汇总
type ScanSummary struct {
	Requests          int `json:"requests"`
	AnalyticsRequests int `json:"analyticsRequests"`
	FailedRequests    int `json:"failedRequests"`
	Scripts           int `json:"scripts"`
	DynamicScripts    int `json:"dynamicScripts"`
	DataLayerEvents   int `json:"dataLayerEvents"`
	ConsoleMessages   int `json:"consoleMessages"`
	PageErrors        int `json:"pageErrors"`
	Cookies           int `json:"cookies"`
}

// PageScanResult 一次页面扫描的结果；失败的扫描同样结构完整，证据数组为空而非缺失
type PageScanResult struct {
	ID                 ScanID              `json:"id"`
	URL                string              `json:"url"`
	FinalURL           string              `json:"finalUrl,omitempty"`
	Success            bool                `json:"success"`
	Error              string              `json:"error,omitempty"`
	StartedAt          time.Time           `json:"startedAt"`
	FinishedAt         time.Time           `json:"finishedAt"`
	Timings            ScanTimings         `json:"timings"`
	Requests           []CapturedRequest   `json:"requests"`
	Scripts            []ScriptRecord      `json:"scripts"`
	DataLayerEvents    []DataLayerEvent    `json:"dataLayerEvents"`
	DataLayerSnapshots []DataLayerSnapshot `json:"dataLayerSnapshots"`
	ConsoleMessages    []ConsoleMessage    `json:"consoleMessages"`
	PageErrors         []PageError         `json:"pageErrors"`
	Cookies            []Cookie            `json:"cookies"`
	LocalStorage       map[string]string   `json:"localStorage"`
	SessionStorage     map[string]string   `json:"sessionStorage"`
	Summary            ScanSummary         `json:"summary"`
	CollectorErrors    []string            `json:"collectorErrors,omitempty"`
}

// NewPageScanResult 创建证据数组已初始化的扫描结果
func NewPageScanResult(id ScanID, url string) *PageScanResult {
	return &PageScanResult{
		ID:                 id,
		URL:                url,
		Requests:           []CapturedRequest{},
		Scripts:            []ScriptRecord{},
		DataLayerEvents:    []DataLayerEvent{},
		DataLayerSnapshots: []DataLayerSnapshot{},
		ConsoleMessages:    []ConsoleMessage{},
		PageErrors:         []PageError{},
		Cookies:            []Cookie{},
		LocalStorage:       map[string]string{},
		SessionStorage:     map[string]string{},
	}
}

// Summarize 根据证据数组重新计算汇总
func (r *PageScanResult) Summarize() {
	s := ScanSummary{
		Requests:        len(r.Requests),
		Scripts:         len(r.Scripts),
		DataLayerEvents: len(r.DataLayerEvents),
		ConsoleMessages: len(r.ConsoleMessages),
		PageErrors:      len(r.PageErrors),
		Cookies:         len(r.Cookies),
	}
	for i := range r.Requests {
		if r.Requests[i].IsAnalytics {
			s.AnalyticsRequests++
		}
		if r.Requests[i].Failed {
			s.FailedRequests++
		}
	}
	for i := range r.Scripts {
		if r.Scripts[i].Dynamic {
			s.DynamicScripts++
		}
	}
	r.Summary = s
}

// AuditResult 扫描、检测与校验的组合结果
type AuditResult struct {
	Scan      *PageScanResult   `json:"scan"`
	Detection *DetectionResult  `json:"detection"`
	Report    *ValidationReport `json:"report,omitempty"`
}

// AuditRequest 一次审计请求
type AuditRequest struct {
	ID        ScanID           `json:"id,omitempty" yaml:"id,omitempty"`
	URL       string           `json:"url" yaml:"url"`
	WaitUntil string           `json:"waitUntil,omitempty" yaml:"waitUntil,omitempty"` // load/domcontentloaded/networkidle
	Rules     []RuleDefinition `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// ActiveScan 进行中扫描的状态
type ActiveScan struct {
	ID        ScanID    `json:"id"`
	URL       string    `json:"url"`
	Phase     string    `json:"phase"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
