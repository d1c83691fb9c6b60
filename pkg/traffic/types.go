package traffic

import (
	"strings"
	"time"
)

// Header 封装通用的头部操作，键统一为小写
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Clone 返回 Header 的副本
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// EventKind 网络事件类型
type EventKind string

const (
	EventRequest  EventKind = "request"
	EventResponse EventKind = "response"
	EventFinished EventKind = "finished"
	EventFailed   EventKind = "failed"
)

// Initiator 请求发起方信息
type Initiator struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// Redirect 重定向前一跳的响应信息
type Redirect struct {
	Status  int    `json:"status"`
	Headers Header `json:"headers,omitempty"`
}

// Request 请求开始事件
type Request struct {
	ID           string
	URL          string
	Method       string
	Headers      Header
	PostData     string
	ResourceType string
	Initiator    Initiator
	Redirect     *Redirect // 非空表示同一 ID 的上一跳被重定向
	Timestamp    time.Time
}

// Response 响应头到达事件
type Response struct {
	ID           string
	URL          string
	Status       int
	StatusText   string
	MimeType     string
	Headers      Header
	ResourceType string
	FromCache    bool
	Timestamp    time.Time
}

// Finished 请求完成事件
type Finished struct {
	ID            string
	EncodedLength int64
	Timestamp     time.Time
}

// Failed 请求失败事件
type Failed struct {
	ID        string
	ErrorText string
	Canceled  bool
	Timestamp time.Time
}

// Event 与传输无关的网络事件，只有与 Kind 对应的字段非空
type Event struct {
	Kind     EventKind
	Request  *Request
	Response *Response
	Finished *Finished
	Failed   *Failed
}

// RequestID 返回事件关联的请求 ID
func (e Event) RequestID() string {
	switch e.Kind {
	case EventRequest:
		if e.Request != nil {
			return e.Request.ID
		}
	case EventResponse:
		if e.Response != nil {
			return e.Response.ID
		}
	case EventFinished:
		if e.Finished != nil {
			return e.Finished.ID
		}
	case EventFailed:
		if e.Failed != nil {
			return e.Failed.ID
		}
	}
	return ""
}
