package cdp

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"tagaudit/pkg/traffic"

	"github.com/mafredri/cdp/protocol/network"
)

// Clock 将 CDP 单调时间戳换算为墙钟时间；偏移量取自 requestWillBeSent 的 wallTime
type Clock struct {
	mu     sync.Mutex
	offset float64
	known  bool
}

// Observe 记录一次 (monotonic, wall) 对
func (c *Clock) Observe(mono network.MonotonicTime, wall network.TimeSinceEpoch) {
	if wall == 0 {
		return
	}
	c.mu.Lock()
	c.offset = float64(wall) - float64(mono)
	c.known = true
	c.mu.Unlock()
}

// Time 返回单调时间戳对应的墙钟时间，尚无偏移量时使用当前时间
func (c *Clock) Time(mono network.MonotonicTime) time.Time {
	c.mu.Lock()
	known, offset := c.known, c.offset
	c.mu.Unlock()
	if !known {
		return time.Now()
	}
	return secondsToTime(float64(mono) + offset)
}

func secondsToTime(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// ToHeader 将 CDP Headers 转换为中立 Header
func ToHeader(raw network.Headers) traffic.Header {
	h := make(traffic.Header)
	if len(raw) == 0 {
		return h
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return h
	}
	for k, v := range m {
		switch x := v.(type) {
		case string:
			h.Set(k, x)
		default:
			b, _ := json.Marshal(x)
			h.Set(k, string(b))
		}
	}
	return h
}

// ToRequestEvent 将 requestWillBeSent 转换为中立请求事件
func ToRequestEvent(ev *network.RequestWillBeSentReply, clock *Clock) traffic.Event {
	clock.Observe(ev.Timestamp, ev.WallTime)
	req := &traffic.Request{
		ID:           string(ev.RequestID),
		URL:          ev.Request.URL,
		Method:       ev.Request.Method,
		Headers:      ToHeader(ev.Request.Headers),
		ResourceType: string(ev.Type),
		Initiator:    traffic.Initiator{Type: ev.Initiator.Type},
		Timestamp:    clock.Time(ev.Timestamp),
	}
	if ev.Request.URLFragment != nil {
		req.URL += *ev.Request.URLFragment
	}
	if ev.Request.PostData != nil {
		req.PostData = *ev.Request.PostData
	}
	if ev.Initiator.URL != nil {
		req.Initiator.URL = *ev.Initiator.URL
	} else if st := ev.Initiator.Stack; st != nil && len(st.CallFrames) > 0 {
		req.Initiator.URL = st.CallFrames[0].URL
	}
	if ev.RedirectResponse != nil {
		req.Redirect = &traffic.Redirect{
			Status:  ev.RedirectResponse.Status,
			Headers: ToHeader(ev.RedirectResponse.Headers),
		}
	}
	return traffic.Event{Kind: traffic.EventRequest, Request: req}
}

// ToResponseEvent 将 responseReceived 转换为中立响应事件
func ToResponseEvent(ev *network.ResponseReceivedReply, clock *Clock) traffic.Event {
	res := &traffic.Response{
		ID:           string(ev.RequestID),
		URL:          ev.Response.URL,
		Status:       ev.Response.Status,
		StatusText:   ev.Response.StatusText,
		MimeType:     ev.Response.MimeType,
		Headers:      ToHeader(ev.Response.Headers),
		ResourceType: string(ev.Type),
		Timestamp:    clock.Time(ev.Timestamp),
	}
	if ev.Response.FromDiskCache != nil && *ev.Response.FromDiskCache {
		res.FromCache = true
	}
	return traffic.Event{Kind: traffic.EventResponse, Response: res}
}

// ToFinishedEvent 将 loadingFinished 转换为中立完成事件
func ToFinishedEvent(ev *network.LoadingFinishedReply, clock *Clock) traffic.Event {
	return traffic.Event{Kind: traffic.EventFinished, Finished: &traffic.Finished{
		ID:            string(ev.RequestID),
		EncodedLength: int64(ev.EncodedDataLength),
		Timestamp:     clock.Time(ev.Timestamp),
	}}
}

// ToFailedEvent 将 loadingFailed 转换为中立失败事件
func ToFailedEvent(ev *network.LoadingFailedReply, clock *Clock) traffic.Event {
	f := &traffic.Failed{
		ID:        string(ev.RequestID),
		ErrorText: ev.ErrorText,
		Timestamp: clock.Time(ev.Timestamp),
	}
	if ev.Canceled != nil {
		f.Canceled = *ev.Canceled
	}
	return traffic.Event{Kind: traffic.EventFailed, Failed: f}
}
