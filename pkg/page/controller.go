// Package page 定义页面控制器契约，浏览器驱动由实现方负责
package page

import (
	"context"
	"time"

	"tagaudit/pkg/model"
	"tagaudit/pkg/traffic"
)

// WaitCondition 导航完成条件
type WaitCondition string

const (
	WaitLoad             WaitCondition = "load"
	WaitDOMContentLoaded WaitCondition = "domcontentloaded"
	WaitNetworkIdle      WaitCondition = "networkidle"
)

// StorageKind 页面存储类型
type StorageKind string

const (
	LocalStorage   StorageKind = "localStorage"
	SessionStorage StorageKind = "sessionStorage"
)

// NavigateOptions 导航参数
type NavigateOptions struct {
	WaitUntil WaitCondition
	Timeout   time.Duration
}

// Response 主文档响应
type Response struct {
	URL    string
	Status int
}

// ConsoleEvent 一条控制台输出事件
type ConsoleEvent struct {
	Level     string
	Text      string
	URL       string
	Line      int
	Timestamp time.Time
}

// ErrorEvent 一个运行时异常事件
type ErrorEvent struct {
	Message   string
	URL       string
	Line      int
	Column    int
	Stack     string
	Timestamp time.Time
}

// Unsubscribe 取消订阅
type Unsubscribe func()

// Controller 单个隔离页面的驱动接口
type Controller interface {
	// Navigate 导航到 url 并等待 opts.WaitUntil
	Navigate(ctx context.Context, url string, opts NavigateOptions) (*Response, error)

	// AddInitScript 注册在任何页面脚本之前执行的脚本，返回移除函数
	AddInitScript(ctx context.Context, source string) (remove func(context.Context) error, err error)

	// Evaluate 在页面中执行表达式，结果按 JSON 解码到 out（out 可为 nil）
	Evaluate(ctx context.Context, expression string, out any) error

	// SubscribeConsole 订阅控制台输出
	SubscribeConsole(ctx context.Context, fn func(ConsoleEvent)) (Unsubscribe, error)

	// SubscribePageErrors 订阅未捕获异常
	SubscribePageErrors(ctx context.Context, fn func(ErrorEvent)) (Unsubscribe, error)

	// SubscribeNetwork 订阅底层网络事件
	SubscribeNetwork(ctx context.Context, fn func(traffic.Event)) (Unsubscribe, error)

	// ResponseBody 获取响应体
	ResponseBody(ctx context.Context, requestID string) ([]byte, error)

	// Cookies 读取当前页面可见的 Cookie
	Cookies(ctx context.Context) ([]model.Cookie, error)

	// Storage 读取 localStorage 或 sessionStorage
	Storage(ctx context.Context, kind StorageKind) (map[string]string, error)
}
