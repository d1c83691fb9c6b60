// Package detect 在证据上下文上运行按优先级排序的平台检测器，合并重复实例并计算置信度
package detect

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tagaudit/internal/evidence"
	"tagaudit/pkg/model"
)

// Detector 单个平台检测器
type Detector interface {
	Name() string
	Platform() string
	Priority() int
	// MightBePresent 廉价预筛选，允许误报，不允许漏报
	MightBePresent(ev *evidence.Context) bool
	// Detect 没有任何信号命中时返回空
	Detect(ctx context.Context, ev *evidence.Context, known *Known) ([]model.TagInstance, error)
}

// Known 本次扫描中已由更高优先级检测器产出的实例
type Known struct {
	tags []model.TagInstance
}

// All 返回全部已知实例
func (k *Known) All() []model.TagInstance {
	if k == nil {
		return nil
	}
	return append([]model.TagInstance(nil), k.tags...)
}

// TMS 返回已知的标签管理系统实例
func (k *Known) TMS() []model.TagInstance {
	if k == nil {
		return nil
	}
	var out []model.TagInstance
	for _, t := range k.tags {
		if t.Category == model.CategoryTagManager {
			out = append(out, t)
		}
	}
	return out
}

func (k *Known) add(ts ...model.TagInstance) { k.tags = append(k.tags, ts...) }

// Registry 检测器注册表，由调用方显式构建并注入
type Registry struct {
	mu        sync.RWMutex
	detectors []Detector
	names     map[string]bool
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]bool)}
}

// DefaultRegistry 创建包含内置检测器的注册表
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, d := range Builtin() {
		_ = r.Register(d)
	}
	return r
}

// Register 注册检测器，名称重复时返回错误
func (r *Registry) Register(d Detector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.names[d.Name()] {
		return fmt.Errorf("detector %q already registered", d.Name())
	}
	r.names[d.Name()] = true
	r.detectors = append(r.detectors, d)
	return nil
}

// Detectors 按优先级降序返回检测器，同优先级保持注册顺序
func (r *Registry) Detectors() []Detector {
	r.mu.RLock()
	out := append([]Detector(nil), r.detectors...)
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority() > out[j].Priority() })
	return out
}
