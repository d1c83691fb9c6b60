package detect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tagaudit/internal/evidence"
	"tagaudit/internal/logger"
	"tagaudit/pkg/model"
)

const (
	DefaultMinConfidence   = 0.5
	DefaultDetectorTimeout = 5 * time.Second
	highConfidence         = 0.8
)

// Options 检测引擎配置
type Options struct {
	MinConfidence   *float64      `yaml:"minConfidence"` // 为空时取默认值，0 表示不过滤
	DetectorTimeout time.Duration `yaml:"detectorTimeout"`
	Platforms       []string      `yaml:"platforms"` // 为空时运行全部检测器
}

// Threshold 构造 MinConfidence
func Threshold(v float64) *float64 { return &v }

// Engine 检测引擎
type Engine struct {
	reg     *Registry
	opts    Options
	minConf float64
	log     logger.Logger
}

// NewEngine 创建检测引擎
func NewEngine(reg *Registry, opts Options, l logger.Logger) *Engine {
	minConf := DefaultMinConfidence
	if opts.MinConfidence != nil {
		minConf = *opts.MinConfidence
	}
	if opts.DetectorTimeout <= 0 {
		opts.DetectorTimeout = DefaultDetectorTimeout
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Engine{reg: reg, opts: opts, minConf: minConf, log: l}
}

var errDetectorTimeout = errors.New("detector timed out")

// Detect 按优先级依次运行检测器；单个检测器的失败或超时记为检测器错误
func (e *Engine) Detect(ctx context.Context, ev *evidence.Context) *model.DetectionResult {
	start := time.Now()
	if ev == nil {
		ev = evidence.New(nil)
	}
	res := &model.DetectionResult{
		ScanID:       ev.ScanID(),
		Tags:         []model.TagInstance{},
		DetectorsRun: []string{},
		Errors:       []model.DetectorError{},
	}
	known := &Known{}
	for _, d := range e.reg.Detectors() {
		if !e.wanted(d.Platform()) {
			continue
		}
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, model.DetectorError{Detector: d.Name(), Message: ctx.Err().Error()})
			continue
		}
		if !d.MightBePresent(ev) {
			continue
		}
		res.DetectorsRun = append(res.DetectorsRun, d.Name())
		tags, err := e.run(ctx, d, ev, known)
		if err != nil {
			timeout := errors.Is(err, errDetectorTimeout)
			res.Errors = append(res.Errors, model.DetectorError{Detector: d.Name(), Message: err.Error(), Timeout: timeout})
			e.log.Warn("检测器执行失败", "detector", d.Name(), "timeout", timeout, "error", err)
			continue
		}
		known.add(tags...)
	}

	merged := mergeAll(known.tags)
	res.Summary = summarize(merged, e.minConf)
	for _, t := range merged {
		if t.Confidence >= e.minConf {
			res.Tags = append(res.Tags, t)
		}
	}
	res.Summary.Emitted = len(res.Tags)
	for _, t := range res.Tags {
		if t.Category == model.CategoryTagManager {
			res.Summary.TMSDetected = true
		}
	}
	res.Duration = time.Since(start)
	return res
}

func (e *Engine) wanted(platform string) bool {
	if len(e.opts.Platforms) == 0 {
		return true
	}
	for _, p := range e.opts.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

type detectResult struct {
	tags []model.TagInstance
	err  error
}

// run 在独立 goroutine 中运行检测器并与超时竞争；超时后结果被丢弃
func (e *Engine) run(ctx context.Context, d Detector, ev *evidence.Context, known *Known) ([]model.TagInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.DetectorTimeout)
	defer cancel()
	snapshot := &Known{tags: known.All()}
	ch := make(chan detectResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- detectResult{err: fmt.Errorf("detector panic: %v", r)}
			}
		}()
		tags, err := d.Detect(ctx, ev, snapshot)
		ch <- detectResult{tags: tags, err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", errDetectorTimeout, e.opts.DetectorTimeout)
		}
		return r.tags, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", errDetectorTimeout, e.opts.DetectorTimeout)
		}
		return nil, ctx.Err()
	}
}

// mergeKey 同平台合并；兜底检测器按域名区分
func mergeKey(t model.TagInstance) string {
	if t.Platform == PlatformUnknownAnalytics {
		return t.Platform + "|" + t.PrimaryID
	}
	return t.Platform
}

func mergeAll(tags []model.TagInstance) []model.TagInstance {
	index := map[string]int{}
	out := make([]model.TagInstance, 0, len(tags))
	for _, t := range tags {
		if len(t.Evidence) == 0 {
			continue
		}
		k := mergeKey(t)
		if i, ok := index[k]; ok {
			out[i] = Merge(out[i], t)
			continue
		}
		index[k] = len(out)
		t.Confidence = evidenceConfidence(t.Evidence)
		out = append(out, t)
	}
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = uuid.NewString()
		}
	}
	return out
}

func summarize(tags []model.TagInstance, minConfidence float64) model.DetectionSummary {
	s := model.DetectionSummary{
		Total:        len(tags),
		ByCategory:   map[string]int{},
		ByPlatform:   map[string]int{},
		ByLoadMethod: map[string]int{},
	}
	for _, t := range tags {
		s.ByCategory[string(t.Category)]++
		s.ByPlatform[t.Platform]++
		s.ByLoadMethod[string(t.LoadMethod)]++
		switch {
		case t.Confidence >= highConfidence:
			s.HighConfidence++
		case t.Confidence < minConfidence:
			s.LowConfidence++
		}
	}
	return s
}
