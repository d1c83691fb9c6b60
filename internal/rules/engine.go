package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tagaudit/internal/logger"
	"tagaudit/pkg/model"

	"golang.org/x/sync/errgroup"
)

var errRuleTimeout = errors.New("rule evaluation timed out")

// Options 规则引擎配置
type Options struct {
	RuleTimeout time.Duration `yaml:"ruleTimeout"`
	HaltOnError bool          `yaml:"haltOnError"`
	Concurrency int           `yaml:"concurrency"`
	Handlers    []Handler     `yaml:"-"`
	Logger      logger.Logger `yaml:"-"`
}

// Engine 并发评估规则集，结果保持声明顺序
type Engine struct {
	opts     Options
	handlers []Handler
	log      logger.Logger
}

// NewEngine 创建规则引擎；未指定处理器时使用内置处理器
func NewEngine(opts Options) *Engine {
	if opts.RuleTimeout <= 0 {
		opts.RuleTimeout = 5 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	hs := opts.Handlers
	if len(hs) == 0 {
		hs = DefaultHandlers()
	}
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Engine{opts: opts, handlers: hs, log: l}
}

// Evaluate 评估规则集；单条规则的失败记录为结果，不作为错误返回
func (e *Engine) Evaluate(ctx context.Context, in *Input, rules []model.RuleDefinition) *model.ValidationReport {
	start := time.Now()
	if in == nil {
		in = &Input{}
	}
	report := &model.ValidationReport{Results: make([]model.ValidationResult, len(rules))}
	if in.Evidence != nil {
		report.ScanID = in.Evidence.ScanID()
		report.URL = in.Evidence.PageURL()
	}

	var (
		mu     sync.Mutex
		halted bool
	)
	isHalted := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return halted
	}

	// 停止判定依赖声明顺序，HaltOnError 时逐条评估
	limit := e.opts.Concurrency
	if e.opts.HaltOnError {
		limit = 1
	}
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for i := range rules {
		r := &rules[i]
		if r.Disabled {
			report.Results[i] = e.result(r, skipped("rule disabled"), 0)
			continue
		}
		if isHalted() || ctx.Err() != nil {
			report.Results[i] = e.result(r, skipped("evaluation halted"), 0)
			continue
		}
		g.Go(func() error {
			if isHalted() {
				report.Results[i] = e.result(r, skipped("evaluation halted"), 0)
				return nil
			}
			t0 := time.Now()
			out := e.evaluateOne(ctx, in, r)
			res := e.result(r, out, time.Since(t0))
			report.Results[i] = res
			if e.opts.HaltOnError && isBlocking(res) {
				mu.Lock()
				halted = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Summary = Summarize(report.Results)
	report.Duration = time.Since(start)
	e.log.Debug("规则评估完成", "rules", len(rules), "passed", report.Summary.Passed,
		"failed", report.Summary.Failed, "score", report.Summary.Score)
	return report
}

func (e *Engine) evaluateOne(ctx context.Context, in *Input, r *model.RuleDefinition) Outcome {
	if err := r.Validate(); err != nil {
		return Outcome{Status: model.StatusError, Message: err.Error()}
	}
	h := e.handlerFor(r)
	if h == nil {
		return Outcome{Status: model.StatusError, Message: fmt.Sprintf("no handler for rule type %q", r.Type)}
	}
	out, err := e.run(ctx, h, in, r)
	if err != nil {
		e.log.Warn("规则评估出错", "rule", r.ID, "handler", h.Name(), "error", err.Error())
		return Outcome{Status: model.StatusError, Message: err.Error()}
	}
	return out
}

func (e *Engine) handlerFor(r *model.RuleDefinition) Handler {
	for _, h := range e.handlers {
		if h.CanHandle(r) {
			return h
		}
	}
	return nil
}

// run 在超时内执行处理器，处理器 panic 转为错误
func (e *Engine) run(ctx context.Context, h Handler, in *Input, r *model.RuleDefinition) (Outcome, error) {
	cctx, cancel := context.WithTimeout(ctx, e.opts.RuleTimeout)
	defer cancel()

	type reply struct {
		out Outcome
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- reply{err: fmt.Errorf("handler %s panic: %v", h.Name(), p)}
			}
		}()
		out, err := h.Evaluate(cctx, in, r)
		ch <- reply{out: out, err: err}
	}()

	select {
	case rep := <-ch:
		return rep.out, rep.err
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return Outcome{}, errRuleTimeout
		}
		return Outcome{}, cctx.Err()
	}
}

func (e *Engine) result(r *model.RuleDefinition, out Outcome, d time.Duration) model.ValidationResult {
	name := r.Name
	if name == "" {
		name = string(r.ID)
	}
	return model.ValidationResult{
		RuleID:   r.ID,
		RuleName: name,
		Type:     r.Type,
		Platform: r.Platform,
		Status:   out.Status,
		Severity: r.EffectiveSeverity(),
		Message:  out.Message,
		Evidence: capEvidence(out.Evidence),
		Duration: d,
	}
}

func isBlocking(r model.ValidationResult) bool {
	return r.Severity == model.SeverityError &&
		(r.Status == model.StatusFailed || r.Status == model.StatusError)
}

// Summarize 计算汇总与加权得分
func Summarize(results []model.ValidationResult) model.ValidationSummary {
	s := model.ValidationSummary{
		Total:      len(results),
		BySeverity: map[string]int{},
		ByPlatform: map[string]model.PlatformTally{},
		IsValid:    true,
	}
	var weight, passedWeight int
	for _, r := range results {
		switch r.Status {
		case model.StatusPassed:
			s.Passed++
		case model.StatusFailed:
			s.Failed++
		case model.StatusError:
			s.Errors++
		default:
			s.Skipped++
		}
		if r.Status == model.StatusSkipped {
			continue
		}
		w := r.Severity.Weight()
		weight += w
		bad := r.Status == model.StatusFailed || r.Status == model.StatusError
		if !bad {
			passedWeight += w
		} else {
			s.BySeverity[string(r.Severity)]++
		}
		if isBlocking(r) {
			s.IsValid = false
		}
		if r.Platform != "" {
			t := s.ByPlatform[r.Platform]
			switch {
			case !bad:
				t.Passed++
			case r.Severity == model.SeverityWarning:
				t.Warnings++
			default:
				t.Failed++
			}
			s.ByPlatform[r.Platform] = t
		}
	}
	if weight == 0 {
		s.Score = 100
	} else {
		s.Score = (passedWeight*100 + weight/2) / weight
	}
	return s
}
