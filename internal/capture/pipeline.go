package capture

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"tagaudit/internal/logger"
	"tagaudit/pkg/model"
	"tagaudit/pkg/page"
)

// Options 四个采集器的配置
type Options struct {
	Network   NetworkOptions   `yaml:"network"`
	Scripts   ScriptOptions    `yaml:"scripts"`
	DataLayer DataLayerOptions `yaml:"dataLayer"`
	Console   ConsoleOptions   `yaml:"console"`
}

// Pipeline 并行挂载、采集与卸载一组采集器
type Pipeline struct {
	collectors []Collector
	network    *Network
	log        logger.Logger
}

// New 按配置创建包含四个采集器的流水线，每次扫描一个实例
func New(opts Options, l logger.Logger) (*Pipeline, error) {
	if l == nil {
		l = logger.NewNop()
	}
	n, err := NewNetwork(opts.Network, l)
	if err != nil {
		return nil, err
	}
	p := NewPipeline(l, n,
		NewScripts(opts.Scripts, l),
		NewDataLayer(opts.DataLayer, l),
		NewConsole(opts.Console, l),
	)
	return p, nil
}

// NewPipeline 由任意采集器组成流水线
func NewPipeline(l logger.Logger, collectors ...Collector) *Pipeline {
	if l == nil {
		l = logger.NewNop()
	}
	p := &Pipeline{collectors: collectors, log: l}
	for _, c := range collectors {
		if n, ok := c.(*Network); ok {
			p.network = n
		}
	}
	return p
}

// Network 返回流水线中的网络采集器，没有时为 nil
func (p *Pipeline) Network() *Network { return p.network }

// Collectors 返回采集器列表
func (p *Pipeline) Collectors() []Collector { return p.collectors }

// Attach 并行挂载；任一失败时卸载已挂载的采集器并返回该错误
func (p *Pipeline) Attach(ctx context.Context, pc page.Controller) error {
	attached := make([]bool, len(p.collectors))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range p.collectors {
		g.Go(func() error {
			if err := c.Attach(gctx, pc); err != nil {
				return err
			}
			attached[i] = true
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		return nil
	}
	p.log.Err(err, "采集器挂载失败，回滚已挂载的采集器")
	var rollback []Collector
	for i, ok := range attached {
		if ok {
			rollback = append(rollback, p.collectors[i])
		}
	}
	p.detach(context.WithoutCancel(ctx), rollback)
	return err
}

// Collect 并行采集到 res；单个采集器失败记入 res.CollectorErrors，不影响其它采集器
func (p *Pipeline) Collect(ctx context.Context, res *model.PageScanResult) error {
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, c := range p.collectors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.CollectInto(ctx, res); err != nil {
				mu.Lock()
				errs = append(errs, err)
				res.CollectorErrors = append(res.CollectorErrors, err.Error())
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Detach 并行卸载，忽略单个采集器的卸载错误
func (p *Pipeline) Detach(ctx context.Context) {
	p.detach(ctx, p.collectors)
}

func (p *Pipeline) detach(ctx context.Context, cs []Collector) {
	var wg sync.WaitGroup
	for _, c := range cs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Detach(ctx); err != nil {
				p.log.Warn("采集器卸载失败", "collector", c.Name(), "error", err)
			}
		}()
	}
	wg.Wait()
}
