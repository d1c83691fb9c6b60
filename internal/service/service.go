package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"tagaudit/internal/cdp"
	"tagaudit/internal/config"
	"tagaudit/internal/detect"
	"tagaudit/internal/evidence"
	"tagaudit/internal/logger"
	"tagaudit/internal/pool"
	"tagaudit/internal/rules"
	"tagaudit/internal/scanner"
	"tagaudit/internal/session"
	"tagaudit/internal/storage"
	"tagaudit/pkg/model"
	"tagaudit/pkg/page"
)

var (
	ErrClosed  = errors.New("service closed")
	ErrNoStore = errors.New("storage disabled")
)

// Service 组合池、扫描、检测、规则与存储
type Service struct {
	cfg      *config.Config
	log      logger.Logger
	pool     *pool.Pool
	scanner  *scanner.Scanner
	detector *detect.Engine
	rules    *rules.Engine
	sessions *session.Manager
	store    *storage.Store

	mu     sync.Mutex
	closed bool
}

// New 创建服务；launcher 为空时按 cfg.Browser 启动或连接 Chrome
func New(cfg *config.Config, launcher pool.Launcher, l logger.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.NewNop()
	}
	if launcher == nil {
		launcher = cdp.NewLauncher(cfg.Browser, l.With("component", "cdp"))
	}
	p, err := pool.New(cfg.Pool, launcher, l.With("component", "pool"))
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		log:      l,
		pool:     p,
		scanner:  scanner.New(p, cfg.Capture, cfg.Scan, l.With("component", "scanner")),
		detector: detect.NewEngine(detect.DefaultRegistry(), cfg.Detection, l.With("component", "detect")),
		sessions: session.NewManager(l.With("component", "session")),
	}
	ropts := cfg.Rules.Options
	ropts.Logger = l.With("component", "rules")
	s.rules = rules.NewEngine(ropts)

	if cfg.Sqlite.DSN != "" {
		st, err := storage.Open(cfg.Sqlite, l.With("component", "storage"))
		if err != nil {
			return nil, err
		}
		s.store = st
	}
	return s, nil
}

// Start 预启动浏览器
func (s *Service) Start(ctx context.Context) error {
	return s.pool.Initialize(ctx)
}

// Audit 扫描一个页面并执行检测与规则评估；扫描失败体现在结果中而非返回错误
func (s *Service) Audit(ctx context.Context, req model.AuditRequest) (*model.AuditResult, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if req.ID == "" {
		req.ID = model.ScanID(uuid.NewString())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess, err := s.sessions.Create(req.ID, req.URL, cancel)
	if err != nil {
		return nil, fmt.Errorf("audit %s: %w", req.ID, err)
	}
	defer s.sessions.Delete(req.ID)

	scan := s.scanner.Scan(ctx, scanner.Request{
		ID:        req.ID,
		URL:       req.URL,
		WaitUntil: page.WaitCondition(req.WaitUntil),
		OnPhase:   sess.SetPhase,
	})

	ev := evidence.New(scan)
	out := &model.AuditResult{Scan: scan}
	out.Detection = s.detector.Detect(ctx, ev)
	if len(req.Rules) > 0 {
		out.Report = s.rules.Evaluate(ctx, &rules.Input{Evidence: ev, Detection: out.Detection}, req.Rules)
	}

	if s.store != nil {
		if err := s.store.SaveAudit(context.WithoutCancel(ctx), out); err != nil {
			s.log.Err(err, "保存审计结果失败", "scan", string(req.ID))
		}
	}
	s.log.Info("审计完成", "scan", string(req.ID), "url", req.URL, "success", scan.Success,
		"tags", len(out.Detection.Tags), "tms", out.Detection.Summary.TMSDetected)
	return out, nil
}

// AuditMany 并发审计多个页面，并发度不超过池容量，结果与 reqs 顺序一致
func (s *Service) AuditMany(ctx context.Context, reqs []model.AuditRequest) ([]*model.AuditResult, error) {
	out := make([]*model.AuditResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.pool.Config().Capacity())
	for i := range reqs {
		g.Go(func() error {
			res, err := s.Audit(gctx, reqs[i])
			if err != nil {
				return err
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// ActiveScans 进行中的扫描
func (s *Service) ActiveScans() []model.ActiveScan { return s.sessions.List() }

// CancelScan 中止进行中的扫描
func (s *Service) CancelScan(id model.ScanID) error { return s.sessions.Cancel(id) }

// PoolStats 池状态
func (s *Service) PoolStats() pool.Stats { return s.pool.Stats() }

// GetAudit 读取已保存的审计结果
func (s *Service) GetAudit(ctx context.Context, id model.ScanID) (*model.AuditResult, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.GetAudit(ctx, id)
}

// History 列出已保存的扫描
func (s *Service) History(ctx context.Context, opts storage.ListOptions) ([]storage.ScanRecord, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.ListScans(ctx, opts)
}

// PlatformCounts 已保存扫描中各平台的出现次数
func (s *Service) PlatformCounts(ctx context.Context) ([]storage.PlatformCount, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.PlatformCounts(ctx)
}

// Close 关闭池与存储，可重复调用
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
