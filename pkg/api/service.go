package api

import (
	"context"

	"tagaudit/internal/config"
	"tagaudit/internal/logger"
	"tagaudit/internal/service"
	"tagaudit/pkg/model"
)

// Service 服务接口
type Service interface {
	// Start 预启动浏览器
	Start(ctx context.Context) error

	// Audit 扫描页面并返回检测与规则评估结果
	Audit(ctx context.Context, req model.AuditRequest) (*model.AuditResult, error)

	// AuditMany 并发审计多个页面，结果顺序与请求一致
	AuditMany(ctx context.Context, reqs []model.AuditRequest) ([]*model.AuditResult, error)

	// ActiveScans 列出进行中的扫描
	ActiveScans() []model.ActiveScan

	// CancelScan 中止进行中的扫描
	CancelScan(id model.ScanID) error

	// GetAudit 读取已保存的审计结果
	GetAudit(ctx context.Context, id model.ScanID) (*model.AuditResult, error)

	// Close 关闭浏览器与存储
	Close(ctx context.Context) error
}

// NewService 按配置创建服务，cfg 为 nil 时使用默认配置
func NewService(cfg *config.Config, l logger.Logger) (Service, error) {
	return service.New(cfg, nil, l)
}
