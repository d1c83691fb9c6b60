// Package storage 将审计结果持久化到 SQLite
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"tagaudit/internal/logger"
	"tagaudit/pkg/model"
)

// ErrNotFound 扫描记录不存在
var ErrNotFound = errors.New("scan record not found")

// Config SQLite 配置；DSN 为空表示不持久化
type Config struct {
	DSN    string `yaml:"dsn"`
	Prefix string `yaml:"prefix"`
}

// ScanRecord 一次审计的汇总行，完整结果以 JSON 保存在 Result
type ScanRecord struct {
	ID                string `gorm:"primaryKey;size:64"`
	URL               string `gorm:"index"`
	FinalURL          string
	Success           bool
	Error             string
	StartedAt         time.Time `gorm:"index"`
	FinishedAt        time.Time
	DurationMS        int64
	Requests          int
	AnalyticsRequests int
	Tags              int
	RulesTotal        int
	RulesFailed       int
	Score             int
	IsValid           bool
	Result            string `gorm:"type:text"`
	CreatedAt         time.Time
}

// TagRecord 检测到的平台实例
type TagRecord struct {
	ID         uint   `gorm:"primaryKey"`
	ScanID     string `gorm:"index;size:64"`
	Platform   string `gorm:"index"`
	PrimaryID  string
	Category   string
	LoadMethod string
	Confidence float64
}

// RuleResultRecord 单条规则结论
type RuleResultRecord struct {
	ID       uint   `gorm:"primaryKey"`
	ScanID   string `gorm:"index;size:64"`
	RuleID   string `gorm:"index"`
	Status   string
	Severity string
	Message  string
}

// Store 审计结果存储
type Store struct {
	db  *gorm.DB
	log logger.Logger
}

// Open 打开数据库并迁移表结构，表名带 cfg.Prefix 前缀
func Open(cfg Config, l logger.Logger) (*Store, error) {
	if l == nil {
		l = logger.NewNop()
	}
	dsn := cfg.DSN
	if dsn == "" {
		return nil, errors.New("open sqlite: dsn is empty")
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(l).LogMode(glogger.Warn),
		NamingStrategy: schema.NamingStrategy{TablePrefix: cfg.Prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// SQLite 单写者；内存库在多连接下互不可见
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&ScanRecord{}, &TagRecord{}, &RuleResultRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	l.Info("存储已就绪", "dsn", dsn, "prefix", cfg.Prefix)
	return &Store{db: db, log: l}, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveAudit 在一个事务内写入扫描、标签与规则结果，同 ID 覆盖
func (s *Store) SaveAudit(ctx context.Context, a *model.AuditResult) error {
	if a == nil || a.Scan == nil {
		return errors.New("save audit: scan is nil")
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("save audit: marshal: %w", err)
	}
	id := string(a.Scan.ID)
	rec := ScanRecord{
		ID:                id,
		URL:               a.Scan.URL,
		FinalURL:          a.Scan.FinalURL,
		Success:           a.Scan.Success,
		Error:             a.Scan.Error,
		StartedAt:         a.Scan.StartedAt,
		FinishedAt:        a.Scan.FinishedAt,
		DurationMS:        a.Scan.Timings.Total.Milliseconds(),
		Requests:          a.Scan.Summary.Requests,
		AnalyticsRequests: a.Scan.Summary.AnalyticsRequests,
		Score:             100,
		IsValid:           true,
		Result:            string(raw),
	}
	var tags []TagRecord
	if a.Detection != nil {
		rec.Tags = len(a.Detection.Tags)
		for _, t := range a.Detection.Tags {
			tags = append(tags, TagRecord{
				ScanID:     id,
				Platform:   t.Platform,
				PrimaryID:  t.PrimaryID,
				Category:   string(t.Category),
				LoadMethod: string(t.LoadMethod),
				Confidence: t.Confidence,
			})
		}
	}
	var results []RuleResultRecord
	if a.Report != nil {
		rec.RulesTotal = a.Report.Summary.Total
		rec.RulesFailed = a.Report.Summary.Failed + a.Report.Summary.Errors
		rec.Score = a.Report.Summary.Score
		rec.IsValid = a.Report.Summary.IsValid
		for _, r := range a.Report.Results {
			results = append(results, RuleResultRecord{
				ScanID:   id,
				RuleID:   string(r.RuleID),
				Status:   string(r.Status),
				Severity: string(r.Severity),
				Message:  r.Message,
			})
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteScan(tx, id); err != nil {
			return err
		}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		if len(tags) > 0 {
			if err := tx.Create(&tags).Error; err != nil {
				return err
			}
		}
		if len(results) > 0 {
			if err := tx.Create(&results).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save audit %s: %w", id, err)
	}
	s.log.Debug("审计结果已保存", "scan", id, "tags", len(tags), "rules", len(results))
	return nil
}

// GetAudit 读取完整审计结果
func (s *Store) GetAudit(ctx context.Context, id model.ScanID) (*model.AuditResult, error) {
	var rec ScanRecord
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit %s: %w", id, err)
	}
	var a model.AuditResult
	if err := json.Unmarshal([]byte(rec.Result), &a); err != nil {
		return nil, fmt.Errorf("get audit %s: decode: %w", id, err)
	}
	return &a, nil
}

// ListOptions 列表过滤条件
type ListOptions struct {
	URL      string
	Platform string // 只返回检测到该平台的扫描
	Since    time.Time
	Limit    int
	Offset   int
}

// ListScans 按开始时间倒序列出扫描汇总，不含完整结果
func (s *Store) ListScans(ctx context.Context, opts ListOptions) ([]ScanRecord, error) {
	q := s.db.WithContext(ctx).Model(&ScanRecord{}).Omit("Result")
	if opts.URL != "" {
		q = q.Where("url = ?", opts.URL)
	}
	if !opts.Since.IsZero() {
		q = q.Where("started_at >= ?", opts.Since)
	}
	if opts.Platform != "" {
		sub := s.db.Model(&TagRecord{}).Select("scan_id").Where("platform = ?", opts.Platform)
		q = q.Where("id IN (?)", sub)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []ScanRecord
	err := q.Order("started_at DESC").Limit(limit).Offset(opts.Offset).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	return out, nil
}

// PlatformCount 平台出现次数
type PlatformCount struct {
	Platform string
	Scans    int64
}

// PlatformCounts 每个平台被检测到的扫描数，按次数降序
func (s *Store) PlatformCounts(ctx context.Context) ([]PlatformCount, error) {
	var out []PlatformCount
	err := s.db.WithContext(ctx).Model(&TagRecord{}).
		Select("platform, COUNT(DISTINCT scan_id) AS scans").
		Group("platform").Order("scans DESC, platform").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("platform counts: %w", err)
	}
	return out, nil
}

// DeleteBefore 删除早于 t 开始的扫描，返回删除条数
func (s *Store) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&ScanRecord{}).Where("started_at < ?", t).Pluck("id", &ids).Error; err != nil {
			return err
		}
		for _, id := range ids {
			if err := deleteScan(tx, id); err != nil {
				return err
			}
		}
		n = int64(len(ids))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete before %s: %w", t.Format(time.RFC3339), err)
	}
	return n, nil
}

func deleteScan(tx *gorm.DB, id string) error {
	if err := tx.Where("scan_id = ?", id).Delete(&TagRecord{}).Error; err != nil {
		return err
	}
	if err := tx.Where("scan_id = ?", id).Delete(&RuleResultRecord{}).Error; err != nil {
		return err
	}
	return tx.Where("id = ?", id).Delete(&ScanRecord{}).Error
}
