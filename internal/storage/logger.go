package storage

import (
	"context"
	"errors"
	"time"

	"tagaudit/internal/ctxkeys"
	"tagaudit/internal/logger"

	glogger "gorm.io/gorm/logger"
)

// GormLogger 将 GORM 日志转发到 logger.Logger，并附带上下文中的扫描 ID
type GormLogger struct {
	log           logger.Logger
	level         glogger.LogLevel
	slowThreshold time.Duration
}

// NewGormLogger 默认只输出警告与错误
func NewGormLogger(l logger.Logger) *GormLogger {
	if l == nil {
		l = logger.NewNop()
	}
	return &GormLogger{log: l, level: glogger.Warn, slowThreshold: 500 * time.Millisecond}
}

// LogMode 返回指定级别的副本
func (g *GormLogger) LogMode(level glogger.LogLevel) glogger.Interface {
	c := *g
	c.level = level
	return &c
}

func (g *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if g.level >= glogger.Info {
		g.log.Info(msg, withScan(ctx, "data", data)...)
	}
}

func (g *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if g.level >= glogger.Warn {
		g.log.Warn(msg, withScan(ctx, "data", data)...)
	}
}

func (g *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if g.level >= glogger.Error {
		g.log.Error(msg, withScan(ctx, "data", data)...)
	}
}

// Trace 记录失败与慢查询；Info 级别下记录全部 SQL
func (g *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= glogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, glogger.ErrRecordNotFound) && g.level >= glogger.Error:
		sql, rows := fc()
		g.log.Err(err, "SQL执行错误", withScan(ctx, "sql", sql, "rows", rows, "elapsed", elapsed)...)
	case elapsed > g.slowThreshold && g.level >= glogger.Warn:
		sql, rows := fc()
		g.log.Warn("慢SQL查询", withScan(ctx, "sql", sql, "rows", rows, "elapsed", elapsed)...)
	case g.level >= glogger.Info:
		sql, rows := fc()
		g.log.Debug("SQL执行", withScan(ctx, "sql", sql, "rows", rows, "elapsed", elapsed)...)
	}
}

func withScan(ctx context.Context, kv ...any) []any {
	if id, ok := ctx.Value(ctxkeys.TraceIDKey{}).(string); ok && id != "" {
		return append([]any{"scan", id}, kv...)
	}
	return kv
}
