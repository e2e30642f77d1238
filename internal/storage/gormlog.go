package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	logx "castbot/pkg/logx"
)

// gormLogger routes gorm output into logx. Queries are traced at debug,
// slow ones at warn.
type gormLogger struct {
	log   logx.Logger
	slow  time.Duration
	level gormlogger.LogLevel
}

func newGormLogger(log logx.Logger, slow time.Duration) gormlogger.Interface {
	if slow <= 0 {
		slow = 500 * time.Millisecond
	}
	return &gormLogger{log: log.With(logx.String("comp", "storage.gorm")), slow: slow, level: gormlogger.Warn}
}

func (g *gormLogger) LogMode(l gormlogger.LogLevel) gormlogger.Interface {
	cp := *g
	cp.level = l
	return &cp
}

func (g *gormLogger) Info(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Info {
		g.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Warn(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Warn {
		g.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Error(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Error {
		g.log.Error(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	took := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.level >= gormlogger.Error:
		sql, rows := fc()
		g.log.Error("query failed", logx.String("sql", sql), logx.Int64("rows", rows), logx.Duration("took", took), logx.Err(err))
	case took > g.slow && g.level >= gormlogger.Warn:
		sql, rows := fc()
		g.log.Warn("slow query", logx.String("sql", sql), logx.Int64("rows", rows), logx.Duration("took", took))
	case g.log.Enabled(logx.LevelDebug):
		sql, rows := fc()
		g.log.Debug("query", logx.String("sql", sql), logx.Int64("rows", rows), logx.Duration("took", took))
	}
}
