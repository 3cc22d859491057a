package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	applog "smallbiznis-billing/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

const defaultSlowQuery = 200 * time.Millisecond

// GormLogger sends gorm output to zap. Statements carry the trace and span of
// the request that issued them.
type GormLogger struct {
	level     logger.LogLevel
	slow      time.Duration
	statement bool
}

// NewGormLogger logs every statement when statement is true and level is
// Info; otherwise only errors and queries slower than slow are reported.
func NewGormLogger(level logger.LogLevel, slow time.Duration, statement bool) *GormLogger {
	if slow <= 0 {
		slow = defaultSlowQuery
	}
	return &GormLogger{level: level, slow: slow, statement: statement}
}

func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Info {
		applog.FromContext(ctx).Info(fmt.Sprintf(msg, data...))
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Warn {
		applog.FromContext(ctx).Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Error {
		applog.FromContext(ctx).Error(fmt.Sprintf(msg, data...))
	}
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	statement := func() []zap.Field {
		sql, rows := fc()
		return []zap.Field{
			zap.String("caller", utils.FileWithLineNum()),
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
		}
	}

	log := applog.FromContext(ctx)
	switch {
	// a missing row is an answer, not a failure
	case err != nil && !errors.Is(err, logger.ErrRecordNotFound) && l.level >= logger.Error:
		log.Error("db statement failed", append(statement(), zap.Error(err))...)
	case elapsed > l.slow && l.level >= logger.Warn:
		log.Warn("slow db statement", append(statement(), zap.Duration("threshold", l.slow))...)
	case l.statement && l.level >= logger.Info:
		log.Debug("db statement", statement()...)
	}
}
