package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm/logger"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func statement() (string, int64) { return "SELECT 1", 1 }

func TestGormLoggerTrace(t *testing.T) {
	logs := observe(t)
	ctx := context.Background()
	l := NewGormLogger(logger.Warn, 50*time.Millisecond, false)

	l.Trace(ctx, time.Now(), statement, logger.ErrRecordNotFound)
	require.Zero(t, logs.Len())

	l.Trace(ctx, time.Now(), statement, errors.New("deadlock"))
	require.Equal(t, 1, logs.FilterMessage("db statement failed").Len())

	l.Trace(ctx, time.Now().Add(-time.Second), statement, nil)
	require.Equal(t, 1, logs.FilterMessage("slow db statement").Len())

	l.Trace(ctx, time.Now(), statement, nil)
	require.Equal(t, 2, logs.Len())

	verbose := NewGormLogger(logger.Info, 0, true)
	verbose.Trace(ctx, time.Now(), statement, nil)
	require.Equal(t, 1, logs.FilterMessage("db statement").Len())

	silent := l.LogMode(logger.Silent)
	silent.Trace(ctx, time.Now(), statement, errors.New("ignored"))
	require.Equal(t, 3, logs.Len())
}
