package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"smallbiznis-billing/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var t0 = time.Date(2026, 3, 14, 1, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, clock clockwork.Clock, sweeps ...Sweep) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &Job{})
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	return newService(db, node, clock, sweeps...), db
}

func TestRunAllRecordsJobs(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	boom := errors.New("boom")
	var calls []string

	svc, db := newTestService(t, clock,
		Sweep{Name: "expire", Run: func(context.Context) (int64, error) {
			calls = append(calls, "expire")
			return 3, nil
		}},
		Sweep{Name: "reconcile", Run: func(context.Context) (int64, error) {
			calls = append(calls, "reconcile")
			return 1, boom
		}},
		Sweep{Name: "overdue", Run: func(context.Context) (int64, error) {
			calls = append(calls, "overdue")
			return 0, nil
		}},
	)
	ctx := context.Background()

	err := svc.RunAll(ctx)
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "reconcile")
	require.Equal(t, []string{"expire", "reconcile", "overdue"}, calls)

	var count int64
	require.NoError(t, db.Model(&Job{}).Count(&count).Error)
	require.EqualValues(t, 3, count)

	job, err := svc.LastRun(ctx, "expire")
	require.NoError(t, err)
	require.Equal(t, JobSuccess, job.Status)
	require.EqualValues(t, 3, job.Affected)
	require.NotNil(t, job.CompletedAt)

	job, err = svc.LastRun(ctx, "reconcile")
	require.NoError(t, err)
	require.Equal(t, JobFailed, job.Status)
	require.Equal(t, "boom", job.ErrorMsg)

	job, err = svc.LastRun(ctx, "unknown")
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestSchedulerSweepsOnEveryTick(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	var runs atomic.Int32
	svc, _ := newTestService(t, clock, Sweep{Name: "count", Run: func(context.Context) (int64, error) {
		runs.Add(1)
		return 0, nil
	}})
	s := newScheduler(svc, clock, 10*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(ctx)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(10 * time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestSchedulerDefaultInterval(t *testing.T) {
	s := newScheduler(nil, nil, 0)
	require.Equal(t, time.Hour, s.interval)
}
