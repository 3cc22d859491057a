package task

import (
	"context"
	"time"

	"smallbiznis-billing/pkg/config"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultInterval = time.Hour

type Scheduler struct {
	service  *Service
	clock    clockwork.Clock
	interval time.Duration
}

type SchedulerParams struct {
	fx.In
	Service *Service
	Config  *config.Config
	Clock   clockwork.Clock `optional:"true"`
}

func NewScheduler(p SchedulerParams) *Scheduler {
	return newScheduler(p.Service, p.Clock, p.Config.Worker.SweepInterval)
}

func newScheduler(svc *Service, clock clockwork.Clock, interval time.Duration) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{service: svc, clock: clock, interval: interval}
}

// StartScheduler runs the sweeps for the lifetime of the worker.
func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.run(ctx)
			}()
			return nil
		},
		OnStop: func(stop context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stop.Done():
			}
			return nil
		},
	})
}

// run sweeps once at start and then on every tick.
func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started", zap.Duration("interval", s.interval))

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.tick(ctx)

		select {
		case <-ticker.Chan():
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	start := s.clock.Now()
	if err := s.service.RunAll(ctx); err != nil {
		zap.L().Error("[Scheduler] sweep run finished with errors", zap.Error(err))
		return
	}
	zap.L().Debug("[Scheduler] sweep run finished", zap.Duration("duration", s.clock.Since(start)))
}
