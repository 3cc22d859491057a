package task

import (
	"context"
	"errors"
	"fmt"

	"smallbiznis-billing/pkg/logger"
	"smallbiznis-billing/services/invoice"
	"smallbiznis-billing/services/notification"
	"smallbiznis-billing/services/orchestrator"
	"smallbiznis-billing/services/subscription"

	"github.com/bwmarrin/snowflake"
	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Sweep is a periodic maintenance pass. Run reports how many records it
// touched.
type Sweep struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	clock  clockwork.Clock
	sweeps []Sweep
}

type Params struct {
	fx.In
	DB            *gorm.DB
	Node          *snowflake.Node
	Machine       *subscription.StateMachine
	Notifications *notification.Service
	Orchestrator  *orchestrator.Service
	Invoices      *invoice.Service
	Clock         clockwork.Clock `optional:"true"`
}

func NewService(p Params) *Service {
	return newService(p.DB, p.Node, p.Clock,
		Sweep{Name: "subscription_expiry", Run: p.Machine.ExpireDue},
		Sweep{Name: "expiry_alerts", Run: p.Notifications.EnqueueExpiryAlerts},
		Sweep{Name: "pending_reconcile", Run: func(ctx context.Context) (int64, error) {
			n, err := p.Orchestrator.ReconcilePending(ctx)
			return int64(n), err
		}},
		Sweep{Name: "invoice_overdue", Run: p.Invoices.MarkOverdue},
	)
}

func newService(db *gorm.DB, node *snowflake.Node, clock clockwork.Clock, sweeps ...Sweep) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{db: db, node: node, clock: clock, sweeps: sweeps}
}

// RunAll runs every sweep in order. A failing sweep does not stop the others.
func (s *Service) RunAll(ctx context.Context) error {
	var errs []error
	for _, sw := range s.sweeps {
		if err := s.Run(ctx, sw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sw.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Run executes one sweep and records it as a Job.
func (s *Service) Run(ctx context.Context, sw Sweep) error {
	zapLog := logger.FromContext(ctx).With(zap.String("sweep", sw.Name))

	now := s.clock.Now()
	job := Job{
		ID:        s.node.Generate().String(),
		Name:      sw.Name,
		Status:    JobRunning,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return err
	}

	n, runErr := sw.Run(ctx)

	done := s.clock.Now()
	updates := map[string]any{
		"status":       JobSuccess,
		"affected":     n,
		"completed_at": done,
		"updated_at":   done,
	}
	if runErr != nil {
		updates["status"] = JobFailed
		updates["error_msg"] = runErr.Error()
		zapLog.Error("sweep failed", zap.Int64("affected", n), zap.Error(runErr))
	} else if n > 0 {
		zapLog.Info("sweep finished", zap.Int64("affected", n))
	}

	if err := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
		zapLog.Error("failed to record sweep job", zap.String("job_id", job.ID), zap.Error(err))
	}
	return runErr
}

// LastRun returns the most recent job of the named sweep, or nil.
func (s *Service) LastRun(ctx context.Context, name string) (*Job, error) {
	var jobs []Job
	err := s.db.WithContext(ctx).Where("name = ?", name).Order("started_at desc, id desc").Limit(1).Find(&jobs).Error
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return &jobs[0], nil
}
