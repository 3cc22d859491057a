package notification

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/logger"
	"smallbiznis-billing/pkg/task"
	"smallbiznis-billing/services/subscription"

	"github.com/hibiken/asynq"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultWindow = 7 * 24 * time.Hour

var expiryAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "billing",
	Name:      "expiry_alerts_total",
	Help:      "Expiry alerts by outcome.",
}, []string{"outcome"})

// Notifier delivers an alert to the establishment. Messaging channels live
// outside this service; the default notifier logs the alert.
type Notifier interface {
	Notify(ctx context.Context, establishmentID string, alert Alert) error
}

type logNotifier struct{}

func (logNotifier) Notify(ctx context.Context, establishmentID string, alert Alert) error {
	logger.FromContext(ctx).Info("subscription alert",
		zap.String("establishment_id", establishmentID),
		zap.String("subscription_id", alert.SubscriptionID),
		zap.String("kind", string(alert.Kind)),
		zap.Int("days_left", alert.DaysLeft),
	)
	return nil
}

// Service reads subscriptions to surface alerts. It never changes them.
type Service struct {
	db       *gorm.DB
	clock    clockwork.Clock
	window   time.Duration
	machine  *subscription.StateMachine
	notifier Notifier
	enqueuer task.Enqueuer
}

type Params struct {
	fx.In
	DB       *gorm.DB
	Config   *config.Config
	Machine  *subscription.StateMachine
	Notifier Notifier        `optional:"true"`
	Enqueuer task.Enqueuer   `optional:"true"`
	Clock    clockwork.Clock `optional:"true"`
}

func NewService(p Params) *Service {
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	notifier := p.Notifier
	if notifier == nil {
		notifier = logNotifier{}
	}
	window := p.Config.Billing.ExpiryAlertWindow
	if window <= 0 {
		window = defaultWindow
	}
	return &Service{
		db:       p.DB,
		clock:    clock,
		window:   window,
		machine:  p.Machine,
		notifier: notifier,
		enqueuer: p.Enqueuer,
	}
}

// Alerts describes the establishment's latest subscription. An establishment
// without one has no alerts.
func (s *Service) Alerts(ctx context.Context, establishmentID string) ([]Alert, error) {
	sub, err := s.machine.Latest(ctx, establishmentID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return []Alert{}, nil
	}
	return s.alertsFor(sub), nil
}

func (s *Service) alertsFor(sub *subscription.Subscription) []Alert {
	now := s.clock.Now()
	alerts := []Alert{}

	switch sub.PaymentStatus {
	case subscription.PaymentPending:
		if sub.Status == subscription.Pending {
			alerts = append(alerts, Alert{
				Kind:           PaymentPending,
				SubscriptionID: sub.ID,
				Message:        fmt.Sprintf("Payment by %s is awaiting confirmation.", sub.PaymentMethod),
			})
		}
	case subscription.PaymentRefused:
		alerts = append(alerts, Alert{
			Kind:           PaymentRefused,
			SubscriptionID: sub.ID,
			Message:        "Payment was refused. Choose another payment method to continue.",
		})
	}

	if sub.EndDate == nil {
		return alerts
	}
	switch {
	case sub.Status == subscription.Expired,
		sub.Status == subscription.Active && sub.EndDate.Before(now):
		alerts = append(alerts, Alert{
			Kind:           Expired,
			SubscriptionID: sub.ID,
			Message:        "Subscription has expired.",
			EndDate:        sub.EndDate,
		})
	case sub.Status == subscription.Active && !sub.EndDate.After(now.Add(s.window)):
		days := daysLeft(now, *sub.EndDate)
		alerts = append(alerts, Alert{
			Kind:           ExpiringSoon,
			SubscriptionID: sub.ID,
			Message:        fmt.Sprintf("Subscription expires in %d day(s).", days),
			EndDate:        sub.EndDate,
			DaysLeft:       days,
		})
	}
	return alerts
}

// ExpiringWithin lists active subscriptions ending between now and now+window.
func (s *Service) ExpiringWithin(ctx context.Context, window time.Duration) ([]*subscription.Subscription, error) {
	now := s.clock.Now()
	var subs []*subscription.Subscription
	err := s.db.WithContext(ctx).
		Where("status = ? AND is_active = ? AND end_date >= ? AND end_date <= ?",
			subscription.Active, true, now, now.Add(window)).
		Order("end_date asc").
		Find(&subs).Error
	if err != nil {
		return nil, errutil.Internal("failed to list expiring subscriptions", err)
	}
	return subs, nil
}

// EnqueueExpiryAlerts schedules one notification:expiry task per expiring
// subscription and period. Repeated sweeps do not enqueue the same alert twice.
func (s *Service) EnqueueExpiryAlerts(ctx context.Context) (int64, error) {
	if s.enqueuer == nil {
		return 0, nil
	}
	subs, err := s.ExpiringWithin(ctx, s.window)
	if err != nil {
		return 0, err
	}

	var n int64
	for _, sub := range subs {
		end := sub.EndDate.UTC().Format(time.RFC3339)
		t, err := task.NewTask(task.TypeNotificationExpiry, task.NotificationExpiryPayload{
			SubscriptionID:  sub.ID,
			EstablishmentID: sub.EstablishmentID,
			EndDate:         end,
		})
		if err != nil {
			return n, err
		}
		_, err = s.enqueuer.Enqueue(ctx, t,
			asynq.Queue(task.QueueLow),
			asynq.TaskID("expiry:"+sub.ID+":"+sub.EndDate.UTC().Format("20060102")),
			asynq.Retention(s.window),
		)
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			continue
		}
		if err != nil {
			logger.FromContext(ctx).Error("failed to enqueue expiry alert",
				zap.String("subscription_id", sub.ID),
				zap.Error(err),
			)
			continue
		}
		n++
	}
	return n, nil
}

// HandleExpiryTask delivers the alert if the subscription still ends on the
// enqueued date. A renewed or cancelled subscription drops the alert.
func (s *Service) HandleExpiryTask(ctx context.Context, t *asynq.Task) error {
	var payload task.NotificationExpiryPayload
	if err := task.Decode(t, &payload); err != nil {
		return errors.Join(err, asynq.SkipRetry)
	}
	zapLog := logger.FromContext(ctx).With(zap.String("subscription_id", payload.SubscriptionID))

	sub, err := s.machine.Get(ctx, payload.SubscriptionID)
	if errors.Is(err, subscription.ErrNotFound) {
		return errors.Join(err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}

	if sub.Status != subscription.Active || sub.EndDate == nil ||
		sub.EndDate.UTC().Format(time.RFC3339) != payload.EndDate {
		zapLog.Info("expiry alert no longer applies", zap.String("status", string(sub.Status)))
		expiryAlertsTotal.WithLabelValues("stale").Inc()
		return nil
	}

	for _, alert := range s.alertsFor(sub) {
		if alert.Kind != ExpiringSoon && alert.Kind != Expired {
			continue
		}
		if err := s.notifier.Notify(ctx, sub.EstablishmentID, alert); err != nil {
			expiryAlertsTotal.WithLabelValues("error").Inc()
			return err
		}
		expiryAlertsTotal.WithLabelValues("delivered").Inc()
	}
	return nil
}

func RegisterTasks(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(task.TypeNotificationExpiry, s.HandleExpiryTask)
}

func daysLeft(now, end time.Time) int {
	d := end.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}
