package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/logger"
	"smallbiznis-billing/pkg/rediskey"
	"smallbiznis-billing/pkg/repository"
	"smallbiznis-billing/pkg/task"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/provider"
	"smallbiznis-billing/services/settlement"
	"smallbiznis-billing/services/subscription"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const lockTTL = 30 * time.Second

var (
	errUnresolved          = errors.New("transaction not found for callback")
	errUnknownSubscription = errors.New("callback names an unknown subscription")
	errStillPending        = errors.New("provider still reports the payment pending")
)

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "billing",
	Name:      "webhook_events_total",
	Help:      "Provider callbacks by provider and journal status.",
}, []string{"provider", "status"})

// Service journals provider callbacks and reconciles them with the ledger.
type Service struct {
	db         *gorm.DB
	node       *snowflake.Node
	clock      clockwork.Clock
	redis      *redis.Client
	ledger     *ledger.Service
	machine    *subscription.StateMachine
	settlement *settlement.Service
	enqueuer   task.Enqueuer
	adapters   provider.Registry
	journal    repository.Repository[WebhookEvent]
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Node       *snowflake.Node
	Ledger     *ledger.Service
	Machine    *subscription.StateMachine
	Settlement *settlement.Service
	Adapters   provider.Registry `optional:"true"`
	Redis      *redis.Client     `optional:"true"`
	Enqueuer   task.Enqueuer     `optional:"true"`
	Clock      clockwork.Clock   `optional:"true"`
}

func NewService(p Params) *Service {
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		db:         p.DB,
		node:       p.Node,
		clock:      clock,
		redis:      p.Redis,
		ledger:     p.Ledger,
		machine:    p.Machine,
		settlement: p.Settlement,
		enqueuer:   p.Enqueuer,
		adapters:   p.Adapters,
		journal:    repository.ProvideStore[WebhookEvent](p.DB),
	}
}

// Ingest records the callback and applies it. Once the journal row exists the
// callback is acknowledged: processing failures defer it to the worker and
// are not returned.
func (s *Service) Ingest(ctx context.Context, ev *Event, payload []byte) (*WebhookEvent, error) {
	zapLog := logger.FromContext(ctx).With(
		zap.String("provider", string(ev.Provider)),
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
	)

	now := s.clock.Now()
	row := &WebhookEvent{
		ID:            s.node.Generate().String(),
		CreatedAt:     now,
		UpdatedAt:     now,
		Provider:      ev.Provider,
		EventID:       ev.ID,
		EventType:     ev.Type,
		TransactionID: ev.TransactionID,
		Status:        Received,
		Event:         datatypes.NewJSONType(*ev),
		Payload:       datatypes.JSON(payload),
	}
	if err := s.journal.Create(ctx, row); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, ferr := s.journal.FindOne(ctx, &WebhookEvent{Provider: ev.Provider, EventID: ev.ID})
			if ferr != nil || existing == nil {
				return nil, errutil.Internal("failed to load webhook event", errors.Join(err, ferr))
			}
			zapLog.Info("duplicate webhook delivery ignored", zap.String("status", string(existing.Status)))
			eventsTotal.WithLabelValues(string(ev.Provider), "duplicate").Inc()
			return existing, nil
		}
		return nil, errutil.Internal("failed to record webhook event", err)
	}

	s.run(ctx, row)
	return row, nil
}

// Reconcile retries a deferred journal entry. An error asks the task queue
// to retry later.
func (s *Service) Reconcile(ctx context.Context, id string) error {
	row, err := s.journal.FindOne(ctx, &WebhookEvent{ID: id})
	if err != nil {
		return err
	}
	if row == nil {
		return errutil.NotFound("webhook event not found", nil)
	}
	if row.Status != Deferred && row.Status != Received {
		return nil
	}

	if s.run(ctx, row) == Deferred {
		return fmt.Errorf("webhook event %s still deferred: %s", row.ID, row.Error)
	}
	return nil
}

func (s *Service) HandleReconcileTask(ctx context.Context, t *asynq.Task) error {
	var payload task.WebhookReconcilePayload
	if err := task.Decode(t, &payload); err != nil {
		return err
	}
	err := s.Reconcile(ctx, payload.EventID)
	var base errutil.BaseError
	if errors.As(err, &base) && base.Code == errutil.StatusNotFound {
		return errors.Join(err, asynq.SkipRetry)
	}
	return err
}

func RegisterTasks(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(task.TypeWebhookReconcile, s.HandleReconcileTask)
}

// run processes the row under a short redis lock and stores the outcome.
func (s *Service) run(ctx context.Context, row *WebhookEvent) EventStatus {
	zapLog := logger.FromContext(ctx).With(
		zap.String("provider", string(row.Provider)),
		zap.String("event_id", row.EventID),
		zap.String("webhook_id", row.ID),
	)

	unlock, ok := s.lock(ctx, row)
	if !ok {
		zapLog.Info("webhook event already being processed")
		return row.Status
	}
	defer unlock()

	ev := row.Event.Data()
	status, txnID, err := s.apply(ctx, &ev)

	updates := map[string]any{
		"attempts":   row.Attempts + 1,
		"updated_at": s.clock.Now(),
		"error":      "",
	}
	if txnID != "" {
		updates["transaction_id"] = txnID
	}
	if err != nil {
		status = Deferred
		updates["error"] = err.Error()
		zapLog.Warn("webhook processing deferred",
			zap.String("transaction_id", txnID),
			zap.String("subscription_id", ev.SubscriptionID),
			zap.Error(err),
		)
	} else {
		now := s.clock.Now()
		updates["processed_at"] = now
		row.ProcessedAt = &now
	}
	updates["status"] = status

	if uerr := s.journal.Update(ctx, row.ID, updates); uerr != nil {
		zapLog.Error("failed to update webhook journal", zap.Error(uerr))
	}
	row.Status = status
	if txnID != "" {
		row.TransactionID = txnID
	}
	row.Attempts++
	if err != nil {
		row.Error = err.Error()
	}
	eventsTotal.WithLabelValues(string(row.Provider), string(status)).Inc()

	if status == Deferred && row.Attempts == 1 {
		s.enqueueReconcile(ctx, row)
	}
	return status
}

// apply resolves the transaction and moves it. The subscription is taken from
// the ledger row written at initiation, never from the callback alone.
func (s *Service) apply(ctx context.Context, ev *Event) (EventStatus, string, error) {
	if ev.Kind == KindUnknown {
		logger.FromContext(ctx).Info("unhandled webhook event type", zap.String("event_type", ev.Type))
		return Ignored, "", nil
	}

	txn, err := s.resolve(ctx, ev)
	if errors.Is(err, errUnknownSubscription) {
		logger.FromContext(ctx).Warn("webhook for unknown subscription dropped",
			zap.String("subscription_id", ev.SubscriptionID),
		)
		return Ignored, "", nil
	}
	if err != nil {
		return Deferred, "", err
	}
	if txn == nil {
		return Deferred, "", errUnresolved
	}
	if ev.SubscriptionID != "" && ev.SubscriptionID != txn.SubscriptionID {
		logger.FromContext(ctx).Warn("webhook subscription mismatch",
			zap.String("transaction_id", txn.TransactionID),
			zap.String("subscription_id", txn.SubscriptionID),
			zap.String("claimed_subscription_id", ev.SubscriptionID),
		)
		return Ignored, txn.TransactionID, nil
	}

	if txn.Status == ledger.Completed || txn.Status == ledger.Refunded {
		logger.FromContext(ctx).Info("webhook for completed transaction ignored",
			zap.String("transaction_id", txn.TransactionID),
			zap.String("subscription_id", txn.SubscriptionID),
		)
		return Ignored, txn.TransactionID, nil
	}

	if !authenticated(ev.Provider) {
		return s.confirm(ctx, txn, ev)
	}

	source := "webhook:" + string(ev.Provider)
	switch ev.Kind {
	case KindSucceeded:
		if _, err := s.settlement.Settle(ctx, txn.TransactionID, source); err != nil {
			return Deferred, txn.TransactionID, err
		}
		return Processed, txn.TransactionID, nil
	case KindFailed:
		if _, err := s.settlement.Fail(ctx, txn.TransactionID, ev.Message, ev.Code, source); err != nil {
			return Deferred, txn.TransactionID, err
		}
		return Processed, txn.TransactionID, nil
	}
	return Ignored, txn.TransactionID, nil
}

// authenticated reports whether p signs its callbacks.
func authenticated(p ledger.Provider) bool {
	return p == ledger.Stripe
}

// confirm treats an unsigned callback as a hint only: the outcome is read back
// from the provider's status endpoint through the adapter.
func (s *Service) confirm(ctx context.Context, txn *ledger.PaymentTransaction, ev *Event) (EventStatus, string, error) {
	if ev.Kind != KindSucceeded && ev.Kind != KindFailed {
		return Ignored, txn.TransactionID, nil
	}

	adapter, ok := s.adapters[txn.Provider]
	if !ok {
		return Deferred, txn.TransactionID, fmt.Errorf("no adapter for provider %s", txn.Provider)
	}
	res, err := adapter.Verify(ctx, txn.TransactionID)
	if err != nil {
		return Deferred, txn.TransactionID, err
	}

	if res.Status == ledger.Pending {
		if ev.Kind == KindSucceeded {
			logger.FromContext(ctx).Warn("callback reports success not confirmed by provider",
				zap.String("transaction_id", txn.TransactionID),
				zap.String("subscription_id", txn.SubscriptionID),
				zap.String("provider_code", res.Code),
			)
		}
		return Deferred, txn.TransactionID, errStillPending
	}
	return Processed, txn.TransactionID, nil
}

// resolve finds the ledger row of the callback. A paid hosted checkout with no
// row yet is recorded from its metadata.
func (s *Service) resolve(ctx context.Context, ev *Event) (*ledger.PaymentTransaction, error) {
	for _, ref := range []string{ev.TransactionID, ev.Reference} {
		txn, err := s.ledger.FindByReference(ctx, ev.Provider, ref)
		if err != nil {
			return nil, err
		}
		if txn != nil {
			return txn, nil
		}
	}

	if ev.Provider != ledger.Stripe || ev.Kind != KindSucceeded || ev.SubscriptionID == "" || ev.Amount <= 0 {
		return nil, nil
	}

	sub, err := s.machine.Get(ctx, ev.SubscriptionID)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			return nil, errUnknownSubscription
		}
		return nil, err
	}

	id := ev.TransactionID
	if id == "" {
		id = ev.Reference
	}
	return s.ledger.Record(ctx, ledger.RecordParams{
		TransactionID:     id,
		ProviderReference: ev.Reference,
		SubscriptionID:    sub.ID,
		EstablishmentID:   sub.EstablishmentID,
		Provider:          ev.Provider,
		PaymentMethod:     string(subscription.Card),
		Amount:            ev.Amount,
		Currency:          ev.Currency,
		Metadata:          map[string]any{"kind": "checkout", "recorded_from": ev.ID},
		Source:            "webhook",
	})
}

func (s *Service) lock(ctx context.Context, row *WebhookEvent) (func(), bool) {
	if s.redis == nil {
		return func() {}, true
	}

	key := rediskey.BuildWebhookLockKey(string(row.Provider), row.EventID)
	ok, err := s.redis.SetNX(ctx, key, row.ID, lockTTL).Result()
	if err != nil {
		// redis down: settlement stays idempotent without the lock
		logger.FromContext(ctx).Warn("webhook lock unavailable", zap.Error(err))
		return func() {}, true
	}
	if !ok {
		return nil, false
	}
	return func() { _ = s.redis.Del(context.WithoutCancel(ctx), key).Err() }, true
}

func (s *Service) enqueueReconcile(ctx context.Context, row *WebhookEvent) {
	if s.enqueuer == nil {
		return
	}
	t, err := task.NewTask(task.TypeWebhookReconcile, task.WebhookReconcilePayload{EventID: row.ID})
	if err == nil {
		_, err = s.enqueuer.Enqueue(ctx, t,
			asynq.Queue(task.QueueDefault),
			asynq.ProcessIn(30*time.Second),
			asynq.MaxRetry(12),
		)
	}
	if err != nil {
		logger.FromContext(ctx).Error("failed to enqueue webhook reconcile",
			zap.String("webhook_id", row.ID),
			zap.Error(err),
		)
	}
}
