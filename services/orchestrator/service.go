package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/featureflags"
	"smallbiznis-billing/pkg/logger"
	"smallbiznis-billing/pkg/task"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/provider"
	"smallbiznis-billing/services/settlement"
	"smallbiznis-billing/services/subscription"

	"github.com/hibiken/asynq"
	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrUnsupportedMethod = errors.New("unsupported payment method")
	ErrMethodDisabled    = errors.New("payment method is disabled")
)

const (
	reconcileBatch      = 100
	maxReconcileBatches = 20
	verifyDelay         = time.Minute
)

// CheckoutStarter is implemented by adapters offering a hosted payment page.
type CheckoutStarter interface {
	Checkout(ctx context.Context, sub *subscription.Subscription, email string) (*provider.Result, error)
}

// Service routes subscription payments to the adapter of the subscription's
// payment method and applies administrator decisions.
type Service struct {
	db         *gorm.DB
	clock      clockwork.Clock
	billing    config.Billing
	machine    *subscription.StateMachine
	ledger     *ledger.Service
	settlement *settlement.Service
	adapters   provider.Registry
	flags      featureflags.FeatureFlag
	enqueuer   task.Enqueuer
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Config     *config.Config
	Machine    *subscription.StateMachine
	Ledger     *ledger.Service
	Settlement *settlement.Service
	Adapters   provider.Registry
	Flags      featureflags.FeatureFlag `optional:"true"`
	Enqueuer   task.Enqueuer            `optional:"true"`
	Clock      clockwork.Clock          `optional:"true"`
}

func NewService(p Params) *Service {
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		db:         p.DB,
		clock:      clock,
		billing:    p.Config.Billing,
		machine:    p.Machine,
		ledger:     p.Ledger,
		settlement: p.Settlement,
		adapters:   p.Adapters,
		flags:      p.Flags,
		enqueuer:   p.Enqueuer,
	}
}

// adapterFor resolves the adapter serving a payment method.
func (s *Service) adapterFor(ctx context.Context, sub *subscription.Subscription) (provider.Adapter, error) {
	p, ok := provider.ProviderFor(sub.PaymentMethod)
	if !ok {
		return nil, errutil.UnprocessableEntity("unsupported payment method", ErrUnsupportedMethod,
			errutil.WithDetails(errutil.Detail{Field: "payment_method", Message: string(sub.PaymentMethod)}))
	}
	a, ok := s.adapters[p]
	if !ok {
		return nil, errutil.UnprocessableEntity("unsupported payment method", ErrUnsupportedMethod,
			errutil.WithDetails(errutil.Detail{Field: "payment_method", Message: string(sub.PaymentMethod)}))
	}
	if s.flags != nil && !s.flags.Enabled(ctx, sub.EstablishmentID, "payment_method_"+string(sub.PaymentMethod)) {
		return nil, errutil.UnprocessableEntity("payment method is temporarily disabled", ErrMethodDisabled)
	}
	return a, nil
}

func (s *Service) pendingSubscription(ctx context.Context, id string) (*subscription.Subscription, error) {
	sub, err := s.machine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.PaymentStatus != subscription.PaymentPending {
		return nil, errutil.Conflict("subscription payment is not pending", subscription.ErrNotPending)
	}
	return sub, nil
}

// ProcessPayment starts a payment for a pending subscription with its
// configured method.
func (s *Service) ProcessPayment(ctx context.Context, subscriptionID string, payload provider.Payload) (*provider.Result, error) {
	sub, err := s.pendingSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	a, err := s.adapterFor(ctx, sub)
	if err != nil {
		return nil, err
	}

	res, err := a.Initiate(ctx, sub, payload)
	if err != nil {
		return nil, err
	}

	s.observe(ctx, "initiate", sub, a.Provider(), res)
	s.scheduleVerify(ctx, a.Provider(), res)
	return res, nil
}

// StartCheckout opens a hosted payment page for a card subscription.
func (s *Service) StartCheckout(ctx context.Context, subscriptionID, email string) (*provider.Result, error) {
	sub, err := s.pendingSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	a, err := s.adapterFor(ctx, sub)
	if err != nil {
		return nil, err
	}
	starter, ok := a.(CheckoutStarter)
	if !ok {
		return nil, errutil.UnprocessableEntity("hosted checkout requires the card payment method", ErrUnsupportedMethod)
	}

	res, err := starter.Checkout(ctx, sub, strings.TrimSpace(email))
	if err != nil {
		return nil, err
	}
	s.observe(ctx, "checkout", sub, a.Provider(), res)
	return res, nil
}

// Confirm completes the latest pending transaction with a confirmation code.
// A subscription whose payment is already valid confirms as a no-op.
func (s *Service) Confirm(ctx context.Context, subscriptionID, code string) (*provider.Result, error) {
	sub, err := s.machine.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	switch sub.PaymentStatus {
	case subscription.PaymentValid:
		return &provider.Result{Success: true, Status: ledger.Completed, TransactionID: sub.TransactionRef}, nil
	case subscription.PaymentRefused:
		return nil, errutil.Conflict("subscription payment was refused", subscription.ErrNotPending)
	}

	a, err := s.adapterFor(ctx, sub)
	if err != nil {
		return nil, err
	}

	res, err := a.Confirm(ctx, sub, strings.TrimSpace(code))
	if err != nil {
		return nil, err
	}
	s.observe(ctx, "confirm", sub, a.Provider(), res)
	return res, nil
}

// Verify polls the provider of one transaction.
func (s *Service) Verify(ctx context.Context, transactionID string) (*provider.Result, error) {
	txn, err := s.ledger.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	a, ok := s.adapters[txn.Provider]
	if !ok {
		return nil, errutil.UnprocessableEntity("unsupported provider", ErrUnsupportedMethod)
	}
	return a.Verify(ctx, transactionID)
}

// ReconcilePending re-polls transactions left pending longer than the
// configured window. Cash transactions wait for an administrator and are
// skipped. It returns how many transactions left the pending state.
func (s *Service) ReconcilePending(ctx context.Context) (int, error) {
	after := s.billing.PendingReconcileAfter
	if after <= 0 {
		after = 15 * time.Minute
	}

	cutoff := s.clock.Now().Add(-after)

	scanned, resolved := 0, 0
	var last *ledger.PaymentTransaction
	for range maxReconcileBatches {
		stale, err := s.ledger.ListStalePending(ctx, cutoff, last, reconcileBatch)
		if err != nil {
			return resolved, err
		}
		for _, txn := range stale {
			scanned++
			res, err := s.Verify(ctx, txn.TransactionID)
			if err != nil {
				logger.FromContext(ctx).Warn("reconcile verify failed",
					zap.String("transaction_id", txn.TransactionID),
					zap.String("provider", string(txn.Provider)),
					zap.Error(err),
				)
				continue
			}
			if res.Status != ledger.Pending {
				resolved++
			}
		}
		if len(stale) < reconcileBatch {
			break
		}
		last = stale[len(stale)-1]
	}

	if scanned > 0 {
		logger.FromContext(ctx).Info("pending transactions reconciled",
			zap.Int("scanned", scanned),
			zap.Int("resolved", resolved),
		)
	}
	return resolved, nil
}

// ValidatePayment is the administrator confirmation of the latest pending
// transaction of a subscription.
func (s *Service) ValidatePayment(ctx context.Context, subscriptionID, actor string) (*settlement.Outcome, error) {
	sub, err := s.pendingSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	txn, err := s.latestPending(ctx, sub)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, errutil.NotFound("no pending transaction", ledger.ErrTransactionNotFound)
	}

	out, err := s.settlement.Settle(ctx, txn.TransactionID, adminSource(actor))
	if err != nil {
		return nil, err
	}
	adminActionsTotal.WithLabelValues("validate").Inc()
	logger.FromContext(ctx).Info("payment validated by administrator",
		zap.String("subscription_id", sub.ID),
		zap.String("transaction_id", txn.TransactionID),
		zap.String("actor", actor),
	)
	return out, nil
}

// RejectPayment refuses the subscription payment and fails its latest
// pending transaction with the administrator's reason.
func (s *Service) RejectPayment(ctx context.Context, subscriptionID, reason, actor string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return errutil.ValidationFailed("reason is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "reason", Message: "required"}))
	}

	sub, err := s.pendingSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	txn, err := s.latestPending(ctx, sub)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if txn != nil {
			if _, err := s.ledger.MarkFailedTx(ctx, tx, txn.TransactionID, reason, "admin_rejected", adminSource(actor)); err != nil {
				return err
			}
		}
		return s.machine.RefuseTx(ctx, tx, sub.ID, reason)
	})
	if err != nil {
		return err
	}

	adminActionsTotal.WithLabelValues("reject").Inc()
	fields := []zap.Field{
		zap.String("subscription_id", sub.ID),
		zap.String("reason", reason),
		zap.String("actor", actor),
	}
	if txn != nil {
		fields = append(fields, zap.String("transaction_id", txn.TransactionID))
	}
	logger.FromContext(ctx).Info("payment rejected by administrator", fields...)
	return nil
}

// ChangePaymentMethod switches a pending subscription to another method.
// Pending transactions of other providers are failed so a late confirmation
// cannot activate through the abandoned method.
func (s *Service) ChangePaymentMethod(ctx context.Context, subscriptionID string, method subscription.PaymentMethod, actor string) (*subscription.Subscription, error) {
	p, ok := provider.ProviderFor(method)
	if !ok {
		return nil, errutil.ValidationFailed("unsupported payment method", ErrUnsupportedMethod,
			errutil.WithDetails(errutil.Detail{Field: "payment_method", Message: "must be one of card, airtel_money, orange_money, cash"}))
	}

	var (
		sub    *subscription.Subscription
		failed int
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		sub, err = s.machine.ChangePaymentMethodTx(ctx, tx, subscriptionID, method)
		if err != nil {
			return err
		}
		failed, err = s.ledger.FailPendingTx(ctx, tx, subscriptionID, p, "payment method changed", adminSource(actor))
		return err
	})
	if err != nil {
		return nil, err
	}

	adminActionsTotal.WithLabelValues("change_method").Inc()
	logger.FromContext(ctx).Info("payment method changed",
		zap.String("subscription_id", subscriptionID),
		zap.String("payment_method", string(method)),
		zap.Int("failed_transactions", failed),
		zap.String("actor", actor),
	)
	return sub, nil
}

// HandleVerifyTask polls a transaction scheduled for a later check.
func (s *Service) HandleVerifyTask(ctx context.Context, t *asynq.Task) error {
	var payload task.PaymentVerifyPayload
	if err := task.Decode(t, &payload); err != nil {
		return err
	}

	res, err := s.Verify(ctx, payload.TransactionID)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			return errors.Join(err, asynq.SkipRetry)
		}
		return err
	}
	if res.Status == ledger.Pending && res.Code == provider.CodeUnreachable {
		return errors.New("provider still unreachable")
	}
	return nil
}

// latestPending returns the newest pending transaction of the subscription's
// current provider, or nil.
func (s *Service) latestPending(ctx context.Context, sub *subscription.Subscription) (*ledger.PaymentTransaction, error) {
	p, ok := provider.ProviderFor(sub.PaymentMethod)
	if !ok {
		return nil, errutil.UnprocessableEntity("unsupported payment method", ErrUnsupportedMethod)
	}
	txn, err := s.ledger.LatestPending(ctx, sub.ID, p)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return nil, nil
	}
	return txn, err
}

// scheduleVerify queues a later poll for a charge whose provider could not be
// reached.
func (s *Service) scheduleVerify(ctx context.Context, p ledger.Provider, res *provider.Result) {
	if s.enqueuer == nil || res.Code != provider.CodeUnreachable || res.TransactionID == "" {
		return
	}

	t, err := task.NewTask(task.TypePaymentVerify, task.PaymentVerifyPayload{TransactionID: res.TransactionID})
	if err == nil {
		_, err = s.enqueuer.Enqueue(ctx, t,
			asynq.Queue(task.QueueDefault),
			asynq.ProcessIn(verifyDelay),
			asynq.MaxRetry(5),
		)
	}
	if err != nil {
		logger.FromContext(ctx).Warn("failed to schedule payment verification",
			zap.String("transaction_id", res.TransactionID),
			zap.String("provider", string(p)),
			zap.Error(err),
		)
	}
}

func (s *Service) observe(ctx context.Context, op string, sub *subscription.Subscription, p ledger.Provider, res *provider.Result) {
	outcome := string(res.Status)
	if res.Activated {
		outcome = "activated"
	}
	paymentsTotal.WithLabelValues(op, string(p), outcome).Inc()

	logger.FromContext(ctx).Info("payment "+op,
		zap.String("subscription_id", sub.ID),
		zap.String("transaction_id", res.TransactionID),
		zap.String("provider", string(p)),
		zap.String("status", string(res.Status)),
		zap.Bool("activated", res.Activated),
	)
}

func adminSource(actor string) string {
	if actor == "" {
		return "admin"
	}
	return "admin:" + actor
}
