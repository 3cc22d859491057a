package settlement

import (
	"context"
	"errors"

	"smallbiznis-billing/pkg/logger"
	"smallbiznis-billing/pkg/task"
	"smallbiznis-billing/services/invoice"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/subscription"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("settlement.service", fx.Provide(NewService))

var settledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "billing",
	Name:      "settlements_total",
	Help:      "Provider confirmations applied to the ledger, by provider and outcome.",
}, []string{"provider", "outcome"})

const (
	outcomeActivated = "activated"
	outcomeDuplicate = "duplicate"
	outcomeNoop      = "already_active"
	outcomeRefund    = "refund_required"
	outcomeFailed    = "failed"
)

// Outcome describes what one settlement call changed.
type Outcome struct {
	Transaction *ledger.PaymentTransaction `json:"transaction"`
	// Completed is false when the transaction had already been completed.
	Completed bool `json:"completed"`
	Activated bool `json:"activated"`
	// RefundRequired is set when money arrived for a refused subscription.
	RefundRequired bool             `json:"refund_required,omitempty"`
	Invoice        *invoice.Invoice `json:"invoice,omitempty"`
}

// Service applies a provider confirmed payment: ledger completion,
// subscription activation and invoice issue commit together or not at all.
type Service struct {
	db       *gorm.DB
	ledger   *ledger.Service
	machine  *subscription.StateMachine
	invoices *invoice.Service
	enqueuer task.Enqueuer
}

type Params struct {
	fx.In
	DB       *gorm.DB
	Ledger   *ledger.Service
	Machine  *subscription.StateMachine
	Invoices *invoice.Service
	Enqueuer task.Enqueuer `optional:"true"`
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		ledger:   p.Ledger,
		machine:  p.Machine,
		invoices: p.Invoices,
		enqueuer: p.Enqueuer,
	}
}

// Settle completes the transaction and activates its subscription. Repeated
// and concurrent calls for the same transaction or subscription are no-ops.
func (s *Service) Settle(ctx context.Context, transactionID, source string) (*Outcome, error) {
	out := &Outcome{}
	zapLog := logger.FromContext(ctx).With(
		zap.String("transaction_id", transactionID),
		zap.String("source", source),
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, changed, err := s.ledger.CompleteTx(ctx, tx, transactionID, source)
		if err != nil {
			return err
		}
		out.Transaction = txn
		out.Completed = changed
		if !changed {
			return nil
		}

		activated, err := s.machine.ActivateTx(ctx, tx, txn.SubscriptionID, txn.TransactionID)
		if errors.Is(err, subscription.ErrInvalidTransition) {
			// the payment is real, so the completion is kept
			out.RefundRequired = true
			return nil
		}
		if err != nil {
			return err
		}
		if !activated {
			return nil
		}
		out.Activated = true

		sub, err := s.machine.GetTx(ctx, tx, txn.SubscriptionID)
		if err != nil {
			return err
		}
		out.Invoice, err = s.invoices.IssueTx(ctx, tx, sub)
		return err
	})
	if err != nil {
		zapLog.Error("settlement failed", zap.Error(err))
		return nil, err
	}

	provider := string(out.Transaction.Provider)
	zapLog = zapLog.With(
		zap.String("subscription_id", out.Transaction.SubscriptionID),
		zap.String("provider", provider),
	)

	switch {
	case !out.Completed:
		settledTotal.WithLabelValues(provider, outcomeDuplicate).Inc()
		zapLog.Info("transaction already completed, settlement skipped")
	case out.RefundRequired:
		settledTotal.WithLabelValues(provider, outcomeRefund).Inc()
		zapLog.Error("payment completed for a refused subscription, manual refund required",
			zap.Int64("amount", out.Transaction.Amount),
			zap.String("currency", out.Transaction.Currency),
		)
	case !out.Activated:
		settledTotal.WithLabelValues(provider, outcomeNoop).Inc()
		zapLog.Warn("subscription was already active, transaction completed without activation")
	default:
		settledTotal.WithLabelValues(provider, outcomeActivated).Inc()
		s.enqueueRender(ctx, out.Invoice)
	}

	return out, nil
}

// Fail records a provider reported failure. It returns false when the
// transaction was not pending.
func (s *Service) Fail(ctx context.Context, transactionID, reason, code, source string) (bool, error) {
	changed, err := s.ledger.MarkFailed(ctx, transactionID, reason, code, source)
	if err != nil {
		return false, err
	}
	if changed {
		if txn, err := s.ledger.Get(ctx, transactionID); err == nil {
			settledTotal.WithLabelValues(string(txn.Provider), outcomeFailed).Inc()
		}
	}
	return changed, nil
}

func (s *Service) enqueueRender(ctx context.Context, inv *invoice.Invoice) {
	if s.enqueuer == nil || inv == nil {
		return
	}

	t, err := task.NewTask(task.TypeInvoiceRender, task.InvoiceRenderPayload{InvoiceID: inv.ID})
	if err == nil {
		_, err = s.enqueuer.Enqueue(ctx, t, asynq.Queue(task.QueueLow), asynq.MaxRetry(10))
	}
	if err != nil {
		logger.FromContext(ctx).Warn("failed to enqueue invoice render",
			zap.String("invoice_id", inv.ID),
			zap.Error(err),
		)
	}
}
