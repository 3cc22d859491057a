package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"smallbiznis-billing/pkg/task"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/provider"
	"smallbiznis-billing/services/settlement/settlementtest"
	"smallbiznis-billing/services/subscription"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeAdapter struct {
	provider ledger.Provider
	initiate func(ctx context.Context, sub *subscription.Subscription, p provider.Payload) (*provider.Result, error)
	confirm  func(ctx context.Context, sub *subscription.Subscription, code string) (*provider.Result, error)
	verify   func(ctx context.Context, transactionID string) (*provider.Result, error)

	confirmCalls int
}

func (f *fakeAdapter) Provider() ledger.Provider { return f.provider }

func (f *fakeAdapter) Initiate(ctx context.Context, sub *subscription.Subscription, p provider.Payload) (*provider.Result, error) {
	return f.initiate(ctx, sub, p)
}

func (f *fakeAdapter) Confirm(ctx context.Context, sub *subscription.Subscription, code string) (*provider.Result, error) {
	f.confirmCalls++
	return f.confirm(ctx, sub, code)
}

func (f *fakeAdapter) Verify(ctx context.Context, transactionID string) (*provider.Result, error) {
	return f.verify(ctx, transactionID)
}

type flags map[string]bool

func (f flags) Enabled(ctx context.Context, identifier, feature string) bool {
	disabled := f[feature]
	return !disabled
}

type fixture struct {
	*settlementtest.Stack
	svc    *Service
	airtel *fakeAdapter
	flags  flags
}

func setup(t *testing.T) *fixture {
	t.Helper()

	s := settlementtest.New(t)
	airtel := &fakeAdapter{provider: ledger.Airtel}
	f := &fixture{Stack: s, airtel: airtel, flags: flags{}}

	deps := provider.Deps{Ledger: s.Ledger, Settlement: s.Settlement}
	f.svc = NewService(Params{
		DB:         s.DB,
		Config:     s.Config,
		Machine:    s.Machine,
		Ledger:     s.Ledger,
		Settlement: s.Settlement,
		Adapters: provider.Registry{
			ledger.Airtel:       airtel,
			ledger.CashProvider: provider.NewCashAdapter(deps, s.Sequence),
		},
		Flags:    f.flags,
		Enqueuer: s.Tasks,
		Clock:    s.Clock,
	})
	return f
}

func TestCashPaymentThenAdminValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.Subscription(t, "s1", "standard", subscription.Cash)

	res, err := f.svc.ProcessPayment(ctx, "s1", provider.Payload{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, ledger.Pending, res.Status)
	require.Equal(t, subscription.PaymentPending, f.Reload(t, "s1").PaymentStatus)

	out, err := f.svc.ValidatePayment(ctx, "s1", "ops-1")
	require.NoError(t, err)
	require.True(t, out.Activated)
	require.Equal(t, res.TransactionID, out.Transaction.TransactionID)
	require.NotNil(t, out.Invoice)
	require.EqualValues(t, 2500, out.Invoice.Amount)
	require.EqualValues(t, 450, out.Invoice.TaxAmount)
	require.EqualValues(t, 2950, out.Invoice.Total)

	sub := f.Reload(t, "s1")
	require.Equal(t, subscription.PaymentValid, sub.PaymentStatus)
	require.Equal(t, subscription.Active, sub.Status)
	require.True(t, sub.IsActive(f.Clock.Now()))
	require.Equal(t, 1, f.Accounts.Count("est-s1"))

	_, err = f.svc.ProcessPayment(ctx, "s1", provider.Payload{})
	require.ErrorIs(t, err, subscription.ErrNotPending)
}

func TestValidateWithoutPendingTransaction(t *testing.T) {
	f := setup(t)
	f.Subscription(t, "s1", "standard", subscription.Cash)

	_, err := f.svc.ValidatePayment(context.Background(), "s1", "")
	require.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func TestProcessPaymentUnsupportedMethod(t *testing.T) {
	f := setup(t)
	f.Subscription(t, "s1", "standard", subscription.PaymentMethod("bitcoin"))

	_, err := f.svc.ProcessPayment(context.Background(), "s1", provider.Payload{})
	require.ErrorIs(t, err, ErrUnsupportedMethod)

	var n int64
	require.NoError(t, f.DB.Model(&ledger.PaymentTransaction{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestProcessPaymentMethodDisabled(t *testing.T) {
	f := setup(t)
	f.flags["payment_method_cash"] = true
	f.Subscription(t, "s1", "standard", subscription.Cash)

	_, err := f.svc.ProcessPayment(context.Background(), "s1", provider.Payload{})
	require.ErrorIs(t, err, ErrMethodDisabled)
}

func TestProcessPaymentSchedulesVerifyWhenUnreachable(t *testing.T) {
	f := setup(t)
	f.airtel.initiate = func(ctx context.Context, sub *subscription.Subscription, p provider.Payload) (*provider.Result, error) {
		return &provider.Result{Status: ledger.Pending, TransactionID: "air-1", Code: provider.CodeUnreachable}, nil
	}
	f.Subscription(t, "s1", "standard", subscription.AirtelMoney)

	res, err := f.svc.ProcessPayment(context.Background(), "s1", provider.Payload{Phone: "0991234567"})
	require.NoError(t, err)
	require.False(t, res.Success)

	queued := f.Tasks.Last(task.TypePaymentVerify)
	require.NotNil(t, queued)
	var payload task.PaymentVerifyPayload
	require.NoError(t, task.Decode(queued, &payload))
	require.Equal(t, "air-1", payload.TransactionID)
}

func TestConfirmAfterActivationIsNoop(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.airtel.confirm = func(ctx context.Context, sub *subscription.Subscription, code string) (*provider.Result, error) {
		txn, err := f.Ledger.LatestPending(ctx, sub.ID, ledger.Airtel)
		if err != nil {
			return nil, err
		}
		out, err := f.Settlement.Settle(ctx, txn.TransactionID, "confirm")
		if err != nil {
			return nil, err
		}
		return &provider.Result{Success: true, Status: ledger.Completed, TransactionID: txn.TransactionID, Activated: out.Activated}, nil
	}
	sub := f.Subscription(t, "s1", "premium", subscription.AirtelMoney)
	f.Pending(t, "air-1", sub, ledger.Airtel)

	res, err := f.svc.Confirm(ctx, "s1", " 123456 ")
	require.NoError(t, err)
	require.True(t, res.Activated)

	res, err = f.svc.Confirm(ctx, "s1", "123456")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.False(t, res.Activated)
	require.Equal(t, "air-1", res.TransactionID)
	require.Equal(t, 1, f.airtel.confirmCalls)
	require.EqualValues(t, 1, f.InvoiceCount(t, "s1"))
}

func TestRejectPayment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.Subscription(t, "s1", "standard", subscription.Cash)

	res, err := f.svc.ProcessPayment(ctx, "s1", provider.Payload{})
	require.NoError(t, err)

	err = f.svc.RejectPayment(ctx, "s1", "  ", "ops-1")
	require.Error(t, err)

	require.NoError(t, f.svc.RejectPayment(ctx, "s1", "no cash received", "ops-1"))

	txn, err := f.Ledger.Get(ctx, res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, ledger.Failed, txn.Status)
	require.Equal(t, "no cash received", txn.FailureReason)

	sub := f.Reload(t, "s1")
	require.Equal(t, subscription.PaymentRefused, sub.PaymentStatus)
	require.False(t, sub.IsActiveFlag)
	require.Zero(t, f.Accounts.Count("est-s1"))

	err = f.svc.RejectPayment(ctx, "s1", "again", "ops-1")
	require.ErrorIs(t, err, subscription.ErrNotPending)

	_, err = f.svc.Confirm(ctx, "s1", "123456")
	require.ErrorIs(t, err, subscription.ErrNotPending)
}

func TestChangePaymentMethodFailsOtherPending(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sub := f.Subscription(t, "s1", "standard", subscription.Cash)
	f.Pending(t, "cash-1", sub, ledger.CashProvider)
	f.Pending(t, "air-1", sub, ledger.Airtel)

	updated, err := f.svc.ChangePaymentMethod(ctx, "s1", subscription.AirtelMoney, "ops-1")
	require.NoError(t, err)
	require.Equal(t, subscription.AirtelMoney, updated.PaymentMethod)

	cash, err := f.Ledger.Get(ctx, "cash-1")
	require.NoError(t, err)
	require.Equal(t, ledger.Failed, cash.Status)
	require.Equal(t, "method_changed", cash.FailureCode)

	air, err := f.Ledger.Get(ctx, "air-1")
	require.NoError(t, err)
	require.Equal(t, ledger.Pending, air.Status)

	_, err = f.svc.ChangePaymentMethod(ctx, "s1", subscription.PaymentMethod("cheque"), "ops-1")
	require.ErrorIs(t, err, ErrUnsupportedMethod)
}

func TestReconcilePending(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	var polled []string
	f.airtel.verify = func(ctx context.Context, id string) (*provider.Result, error) {
		polled = append(polled, id)
		out, err := f.Settlement.Settle(ctx, id, "reconcile")
		if err != nil {
			return nil, err
		}
		return &provider.Result{Success: true, Status: ledger.Completed, TransactionID: id, Activated: out.Activated}, nil
	}

	sub := f.Subscription(t, "s1", "standard", subscription.AirtelMoney)
	f.Pending(t, "air-1", sub, ledger.Airtel)
	f.Pending(t, "cash-1", f.Subscription(t, "s2", "standard", subscription.Cash), ledger.CashProvider)

	n, err := f.svc.ReconcilePending(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, polled)

	f.Clock.Advance(16 * time.Minute)
	n, err = f.svc.ReconcilePending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"air-1"}, polled)
	require.Equal(t, subscription.Active, f.Reload(t, "s1").Status)
}

func TestVerifyUnknownTransaction(t *testing.T) {
	f := setup(t)

	_, err := f.svc.Verify(context.Background(), "nope")
	require.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	tk, err := task.NewTask(task.TypePaymentVerify, task.PaymentVerifyPayload{TransactionID: "nope"})
	require.NoError(t, err)
	err = f.svc.HandleVerifyTask(context.Background(), tk)
	require.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestStartCheckoutNeedsCard(t *testing.T) {
	f := setup(t)
	f.Subscription(t, "s1", "standard", subscription.Cash)

	_, err := f.svc.StartCheckout(context.Background(), "s1", "owner@example.com")
	require.ErrorIs(t, err, ErrUnsupportedMethod)
}
