// Package settlementtest assembles the persistence stack behind payment
// settlement for tests of the packages built on top of it.
package settlementtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/sequence"
	"smallbiznis-billing/services/invoice"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/plan"
	"smallbiznis-billing/services/settlement"
	"smallbiznis-billing/services/subscription"
	"smallbiznis-billing/services/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var T0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type Accounts struct {
	mu    sync.Mutex
	Calls map[string]int
	Err   error
}

func (a *Accounts) ActivatePrimaryAdmin(ctx context.Context, tx *gorm.DB, establishmentID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	if a.Calls == nil {
		a.Calls = map[string]int{}
	}
	a.Calls[establishmentID]++
	return nil
}

func (a *Accounts) Count(establishmentID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Calls[establishmentID]
}

type Enqueuer struct {
	mu    sync.Mutex
	Tasks []*asynq.Task
	Err   error
}

func (e *Enqueuer) Enqueue(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	e.Tasks = append(e.Tasks, t)
	return &asynq.TaskInfo{Type: t.Type()}, nil
}

// Types lists the enqueued task types in order.
func (e *Enqueuer) Types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.Tasks))
	for _, t := range e.Tasks {
		out = append(out, t.Type())
	}
	return out
}

// Last returns the most recent task of the given type, or nil.
func (e *Enqueuer) Last(taskType string) *asynq.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.Tasks) - 1; i >= 0; i-- {
		if e.Tasks[i].Type() == taskType {
			return e.Tasks[i]
		}
	}
	return nil
}

type Stack struct {
	DB       *gorm.DB
	Clock    *clockwork.FakeClock
	Node     *snowflake.Node
	Config   *config.Config
	Redis    *redis.Client
	Sequence sequence.Generator

	Accounts   *Accounts
	Tasks      *Enqueuer
	Ledger     *ledger.Service
	Machine    *subscription.StateMachine
	Invoices   *invoice.Service
	Settlement *settlement.Service
}

// New migrates extra alongside the settlement models.
func New(t *testing.T, extra ...any) *Stack {
	t.Helper()

	models := append([]any{
		&subscription.Subscription{},
		&ledger.PaymentTransaction{},
		&ledger.TransactionEvent{},
		&invoice.Invoice{},
	}, extra...)
	db := testutil.NewTestDB(t, models...)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Billing.CountryCode = "243"
	cfg.Billing.Currency = "USD"
	cfg.Billing.TaxRateBps = 1800
	cfg.Billing.InvoiceDueDays = 7
	cfg.Billing.OtpTTL = 10 * time.Minute
	cfg.Billing.ExpiryAlertWindow = 7 * 24 * time.Hour
	cfg.Billing.PendingReconcileAfter = 15 * time.Minute

	clock := clockwork.NewFakeClockAt(T0)
	seq := sequence.NewRedisGenerator(sequence.Params{Redis: rdb, Clock: clock})

	s := &Stack{
		DB:       db,
		Clock:    clock,
		Node:     node,
		Config:   cfg,
		Redis:    rdb,
		Sequence: seq,
		Accounts: &Accounts{},
		Tasks:    &Enqueuer{},
	}
	s.Ledger = ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Clock: clock})
	s.Machine = subscription.NewStateMachine(subscription.Params{DB: db, Clock: clock, Accounts: s.Accounts})
	s.Invoices = invoice.NewService(invoice.ServiceParams{DB: db, Node: node, Config: cfg, Sequence: seq, Clock: clock})
	s.Settlement = settlement.NewService(settlement.Params{
		DB:       db,
		Ledger:   s.Ledger,
		Machine:  s.Machine,
		Invoices: s.Invoices,
		Enqueuer: s.Tasks,
	})
	return s
}

// Subscription stores a pending subscription on the given plan and method.
func (s *Stack) Subscription(t *testing.T, id string, slug plan.Slug, method subscription.PaymentMethod) *subscription.Subscription {
	t.Helper()

	p, err := plan.Resolve(string(slug))
	require.NoError(t, err)

	sub := subscription.NewPending(subscription.NewPendingParams{
		ID:              id,
		EstablishmentID: "est-" + id,
		Plan:            p,
		Currency:        s.Config.Billing.Currency,
		PaymentMethod:   method,
	})
	sub.CreatedAt = s.Clock.Now()
	sub.UpdatedAt = sub.CreatedAt
	require.NoError(t, s.DB.Create(sub).Error)
	return sub
}

// Pending records a pending transaction for sub.
func (s *Stack) Pending(t *testing.T, transactionID string, sub *subscription.Subscription, provider ledger.Provider) *ledger.PaymentTransaction {
	t.Helper()

	txn, err := s.Ledger.Record(context.Background(), ledger.RecordParams{
		TransactionID:   transactionID,
		SubscriptionID:  sub.ID,
		EstablishmentID: sub.EstablishmentID,
		Provider:        provider,
		PaymentMethod:   string(sub.PaymentMethod),
		Amount:          sub.MonthlyAmount,
		Currency:        sub.Currency,
		Source:          "test",
	})
	require.NoError(t, err)
	return txn
}

func (s *Stack) Reload(t *testing.T, id string) *subscription.Subscription {
	t.Helper()

	sub, err := s.Machine.Get(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func (s *Stack) InvoiceCount(t *testing.T, subscriptionID string) int64 {
	t.Helper()

	var n int64
	require.NoError(t, s.DB.Model(&invoice.Invoice{}).Where("subscription_id = ?", subscriptionID).Count(&n).Error)
	return n
}
