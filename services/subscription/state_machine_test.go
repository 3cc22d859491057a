package subscription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"smallbiznis-billing/services/plan"
	"smallbiznis-billing/services/testutil"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type accountsFake struct {
	calls atomic.Int32
	err   error
}

func (f *accountsFake) ActivatePrimaryAdmin(ctx context.Context, tx *gorm.DB, establishmentID string) error {
	if f.err != nil {
		return f.err
	}
	f.calls.Add(1)
	return nil
}

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*StateMachine, *gorm.DB, *accountsFake, *clockwork.FakeClock) {
	t.Helper()

	db := testutil.NewTestDB(t, &Subscription{})
	clock := clockwork.NewFakeClockAt(t0)
	accounts := &accountsFake{}
	sm := NewStateMachine(Params{DB: db, Clock: clock, Accounts: accounts})
	return sm, db, accounts, clock
}

func seed(t *testing.T, db *gorm.DB, id string) *Subscription {
	t.Helper()

	p, err := plan.Resolve("standard")
	require.NoError(t, err)

	sub := NewPending(NewPendingParams{
		ID:              id,
		EstablishmentID: "est-" + id,
		Plan:            p,
		Currency:        "USD",
		PaymentMethod:   Cash,
	})
	require.NoError(t, db.Create(sub).Error)
	return sub
}

func TestIsActive(t *testing.T) {
	past := t0.Add(-time.Hour)
	future := t0.Add(time.Hour)

	cases := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"all set open ended", Subscription{IsActiveFlag: true, Status: Active, PaymentStatus: PaymentValid}, true},
		{"end in future", Subscription{IsActiveFlag: true, Status: Active, PaymentStatus: PaymentValid, EndDate: &future}, true},
		{"end equals now", Subscription{IsActiveFlag: true, Status: Active, PaymentStatus: PaymentValid, EndDate: &t0}, true},
		{"ended", Subscription{IsActiveFlag: true, Status: Active, PaymentStatus: PaymentValid, EndDate: &past}, false},
		{"flag off", Subscription{Status: Active, PaymentStatus: PaymentValid}, false},
		{"suspended", Subscription{IsActiveFlag: true, Status: Suspended, PaymentStatus: PaymentValid}, false},
		{"payment pending", Subscription{IsActiveFlag: true, Status: Active, PaymentStatus: PaymentPending}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.sub.IsActive(t0))
		})
	}
}

func TestNewPendingUsesCatalog(t *testing.T) {
	p, _ := plan.Resolve("premium")
	sub := NewPending(NewPendingParams{ID: "1", EstablishmentID: "e", Plan: p, Currency: "USD", PaymentMethod: Card})

	require.Equal(t, int64(5000), sub.MonthlyAmount)
	require.Equal(t, PaymentPending, sub.PaymentStatus)
	require.Equal(t, Pending, sub.Status)
	require.False(t, sub.IsActiveFlag)
	require.True(t, sub.Limitations.Data().Allows(plan.Customization))
}

func TestActivate(t *testing.T) {
	sm, db, accounts, _ := setup(t)
	seed(t, db, "s1")

	activated, err := sm.Activate(context.Background(), "s1", "CASH-1-abc")
	require.NoError(t, err)
	require.True(t, activated)
	require.Equal(t, int32(1), accounts.calls.Load())

	var got Subscription
	require.NoError(t, db.First(&got, "id = ?", "s1").Error)
	require.Equal(t, PaymentValid, got.PaymentStatus)
	require.Equal(t, Active, got.Status)
	require.True(t, got.IsActiveFlag)
	require.Equal(t, "CASH-1-abc", got.TransactionRef)
	require.True(t, got.StartDate.Equal(t0))
	require.True(t, got.EndDate.Equal(t0.AddDate(0, 1, 0)))
	require.True(t, got.IsActive(t0))
}

func TestActivateIsIdempotent(t *testing.T) {
	sm, db, accounts, _ := setup(t)
	seed(t, db, "s1")

	for i := 0; i < 3; i++ {
		_, err := sm.Activate(context.Background(), "s1", "T1")
		require.NoError(t, err)
	}

	activated, err := sm.Activate(context.Background(), "s1", "T2")
	require.NoError(t, err)
	require.False(t, activated)
	require.Equal(t, int32(1), accounts.calls.Load())

	var got Subscription
	require.NoError(t, db.First(&got, "id = ?", "s1").Error)
	require.Equal(t, "T1", got.TransactionRef)
}

func TestActivateConcurrent(t *testing.T) {
	sm, db, accounts, _ := setup(t)
	seed(t, db, "s1")

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			activated, err := sm.Activate(context.Background(), "s1", "T1")
			if err != nil {
				errs <- err
				return
			}
			if activated {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, int32(1), accounts.calls.Load())
}

func TestActivateRollsBackWhenAdminActivationFails(t *testing.T) {
	sm, db, accounts, _ := setup(t)
	seed(t, db, "s1")
	accounts.err = errors.New("no admin")

	_, err := sm.Activate(context.Background(), "s1", "T1")
	require.Error(t, err)

	var got Subscription
	require.NoError(t, db.First(&got, "id = ?", "s1").Error)
	require.Equal(t, PaymentPending, got.PaymentStatus)
	require.False(t, got.IsActiveFlag)
}

func TestActivateUnknownSubscription(t *testing.T) {
	sm, _, _, _ := setup(t)

	_, err := sm.Activate(context.Background(), "missing", "T1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRefuse(t *testing.T) {
	sm, db, _, _ := setup(t)
	seed(t, db, "s1")

	require.NoError(t, sm.Refuse(context.Background(), "s1", "receipt unreadable"))

	var got Subscription
	require.NoError(t, db.First(&got, "id = ?", "s1").Error)
	require.Equal(t, PaymentRefused, got.PaymentStatus)
	require.Contains(t, got.Notes, "receipt unreadable")

	err := sm.Refuse(context.Background(), "s1", "again")
	require.ErrorIs(t, err, ErrNotPending)

	_, err = sm.Activate(context.Background(), "s1", "T1")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestChangePaymentMethod(t *testing.T) {
	sm, db, _, _ := setup(t)
	seed(t, db, "s1")

	err := db.Transaction(func(tx *gorm.DB) error {
		sub, err := sm.ChangePaymentMethodTx(context.Background(), tx, "s1", Card)
		if err != nil {
			return err
		}
		require.Equal(t, Card, sub.PaymentMethod)
		return nil
	})
	require.NoError(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := sm.ChangePaymentMethodTx(context.Background(), tx, "s1", "bitcoin")
		return err
	})
	require.Error(t, err)

	_, err = sm.Activate(context.Background(), "s1", "T1")
	require.NoError(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := sm.ChangePaymentMethodTx(context.Background(), tx, "s1", Cash)
		return err
	})
	require.ErrorIs(t, err, ErrNotPending)
}

func TestLifecycleTransitions(t *testing.T) {
	sm, db, _, _ := setup(t)
	seed(t, db, "s1")
	ctx := context.Background()

	require.ErrorIs(t, sm.Suspend(ctx, "s1", "fraud review"), ErrInvalidTransition)

	_, err := sm.Activate(ctx, "s1", "T1")
	require.NoError(t, err)

	require.NoError(t, sm.Suspend(ctx, "s1", "fraud review"))
	require.ErrorIs(t, sm.Expire(ctx, "s1"), ErrInvalidTransition)
	require.NoError(t, sm.Cancel(ctx, "s1", "closed shop"))

	var got Subscription
	require.NoError(t, db.First(&got, "id = ?", "s1").Error)
	require.Equal(t, Cancelled, got.Status)
	require.False(t, got.IsActiveFlag)
}

func TestExpireDue(t *testing.T) {
	sm, db, _, clock := setup(t)
	seed(t, db, "s1")
	seed(t, db, "s2")
	ctx := context.Background()

	_, err := sm.Activate(ctx, "s1", "T1")
	require.NoError(t, err)

	n, err := sm.ExpireDue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	clock.Advance(32 * 24 * time.Hour)
	n, err = sm.ExpireDue(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	var got Subscription
	require.NoError(t, db.First(&got, "id = ?", "s1").Error)
	require.Equal(t, Expired, got.Status)
}

func TestCurrent(t *testing.T) {
	sm, db, _, _ := setup(t)
	ctx := context.Background()

	older := &Subscription{ID: "a", EstablishmentID: "e1", PlanSlug: plan.Basic, IsActiveFlag: true, CreatedAt: t0.Add(-48 * time.Hour)}
	newer := &Subscription{ID: "b", EstablishmentID: "e1", PlanSlug: plan.Premium, IsActiveFlag: true, CreatedAt: t0.Add(-time.Hour)}
	inactive := &Subscription{ID: "c", EstablishmentID: "e1", PlanSlug: plan.Enterprise, CreatedAt: t0}
	require.NoError(t, db.Create(older).Error)
	require.NoError(t, db.Create(newer).Error)
	require.NoError(t, db.Create(inactive).Error)

	cur, err := sm.Current(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, "b", cur.ID)

	latest, err := sm.Latest(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, "c", latest.ID)

	none, err := sm.Current(ctx, "e2")
	require.NoError(t, err)
	require.Nil(t, none)
}
