package subscription

import (
	"context"
	"errors"
	"strings"
	"time"

	"smallbiznis-billing/pkg/db/option"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/logger"
	"smallbiznis-billing/pkg/repository"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotFound          = errors.New("subscription not found")
	ErrNotPending        = errors.New("subscription payment is not pending")
	ErrInvalidTransition = errors.New("invalid subscription transition")
)

// AccountActivator enables the establishment's primary admin inside the
// activation transaction.
type AccountActivator interface {
	ActivatePrimaryAdmin(ctx context.Context, tx *gorm.DB, establishmentID string) error
}

// StateMachine is the only writer of payment and lifecycle status.
type StateMachine struct {
	db       *gorm.DB
	clock    clockwork.Clock
	accounts AccountActivator
	repo     repository.Repository[Subscription]
}

type Params struct {
	fx.In
	DB       *gorm.DB
	Clock    clockwork.Clock `optional:"true"`
	Accounts AccountActivator
}

func NewStateMachine(p Params) *StateMachine {
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StateMachine{
		db:       p.DB,
		clock:    clock,
		accounts: p.Accounts,
		repo:     repository.ProvideStore[Subscription](p.DB),
	}
}

func (m *StateMachine) Now() time.Time {
	return m.clock.Now()
}

func (m *StateMachine) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := m.repo.FindOne(ctx, &Subscription{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to load subscription", err)
	}
	if sub == nil {
		return nil, errutil.NotFound("subscription not found", ErrNotFound)
	}
	return sub, nil
}

// GetTx reads the subscription through tx, seeing uncommitted changes.
func (m *StateMachine) GetTx(ctx context.Context, tx *gorm.DB, id string) (*Subscription, error) {
	sub, err := m.repo.WithTrx(tx).FindOne(ctx, &Subscription{ID: id})
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, errutil.NotFound("subscription not found", ErrNotFound)
	}
	return sub, nil
}

func (m *StateMachine) View(ctx context.Context, id string) (*View, error) {
	sub, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &View{Subscription: sub, IsActive: sub.IsActive(m.clock.Now())}, nil
}

// Current returns the establishment's most recently created subscription
// with the activity flag set, or nil.
func (m *StateMachine) Current(ctx context.Context, establishmentID string) (*Subscription, error) {
	sub, err := m.repo.FindOne(ctx, &Subscription{EstablishmentID: establishmentID, IsActiveFlag: true},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}),
	)
	if err != nil {
		return nil, errutil.Internal("failed to load current subscription", err)
	}
	return sub, nil
}

// Latest returns the most recently created subscription of the establishment
// regardless of status, or nil.
func (m *StateMachine) Latest(ctx context.Context, establishmentID string) (*Subscription, error) {
	sub, err := m.repo.FindOne(ctx, &Subscription{EstablishmentID: establishmentID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}),
	)
	if err != nil {
		return nil, errutil.Internal("failed to load subscription", err)
	}
	return sub, nil
}

// Activate runs ActivateTx in its own transaction.
func (m *StateMachine) Activate(ctx context.Context, subscriptionID, transactionRef string) (bool, error) {
	var activated bool
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		activated, err = m.ActivateTx(ctx, tx, subscriptionID, transactionRef)
		return err
	})
	return activated, err
}

// ActivateTx moves a pending subscription to valid/active and enables the
// primary admin, all on tx. It reports false without error when the
// subscription was already valid, so concurrent and repeated callers are
// no-ops. Any error must roll tx back.
func (m *StateMachine) ActivateTx(ctx context.Context, tx *gorm.DB, subscriptionID, transactionRef string) (bool, error) {
	zapLog := logger.FromContext(ctx).With(
		zap.String("subscription_id", subscriptionID),
		zap.String("transaction_id", transactionRef),
	)

	sub, err := m.repo.WithTrx(tx.Scopes(option.LockingUpdate)).FindOne(ctx, &Subscription{ID: subscriptionID})
	if err != nil {
		return false, err
	}
	if sub == nil {
		return false, errutil.NotFound("subscription not found", ErrNotFound)
	}

	switch sub.PaymentStatus {
	case PaymentValid:
		zapLog.Info("subscription already active, activation skipped")
		return false, nil
	case PaymentRefused:
		return false, errutil.Conflict("subscription payment was refused", ErrInvalidTransition)
	}

	now := m.clock.Now()
	end := now.AddDate(0, 1, 0)

	res := tx.WithContext(ctx).Model(&Subscription{}).
		Where("id = ? AND payment_status = ?", subscriptionID, PaymentPending).
		Updates(map[string]any{
			"payment_status":  PaymentValid,
			"status":          Active,
			"is_active":       true,
			"start_date":      now,
			"end_date":        end,
			"paid_at":         now,
			"transaction_ref": transactionRef,
			"updated_at":      now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		// another caller won between the read and the write
		zapLog.Info("subscription activated concurrently, activation skipped")
		return false, nil
	}

	if err := m.accounts.ActivatePrimaryAdmin(ctx, tx, sub.EstablishmentID); err != nil {
		zapLog.Error("failed to activate primary admin, rolling back", zap.Error(err))
		return false, err
	}

	zapLog.Info("subscription activated", zap.Time("end_date", end))
	return true, nil
}

// Refuse marks a pending subscription's payment refused.
func (m *StateMachine) Refuse(ctx context.Context, subscriptionID, reason string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return m.RefuseTx(ctx, tx, subscriptionID, reason)
	})
}

func (m *StateMachine) RefuseTx(ctx context.Context, tx *gorm.DB, subscriptionID, reason string) error {
	sub, err := m.lockPending(ctx, tx, subscriptionID)
	if err != nil {
		return err
	}

	return tx.WithContext(ctx).Model(&Subscription{}).
		Where("id = ? AND payment_status = ?", subscriptionID, PaymentPending).
		Updates(map[string]any{
			"payment_status": PaymentRefused,
			"is_active":      false,
			"notes":          appendNote(sub.Notes, "payment refused: "+reason),
			"updated_at":     m.clock.Now(),
		}).Error
}

// ChangePaymentMethodTx switches the method of a pending subscription.
func (m *StateMachine) ChangePaymentMethodTx(ctx context.Context, tx *gorm.DB, subscriptionID string, method PaymentMethod) (*Subscription, error) {
	if method.String() == "" {
		return nil, errutil.ValidationFailed("unsupported payment method", nil, errutil.WithDetails(errutil.Detail{
			Field: "payment_method", Message: "must be one of card, airtel_money, orange_money, cash",
		}))
	}

	sub, err := m.lockPending(ctx, tx, subscriptionID)
	if err != nil {
		return nil, err
	}

	if err := tx.WithContext(ctx).Model(&Subscription{}).
		Where("id = ? AND payment_status = ?", subscriptionID, PaymentPending).
		Updates(map[string]any{
			"payment_method": method,
			"notes":          appendNote(sub.Notes, "payment method changed from "+string(sub.PaymentMethod)+" to "+string(method)),
			"updated_at":     m.clock.Now(),
		}).Error; err != nil {
		return nil, err
	}

	sub.PaymentMethod = method
	return sub, nil
}

func (m *StateMachine) Suspend(ctx context.Context, subscriptionID, reason string) error {
	return m.transition(ctx, subscriptionID, []Status{Active}, Suspended, reason)
}

func (m *StateMachine) Cancel(ctx context.Context, subscriptionID, reason string) error {
	return m.transition(ctx, subscriptionID, []Status{Active, Suspended}, Cancelled, reason)
}

func (m *StateMachine) Expire(ctx context.Context, subscriptionID string) error {
	return m.transition(ctx, subscriptionID, []Status{Active}, Expired, "period ended")
}

// ExpireDue expires every active subscription whose end date has passed.
func (m *StateMachine) ExpireDue(ctx context.Context) (int64, error) {
	now := m.clock.Now()
	res := m.db.WithContext(ctx).Model(&Subscription{}).
		Where("status = ? AND end_date IS NOT NULL AND end_date < ?", Active, now).
		Updates(map[string]any{
			"status":     Expired,
			"is_active":  false,
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

func (m *StateMachine) transition(ctx context.Context, subscriptionID string, from []Status, to Status, reason string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := m.repo.WithTrx(tx.Scopes(option.LockingUpdate)).FindOne(ctx, &Subscription{ID: subscriptionID})
		if err != nil {
			return err
		}
		if sub == nil {
			return errutil.NotFound("subscription not found", ErrNotFound)
		}

		allowed := false
		for _, s := range from {
			if sub.Status == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return errutil.Conflict("cannot move subscription from "+string(sub.Status)+" to "+string(to), ErrInvalidTransition)
		}

		updates := map[string]any{
			"status":     to,
			"notes":      appendNote(sub.Notes, string(to)+": "+reason),
			"updated_at": m.clock.Now(),
		}
		if to != Active {
			updates["is_active"] = false
		}

		return tx.WithContext(ctx).Model(&Subscription{}).Where("id = ?", subscriptionID).Updates(updates).Error
	})
}

func (m *StateMachine) lockPending(ctx context.Context, tx *gorm.DB, subscriptionID string) (*Subscription, error) {
	sub, err := m.repo.WithTrx(tx.Scopes(option.LockingUpdate)).FindOne(ctx, &Subscription{ID: subscriptionID})
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, errutil.NotFound("subscription not found", ErrNotFound)
	}
	if sub.PaymentStatus != PaymentPending {
		return nil, errutil.Conflict("subscription payment is not pending", ErrNotPending)
	}
	return sub, nil
}

func appendNote(notes, line string) string {
	line = strings.TrimSpace(line)
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}
