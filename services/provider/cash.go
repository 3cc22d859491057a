package provider

import (
	"context"

	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/sequence"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/subscription"
)

// CashAdapter records cash payments. They stay pending until an
// administrator validates or refuses them.
type CashAdapter struct {
	Deps
	sequence sequence.Generator
}

func NewCashAdapter(deps Deps, seq sequence.Generator) *CashAdapter {
	return &CashAdapter{Deps: deps, sequence: seq}
}

func (a *CashAdapter) Provider() ledger.Provider { return ledger.CashProvider }

func (a *CashAdapter) Initiate(ctx context.Context, sub *subscription.Subscription, payload Payload) (*Result, error) {
	txn, err := a.Ledger.Record(ctx, ledger.RecordParams{
		TransactionID:   a.sequence.NextCashReference(sub.ID),
		SubscriptionID:  sub.ID,
		EstablishmentID: sub.EstablishmentID,
		Provider:        ledger.CashProvider,
		PaymentMethod:   string(subscription.Cash),
		Amount:          sub.MonthlyAmount,
		Currency:        sub.Currency,
		CustomerPhone:   payload.Phone,
		CustomerEmail:   payload.Email,
		Metadata:        map[string]any{"awaiting": "admin_validation"},
		Source:          "initiate",
	})
	if err != nil {
		return nil, err
	}

	res := pendingResult(txn)
	res.Message = "awaiting administrator validation"
	return res, nil
}

func (a *CashAdapter) Confirm(ctx context.Context, sub *subscription.Subscription, code string) (*Result, error) {
	return nil, errutil.UnprocessableEntity("cash payments are validated by an administrator", ErrManualValidation)
}

// Verify reports the ledger state; there is no network to ask.
func (a *CashAdapter) Verify(ctx context.Context, transactionID string) (*Result, error) {
	txn, err := a.Ledger.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	switch txn.Status {
	case ledger.Completed, ledger.Refunded:
		return completedResult(txn), nil
	case ledger.Failed:
		return failedResult(txn.TransactionID, txn.FailureReason, txn.FailureCode), nil
	}
	return pendingResult(txn), nil
}
