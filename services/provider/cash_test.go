package provider

import (
	"context"
	"strings"
	"testing"

	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/settlement/settlementtest"
	"smallbiznis-billing/services/subscription"

	"github.com/stretchr/testify/require"
)

func TestCashInitiateStaysPending(t *testing.T) {
	s := settlementtest.New(t)
	a := NewCashAdapter(Deps{Ledger: s.Ledger, Settlement: s.Settlement}, s.Sequence)
	sub := s.Subscription(t, "s1", "standard", subscription.Cash)
	ctx := context.Background()

	res, err := a.Initiate(ctx, sub, Payload{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, ledger.Pending, res.Status)
	require.True(t, strings.HasPrefix(res.TransactionID, "CASH-"))

	txn, err := s.Ledger.Get(ctx, res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, ledger.CashProvider, txn.Provider)
	require.EqualValues(t, 2500, txn.Amount)
	require.Equal(t, subscription.PaymentPending, s.Reload(t, "s1").PaymentStatus)

	_, err = a.Confirm(ctx, sub, "123456")
	require.ErrorIs(t, err, ErrManualValidation)

	out, err := a.Verify(ctx, res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, ledger.Pending, out.Status)

	_, err = s.Settlement.Settle(ctx, res.TransactionID, "admin")
	require.NoError(t, err)
	out, err = a.Verify(ctx, res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, ledger.Completed, out.Status)
}
