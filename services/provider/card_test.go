package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/settlement/settlementtest"
	"smallbiznis-billing/services/subscription"

	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu       sync.Mutex
	intents  map[string]*CardIntent
	sessions map[string]*CheckoutSession
	charges  []CardCharge
	checkout []CheckoutRequest

	createErr   error
	createAs    string
	checkoutErr error
	// lost stores the intent even when createErr is returned, as when the
	// processor answered but the response never arrived.
	lost bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{intents: map[string]*CardIntent{}, sessions: map[string]*CheckoutSession{}}
}

func (g *fakeGateway) CreatePaymentIntent(ctx context.Context, c CardCharge) (*CardIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges = append(g.charges, c)
	if g.createErr != nil {
		if g.lost {
			g.intents["pi_"+c.IdempotencyKey] = &CardIntent{ID: "pi_" + c.IdempotencyKey, Status: "succeeded"}
		}
		return nil, g.createErr
	}
	status := g.createAs
	if status == "" {
		status = "succeeded"
	}
	pi := &CardIntent{ID: "pi_" + c.IdempotencyKey, Status: status, ClientSecret: "secret_1"}
	if status == "requires_action" {
		pi.RedirectURL = "https://hooks.stripe.example/3ds"
	}
	g.intents[pi.ID] = pi
	return pi, nil
}

func (g *fakeGateway) GetPaymentIntent(ctx context.Context, id string) (*CardIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pi, ok := g.intents[id]
	if !ok {
		return nil, &DeclineError{Code: "resource_missing", Message: "no such payment intent"}
	}
	cp := *pi
	return &cp, nil
}

func (g *fakeGateway) FindPaymentIntent(ctx context.Context, transactionID string) (*CardIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pi, ok := g.intents["pi_"+transactionID]
	if !ok {
		return nil, nil
	}
	cp := *pi
	return &cp, nil
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, r CheckoutRequest) (*CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkout = append(g.checkout, r)
	if g.checkoutErr != nil {
		return nil, g.checkoutErr
	}
	s := &CheckoutSession{ID: "cs_test_1", URL: "https://checkout.example/cs_test_1", Status: "open", PaymentStatus: "unpaid"}
	g.sessions[s.ID] = s
	return s, nil
}

func (g *fakeGateway) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *s
	return &cp, nil
}

func (g *fakeGateway) setIntent(id, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents[id].Status = status
}

func newCard(t *testing.T) (*CardAdapter, *fakeGateway, *settlementtest.Stack, *subscription.Subscription) {
	t.Helper()

	s := settlementtest.New(t)
	s.Config.Payment.Card.SecretKey = "sk_test_x"
	s.Config.Payment.Card.SuccessURL = "https://pos.example/billing/success"
	s.Config.Payment.Card.CancelURL = "https://pos.example/billing/cancel"

	gw := newFakeGateway()
	a := NewCardAdapter(Deps{Ledger: s.Ledger, Settlement: s.Settlement}, s.Config, gw)
	sub := s.Subscription(t, "s1", "premium", subscription.Card)
	return a, gw, s, sub
}

func TestCardInitiateSucceeds(t *testing.T) {
	a, gw, s, sub := newCard(t)
	ctx := context.Background()

	res, err := a.Initiate(ctx, sub, Payload{PaymentMethodToken: "pm_card_visa", Email: "owner@example.com"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.Activated)

	require.Len(t, gw.charges, 1)
	c := gw.charges[0]
	require.EqualValues(t, 5000, c.Amount)
	require.Equal(t, "USD", c.Currency)
	require.Equal(t, res.TransactionID, c.IdempotencyKey)
	require.Equal(t, "s1", c.Metadata["subscription_id"])
	require.Equal(t, res.TransactionID, c.Metadata["transaction_id"])

	txn, err := s.Ledger.Get(ctx, res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, ledger.Completed, txn.Status)
	require.Equal(t, "pi_"+res.TransactionID, txn.ProviderReference)
	require.Equal(t, subscription.PaymentValid, s.Reload(t, "s1").PaymentStatus)
}

func TestCardMissingToken(t *testing.T) {
	a, gw, s, sub := newCard(t)

	_, err := a.Initiate(context.Background(), sub, Payload{})
	require.ErrorIs(t, err, ErrMissingPaymentMethod)
	require.Empty(t, gw.charges)

	var n int64
	require.NoError(t, s.DB.Model(&ledger.PaymentTransaction{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestCardMissingSecretKey(t *testing.T) {
	a, gw, s, sub := newCard(t)
	s.Config.Payment.Card.SecretKey = ""

	_, err := a.Initiate(context.Background(), sub, Payload{PaymentMethodToken: "pm_card_visa"})
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, []string{"SecretKey"}, cfgErr.Fields)
	require.Empty(t, gw.charges)
}

func TestCardDecline(t *testing.T) {
	a, gw, s, sub := newCard(t)
	gw.createErr = &DeclineError{Code: "insufficient_funds", Message: "Your card has insufficient funds."}

	res, err := a.Initiate(context.Background(), sub, Payload{PaymentMethodToken: "pm_card_chargeDeclined"})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "insufficient_funds", res.Code)

	txn, err := s.Ledger.Get(context.Background(), res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, ledger.Failed, txn.Status)
	require.Equal(t, "Your card has insufficient funds.", txn.FailureReason)
}

func TestCardNetworkErrorLeavesPending(t *testing.T) {
	a, gw, s, sub := newCard(t)
	gw.createErr = errors.New("dial tcp: i/o timeout")

	res, err := a.Initiate(context.Background(), sub, Payload{PaymentMethodToken: "pm_card_visa"})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, ledger.Pending, res.Status)

	txn, err := s.Ledger.Get(context.Background(), res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, ledger.Pending, txn.Status)
}

func TestCardLostResponseRecoveredBySearch(t *testing.T) {
	a, gw, s, sub := newCard(t)
	gw.createErr = errors.New("read tcp: connection reset by peer")
	gw.lost = true
	ctx := context.Background()

	res, err := a.Initiate(ctx, sub, Payload{PaymentMethodToken: "pm_card_visa"})
	require.NoError(t, err)
	require.Equal(t, CodeUnreachable, res.Code)

	out, err := a.Verify(ctx, res.TransactionID)
	require.NoError(t, err)
	require.True(t, out.Activated)

	txn, err := s.Ledger.Get(ctx, res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, ledger.Completed, txn.Status)
	require.Equal(t, "pi_"+res.TransactionID, txn.ProviderReference)
}

func TestCardIntentNeverCreatedAgesOut(t *testing.T) {
	a, gw, s, sub := newCard(t)
	gw.createErr = errors.New("dial tcp: i/o timeout")
	ctx := context.Background()

	res, err := a.Initiate(ctx, sub, Payload{PaymentMethodToken: "pm_card_visa"})
	require.NoError(t, err)

	out, err := a.Verify(ctx, res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, ledger.Pending, out.Status)

	s.Clock.Advance(orphanIntentAfter + time.Minute)
	out, err = a.Verify(ctx, res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, ledger.Failed, out.Status)
	require.Equal(t, CodeIntentMissing, out.Code)

	txn, err := s.Ledger.Get(ctx, res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, ledger.Failed, txn.Status)
	require.Equal(t, subscription.PaymentPending, s.Reload(t, "s1").PaymentStatus)
}

func TestCardRequiresActionThenConfirm(t *testing.T) {
	a, gw, s, sub := newCard(t)
	gw.createAs = "requires_action"
	ctx := context.Background()

	res, err := a.Initiate(ctx, sub, Payload{PaymentMethodToken: "pm_card_threeDSecure2Required"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, ledger.Pending, res.Status)
	require.Equal(t, "https://hooks.stripe.example/3ds", res.RedirectURL)
	require.Equal(t, "secret_1", res.ClientSecret)

	out, err := a.Confirm(ctx, sub, "")
	require.NoError(t, err)
	require.Equal(t, ledger.Pending, out.Status)

	gw.setIntent("pi_"+res.TransactionID, "succeeded")
	out, err = a.Confirm(ctx, sub, "")
	require.NoError(t, err)
	require.True(t, out.Activated)

	again, err := a.Verify(ctx, res.TransactionID)
	require.NoError(t, err)
	require.True(t, again.Success)
	require.False(t, again.Activated)
	require.EqualValues(t, 1, s.InvoiceCount(t, "s1"))
}

func TestCardCheckout(t *testing.T) {
	a, gw, s, sub := newCard(t)
	ctx := context.Background()

	res, err := a.Checkout(ctx, sub, "owner@example.com")
	require.NoError(t, err)
	require.Equal(t, "cs_test_1", res.TransactionID)
	require.Equal(t, "https://checkout.example/cs_test_1", res.RedirectURL)
	require.Equal(t, "Premium plan, monthly", gw.checkout[0].ProductName)
	require.Equal(t, "s1", gw.checkout[0].ClientReference)

	out, err := a.Verify(ctx, "cs_test_1")
	require.NoError(t, err)
	require.Equal(t, ledger.Pending, out.Status)

	gw.mu.Lock()
	gw.sessions["cs_test_1"].PaymentStatus = "paid"
	gw.mu.Unlock()

	out, err = a.Verify(ctx, "cs_test_1")
	require.NoError(t, err)
	require.True(t, out.Activated)
	require.Equal(t, subscription.Active, s.Reload(t, "s1").Status)
}

func TestCardCheckoutNeedsURLs(t *testing.T) {
	a, _, s, sub := newCard(t)
	s.Config.Payment.Card.SuccessURL = ""

	_, err := a.Checkout(context.Background(), sub, "")
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	require.Contains(t, cfgErr.Fields, "SuccessURL")
}

func TestCardCheckoutDeclineRecordsFailedRow(t *testing.T) {
	a, gw, s, sub := newCard(t)
	gw.checkoutErr = &DeclineError{Code: "currency_not_supported", Message: "Currency is not supported."}
	ctx := context.Background()

	res, err := a.Checkout(ctx, sub, "owner@example.com")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "currency_not_supported", res.Code)

	txn, err := s.Ledger.Get(ctx, res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, ledger.Failed, txn.Status)
	require.Equal(t, "Currency is not supported.", txn.FailureReason)
	require.Equal(t, "owner@example.com", txn.CustomerEmail)
}
