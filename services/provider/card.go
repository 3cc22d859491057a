package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/subscription"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/paymentintent"
)

const (
	metaKind          = "kind"
	kindPaymentIntent = "payment_intent"
	kindCheckout      = "checkout"

	// CodeIntentMissing fails a card row whose payment intent never reached
	// the processor.
	CodeIntentMissing = "intent_not_created"
	// orphanIntentAfter covers the processor's search index lag.
	orphanIntentAfter = time.Hour
)

type CardCharge struct {
	IdempotencyKey string
	Amount         int64
	Currency       string
	PaymentMethod  string
	Email          string
	Metadata       map[string]string
}

type CardIntent struct {
	ID           string
	Status       string
	ClientSecret string
	RedirectURL  string
	ErrorCode    string
	ErrorMessage string
}

type CheckoutRequest struct {
	IdempotencyKey  string
	Amount          int64
	Currency        string
	ProductName     string
	Email           string
	SuccessURL      string
	CancelURL       string
	ClientReference string
	Metadata        map[string]string
}

type CheckoutSession struct {
	ID              string
	URL             string
	Status          string
	PaymentStatus   string
	PaymentIntentID string
}

// CardGateway is the subset of the card processor API the adapter uses.
// Provider refusals are returned as *DeclineError.
type CardGateway interface {
	CreatePaymentIntent(ctx context.Context, charge CardCharge) (*CardIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (*CardIntent, error)
	// FindPaymentIntent looks an intent up by the transaction id in its
	// metadata. It returns nil when there is none.
	FindPaymentIntent(ctx context.Context, transactionID string) (*CardIntent, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
}

type stripeGateway struct{}

// NewStripeGateway sets the process wide Stripe key.
func NewStripeGateway(secretKey string) CardGateway {
	stripe.Key = secretKey
	return &stripeGateway{}
}

func (g *stripeGateway) CreatePaymentIntent(ctx context.Context, c CardCharge) (*CardIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(c.Amount),
		Currency:      stripe.String(strings.ToLower(c.Currency)),
		PaymentMethod: stripe.String(c.PaymentMethod),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	if c.Email != "" {
		params.ReceiptEmail = stripe.String(c.Email)
	}
	for k, v := range c.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetIdempotencyKey(c.IdempotencyKey)

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, stripeError(err)
	}
	return intentFromStripe(pi), nil
}

func (g *stripeGateway) GetPaymentIntent(ctx context.Context, id string) (*CardIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(id, params)
	if err != nil {
		return nil, stripeError(err)
	}
	return intentFromStripe(pi), nil
}

func (g *stripeGateway) FindPaymentIntent(ctx context.Context, transactionID string) (*CardIntent, error) {
	params := &stripe.PaymentIntentSearchParams{}
	params.Query = fmt.Sprintf("metadata['transaction_id']:'%s'", transactionID)
	params.Limit = stripe.Int64(1)
	params.Context = ctx

	it := paymentintent.Search(params)
	if it.Next() {
		return intentFromStripe(it.PaymentIntent()), nil
	}
	if err := it.Err(); err != nil {
		return nil, stripeError(err)
	}
	return nil, nil
}

func (g *stripeGateway) CreateCheckoutSession(ctx context.Context, r CheckoutRequest) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(r.SuccessURL),
		CancelURL:         stripe.String(r.CancelURL),
		ClientReferenceID: stripe.String(r.ClientReference),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(r.Currency)),
					UnitAmount: stripe.Int64(r.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(r.ProductName),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: r.Metadata,
		},
	}
	if r.Email != "" {
		params.CustomerEmail = stripe.String(r.Email)
	}
	for k, v := range r.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	params.SetIdempotencyKey(r.IdempotencyKey)

	s, err := session.New(params)
	if err != nil {
		return nil, stripeError(err)
	}
	return sessionFromStripe(s), nil
}

func (g *stripeGateway) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := session.Get(id, params)
	if err != nil {
		return nil, stripeError(err)
	}
	return sessionFromStripe(s), nil
}

func intentFromStripe(pi *stripe.PaymentIntent) *CardIntent {
	out := &CardIntent{
		ID:           pi.ID,
		Status:       string(pi.Status),
		ClientSecret: pi.ClientSecret,
	}
	if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
		out.RedirectURL = pi.NextAction.RedirectToURL.URL
	}
	if pi.LastPaymentError != nil {
		out.ErrorCode = string(pi.LastPaymentError.Code)
		out.ErrorMessage = pi.LastPaymentError.Msg
	}
	return out
}

func sessionFromStripe(s *stripe.CheckoutSession) *CheckoutSession {
	out := &CheckoutSession{
		ID:            s.ID,
		URL:           s.URL,
		Status:        string(s.Status),
		PaymentStatus: string(s.PaymentStatus),
	}
	if s.PaymentIntent != nil {
		out.PaymentIntentID = s.PaymentIntent.ID
	}
	return out
}

// stripeError turns card and request errors into declines. Anything else is
// a transport problem.
func stripeError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Type {
	case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
		code := string(se.Code)
		if se.DeclineCode != "" {
			code = string(se.DeclineCode)
		}
		return &DeclineError{Code: code, Message: se.Msg}
	}
	return err
}

// CardAdapter charges cards through payment intents or hosted checkout.
type CardAdapter struct {
	Deps
	cfg     *config.Config
	gateway CardGateway
}

func NewCardAdapter(deps Deps, cfg *config.Config, gateway CardGateway) *CardAdapter {
	if gateway == nil {
		gateway = NewStripeGateway(cfg.Payment.Card.SecretKey)
	}
	return &CardAdapter{Deps: deps, cfg: cfg, gateway: gateway}
}

func (a *CardAdapter) Provider() ledger.Provider { return ledger.Stripe }

func (a *CardAdapter) Initiate(ctx context.Context, sub *subscription.Subscription, payload Payload) (*Result, error) {
	token := strings.TrimSpace(payload.PaymentMethodToken)
	if token == "" {
		return nil, errutil.ValidationFailed("payment method token is required", ErrMissingPaymentMethod,
			errutil.WithDetails(errutil.Detail{Field: "payment_method_token", Message: "required for card payments"}))
	}
	if err := checkConfig(ledger.Stripe, a.cfg.Payment.Card); err != nil {
		return nil, err
	}

	transactionID := "card_" + uuid.NewString()
	txn, err := a.Ledger.Record(ctx, ledger.RecordParams{
		TransactionID:   transactionID,
		SubscriptionID:  sub.ID,
		EstablishmentID: sub.EstablishmentID,
		Provider:        ledger.Stripe,
		PaymentMethod:   string(subscription.Card),
		Amount:          sub.MonthlyAmount,
		Currency:        sub.Currency,
		CustomerEmail:   payload.Email,
		Metadata: map[string]any{
			metaKind:  kindPaymentIntent,
			"request": map[string]any{"amount": sub.MonthlyAmount, "currency": sub.Currency},
		},
		Source: "initiate",
	})
	if err != nil {
		return nil, err
	}

	intent, err := a.gateway.CreatePaymentIntent(ctx, CardCharge{
		IdempotencyKey: transactionID,
		Amount:         sub.MonthlyAmount,
		Currency:       sub.Currency,
		PaymentMethod:  token,
		Email:          payload.Email,
		Metadata:       chargeMetadata(sub, transactionID),
	})
	if err != nil {
		var decline *DeclineError
		if errors.As(err, &decline) {
			return a.fail(ctx, txn, decline, "initiate")
		}
		return unreachable(ctx, txn, err), nil
	}

	if err := a.Ledger.AttachProviderResponse(ctx, transactionID, intent.ID, map[string]any{
		"intent_status": intent.Status,
	}); err != nil {
		return nil, err
	}

	return a.applyIntent(ctx, txn, intent, "initiate")
}

// Checkout opens a hosted checkout session. The session id is the
// transaction id; completion arrives through checkout.session.completed.
func (a *CardAdapter) Checkout(ctx context.Context, sub *subscription.Subscription, email string) (*Result, error) {
	card := a.cfg.Payment.Card
	if err := checkConfig(ledger.Stripe, struct {
		SecretKey  string `validate:"required"`
		SuccessURL string `validate:"required,url"`
		CancelURL  string `validate:"required,url"`
	}{card.SecretKey, card.SuccessURL, card.CancelURL}); err != nil {
		return nil, err
	}

	name := string(sub.PlanSlug)
	if p, err := sub.Plan(); err == nil {
		name = p.Name
	}

	key := "checkout_" + uuid.NewString()
	s, err := a.gateway.CreateCheckoutSession(ctx, CheckoutRequest{
		IdempotencyKey:  key,
		Amount:          sub.MonthlyAmount,
		Currency:        sub.Currency,
		ProductName:     fmt.Sprintf("%s plan, monthly", name),
		Email:           email,
		SuccessURL:      card.SuccessURL,
		CancelURL:       card.CancelURL,
		ClientReference: sub.ID,
		Metadata:        chargeMetadata(sub, ""),
	})
	if err != nil {
		var decline *DeclineError
		if !errors.As(err, &decline) {
			return nil, errutil.BadGateway("card provider unavailable", err)
		}
		txn, rerr := a.Ledger.Record(ctx, ledger.RecordParams{
			TransactionID:   key,
			SubscriptionID:  sub.ID,
			EstablishmentID: sub.EstablishmentID,
			Provider:        ledger.Stripe,
			PaymentMethod:   string(subscription.Card),
			Amount:          sub.MonthlyAmount,
			Currency:        sub.Currency,
			CustomerEmail:   email,
			Metadata:        map[string]any{metaKind: kindCheckout, "idempotency_key": key},
			Source:          "checkout",
		})
		if rerr != nil {
			return nil, rerr
		}
		return a.fail(ctx, txn, decline, "checkout")
	}

	txn, err := a.Ledger.Record(ctx, ledger.RecordParams{
		TransactionID:     s.ID,
		ProviderReference: s.PaymentIntentID,
		SubscriptionID:    sub.ID,
		EstablishmentID:   sub.EstablishmentID,
		Provider:          ledger.Stripe,
		PaymentMethod:     string(subscription.Card),
		Amount:            sub.MonthlyAmount,
		Currency:          sub.Currency,
		CustomerEmail:     email,
		Metadata:          map[string]any{metaKind: kindCheckout, "url": s.URL, "idempotency_key": key},
		Source:            "checkout",
	})
	if err != nil {
		return nil, err
	}

	res := pendingResult(txn)
	res.RedirectURL = s.URL
	return res, nil
}

// Confirm resolves a redirect completion against the latest pending card
// transaction. The code is not used for cards.
func (a *CardAdapter) Confirm(ctx context.Context, sub *subscription.Subscription, _ string) (*Result, error) {
	txn, err := a.Ledger.LatestPending(ctx, sub.ID, ledger.Stripe)
	if err != nil {
		return nil, err
	}
	return a.poll(ctx, txn, "confirm")
}

func (a *CardAdapter) Verify(ctx context.Context, transactionID string) (*Result, error) {
	txn, err := a.Ledger.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.Status == ledger.Completed || txn.Status == ledger.Refunded {
		return completedResult(txn), nil
	}
	return a.poll(ctx, txn, "verify")
}

func (a *CardAdapter) poll(ctx context.Context, txn *ledger.PaymentTransaction, source string) (*Result, error) {
	if err := checkConfig(ledger.Stripe, a.cfg.Payment.Card); err != nil {
		return nil, err
	}

	if txn.Metadata[metaKind] == kindCheckout {
		s, err := a.gateway.GetCheckoutSession(ctx, txn.TransactionID)
		if err != nil {
			return unreachable(ctx, txn, err), nil
		}
		switch {
		case s.PaymentStatus == string(stripe.CheckoutSessionPaymentStatusPaid):
			return a.settle(ctx, txn.TransactionID, source)
		case s.Status == string(stripe.CheckoutSessionStatusExpired):
			return a.fail(ctx, txn, &DeclineError{Code: "checkout_expired", Message: "checkout session expired"}, source)
		}
		res := pendingResult(txn)
		res.RedirectURL = s.URL
		return res, nil
	}

	if txn.ProviderReference == "" {
		return a.recoverIntent(ctx, txn, source)
	}
	intent, err := a.gateway.GetPaymentIntent(ctx, txn.ProviderReference)
	if err != nil {
		var decline *DeclineError
		if errors.As(err, &decline) {
			return a.fail(ctx, txn, decline, source)
		}
		return unreachable(ctx, txn, err), nil
	}
	return a.applyIntent(ctx, txn, intent, source)
}

// recoverIntent resolves a row whose creation call got no answer. The intent
// is searched by transaction id; a row with no intent past the search lag is
// failed so it stops being polled.
func (a *CardAdapter) recoverIntent(ctx context.Context, txn *ledger.PaymentTransaction, source string) (*Result, error) {
	intent, err := a.gateway.FindPaymentIntent(ctx, txn.TransactionID)
	if err != nil {
		return unreachable(ctx, txn, err), nil
	}
	if intent == nil {
		if a.Ledger.Now().Sub(txn.CreatedAt) < orphanIntentAfter {
			return pendingResult(txn), nil
		}
		return a.fail(ctx, txn, &DeclineError{Code: CodeIntentMissing, Message: "payment intent was never created"}, source)
	}

	if err := a.Ledger.AttachProviderResponse(ctx, txn.TransactionID, intent.ID, map[string]any{
		"intent_status": intent.Status,
		"recovered":     true,
	}); err != nil {
		return nil, err
	}
	return a.applyIntent(ctx, txn, intent, source)
}

func (a *CardAdapter) applyIntent(ctx context.Context, txn *ledger.PaymentTransaction, intent *CardIntent, source string) (*Result, error) {
	switch stripe.PaymentIntentStatus(intent.Status) {
	case stripe.PaymentIntentStatusSucceeded:
		return a.settle(ctx, txn.TransactionID, source)
	case stripe.PaymentIntentStatusCanceled:
		return a.fail(ctx, txn, &DeclineError{Code: "canceled", Message: "payment intent canceled"}, source)
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if intent.ErrorMessage != "" {
			return a.fail(ctx, txn, &DeclineError{Code: intent.ErrorCode, Message: intent.ErrorMessage}, source)
		}
	}

	res := pendingResult(txn)
	res.RedirectURL = intent.RedirectURL
	res.ClientSecret = intent.ClientSecret
	res.Payload = map[string]any{"intent_status": intent.Status}
	return res, nil
}

func chargeMetadata(sub *subscription.Subscription, transactionID string) map[string]string {
	m := map[string]string{
		"subscription_id":  sub.ID,
		"establishment_id": sub.EstablishmentID,
	}
	if transactionID != "" {
		m["transaction_id"] = transactionID
	}
	return m
}
