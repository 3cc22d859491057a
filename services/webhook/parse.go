package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/provider"

	stripe "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

var (
	ErrSignature = errors.New("invalid webhook signature")
	ErrMalformed = errors.New("malformed webhook payload")
)

// ParseStripe authenticates a card processor callback and extracts the
// charge it reports on.
func ParseStripe(payload []byte, signature, secret string) (*Event, error) {
	evt, err := stripewebhook.ConstructEventWithOptions(payload, signature, secret, stripewebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		switch {
		case errors.Is(err, stripewebhook.ErrNotSigned),
			errors.Is(err, stripewebhook.ErrInvalidHeader),
			errors.Is(err, stripewebhook.ErrNoValidSignature),
			errors.Is(err, stripewebhook.ErrTooOld):
			return nil, fmt.Errorf("%w: %v", ErrSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if evt.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", ErrMalformed, evt.ID)
	}

	out := &Event{Provider: ledger.Stripe, ID: evt.ID, Type: string(evt.Type), Kind: KindUnknown}

	switch evt.Type {
	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypePaymentIntentPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		out.Reference = pi.ID
		out.TransactionID = pi.Metadata["transaction_id"]
		out.SubscriptionID = pi.Metadata["subscription_id"]
		out.Amount = pi.Amount
		out.Currency = strings.ToUpper(string(pi.Currency))
		out.Kind = KindSucceeded
		if evt.Type == stripe.EventTypePaymentIntentPaymentFailed {
			out.Kind = KindFailed
			out.Code = "payment_failed"
			out.Message = "card payment failed"
			if pi.LastPaymentError != nil {
				if pi.LastPaymentError.DeclineCode != "" {
					out.Code = string(pi.LastPaymentError.DeclineCode)
				} else if pi.LastPaymentError.Code != "" {
					out.Code = string(pi.LastPaymentError.Code)
				}
				if pi.LastPaymentError.Msg != "" {
					out.Message = pi.LastPaymentError.Msg
				}
			}
		}

	case stripe.EventTypeCheckoutSessionCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		out.TransactionID = cs.ID
		out.SubscriptionID = cs.Metadata["subscription_id"]
		if out.SubscriptionID == "" {
			out.SubscriptionID = cs.ClientReferenceID
		}
		if cs.PaymentIntent != nil {
			out.Reference = cs.PaymentIntent.ID
		}
		out.Amount = cs.AmountTotal
		out.Currency = strings.ToUpper(string(cs.Currency))
		// delayed payment methods complete the session before the money moves
		out.Kind = KindPending
		if cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
			out.Kind = KindSucceeded
		}
	}

	return out, nil
}

type airtelCallback struct {
	Transaction struct {
		ID            string `json:"id"`
		Message       string `json:"message"`
		StatusCode    string `json:"status_code"`
		AirtelMoneyID string `json:"airtel_money_id"`
	} `json:"transaction"`
}

// ParseAirtel reads an Airtel Money callback. The transaction id is the one
// sent on initiation.
func ParseAirtel(payload []byte) (*Event, error) {
	var cb airtelCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	t := cb.Transaction
	if t.ID == "" || t.StatusCode == "" {
		return nil, fmt.Errorf("%w: missing transaction id or status", ErrMalformed)
	}

	return &Event{
		Provider:      ledger.Airtel,
		ID:            t.ID + ":" + t.StatusCode,
		Type:          "payment.status",
		Kind:          kindOf(provider.ClassifyAirtel(t.StatusCode)),
		TransactionID: t.ID,
		Reference:     t.AirtelMoneyID,
		Code:          t.StatusCode,
		Message:       t.Message,
	}, nil
}

type orangeCallback struct {
	Status     string `json:"status"`
	NotifToken string `json:"notif_token"`
	TxnID      string `json:"txnid"`
}

// ParseOrange reads an Orange Money notification. The notif token handed out
// on initiation identifies the transaction.
func ParseOrange(payload []byte) (*Event, error) {
	var cb orangeCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if cb.NotifToken == "" || cb.Status == "" {
		return nil, fmt.Errorf("%w: missing notif_token or status", ErrMalformed)
	}

	ev := &Event{
		Provider:  ledger.Orange,
		ID:        cb.NotifToken + ":" + strings.ToUpper(cb.Status),
		Type:      "webpayment.status",
		Kind:      kindOf(provider.ClassifyOrange(cb.Status)),
		Reference: cb.NotifToken,
		Code:      cb.Status,
	}
	if ev.Kind == KindFailed {
		ev.Message = "orange money payment " + strings.ToLower(cb.Status)
	}
	return ev, nil
}

func kindOf(s ledger.Status) Kind {
	switch s {
	case ledger.Completed:
		return KindSucceeded
	case ledger.Failed:
		return KindFailed
	default:
		return KindPending
	}
}
