package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/subscription"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

type orangeNetwork struct {
	cfg config.Orange
}

func (n *orangeNetwork) provider() ledger.Provider          { return ledger.Orange }
func (n *orangeNetwork) method() subscription.PaymentMethod { return subscription.OrangeMoney }
func (n *orangeNetwork) credentials() any                   { return n.cfg }

func (n *orangeNetwork) tokenConfig() *clientcredentials.Config {
	return &clientcredentials.Config{
		ClientID:     n.cfg.ClientID,
		ClientSecret: n.cfg.ClientSecret,
		TokenURL:     strings.TrimRight(n.cfg.BaseURL, "/") + "/oauth/v3/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
}

type orangePayment struct {
	Status     int    `json:"status"`
	Message    string `json:"message"`
	PayToken   string `json:"pay_token"`
	PaymentURL string `json:"payment_url"`
	NotifToken string `json:"notif_token"`
}

type orangeStatus struct {
	Status  string `json:"status"`
	OrderID string `json:"order_id"`
	TxnID   string `json:"txnid"`
}

func (n *orangeNetwork) initiate(ctx context.Context, client *http.Client, token string, req chargeRequest) (*networkResponse, error) {
	body := map[string]any{
		"merchant_key": n.cfg.MerchantKey,
		"currency":     req.Currency,
		"order_id":     req.TransactionID,
		"amount":       majorUnits(req.Amount),
		"return_url":   n.cfg.ReturnURL,
		"cancel_url":   n.cfg.CancelURL,
		"notif_url":    n.cfg.NotifURL,
		"lang":         "fr",
		"reference":    "SUB-" + req.SubscriptionID,
	}

	var out orangePayment
	if err := n.post(ctx, client, token, "/webpayment", body, &out); err != nil {
		return nil, err
	}
	if out.PayToken == "" {
		msg := out.Message
		if msg == "" {
			msg = "no pay token returned"
		}
		return nil, &DeclineError{Code: fmt.Sprintf("%d", out.Status), Message: msg}
	}

	return &networkResponse{
		State:       ledger.Pending,
		Reference:   out.NotifToken,
		RedirectURL: out.PaymentURL,
		Meta: map[string]any{
			"pay_token":   out.PayToken,
			"notif_token": out.NotifToken,
			"payment_url": out.PaymentURL,
		},
	}, nil
}

func (n *orangeNetwork) status(ctx context.Context, client *http.Client, token string, txn *ledger.PaymentTransaction) (*networkResponse, error) {
	payToken, _ := txn.Metadata["pay_token"].(string)
	body := map[string]any{
		"order_id":  txn.TransactionID,
		"amount":    majorUnits(txn.Amount),
		"pay_token": payToken,
	}

	var out orangeStatus
	if err := n.post(ctx, client, token, "/transactionstatus", body, &out); err != nil {
		return nil, err
	}
	return orangeState(out.Status, out.TxnID), nil
}

func orangeState(status, txnID string) *networkResponse {
	resp := &networkResponse{State: ledger.Pending, Reference: txnID, Code: status}
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "SUCCESS", "SUCCESSFUL":
		resp.State = ledger.Completed
	case "FAILED", "EXPIRED":
		resp.State = ledger.Failed
		resp.Message = "orange money payment " + strings.ToLower(status)
	}
	return resp
}

func (n *orangeNetwork) post(ctx context.Context, client *http.Client, token, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/orange-money-webpay/%s/v1%s", strings.TrimRight(n.cfg.BaseURL, "/"), n.cfg.Country, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	return doJSON(client, req, out)
}

// ClassifyOrange maps an Orange Money payment status to a ledger status.
func ClassifyOrange(status string) ledger.Status {
	return orangeState(status, "").State
}
