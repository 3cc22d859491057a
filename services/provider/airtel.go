package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/subscription"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	airtelSuccess = "TS"
	airtelFailed  = "TF"
)

type airtelNetwork struct {
	cfg config.Airtel
}

func (n *airtelNetwork) provider() ledger.Provider          { return ledger.Airtel }
func (n *airtelNetwork) method() subscription.PaymentMethod { return subscription.AirtelMoney }
func (n *airtelNetwork) credentials() any                   { return n.cfg }

func (n *airtelNetwork) tokenConfig() *clientcredentials.Config {
	return &clientcredentials.Config{
		ClientID:     n.cfg.ClientID,
		ClientSecret: n.cfg.ClientSecret,
		TokenURL:     strings.TrimRight(n.cfg.BaseURL, "/") + "/auth/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInParams,
	}
}

type airtelStatus struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	ResultCode string `json:"result_code"`
	Success    bool   `json:"success"`
}

type airtelTransaction struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	AirtelMoneyID string `json:"airtel_money_id"`
}

type airtelEnvelope struct {
	Data struct {
		Transaction airtelTransaction `json:"transaction"`
	} `json:"data"`
	Status airtelStatus `json:"status"`
}

func (n *airtelNetwork) initiate(ctx context.Context, client *http.Client, token string, req chargeRequest) (*networkResponse, error) {
	body := map[string]any{
		"reference": "SUB-" + req.SubscriptionID,
		"subscriber": map[string]any{
			"country":  n.cfg.Country,
			"currency": req.Currency,
			"msisdn":   nationalNumber(req.Msisdn, n.countryCode()),
		},
		"transaction": map[string]any{
			"amount":   majorUnits(req.Amount),
			"country":  n.cfg.Country,
			"currency": req.Currency,
			"id":       req.TransactionID,
		},
	}

	var env airtelEnvelope
	if err := n.do(ctx, client, token, http.MethodPost, "/merchant/v1/payments/", req.Currency, body, &env); err != nil {
		return nil, err
	}
	if !env.Status.Success {
		return nil, &DeclineError{Code: env.Status.ResultCode, Message: env.Status.Message}
	}

	return &networkResponse{
		State:     ledger.Pending,
		Reference: env.Data.Transaction.ID,
		Meta: map[string]any{
			"result_code":        env.Status.ResultCode,
			"transaction_status": env.Data.Transaction.Status,
		},
	}, nil
}

func (n *airtelNetwork) status(ctx context.Context, client *http.Client, token string, txn *ledger.PaymentTransaction) (*networkResponse, error) {
	var env airtelEnvelope
	if err := n.do(ctx, client, token, http.MethodGet, "/standard/v1/payments/"+txn.TransactionID, txn.Currency, nil, &env); err != nil {
		return nil, err
	}
	return airtelState(env.Data.Transaction.Status, env.Data.Transaction.Message, env.Data.Transaction.AirtelMoneyID), nil
}

func airtelState(code, message, reference string) *networkResponse {
	resp := &networkResponse{State: ledger.Pending, Reference: reference, Code: code, Message: message}
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case airtelSuccess:
		resp.State = ledger.Completed
	case airtelFailed:
		resp.State = ledger.Failed
		if resp.Message == "" {
			resp.Message = "transaction failed"
		}
	}
	return resp
}

func (n *airtelNetwork) countryCode() string {
	return countryDialCodes[strings.ToUpper(n.cfg.Country)]
}

func (n *airtelNetwork) do(ctx context.Context, client *http.Client, token, method, path, currency string, in, out any) error {
	var reader io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(n.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Country", n.cfg.Country)
	req.Header.Set("X-Currency", currency)

	return doJSON(client, req, out)
}

// doJSON sends req and decodes a 2xx body into out. Other statuses are
// declines carrying the provider's message.
func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &DeclineError{Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: msg}
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// majorUnits renders minor units as a JSON number in the currency's main unit.
func majorUnits(minor int64) json.Number {
	if minor%100 == 0 {
		return json.Number(fmt.Sprintf("%d", minor/100))
	}
	return json.Number(fmt.Sprintf("%d.%02d", minor/100, minor%100))
}

// countryDialCodes covers the markets the operators serve.
var countryDialCodes = map[string]string{
	"CD": "243",
	"CG": "242",
	"CM": "237",
	"CI": "225",
	"SN": "221",
	"ML": "223",
	"BF": "226",
	"NE": "227",
	"TD": "235",
	"GA": "241",
	"MG": "261",
	"KE": "254",
	"UG": "256",
	"TZ": "255",
	"RW": "250",
	"ZM": "260",
	"MW": "265",
	"NG": "234",
}

// ClassifyAirtel maps an Airtel transaction status code to a ledger status.
func ClassifyAirtel(code string) ledger.Status {
	return airtelState(code, "", "").State
}
