package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/logger"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/settlement"
	"smallbiznis-billing/services/subscription"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

var (
	ErrMissingPaymentMethod = errors.New("payment method token is required")
	ErrMissingPhone         = errors.New("phone number is required")
	ErrTokenAcquisition     = errors.New("provider token acquisition failed")
	ErrManualValidation     = errors.New("cash payments are validated by an administrator")
)

// Adapter drives one external payment network.
type Adapter interface {
	Provider() ledger.Provider
	// Initiate records a pending transaction and starts the charge. Provider
	// declines are reported in the Result, not as an error.
	Initiate(ctx context.Context, sub *subscription.Subscription, payload Payload) (*Result, error)
	// Confirm completes the latest pending transaction of the subscription.
	Confirm(ctx context.Context, sub *subscription.Subscription, code string) (*Result, error)
	// Verify polls the provider. Completed transactions are returned as is.
	Verify(ctx context.Context, transactionID string) (*Result, error)
}

var methodProviders = map[subscription.PaymentMethod]ledger.Provider{
	subscription.Card:        ledger.Stripe,
	subscription.AirtelMoney: ledger.Airtel,
	subscription.OrangeMoney: ledger.Orange,
	subscription.Cash:        ledger.CashProvider,
}

// ProviderFor returns the network serving a subscription payment method.
func ProviderFor(m subscription.PaymentMethod) (ledger.Provider, bool) {
	p, ok := methodProviders[m]
	return p, ok
}

const (
	// CodeUnreachable marks a Result whose provider call failed in transport.
	CodeUnreachable = "provider_unreachable"
	CodeInvalidOtp  = "invalid_otp"
)

type Payload struct {
	PaymentMethodToken string `json:"payment_method_token"`
	Phone              string `json:"phone"`
	Email              string `json:"email"`
}

type Result struct {
	Success       bool           `json:"success"`
	Status        ledger.Status  `json:"status"`
	TransactionID string         `json:"transaction_id,omitempty"`
	RequiresOtp   bool           `json:"requires_otp"`
	RedirectURL   string         `json:"redirect_url,omitempty"`
	ClientSecret  string         `json:"client_secret,omitempty"`
	Activated     bool           `json:"activated"`
	Message       string         `json:"message,omitempty"`
	Code          string         `json:"code,omitempty"`
	Payload       map[string]any `json:"provider_payload,omitempty"`
}

func pendingResult(txn *ledger.PaymentTransaction) *Result {
	return &Result{Success: true, Status: ledger.Pending, TransactionID: txn.TransactionID}
}

func failedResult(transactionID, message, code string) *Result {
	return &Result{Success: false, Status: ledger.Failed, TransactionID: transactionID, Message: message, Code: code}
}

// DeclineError is a provider answer refusing the charge.
type DeclineError struct {
	Code    string
	Message string
}

func (e *DeclineError) Error() string {
	if e.Code == "" {
		return "provider declined: " + e.Message
	}
	return fmt.Sprintf("provider declined [%s]: %s", e.Code, e.Message)
}

// ConfigError names the provider credentials missing from configuration.
type ConfigError struct {
	Provider ledger.Provider
	Fields   []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s provider misconfigured: missing or invalid %s", e.Provider, strings.Join(e.Fields, ", "))
}

var validate = validator.New()

// checkConfig runs the validate tags of cfg. It is called before every
// provider call so a bad credential never reaches the network.
func checkConfig(p ledger.Provider, cfg any) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	cfgErr := &ConfigError{Provider: p}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			cfgErr.Fields = append(cfgErr.Fields, fe.Field())
		}
	} else {
		cfgErr.Fields = []string{err.Error()}
	}
	return errutil.Internal("payment provider is not configured", cfgErr)
}

// newHTTPClient returns the traced client used for every provider call.
func newHTTPClient(cfg *config.Config) *http.Client {
	timeout := cfg.Payment.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// Deps are the collaborators shared by every adapter.
type Deps struct {
	Ledger     *ledger.Service
	Settlement *settlement.Service
}

// settle activates through the settlement unit and folds its outcome into a Result.
func (d Deps) settle(ctx context.Context, transactionID, source string) (*Result, error) {
	out, err := d.Settlement.Settle(ctx, transactionID, source)
	if err != nil {
		return nil, err
	}
	return &Result{
		Success:       true,
		Status:        ledger.Completed,
		TransactionID: transactionID,
		Activated:     out.Activated,
	}, nil
}

// fail records a decline and returns the matching failure Result.
func (d Deps) fail(ctx context.Context, txn *ledger.PaymentTransaction, decline *DeclineError, source string) (*Result, error) {
	if _, err := d.Settlement.Fail(ctx, txn.TransactionID, decline.Message, decline.Code, source); err != nil {
		return nil, err
	}
	logProviderFailure(ctx, txn, decline.Code, decline.Message)
	return failedResult(txn.TransactionID, decline.Message, decline.Code), nil
}

// unreachable reports a transport failure. The transaction stays pending so a
// later verify can resolve it.
func unreachable(ctx context.Context, txn *ledger.PaymentTransaction, err error) *Result {
	logProviderFailure(ctx, txn, "unreachable", err.Error())
	return &Result{
		Success:       false,
		Status:        ledger.Pending,
		TransactionID: txn.TransactionID,
		Message:       "provider unreachable, payment left pending",
		Code:          CodeUnreachable,
	}
}

func logProviderFailure(ctx context.Context, txn *ledger.PaymentTransaction, code, message string) {
	logger.FromContext(ctx).Warn("payment provider failure",
		zap.String("subscription_id", txn.SubscriptionID),
		zap.String("transaction_id", txn.TransactionID),
		zap.String("provider", string(txn.Provider)),
		zap.String("provider_code", code),
		zap.String("provider_message", message),
	)
}

// completedResult answers repeated confirmations of a completed transaction.
func completedResult(txn *ledger.PaymentTransaction) *Result {
	return &Result{Success: true, Status: ledger.Completed, TransactionID: txn.TransactionID}
}
