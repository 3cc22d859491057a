package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/logger"
	"smallbiznis-billing/pkg/task"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/otp"
	"smallbiznis-billing/services/subscription"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
)

const defaultHTTPTimeout = 30 * time.Second

type chargeRequest struct {
	TransactionID  string
	SubscriptionID string
	Msisdn         string
	Amount         int64
	Currency       string
}

// networkResponse is a provider answer reduced to ledger terms.
type networkResponse struct {
	State       ledger.Status
	Reference   string
	RedirectURL string
	Code        string
	Message     string
	Meta        map[string]any
}

// network is one mobile money operator's wire protocol.
type network interface {
	provider() ledger.Provider
	method() subscription.PaymentMethod
	credentials() any
	tokenConfig() *clientcredentials.Config
	initiate(ctx context.Context, client *http.Client, token string, req chargeRequest) (*networkResponse, error)
	status(ctx context.Context, client *http.Client, token string, txn *ledger.PaymentTransaction) (*networkResponse, error)
}

// MobileMoneyAdapter runs the token, charge, OTP and status flow shared by
// the mobile money operators.
type MobileMoneyAdapter struct {
	Deps
	net         network
	countryCode string
	client      *http.Client
	tokens      *tokenFetcher
	otp         *otp.Service
	enqueuer    task.Enqueuer
}

type MobileMoneyParams struct {
	Deps     Deps
	Config   *config.Config
	Otp      *otp.Service
	Enqueuer task.Enqueuer
	Client   *http.Client
}

func newMobileMoneyAdapter(net network, p MobileMoneyParams) *MobileMoneyAdapter {
	client := p.Client
	if client == nil {
		client = newHTTPClient(p.Config)
	}
	return &MobileMoneyAdapter{
		Deps:        p.Deps,
		net:         net,
		countryCode: p.Config.Billing.CountryCode,
		client:      client,
		tokens:      &tokenFetcher{client: client},
		otp:         p.Otp,
		enqueuer:    p.Enqueuer,
	}
}

func NewAirtelAdapter(p MobileMoneyParams) *MobileMoneyAdapter {
	return newMobileMoneyAdapter(&airtelNetwork{cfg: p.Config.Payment.Airtel}, p)
}

func NewOrangeAdapter(p MobileMoneyParams) *MobileMoneyAdapter {
	return newMobileMoneyAdapter(&orangeNetwork{cfg: p.Config.Payment.Orange}, p)
}

func (a *MobileMoneyAdapter) Provider() ledger.Provider { return a.net.provider() }

func (a *MobileMoneyAdapter) Initiate(ctx context.Context, sub *subscription.Subscription, payload Payload) (*Result, error) {
	phone := NormalizePhone(payload.Phone, a.countryCode)
	if phone == "" {
		return nil, errutil.ValidationFailed("phone number is required", ErrMissingPhone,
			errutil.WithDetails(errutil.Detail{Field: "phone", Message: "required for mobile money payments"}))
	}
	if err := checkConfig(a.net.provider(), a.net.credentials()); err != nil {
		return nil, err
	}

	token, err := a.tokens.fetch(ctx, string(a.net.provider()), a.net.tokenConfig())
	if err != nil {
		return nil, err
	}

	req := chargeRequest{
		TransactionID:  uuid.NewString(),
		SubscriptionID: sub.ID,
		Msisdn:         phone,
		Amount:         sub.MonthlyAmount,
		Currency:       sub.Currency,
	}

	txn, err := a.Ledger.Record(ctx, ledger.RecordParams{
		TransactionID:   req.TransactionID,
		SubscriptionID:  sub.ID,
		EstablishmentID: sub.EstablishmentID,
		Provider:        a.net.provider(),
		PaymentMethod:   string(a.net.method()),
		Amount:          sub.MonthlyAmount,
		Currency:        sub.Currency,
		CustomerPhone:   phone,
		Metadata: map[string]any{
			"request": map[string]any{"msisdn": phone, "amount": sub.MonthlyAmount, "currency": sub.Currency},
		},
		Source: "initiate",
	})
	if err != nil {
		return nil, err
	}

	resp, err := a.net.initiate(ctx, a.client, token, req)
	if err != nil {
		var decline *DeclineError
		if errors.As(err, &decline) {
			return a.fail(ctx, txn, decline, "initiate")
		}
		return unreachable(ctx, txn, err), nil
	}

	if err := a.Ledger.AttachProviderResponse(ctx, txn.TransactionID, resp.Reference, resp.Meta); err != nil {
		return nil, err
	}

	switch resp.State {
	case ledger.Failed:
		return a.fail(ctx, txn, &DeclineError{Code: resp.Code, Message: resp.Message}, "initiate")
	case ledger.Completed:
		return a.settle(ctx, txn.TransactionID, "initiate")
	}

	res := pendingResult(txn)
	res.RedirectURL = resp.RedirectURL
	res.RequiresOtp = true
	if err := a.sendOtp(ctx, sub.ID, phone); err != nil {
		return nil, err
	}
	return res, nil
}

// Confirm checks the code bound to the subscription, then asks the operator
// whether the latest pending charge went through.
func (a *MobileMoneyAdapter) Confirm(ctx context.Context, sub *subscription.Subscription, code string) (*Result, error) {
	if err := otp.ValidateFormat(code); err != nil {
		return nil, err
	}

	txn, err := a.Ledger.LatestPending(ctx, sub.ID, a.net.provider())
	if err != nil {
		return nil, err
	}

	ok, err := a.otp.Verify(ctx, sub.ID, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Result{
			Success:       false,
			Status:        ledger.Pending,
			TransactionID: txn.TransactionID,
			Message:       "invalid or expired confirmation code",
			Code:          CodeInvalidOtp,
		}, nil
	}

	return a.poll(ctx, txn, "confirm")
}

func (a *MobileMoneyAdapter) Verify(ctx context.Context, transactionID string) (*Result, error) {
	txn, err := a.Ledger.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.Status == ledger.Completed || txn.Status == ledger.Refunded {
		return completedResult(txn), nil
	}
	return a.poll(ctx, txn, "verify")
}

func (a *MobileMoneyAdapter) poll(ctx context.Context, txn *ledger.PaymentTransaction, source string) (*Result, error) {
	if err := checkConfig(a.net.provider(), a.net.credentials()); err != nil {
		return nil, err
	}

	token, err := a.tokens.fetch(ctx, string(a.net.provider()), a.net.tokenConfig())
	if err != nil {
		return nil, err
	}

	resp, err := a.net.status(ctx, a.client, token, txn)
	if err != nil {
		return unreachable(ctx, txn, err), nil
	}

	switch resp.State {
	case ledger.Completed:
		return a.settle(ctx, txn.TransactionID, source)
	case ledger.Failed:
		if txn.Status == ledger.Failed {
			return failedResult(txn.TransactionID, txn.FailureReason, txn.FailureCode), nil
		}
		return a.fail(ctx, txn, &DeclineError{Code: resp.Code, Message: resp.Message}, source)
	}
	return pendingResult(txn), nil
}

func (a *MobileMoneyAdapter) sendOtp(ctx context.Context, subscriptionID, phone string) error {
	code, err := a.otp.Generate(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if a.enqueuer == nil {
		return nil
	}

	t, err := task.NewTask(task.TypeOtpDeliver, task.OtpDeliverPayload{
		SubscriptionID: subscriptionID,
		Phone:          phone,
		Code:           code,
	})
	if err == nil {
		_, err = a.enqueuer.Enqueue(ctx, t, asynq.Queue(task.QueueCritical), asynq.MaxRetry(3), asynq.Timeout(time.Minute))
	}
	if err != nil {
		// the code stays valid and can be regenerated by initiating again
		logger.FromContext(ctx).Error("failed to enqueue otp delivery",
			zap.String("subscription_id", subscriptionID),
			zap.Error(err),
		)
	}
	return nil
}
