package otp

import (
	"context"
	"errors"
	"fmt"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/logger"
	"smallbiznis-billing/pkg/task"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrNoSender = errors.New("otp: no sms gateway configured")

// Sender hands a confirmation code to the customer's phone.
type Sender interface {
	Send(ctx context.Context, phone, message string) error
}

// logSender stands in for the gateway outside production.
type logSender struct{}

func (logSender) Send(ctx context.Context, phone, message string) error {
	logger.FromContext(ctx).Info("confirmation code handed to delivery channel",
		zap.String("phone", MaskPhone(phone)),
	)
	return nil
}

// Worker serves otp:deliver tasks.
var Worker = fx.Module("otp.delivery",
	fx.Provide(NewDelivery),
	fx.Invoke(RegisterTasks),
)

// Delivery consumes otp:deliver tasks.
type Delivery struct {
	otp    *Service
	sender Sender
}

type DeliveryParams struct {
	fx.In
	Service *Service
	Config  *config.Config `optional:"true"`
	Sender  Sender         `optional:"true"`
}

// NewDelivery picks the injected Sender, else the configured SMS gateway. A
// production worker without either refuses to start.
func NewDelivery(p DeliveryParams) (*Delivery, error) {
	sender := p.Sender
	switch {
	case sender != nil:
	case p.Config != nil && p.Config.SMS.URL != "":
		gw, err := NewHTTPSender(p.Config)
		if err != nil {
			return nil, err
		}
		sender = gw
	case p.Config != nil && p.Config.AppEnv == "production":
		return nil, ErrNoSender
	default:
		sender = logSender{}
	}
	return &Delivery{otp: p.Service, sender: sender}, nil
}

// HandleDeliverTask sends the code unless it has since expired or been
// replaced by a newer one.
func (d *Delivery) HandleDeliverTask(ctx context.Context, t *asynq.Task) error {
	var payload task.OtpDeliverPayload
	if err := task.Decode(t, &payload); err != nil {
		return err
	}

	current, err := d.otp.Verify(ctx, payload.SubscriptionID, payload.Code)
	if err != nil {
		return err
	}
	if !current {
		logger.FromContext(ctx).Info("stale confirmation code not delivered",
			zap.String("subscription_id", payload.SubscriptionID),
		)
		return nil
	}

	msg := fmt.Sprintf("Your payment confirmation code is %s. It expires in %d minutes.", payload.Code, int(d.otp.ttl.Minutes()))
	return d.sender.Send(ctx, payload.Phone, msg)
}

func RegisterTasks(mux *asynq.ServeMux, d *Delivery) {
	mux.HandleFunc(task.TypeOtpDeliver, d.HandleDeliverTask)
}

// MaskPhone keeps the country prefix and the last two digits.
func MaskPhone(phone string) string {
	if len(phone) <= 6 {
		return "****"
	}
	masked := []byte(phone)
	for i := 4; i < len(masked)-2; i++ {
		masked[i] = '*'
	}
	return string(masked)
}
