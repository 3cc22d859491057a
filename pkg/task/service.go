package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	TypeInvoiceRender      = "invoice:render"
	TypeWebhookReconcile   = "webhook:reconcile"
	TypePaymentVerify      = "payment:verify"
	TypeNotificationExpiry = "notification:expiry"
	TypeOtpDeliver         = "otp:deliver"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

type InvoiceRenderPayload struct {
	InvoiceID string `json:"invoice_id"`
}

type WebhookReconcilePayload struct {
	EventID string `json:"event_id"`
}

type PaymentVerifyPayload struct {
	TransactionID string `json:"transaction_id"`
}

type NotificationExpiryPayload struct {
	SubscriptionID  string `json:"subscription_id"`
	EstablishmentID string `json:"establishment_id"`
	EndDate         string `json:"end_date"`
}

type OtpDeliverPayload struct {
	SubscriptionID string `json:"subscription_id"`
	Phone          string `json:"phone"`
	Code           string `json:"code"`
}

type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueuerImpl struct {
	client *asynq.Client
}

// NewEnqueuer creates a new Enqueuer instance using asynq.Client.
func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuerImpl{client: client}
}

func (e *enqueuerImpl) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info, nil
}

// NewTask marshals payload into an asynq task of the given type.
func NewTask(taskType string, payload any) (*asynq.Task, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, b), nil
}

// Decode unmarshals the payload of t into v, skipping asynq retries for
// payloads that can never be decoded.
func Decode(t *asynq.Task, v any) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}
