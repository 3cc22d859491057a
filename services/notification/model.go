package notification

import "time"

type Kind string

const (
	PaymentPending Kind = "payment_pending"
	PaymentRefused Kind = "payment_refused"
	ExpiringSoon   Kind = "expiring_soon"
	Expired        Kind = "expired"
)

type Alert struct {
	Kind           Kind       `json:"kind"`
	SubscriptionID string     `json:"subscription_id"`
	Message        string     `json:"message"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	DaysLeft       int        `json:"days_left,omitempty"`
}
