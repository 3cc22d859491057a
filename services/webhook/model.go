package webhook

import (
	"time"

	"smallbiznis-billing/services/ledger"

	"gorm.io/datatypes"
)

type EventStatus string

const (
	Received  EventStatus = "received"
	Processed EventStatus = "processed"
	Ignored   EventStatus = "ignored"
	Deferred  EventStatus = "deferred"
)

// Kind is the effect a callback has on its transaction.
type Kind string

const (
	KindSucceeded Kind = "succeeded"
	KindFailed    Kind = "failed"
	KindPending   Kind = "pending"
	KindUnknown   Kind = "unknown"
)

// Event is a provider callback reduced to what reconciliation needs.
type Event struct {
	Provider ledger.Provider `json:"provider"`
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Kind     Kind            `json:"kind"`
	// TransactionID is our own id when the provider echoes it back.
	TransactionID string `json:"transaction_id,omitempty"`
	// Reference is the provider's id for the charge.
	Reference      string `json:"reference,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Amount         int64  `json:"amount,omitempty"`
	Currency       string `json:"currency,omitempty"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message,omitempty"`
}

// WebhookEvent is the durable journal entry of one received callback.
type WebhookEvent struct {
	ID            string                    `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt     time.Time                 `gorm:"column:created_at;index" json:"created_at"`
	UpdatedAt     time.Time                 `gorm:"column:updated_at" json:"updated_at"`
	Provider      ledger.Provider           `gorm:"column:provider;type:varchar(20);uniqueIndex:idx_webhook_provider_event" json:"provider"`
	EventID       string                    `gorm:"column:event_id;uniqueIndex:idx_webhook_provider_event" json:"event_id"`
	EventType     string                    `gorm:"column:event_type" json:"event_type"`
	TransactionID string                    `gorm:"column:transaction_id;index" json:"transaction_id,omitempty"`
	Status        EventStatus               `gorm:"column:status;type:varchar(20);index" json:"status"`
	Event         datatypes.JSONType[Event] `gorm:"column:event" json:"event"`
	Payload       datatypes.JSON            `gorm:"column:payload" json:"-"`
	Error         string                    `gorm:"column:error;type:text" json:"error,omitempty"`
	Attempts      int                       `gorm:"column:attempts" json:"attempts"`
	ProcessedAt   *time.Time                `gorm:"column:processed_at" json:"processed_at,omitempty"`
}
