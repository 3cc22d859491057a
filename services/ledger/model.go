package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Provider string

const (
	Stripe       Provider = "stripe"
	Airtel       Provider = "airtel"
	Orange       Provider = "orange"
	CashProvider Provider = "cash"
)

type Status string

const (
	Pending   Status = "pending"
	Completed Status = "completed"
	Failed    Status = "failed"
	Refunded  Status = "refunded"
)

// PaymentTransaction is one attempt to move money through one provider.
// TransactionID is the idempotency key shared with the provider.
type PaymentTransaction struct {
	ID                string            `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt         time.Time         `gorm:"column:created_at;index" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"column:updated_at" json:"updated_at"`
	TransactionID     string            `gorm:"column:transaction_id;uniqueIndex;not null" json:"transaction_id"`
	ProviderReference string            `gorm:"column:provider_reference;index" json:"provider_reference,omitempty"`
	SubscriptionID    string            `gorm:"column:subscription_id;index;not null" json:"subscription_id"`
	EstablishmentID   string            `gorm:"column:establishment_id;index" json:"establishment_id"`
	Provider          Provider          `gorm:"column:provider;type:varchar(20);index" json:"provider"`
	PaymentMethod     string            `gorm:"column:payment_method;type:varchar(20)" json:"payment_method"`
	Amount            int64             `gorm:"column:amount" json:"amount"`
	Currency          string            `gorm:"column:currency;type:varchar(3)" json:"currency"`
	Status            Status            `gorm:"column:status;type:varchar(20);index" json:"status"`
	Metadata          datatypes.JSONMap `gorm:"column:metadata" json:"metadata,omitempty"`
	CustomerPhone     string            `gorm:"column:customer_phone" json:"customer_phone,omitempty"`
	CustomerEmail     string            `gorm:"column:customer_email" json:"customer_email,omitempty"`
	FailureReason     string            `gorm:"column:failure_reason;type:text" json:"failure_reason,omitempty"`
	FailureCode       string            `gorm:"column:failure_code" json:"failure_code,omitempty"`
	ProcessedAt       *time.Time        `gorm:"column:processed_at" json:"processed_at,omitempty"`
}

// TransactionEvent records one status change of a PaymentTransaction. Events
// of a transaction form a hash chain ordered by Seq.
type TransactionEvent struct {
	ID            string    `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt     time.Time `gorm:"column:created_at" json:"created_at"`
	TransactionID string    `gorm:"column:transaction_id;uniqueIndex:idx_txn_event_seq;not null" json:"transaction_id"`
	Seq           int       `gorm:"column:seq;uniqueIndex:idx_txn_event_seq" json:"seq"`
	FromStatus    Status    `gorm:"column:from_status;type:varchar(20)" json:"from_status"`
	ToStatus      Status    `gorm:"column:to_status;type:varchar(20)" json:"to_status"`
	Source        string    `gorm:"column:source" json:"source"`
	Note          string    `gorm:"column:note;type:text" json:"note,omitempty"`
	PreviousHash  string    `gorm:"column:previous_hash" json:"previous_hash"`
	Hash          string    `gorm:"column:hash" json:"hash"`
}

func (e *TransactionEvent) HashFields() map[string]string {
	return map[string]string{
		"id":             e.ID,
		"transaction_id": e.TransactionID,
		"seq":            fmt.Sprintf("%d", e.Seq),
		"from_status":    string(e.FromStatus),
		"to_status":      string(e.ToStatus),
		"source":         e.Source,
		"note":           e.Note,
		"created_at":     e.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":  e.PreviousHash,
	}
}

func (e *TransactionEvent) GenerateHash() string {
	fields := e.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}
