package invoice

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	Draft     Status = "draft"
	Sent      Status = "sent"
	Paid      Status = "paid"
	Overdue   Status = "overdue"
	Cancelled Status = "cancelled"
)

type LineItem struct {
	Description string    `json:"description"`
	Quantity    int       `json:"quantity"`
	UnitAmount  int64     `json:"unit_amount"`
	Amount      int64     `json:"amount"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

type Invoice struct {
	ID              string                        `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt       time.Time                     `gorm:"column:created_at;index" json:"created_at"`
	UpdatedAt       time.Time                     `gorm:"column:updated_at" json:"updated_at"`
	Number          string                        `gorm:"column:number;uniqueIndex;not null" json:"number"`
	SubscriptionID  string                        `gorm:"column:subscription_id;index;not null" json:"subscription_id"`
	EstablishmentID string                        `gorm:"column:establishment_id;index;not null" json:"establishment_id"`
	TransactionRef  string                        `gorm:"column:transaction_ref;index" json:"transaction_ref,omitempty"`
	Amount          int64                         `gorm:"column:amount" json:"amount"`
	TaxRateBps      int64                         `gorm:"column:tax_rate_bps" json:"tax_rate_bps"`
	TaxAmount       int64                         `gorm:"column:tax_amount" json:"tax_amount"`
	Total           int64                         `gorm:"column:total" json:"total"`
	Currency        string                        `gorm:"column:currency;type:varchar(3)" json:"currency"`
	Status          Status                        `gorm:"column:status;type:varchar(20);index" json:"status"`
	IssueDate       time.Time                     `gorm:"column:issue_date" json:"issue_date"`
	DueDate         time.Time                     `gorm:"column:due_date" json:"due_date"`
	PaidAt          *time.Time                    `gorm:"column:paid_at" json:"paid_at,omitempty"`
	LineItems       datatypes.JSONSlice[LineItem] `gorm:"column:line_items" json:"line_items"`
	DocumentKey     string                        `gorm:"column:document_key" json:"document_key,omitempty"`
}

// TaxFor applies a basis point rate to amount, rounding half up.
func TaxFor(amount, rateBps int64) int64 {
	return (amount*rateBps + 5000) / 10000
}
