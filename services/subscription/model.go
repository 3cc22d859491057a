package subscription

import (
	"time"

	"smallbiznis-billing/services/plan"

	"gorm.io/datatypes"
)

type PaymentMethod string

const (
	Card        PaymentMethod = "card"
	AirtelMoney PaymentMethod = "airtel_money"
	OrangeMoney PaymentMethod = "orange_money"
	Cash        PaymentMethod = "cash"
)

func (m PaymentMethod) String() string {
	switch m {
	case Card, AirtelMoney, OrangeMoney, Cash:
		return string(m)
	default:
		return ""
	}
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentValid   PaymentStatus = "valid"
	PaymentRefused PaymentStatus = "refused"
)

type Status string

const (
	Pending   Status = "pending"
	Active    Status = "active"
	Suspended Status = "suspended"
	Expired   Status = "expired"
	Cancelled Status = "cancelled"
)

type Subscription struct {
	ID              string                               `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt       time.Time                            `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time                            `gorm:"column:updated_at" json:"updated_at"`
	EstablishmentID string                               `gorm:"column:establishment_id;index;not null" json:"establishment_id"`
	PlanSlug        plan.Slug                            `gorm:"column:plan;type:varchar(20);not null" json:"plan"`
	MonthlyAmount   int64                                `gorm:"column:monthly_amount" json:"monthly_amount"`
	Currency        string                               `gorm:"column:currency;type:varchar(3)" json:"currency"`
	PaymentMethod   PaymentMethod                        `gorm:"column:payment_method;type:varchar(20)" json:"payment_method"`
	PaymentStatus   PaymentStatus                        `gorm:"column:payment_status;type:varchar(20);index" json:"payment_status"`
	Status          Status                               `gorm:"column:status;type:varchar(20);index" json:"status"`
	IsActiveFlag    bool                                 `gorm:"column:is_active" json:"is_active_flag"`
	StartDate       *time.Time                           `gorm:"column:start_date" json:"start_date"`
	EndDate         *time.Time                           `gorm:"column:end_date;index" json:"end_date"`
	PaidAt          *time.Time                           `gorm:"column:paid_at" json:"paid_at"`
	TransactionRef  string                               `gorm:"column:transaction_ref" json:"transaction_ref,omitempty"`
	OtpCode         string                               `gorm:"column:otp_code;type:varchar(6)" json:"-"`
	OtpExpiresAt    *time.Time                           `gorm:"column:otp_expires_at" json:"-"`
	Limitations     datatypes.JSONType[plan.Limitations] `gorm:"column:limitations" json:"limitations"`
	Notes           string                               `gorm:"column:notes;type:text" json:"notes,omitempty"`
}

// IsActive holds iff the flag is set, the lifecycle is active, the payment is
// valid and the period has not ended.
func (s *Subscription) IsActive(now time.Time) bool {
	if !s.IsActiveFlag || s.Status != Active || s.PaymentStatus != PaymentValid {
		return false
	}
	return s.EndDate == nil || !s.EndDate.Before(now)
}

// Plan re-resolves the plan from the catalog. The stored limitations snapshot
// is informational only.
func (s *Subscription) Plan() (plan.Plan, error) {
	return plan.Resolve(string(s.PlanSlug))
}

type NewPendingParams struct {
	ID              string
	EstablishmentID string
	Plan            plan.Plan
	Currency        string
	PaymentMethod   PaymentMethod
	Notes           string
}

// NewPending builds the subscription created at onboarding, with price and
// limitations taken from the plan.
func NewPending(p NewPendingParams) *Subscription {
	return &Subscription{
		ID:              p.ID,
		EstablishmentID: p.EstablishmentID,
		PlanSlug:        p.Plan.Slug,
		MonthlyAmount:   p.Plan.MonthlyAmount,
		Currency:        p.Currency,
		PaymentMethod:   p.PaymentMethod,
		PaymentStatus:   PaymentPending,
		Status:          Pending,
		IsActiveFlag:    false,
		Limitations:     datatypes.NewJSONType(p.Plan.Limitations),
		Notes:           p.Notes,
	}
}

type View struct {
	*Subscription
	IsActive bool `json:"is_active"`
}
