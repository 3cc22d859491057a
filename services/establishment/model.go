package establishment

import (
	"time"
)

type Status string

var (
	Pending   Status = "pending"
	Active    Status = "active"
	Suspended Status = "suspended"
)

type Role string

var (
	Admin   Role = "admin"
	Manager Role = "manager"
	Cashier Role = "cashier"
	Server  Role = "server"
)

type Establishment struct {
	ID          string    `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`
	Name        string    `gorm:"column:name;not null" json:"name"`
	Slug        string    `gorm:"column:slug;uniqueIndex;not null" json:"slug"`
	CountryCode string    `gorm:"column:country_code;type:varchar(2)" json:"country_code"`
	Timezone    string    `gorm:"column:timezone" json:"timezone"`
	Phone       string    `gorm:"column:phone" json:"phone,omitempty"`
	Email       string    `gorm:"column:email" json:"email,omitempty"`
	Status      Status    `gorm:"column:status;type:varchar(20)" json:"status"`
}

// User is a POS account of an establishment. The earliest admin is the
// primary administrative account.
type User struct {
	ID              string    `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt       time.Time `gorm:"column:created_at;index" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at" json:"updated_at"`
	EstablishmentID string    `gorm:"column:establishment_id;index;not null" json:"establishment_id"`
	Name            string    `gorm:"column:name" json:"name"`
	Email           string    `gorm:"column:email;uniqueIndex" json:"email"`
	Phone           string    `gorm:"column:phone" json:"phone,omitempty"`
	Role            Role      `gorm:"column:role;type:varchar(20)" json:"role"`
	IsActive        bool      `gorm:"column:is_active" json:"is_active"`
}

// Product and Sale are owned by the inventory and sales modules; only the
// columns needed for usage counting are mapped here.
type Product struct {
	ID              string    `gorm:"column:id;primaryKey"`
	CreatedAt       time.Time `gorm:"column:created_at"`
	EstablishmentID string    `gorm:"column:establishment_id;index;not null"`
	Name            string    `gorm:"column:name"`
}

type Sale struct {
	ID              string    `gorm:"column:id;primaryKey"`
	CreatedAt       time.Time `gorm:"column:created_at;index"`
	EstablishmentID string    `gorm:"column:establishment_id;index;not null"`
	Total           int64     `gorm:"column:total"`
}
