package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditAccount mirrors the credit_accounts table.
type CreditAccount struct {
	UserID          string    `gorm:"primaryKey"`
	TotalCredits    int64     `gorm:"not null;default:0"`
	UsedCredits     int64     `gorm:"not null;default:0"`
	HeldCredits     int64     `gorm:"not null;default:0"`
	FreeCreditsUsed int64     `gorm:"not null;default:0"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditReservation mirrors the credit_reservations table.
type CreditReservation struct {
	ReservationID string    `gorm:"primaryKey"`
	UserID        string    `gorm:"not null;index:idx_credit_reservations_user"`
	Status        string    `gorm:"not null;index:idx_credit_reservations_status_expiry,priority:1"`
	ExpiresAt     time.Time `gorm:"not null;index:idx_credit_reservations_status_expiry,priority:2"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (CreditReservation) TableName() string { return "credit_reservations" }

// CreditPackage mirrors the credit_packages table.
type CreditPackage struct {
	PackageID string    `gorm:"primaryKey"`
	Name      string    `gorm:"not null"`
	Credits   int64     `gorm:"not null"`
	Price     string    `gorm:"not null"`
	Currency  string    `gorm:"not null"`
	PriceRef  string    `gorm:"not null;default:''"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (CreditPackage) TableName() string { return "credit_packages" }

// CreditPurchase mirrors the credit_purchases table.
type CreditPurchase struct {
	PurchaseID       string         `gorm:"type:uuid;primaryKey"`
	SessionRef       string         `gorm:"not null;uniqueIndex:uniq_credit_purchases_session_ref"`
	UserID           string         `gorm:"not null;index:idx_credit_purchases_user"`
	PackageID        string         `gorm:"not null"`
	PaymentIntentRef string         `gorm:"not null;default:''"`
	Amount           int64          `gorm:"not null"`
	Credits          int64          `gorm:"not null"`
	Status           string         `gorm:"not null;index:idx_credit_purchases_unapplied,priority:1"`
	CreditsApplied   bool           `gorm:"not null;default:false;index:idx_credit_purchases_unapplied,priority:2"`
	Metadata         datatypes.JSON `gorm:"type:jsonb;not null"`
	CompletedAt      *time.Time
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (CreditPurchase) TableName() string { return "credit_purchases" }

func (purchase *CreditPurchase) BeforeCreate(tx *gorm.DB) error {
	if purchase.PurchaseID == "" {
		purchase.PurchaseID = uuid.NewString()
	}
	return nil
}

// Models lists every table for AutoMigrate.
func Models() []interface{} {
	return []interface{}{&CreditAccount{}, &CreditReservation{}, &CreditPackage{}, &CreditPurchase{}}
}
