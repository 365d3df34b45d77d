package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID             string    `gorm:"primaryKey"`
	Balance               int64     `gorm:"not null;default:0;check:chk_accounts_balance_non_negative,balance >= 0"`
	CurrentSubscriptionID *string   `gorm:"index"`
	CreatedAt             time.Time `gorm:"not null"`
	UpdatedAt             time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID        string    `gorm:"primaryKey"`
	AccountID      string    `gorm:"not null;index:idx_ledger_account_created,priority:1;index:uniq_entry_idem,unique,priority:1"`
	Kind           string    `gorm:"not null"`
	Amount         int64     `gorm:"not null"`
	FeatureID      *string   `gorm:""`
	Description    string    `gorm:"not null;default:''"`
	IdempotencyKey *string   `gorm:"index:uniq_entry_idem,unique,priority:2"`
	CreatedAt      time.Time `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// FeatureCost mirrors the feature_costs table.
type FeatureCost struct {
	FeatureID string    `gorm:"primaryKey"`
	Name      string    `gorm:"not null"`
	Cost      int64     `gorm:"not null;check:chk_feature_costs_cost_non_negative,cost >= 0"`
	Active    bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (FeatureCost) TableName() string { return "feature_costs" }

// Plan mirrors the plans table.
type Plan struct {
	PlanID          string         `gorm:"primaryKey"`
	Name            string         `gorm:"not null"`
	Price           int64          `gorm:"not null"`
	Currency        string         `gorm:"not null"`
	Credits         int64          `gorm:"not null"`
	Features        datatypes.JSON `gorm:"not null"`
	ProviderPriceID string         `gorm:"not null;default:''"`
	Active          bool           `gorm:"not null"`
	CreatedAt       time.Time      `gorm:"not null"`
	UpdatedAt       time.Time      `gorm:"not null"`
}

func (Plan) TableName() string { return "plans" }

// Subscription mirrors the subscriptions table.
type Subscription struct {
	SubscriptionID    string     `gorm:"primaryKey"`
	AccountID         string     `gorm:"not null;index:idx_subscriptions_account_status,priority:1"`
	PlanID            string     `gorm:"not null"`
	Status            string     `gorm:"not null;index:idx_subscriptions_account_status,priority:2"`
	ProviderPaymentID string     `gorm:"not null;default:'';index"`
	StartDate         *time.Time `gorm:""`
	EndDate           *time.Time `gorm:""`
	RenewalDate       *time.Time `gorm:""`
	CreatedAt         time.Time  `gorm:"not null"`
	UpdatedAt         time.Time  `gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

// SubscriptionPayment mirrors the subscription_payments table. A provider
// payment id appears at most once across all subscriptions.
type SubscriptionPayment struct {
	ProviderPaymentID string    `gorm:"primaryKey"`
	SubscriptionID    string    `gorm:"not null;index"`
	Amount            int64     `gorm:"not null"`
	Status            string    `gorm:"not null"`
	PaidAt            time.Time `gorm:"not null"`
	CreatedAt         time.Time `gorm:"not null"`
}

func (SubscriptionPayment) TableName() string { return "subscription_payments" }

// Models lists every table model in creation order.
func Models() []any {
	return []any{&Account{}, &LedgerEntry{}, &FeatureCost{}, &Plan{}, &Subscription{}, &SubscriptionPayment{}}
}
