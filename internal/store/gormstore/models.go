package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	UserID       string    `gorm:"primaryKey"`
	TokenBalance int64     `gorm:"not null;default:0;check:chk_accounts_token_balance,token_balance >= 0"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// Transaction mirrors the transactions table. At most one COMPLETED row exists per
// (type, external_ref) when external_ref is set.
type Transaction struct {
	ID          string         `gorm:"type:uuid;primaryKey"`
	UserID      string         `gorm:"not null;index:idx_transactions_user_created,priority:1"`
	Type        string         `gorm:"not null;uniqueIndex:uniq_transactions_completed_ref,priority:1,where:status = 'COMPLETED' AND external_ref IS NOT NULL"`
	Amount      int64          `gorm:"not null;check:chk_transactions_amount,amount > 0"`
	Description string         `gorm:"not null"`
	Status      string         `gorm:"not null"`
	ExternalRef *string        `gorm:"uniqueIndex:uniq_transactions_completed_ref,priority:2,where:status = 'COMPLETED' AND external_ref IS NOT NULL"`
	Metadata    datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null;index:idx_transactions_user_created,priority:2"`
}

func (Transaction) TableName() string { return "transactions" }

func (transaction *Transaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.ID == "" {
		transaction.ID = uuid.NewString()
	}
	return nil
}

// Customer maps a user to the payment processor's customer id.
type Customer struct {
	UserID     string    `gorm:"primaryKey"`
	CustomerID string    `gorm:"not null;uniqueIndex"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (Customer) TableName() string { return "customers" }

// Models lists every table managed by AutoMigrate.
func Models() []any {
	return []any{&Account{}, &Transaction{}, &Customer{}}
}
