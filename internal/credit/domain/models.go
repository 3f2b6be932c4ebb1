package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type TransactionType string

const (
	TransactionTypeDebit    TransactionType = "debit"
	TransactionTypeRefund   TransactionType = "refund"
	TransactionTypePurchase TransactionType = "purchase"
	TransactionTypeGrant    TransactionType = "grant"
)

// IsCredit reports whether the transaction adds credits to the balance.
func (t TransactionType) IsCredit() bool {
	switch t {
	case TransactionTypeRefund, TransactionTypePurchase, TransactionTypeGrant:
		return true
	default:
		return false
	}
}

const (
	CreditTypeUsage     = "usage"
	CreditTypePurchased = "purchased"
	CreditTypeGranted   = "granted"
)

// DefaultCreditType labels an entry when the caller does not.
func DefaultCreditType(t TransactionType) string {
	switch t {
	case TransactionTypePurchase:
		return CreditTypePurchased
	case TransactionTypeGrant:
		return CreditTypeGranted
	default:
		return CreditTypeUsage
	}
}

// Balance is the cached running total for an account. Only the ledger writes it.
type Balance struct {
	AccountID        string    `gorm:"primaryKey;type:text"`
	CreditsRemaining int64     `gorm:"not null;default:0;check:chk_credit_balances_non_negative,credits_remaining >= 0"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (Balance) TableName() string { return "credit_balances" }

// LedgerEntry is an immutable balance movement. Amount is negative for debits.
type LedgerEntry struct {
	ID              snowflake.ID    `gorm:"primaryKey" json:"id"`
	AccountID       string          `gorm:"type:text;not null;index:ix_credit_ledger_account_created,priority:1;index:ix_credit_ledger_account_feature,priority:1" json:"account_id"`
	Amount          int64           `gorm:"not null" json:"amount"`
	BalanceAfter    int64           `gorm:"not null" json:"balance_after"`
	CreditType      string          `gorm:"type:text;not null" json:"credit_type"`
	TransactionType TransactionType `gorm:"type:text;not null" json:"transaction_type"`
	FeatureType     string          `gorm:"type:text;not null;default:'';index:ix_credit_ledger_account_feature,priority:2" json:"feature_type"`
	FeatureMetadata datatypes.JSON  `json:"feature_metadata,omitempty"`
	IdempotencyKey  string          `gorm:"type:text;not null;uniqueIndex:ux_credit_ledger_idempotency" json:"idempotency_key"`
	Description     string          `gorm:"type:text;not null;default:''" json:"description"`
	CreatedAt       time.Time       `gorm:"not null;index:ix_credit_ledger_account_created,priority:2" json:"created_at"`
}

func (LedgerEntry) TableName() string { return "credit_ledger_entries" }
