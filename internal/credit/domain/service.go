package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type DebitRequest struct {
	AccountID      string
	Amount         int64
	IdempotencyKey string
	FeatureType    string
	Metadata       map[string]any
	Description    string
	CreditType     string
}

type CreditRequest struct {
	AccountID       string
	Amount          int64
	IdempotencyKey  string
	TransactionType TransactionType
	FeatureType     string
	Metadata        map[string]any
	Description     string
	CreditType      string
}

// Result describes a committed (or replayed) ledger movement.
type Result struct {
	Entry      LedgerEntry
	NewBalance int64
	Replayed   bool
}

type ListLedgerRequest struct {
	Limit       int
	Offset      int
	FeatureType string
}

type ListLedgerResponse struct {
	Entries []LedgerEntry
	Total   int64
}

type BalanceCheck struct {
	AccountID  string
	Balance    int64
	LedgerSum  int64
	Consistent bool
}

type Service interface {
	GetBalance(ctx context.Context, accountID string) (int64, error)
	Debit(ctx context.Context, req DebitRequest) (*Result, error)
	Credit(ctx context.Context, req CreditRequest) (*Result, error)
	// CreditTx applies a credit inside a transaction owned by the caller.
	CreditTx(ctx context.Context, tx *gorm.DB, req CreditRequest) (*Result, error)
	GetLedger(ctx context.Context, accountID string, req ListLedgerRequest) (*ListLedgerResponse, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*LedgerEntry, error)
	VerifyBalance(ctx context.Context, accountID string) (*BalanceCheck, error)
	ListAccountIDs(ctx context.Context, after string, limit int) ([]string, error)
}

var (
	ErrInvalidAccount         = errors.New("invalid_account")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidIdempotencyKey  = errors.New("invalid_idempotency_key")
	ErrInvalidTransactionType = errors.New("invalid_transaction_type")
	ErrInsufficientCredits    = errors.New("insufficient_credits")
	ErrAccountNotFound        = errors.New("account_not_found")
	ErrIdempotencyConflict    = errors.New("idempotency_conflict")
	ErrLedgerEntryNotFound    = errors.New("ledger_entry_not_found")
)
