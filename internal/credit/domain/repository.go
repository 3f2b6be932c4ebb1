package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Repository is the persistence boundary for balances and ledger entries.
// Every method runs against the handle it is given, so callers control transactions.
type Repository interface {
	FindEntryByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*LedgerEntry, error)
	GetBalance(ctx context.Context, db *gorm.DB, accountID string) (*Balance, error)
	DecrementBalance(ctx context.Context, db *gorm.DB, accountID string, amount int64, now time.Time) (int64, error)
	IncrementBalance(ctx context.Context, db *gorm.DB, accountID string, amount int64, now time.Time) (int64, error)
	UpsertBalance(ctx context.Context, db *gorm.DB, accountID string, amount int64, now time.Time) error
	InsertEntry(ctx context.Context, db *gorm.DB, entry *LedgerEntry) (bool, error)
	ListEntries(ctx context.Context, db *gorm.DB, accountID, featureType string, limit, offset int) ([]LedgerEntry, error)
	CountEntries(ctx context.Context, db *gorm.DB, accountID, featureType string) (int64, error)
	SumEntries(ctx context.Context, db *gorm.DB, accountID string) (int64, error)
	ListAccountIDs(ctx context.Context, db *gorm.DB, after string, limit int) ([]string, error)
}
