package repository

import (
	"context"
	"strings"
	"time"

	creditdomain "github.com/nerves76/promptreviews-sub034/internal/credit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() creditdomain.Repository {
	return &repo{}
}

const entryColumns = `id, account_id, amount, balance_after, credit_type, transaction_type,
	feature_type, feature_metadata, idempotency_key, description, created_at`

func (r *repo) FindEntryByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*creditdomain.LedgerEntry, error) {
	var entry creditdomain.LedgerEntry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+`
		 FROM credit_ledger_entries
		 WHERE idempotency_key = ?
		 LIMIT 1`,
		key,
	).Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) GetBalance(ctx context.Context, db *gorm.DB, accountID string) (*creditdomain.Balance, error) {
	var balance creditdomain.Balance
	err := db.WithContext(ctx).Raw(
		`SELECT account_id, credits_remaining, created_at, updated_at
		 FROM credit_balances
		 WHERE account_id = ?
		 LIMIT 1`,
		accountID,
	).Scan(&balance).Error
	if err != nil {
		return nil, err
	}
	if balance.AccountID == "" {
		return nil, nil
	}
	return &balance, nil
}

// DecrementBalance subtracts amount only when the balance covers it.
// Zero rows affected means the account is missing or short.
func (r *repo) DecrementBalance(ctx context.Context, db *gorm.DB, accountID string, amount int64, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_balances
		 SET credits_remaining = credits_remaining - ?,
		     updated_at = ?
		 WHERE account_id = ? AND credits_remaining >= ?`,
		amount,
		now,
		accountID,
		amount,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) IncrementBalance(ctx context.Context, db *gorm.DB, accountID string, amount int64, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_balances
		 SET credits_remaining = credits_remaining + ?,
		     updated_at = ?
		 WHERE account_id = ?`,
		amount,
		now,
		accountID,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) UpsertBalance(ctx context.Context, db *gorm.DB, accountID string, amount int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_balances (account_id, credits_remaining, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (account_id) DO UPDATE
		 SET credits_remaining = credit_balances.credits_remaining + excluded.credits_remaining,
		     updated_at = excluded.updated_at`,
		accountID,
		amount,
		now,
		now,
	).Error
}

// InsertEntry reports false when another entry already owns the idempotency key.
func (r *repo) InsertEntry(ctx context.Context, db *gorm.DB, entry *creditdomain.LedgerEntry) (bool, error) {
	var metadata any
	if len(entry.FeatureMetadata) > 0 {
		metadata = entry.FeatureMetadata
	}
	result := db.WithContext(ctx).Exec(
		`INSERT INTO credit_ledger_entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		entry.ID,
		entry.AccountID,
		entry.Amount,
		entry.BalanceAfter,
		entry.CreditType,
		string(entry.TransactionType),
		entry.FeatureType,
		metadata,
		entry.IdempotencyKey,
		entry.Description,
		entry.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ListEntries(ctx context.Context, db *gorm.DB, accountID, featureType string, limit, offset int) ([]creditdomain.LedgerEntry, error) {
	query, args := ledgerFilter(accountID, featureType)
	args = append(args, limit, offset)

	var entries []creditdomain.LedgerEntry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+`
		 FROM credit_ledger_entries
		 WHERE `+query+`
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		args...,
	).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) CountEntries(ctx context.Context, db *gorm.DB, accountID, featureType string) (int64, error) {
	query, args := ledgerFilter(accountID, featureType)

	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM credit_ledger_entries WHERE `+query,
		args...,
	).Scan(&total).Error
	return total, err
}

func (r *repo) SumEntries(ctx context.Context, db *gorm.DB, accountID string) (int64, error) {
	var sum int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM credit_ledger_entries WHERE account_id = ?`,
		accountID,
	).Scan(&sum).Error
	return sum, err
}

func (r *repo) ListAccountIDs(ctx context.Context, db *gorm.DB, after string, limit int) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Raw(
		`SELECT account_id
		 FROM credit_balances
		 WHERE account_id > ?
		 ORDER BY account_id ASC
		 LIMIT ?`,
		after,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func ledgerFilter(accountID, featureType string) (string, []any) {
	clauses := []string{"account_id = ?"}
	args := []any{accountID}
	if featureType = strings.TrimSpace(featureType); featureType != "" {
		clauses = append(clauses, "feature_type = ?")
		args = append(args, featureType)
	}
	return strings.Join(clauses, " AND "), args
}
