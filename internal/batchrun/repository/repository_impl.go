package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	batchdomain "github.com/nerves76/promptreviews-sub034/internal/batchrun/domain"
	pkgdb "github.com/nerves76/promptreviews-sub034/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() batchdomain.Repository {
	return &repo{}
}

const runColumns = `id, account_id, batch_type, status, total_items, processed_items, successful_items,
	failed_items, credits_per_item, estimated_credits, total_credits_used, refunded_credits,
	idempotency_key, error_message, created_at, started_at, completed_at, updated_at`

const openStatuses = `('pending', 'running')`

func (r *repo) FindRunByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*batchdomain.Run, error) {
	var run batchdomain.Run
	err := db.WithContext(ctx).Raw(
		`SELECT `+runColumns+`
		 FROM batch_runs
		 WHERE idempotency_key = ?
		 LIMIT 1`,
		key,
	).Scan(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == 0 {
		return nil, nil
	}
	return &run, nil
}

func (r *repo) InsertRun(ctx context.Context, db *gorm.DB, run *batchdomain.Run) error {
	return db.WithContext(ctx).Create(run).Error
}

func (r *repo) InsertItems(ctx context.Context, db *gorm.DB, items []batchdomain.Item) error {
	if len(items) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(&items, 200).Error
}

func (r *repo) GetRun(ctx context.Context, db *gorm.DB, runID snowflake.ID) (*batchdomain.Run, error) {
	return r.getRun(ctx, db, runID, "")
}

func (r *repo) GetRunForUpdate(ctx context.Context, db *gorm.DB, runID snowflake.ID) (*batchdomain.Run, error) {
	return r.getRun(ctx, db, runID, pkgdb.ForUpdate(db))
}

func (r *repo) getRun(ctx context.Context, db *gorm.DB, runID snowflake.ID, lock string) (*batchdomain.Run, error) {
	var run batchdomain.Run
	err := db.WithContext(ctx).Raw(
		`SELECT `+runColumns+`
		 FROM batch_runs
		 WHERE id = ?
		 LIMIT 1`+lock,
		runID,
	).Scan(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == 0 {
		return nil, nil
	}
	return &run, nil
}

// ListClaimCandidates returns unprocessed, unleased items of open runs,
// oldest run first. On postgres the rows stay locked until the caller's
// transaction ends and rows locked by other claimers are skipped.
func (r *repo) ListClaimCandidates(ctx context.Context, db *gorm.DB, batchType batchdomain.BatchType, now time.Time, limit int) ([]snowflake.ID, error) {
	var ids []int64
	err := db.WithContext(ctx).Raw(
		`SELECT bi.id
		 FROM batch_items bi
		 JOIN batch_runs br ON br.id = bi.run_id
		 WHERE br.batch_type = ?
		   AND br.status IN `+openStatuses+`
		   AND bi.processed_at IS NULL
		   AND (bi.claim_token IS NULL OR bi.claim_expires_at < ?)
		 ORDER BY br.created_at ASC, br.id ASC, bi.position ASC
		 LIMIT ?`+pkgdb.SkipLocked(db, "bi"),
		string(batchType),
		now,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return toIDs(ids), nil
}

// ClaimItems leases items to token. The lease condition is repeated so a
// concurrent claimer that won the race leaves nothing to update.
func (r *repo) ClaimItems(ctx context.Context, db *gorm.DB, itemIDs []snowflake.ID, token string, now, expiresAt time.Time) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE batch_items
		 SET claim_token = ?,
		     claimed_at = ?,
		     claim_expires_at = ?
		 WHERE id IN ?
		   AND processed_at IS NULL
		   AND (claim_token IS NULL OR claim_expires_at < ?)`,
		token,
		now,
		expiresAt,
		toInt64s(itemIDs),
		now,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) ListClaimedItems(ctx context.Context, db *gorm.DB, token string) ([]batchdomain.ClaimedItem, error) {
	var items []batchdomain.ClaimedItem
	err := db.WithContext(ctx).Raw(
		`SELECT bi.id, bi.run_id, br.account_id, br.batch_type, bi.position, bi.payload, br.credits_per_item
		 FROM batch_items bi
		 JOIN batch_runs br ON br.id = bi.run_id
		 WHERE bi.claim_token = ?
		   AND bi.processed_at IS NULL
		 ORDER BY br.created_at ASC, br.id ASC, bi.position ASC`,
		token,
	).Scan(&items).Error
	return items, err
}

func (r *repo) MarkRunsRunning(ctx context.Context, db *gorm.DB, runIDs []snowflake.ID, now time.Time) error {
	if len(runIDs) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`UPDATE batch_runs
		 SET status = 'running',
		     started_at = COALESCE(started_at, ?),
		     updated_at = ?
		 WHERE id IN ? AND status = 'pending'`,
		now,
		now,
		toInt64s(runIDs),
	).Error
}

// ReleaseClaim clears the lease on unprocessed items of token. An empty
// itemIDs releases everything the token still holds.
func (r *repo) ReleaseClaim(ctx context.Context, db *gorm.DB, token string, itemIDs []snowflake.ID) (int64, error) {
	query := `UPDATE batch_items
		 SET claim_token = NULL,
		     claimed_at = NULL,
		     claim_expires_at = NULL
		 WHERE claim_token = ? AND processed_at IS NULL`
	args := []any{token}
	if len(itemIDs) > 0 {
		query += ` AND id IN ?`
		args = append(args, toInt64s(itemIDs))
	}
	result := db.WithContext(ctx).Exec(query, args...)
	return result.RowsAffected, result.Error
}

// RecordItem writes the outcome once. Zero rows means the item was already
// processed or the lease now belongs to another token.
func (r *repo) RecordItem(ctx context.Context, db *gorm.DB, update batchdomain.ItemUpdate) (int64, error) {
	query := `UPDATE batch_items
		 SET result = ?,
		     success = ?,
		     error_message = ?,
		     credit_cost = ?,
		     processed_at = ?,
		     claim_expires_at = NULL
		 WHERE id = ? AND run_id = ? AND processed_at IS NULL`
	args := []any{
		update.Result,
		update.Success,
		update.ErrorMessage,
		update.CreditCost,
		update.ProcessedAt,
		update.ItemID,
		update.RunID,
	}
	if token := strings.TrimSpace(update.ClaimToken); token != "" {
		query += ` AND claim_token = ?`
		args = append(args, token)
	}
	result := db.WithContext(ctx).Exec(query, args...)
	return result.RowsAffected, result.Error
}

func (r *repo) IncrementRunCounters(ctx context.Context, db *gorm.DB, runID snowflake.ID, success bool, now time.Time) (int64, error) {
	succeeded, failed := 0, 1
	if success {
		succeeded, failed = 1, 0
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE batch_runs
		 SET processed_items = processed_items + 1,
		     successful_items = successful_items + ?,
		     failed_items = failed_items + ?,
		     updated_at = ?
		 WHERE id = ?
		   AND status IN `+openStatuses+`
		   AND processed_items < total_items`,
		succeeded,
		failed,
		now,
		runID,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) SumItemCosts(ctx context.Context, db *gorm.DB, runID snowflake.ID) (int64, error) {
	var sum int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(credit_cost), 0)
		 FROM batch_items
		 WHERE run_id = ? AND processed_at IS NOT NULL`,
		runID,
	).Scan(&sum).Error
	return sum, err
}

// CompleteRun moves an open run to a terminal status. Zero rows means the
// run was already terminal.
func (r *repo) CompleteRun(ctx context.Context, db *gorm.DB, completion batchdomain.RunCompletion) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE batch_runs
		 SET status = ?,
		     total_credits_used = ?,
		     refunded_credits = ?,
		     error_message = ?,
		     completed_at = ?,
		     updated_at = ?
		 WHERE id = ? AND status IN `+openStatuses,
		string(completion.Status),
		completion.CreditsUsed,
		completion.RefundedCredits,
		completion.ErrorMessage,
		completion.CompletedAt,
		completion.CompletedAt,
		completion.RunID,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) ListRuns(ctx context.Context, db *gorm.DB, accountID string, batchType batchdomain.BatchType, limit, offset int) ([]batchdomain.Run, error) {
	where, args := runFilter(accountID, batchType)
	args = append(args, limit, offset)

	var runs []batchdomain.Run
	err := db.WithContext(ctx).Raw(
		`SELECT `+runColumns+`
		 FROM batch_runs
		 WHERE `+where+`
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		args...,
	).Scan(&runs).Error
	return runs, err
}

func (r *repo) CountRuns(ctx context.Context, db *gorm.DB, accountID string, batchType batchdomain.BatchType) (int64, error) {
	where, args := runFilter(accountID, batchType)

	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM batch_runs WHERE `+where,
		args...,
	).Scan(&count).Error
	return count, err
}

func (r *repo) ListFinalizable(ctx context.Context, db *gorm.DB, limit int) ([]snowflake.ID, error) {
	var ids []int64
	err := db.WithContext(ctx).Raw(
		`SELECT id
		 FROM batch_runs
		 WHERE status IN `+openStatuses+`
		   AND processed_items >= total_items
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return toIDs(ids), nil
}

// ListStale returns open runs that have not progressed since cutoff.
func (r *repo) ListStale(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]batchdomain.Run, error) {
	var runs []batchdomain.Run
	err := db.WithContext(ctx).Raw(
		`SELECT `+runColumns+`
		 FROM batch_runs
		 WHERE status = 'running'
		   AND updated_at < ?
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`,
		cutoff,
		limit,
	).Scan(&runs).Error
	return runs, err
}

func runFilter(accountID string, batchType batchdomain.BatchType) (string, []any) {
	where := `account_id = ?`
	args := []any{accountID}
	if batchType != "" {
		where += ` AND batch_type = ?`
		args = append(args, string(batchType))
	}
	return where, args
}

func toIDs(raw []int64) []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(raw))
	for _, id := range raw {
		ids = append(ids, snowflake.ID(id))
	}
	return ids
}

func toInt64s(ids []snowflake.ID) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		out = append(out, int64(id))
	}
	return out
}
