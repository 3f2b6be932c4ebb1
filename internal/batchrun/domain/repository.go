package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ItemUpdate is the processed state written onto a claimed item.
type ItemUpdate struct {
	RunID        snowflake.ID
	ItemID       snowflake.ID
	ClaimToken   string
	Success      bool
	Result       datatypes.JSON
	ErrorMessage *string
	CreditCost   int64
	ProcessedAt  time.Time
}

// RunCompletion is the terminal state written onto a run.
type RunCompletion struct {
	RunID           snowflake.ID
	Status          RunStatus
	CreditsUsed     int64
	RefundedCredits int64
	ErrorMessage    *string
	CompletedAt     time.Time
}

type Repository interface {
	FindRunByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*Run, error)
	InsertRun(ctx context.Context, db *gorm.DB, run *Run) error
	InsertItems(ctx context.Context, db *gorm.DB, items []Item) error
	GetRun(ctx context.Context, db *gorm.DB, runID snowflake.ID) (*Run, error)
	GetRunForUpdate(ctx context.Context, db *gorm.DB, runID snowflake.ID) (*Run, error)

	ListClaimCandidates(ctx context.Context, db *gorm.DB, batchType BatchType, now time.Time, limit int) ([]snowflake.ID, error)
	ClaimItems(ctx context.Context, db *gorm.DB, itemIDs []snowflake.ID, token string, now, expiresAt time.Time) (int64, error)
	ListClaimedItems(ctx context.Context, db *gorm.DB, token string) ([]ClaimedItem, error)
	MarkRunsRunning(ctx context.Context, db *gorm.DB, runIDs []snowflake.ID, now time.Time) error
	ReleaseClaim(ctx context.Context, db *gorm.DB, token string, itemIDs []snowflake.ID) (int64, error)

	RecordItem(ctx context.Context, db *gorm.DB, update ItemUpdate) (int64, error)
	IncrementRunCounters(ctx context.Context, db *gorm.DB, runID snowflake.ID, success bool, now time.Time) (int64, error)
	SumItemCosts(ctx context.Context, db *gorm.DB, runID snowflake.ID) (int64, error)
	CompleteRun(ctx context.Context, db *gorm.DB, completion RunCompletion) (int64, error)

	ListRuns(ctx context.Context, db *gorm.DB, accountID string, batchType BatchType, limit, offset int) ([]Run, error)
	CountRuns(ctx context.Context, db *gorm.DB, accountID string, batchType BatchType) (int64, error)
	ListFinalizable(ctx context.Context, db *gorm.DB, limit int) ([]snowflake.ID, error)
	ListStale(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]Run, error)
}
