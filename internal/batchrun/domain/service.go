package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	MaxItemsPerRun  = 1000
	DefaultMaxClaim = 25
	DefaultLease    = 5 * time.Minute
)

type CreateRunRequest struct {
	AccountID      string
	BatchType      BatchType
	Items          []json.RawMessage
	CreditsPerItem *int64
	IdempotencyKey string
}

type CreateRunResult struct {
	Run              Run
	EstimatedCredits int64
	CreditsRemaining int64
	Replayed         bool
}

type ClaimRequest struct {
	BatchType BatchType
	MaxItems  int
	Lease     time.Duration
}

// ClaimedItem is an item leased to one dispatcher invocation.
type ClaimedItem struct {
	ID             snowflake.ID
	RunID          snowflake.ID
	AccountID      string
	BatchType      BatchType
	Position       int
	Payload        datatypes.JSON
	CreditsPerItem int64
}

type Claim struct {
	Token string
	Items []ClaimedItem
}

func (c *Claim) Empty() bool {
	return c == nil || len(c.Items) == 0
}

type ItemResult struct {
	RunID       snowflake.ID
	ItemID      snowflake.ID
	ClaimToken  string
	Success     bool
	Output      json.RawMessage
	Error       string
	CreditsUsed int64
}

type FinalizeResult struct {
	Run       Run
	Finalized bool
	Refunded  int64
}

type ListRunsRequest struct {
	AccountID string
	BatchType BatchType
	Limit     int
	Offset    int
}

type ListRunsResponse struct {
	Runs  []Run
	Total int64
}

// Processors reports which batch types have a worker able to process them.
type Processors interface {
	Supports(batchType BatchType) bool
}

type Service interface {
	CreateRun(ctx context.Context, req CreateRunRequest) (*CreateRunResult, error)
	ClaimNextBatch(ctx context.Context, req ClaimRequest) (*Claim, error)
	ReleaseClaim(ctx context.Context, token string, itemIDs []snowflake.ID) (int64, error)
	RecordItemResult(ctx context.Context, result ItemResult) error
	FinalizeIfComplete(ctx context.Context, runID snowflake.ID) (*FinalizeResult, error)
	FailRun(ctx context.Context, runID snowflake.ID, reason string) (*FinalizeResult, error)
	GetRun(ctx context.Context, runID snowflake.ID) (*Run, error)
	ListRuns(ctx context.Context, req ListRunsRequest) (*ListRunsResponse, error)
	ListFinalizable(ctx context.Context, limit int) ([]snowflake.ID, error)
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]Run, error)
}

var (
	ErrInvalidBatchType      = errors.New("invalid_batch_type")
	ErrInvalidAccount        = errors.New("invalid_account")
	ErrInvalidItems          = errors.New("invalid_items")
	ErrTooManyItems          = errors.New("too_many_items")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidCreditsPerItem = errors.New("invalid_credits_per_item")
	ErrInvalidRun            = errors.New("invalid_run")
	ErrRunNotFound           = errors.New("run_not_found")
	ErrItemNotClaimed        = errors.New("item_not_claimed")
	ErrRunTerminal           = errors.New("run_terminal")
	ErrInvalidCreditsUsed    = errors.New("invalid_credits_used")
	ErrIdempotencyConflict   = errors.New("idempotency_conflict")
	ErrBatchTypeUnavailable  = errors.New("batch_type_unavailable")
)
