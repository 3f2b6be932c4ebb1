package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// BatchType is the closed set of metered batch workloads.
type BatchType string

const (
	BatchTypeRank    BatchType = "rank"
	BatchTypeLLM     BatchType = "llm"
	BatchTypeConcept BatchType = "concept"
)

// BatchTypes lists every batch type in dispatch order.
var BatchTypes = []BatchType{BatchTypeRank, BatchTypeLLM, BatchTypeConcept}

func ParseBatchType(raw string) (BatchType, error) {
	switch BatchType(strings.ToLower(strings.TrimSpace(raw))) {
	case BatchTypeRank:
		return BatchTypeRank, nil
	case BatchTypeLLM:
		return BatchTypeLLM, nil
	case BatchTypeConcept:
		return BatchTypeConcept, nil
	default:
		return "", ErrInvalidBatchType
	}
}

// FeatureType is the ledger feature charged for items of this batch type.
func (t BatchType) FeatureType() string {
	switch t {
	case BatchTypeRank:
		return "rank_check"
	case BatchTypeLLM:
		return "llm_visibility"
	case BatchTypeConcept:
		return "concept_check"
	default:
		return ""
	}
}

func (t BatchType) Valid() bool {
	return t.FeatureType() != ""
}

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Run is one metered batch. Counters only move forward and freeze once the
// status is terminal.
type Run struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	AccountID        string       `gorm:"type:text;not null;index:ix_batch_runs_account_created,priority:1"`
	BatchType        BatchType    `gorm:"type:text;not null;index:ix_batch_runs_type_status,priority:1"`
	Status           RunStatus    `gorm:"type:text;not null;index:ix_batch_runs_type_status,priority:2"`
	TotalItems       int          `gorm:"not null"`
	ProcessedItems   int          `gorm:"not null;default:0"`
	SuccessfulItems  int          `gorm:"not null;default:0"`
	FailedItems      int          `gorm:"not null;default:0"`
	CreditsPerItem   int64        `gorm:"not null"`
	EstimatedCredits int64        `gorm:"not null"`
	TotalCreditsUsed int64        `gorm:"not null;default:0"`
	RefundedCredits  int64        `gorm:"not null;default:0"`
	IdempotencyKey   string       `gorm:"type:text;not null;uniqueIndex:ux_batch_runs_idempotency"`
	ErrorMessage     *string      `gorm:"type:text"`
	CreatedAt        time.Time    `gorm:"not null;index:ix_batch_runs_account_created,priority:2"`
	StartedAt        *time.Time
	CompletedAt      *time.Time
	UpdatedAt        time.Time `gorm:"not null"`
}

func (Run) TableName() string { return "batch_runs" }

// Item is one unit of work inside a run, processed in Position order.
type Item struct {
	ID             snowflake.ID   `gorm:"primaryKey"`
	RunID          snowflake.ID   `gorm:"not null;uniqueIndex:ux_batch_items_run_position,priority:1"`
	Position       int            `gorm:"not null;uniqueIndex:ux_batch_items_run_position,priority:2"`
	Payload        datatypes.JSON `gorm:"not null"`
	Result         datatypes.JSON
	Success        *bool
	ErrorMessage   *string `gorm:"type:text"`
	CreditCost     int64   `gorm:"not null;default:0"`
	ClaimToken     *string `gorm:"type:text;index:ix_batch_items_claim_token"`
	ClaimedAt      *time.Time
	ClaimExpiresAt *time.Time
	ProcessedAt    *time.Time
	CreatedAt      time.Time `gorm:"not null"`
}

func (Item) TableName() string { return "batch_items" }
