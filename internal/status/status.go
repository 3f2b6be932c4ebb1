package status

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	batchdomain "github.com/nerves76/promptreviews-sub034/internal/batchrun/domain"
	"github.com/nerves76/promptreviews-sub034/internal/cache"
	creditdomain "github.com/nerves76/promptreviews-sub034/internal/credit/domain"
	obslogger "github.com/nerves76/promptreviews-sub034/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	terminalCacheSize = 4096
	terminalCacheTTL  = 10 * time.Minute
)

// RunStatus is the caller-facing snapshot of a batch run.
type RunStatus struct {
	RunID            string     `json:"runId"`
	BatchType        string     `json:"batchType"`
	Status           string     `json:"status"`
	ProcessedItems   int        `json:"processedItems"`
	TotalItems       int        `json:"totalItems"`
	SuccessfulItems  int        `json:"successfulItems"`
	FailedItems      int        `json:"failedItems"`
	ProgressPercent  int        `json:"progressPercent"`
	EstimatedCredits int64      `json:"estimatedCredits"`
	CreditsUsed      int64      `json:"creditsUsed"`
	RefundedCredits  int64      `json:"refundedCredits"`
	ErrorMessage     *string    `json:"errorMessage"`
	CreatedAt        time.Time  `json:"createdAt"`
	StartedAt        *time.Time `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt"`

	owner string
}

func (r RunStatus) accountID() string { return r.owner }

type RunList struct {
	Runs  []RunStatus `json:"runs"`
	Total int64       `json:"total"`
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Runs    batchdomain.Service
	Credits creditdomain.Service
}

// Service answers read-only progress, balance, and ledger queries.
type Service struct {
	log      *zap.Logger
	runs     batchdomain.Service
	credits  creditdomain.Service
	terminal cache.Cache[snowflake.ID, RunStatus]
}

func NewService(p Params) *Service {
	return &Service{
		log:      p.Log.Named("status.service"),
		runs:     p.Runs,
		credits:  p.Credits,
		terminal: cache.NewTTLCache[snowflake.ID, RunStatus](terminalCacheSize, terminalCacheTTL),
	}
}

// GetRunStatus returns the progress of runID. Runs owned by another account
// are reported as not found.
func (s *Service) GetRunStatus(ctx context.Context, accountID string, runID snowflake.ID) (*RunStatus, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, batchdomain.ErrInvalidAccount
	}
	if runID == 0 {
		return nil, batchdomain.ErrInvalidRun
	}

	if cached, ok := s.terminal.Get(runID); ok {
		if cached.accountID() != accountID {
			return nil, batchdomain.ErrRunNotFound
		}
		out := cached
		return &out, nil
	}

	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.AccountID != accountID {
		obslogger.WithAccount(ctx, s.log, accountID).Debug("status.run.foreign",
			zap.String("run_id", runID.String()),
		)
		return nil, batchdomain.ErrRunNotFound
	}

	snapshot := Snapshot(*run)
	if run.Status.Terminal() {
		s.terminal.Set(runID, snapshot)
	}
	return &snapshot, nil
}

// ListRuns pages through the account's runs, newest first.
func (s *Service) ListRuns(ctx context.Context, accountID string, batchType batchdomain.BatchType, limit, offset int) (*RunList, error) {
	res, err := s.runs.ListRuns(ctx, batchdomain.ListRunsRequest{
		AccountID: accountID,
		BatchType: batchType,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		return nil, err
	}
	out := &RunList{Runs: make([]RunStatus, 0, len(res.Runs)), Total: res.Total}
	for _, run := range res.Runs {
		out.Runs = append(out.Runs, Snapshot(run))
	}
	return out, nil
}

func (s *Service) GetLedger(ctx context.Context, accountID string, req creditdomain.ListLedgerRequest) (*creditdomain.ListLedgerResponse, error) {
	return s.credits.GetLedger(ctx, accountID, req)
}

func (s *Service) GetBalance(ctx context.Context, accountID string) (int64, error) {
	return s.credits.GetBalance(ctx, accountID)
}

// Snapshot converts a run into its caller-facing shape.
func Snapshot(run batchdomain.Run) RunStatus {
	return RunStatus{
		RunID:            run.ID.String(),
		BatchType:        string(run.BatchType),
		Status:           string(run.Status),
		ProcessedItems:   run.ProcessedItems,
		TotalItems:       run.TotalItems,
		SuccessfulItems:  run.SuccessfulItems,
		FailedItems:      run.FailedItems,
		ProgressPercent:  ProgressPercent(run.ProcessedItems, run.TotalItems),
		EstimatedCredits: run.EstimatedCredits,
		CreditsUsed:      run.TotalCreditsUsed,
		RefundedCredits:  run.RefundedCredits,
		ErrorMessage:     run.ErrorMessage,
		CreatedAt:        run.CreatedAt,
		StartedAt:        run.StartedAt,
		CompletedAt:      run.CompletedAt,
		owner:            run.AccountID,
	}
}

// ProgressPercent rounds processed/total to a whole percent. An empty run
// counts as done.
func ProgressPercent(processed, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(float64(processed) / float64(total) * 100))
}
