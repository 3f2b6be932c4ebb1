package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	batchdomain "github.com/nerves76/promptreviews-sub034/internal/batchrun/domain"
	"github.com/nerves76/promptreviews-sub034/internal/batchrun/guard"
	"github.com/nerves76/promptreviews-sub034/internal/batchrun/schema"
	"github.com/nerves76/promptreviews-sub034/internal/clock"
	creditdomain "github.com/nerves76/promptreviews-sub034/internal/credit/domain"
	"github.com/nerves76/promptreviews-sub034/internal/metering"
	obslogger "github.com/nerves76/promptreviews-sub034/internal/observability/logger"
	obsmetrics "github.com/nerves76/promptreviews-sub034/internal/observability/metrics"
	pkgdb "github.com/nerves76/promptreviews-sub034/pkg/db"
	"github.com/nerves76/promptreviews-sub034/pkg/db/pagination"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxErrorMessageLength = 1000

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       batchdomain.Repository
	Credits    creditdomain.Service
	Meter      *metering.Meter
	Validator  *schema.Validator
	Processors batchdomain.Processors `optional:"true"`
	Clock      clock.Clock            `optional:"true"`
	ObsMetrics *obsmetrics.Metrics    `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       batchdomain.Repository
	credits    creditdomain.Service
	meter      *metering.Meter
	validator  *schema.Validator
	processors batchdomain.Processors
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) batchdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("batchrun.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		credits:    p.Credits,
		meter:      p.Meter,
		validator:  p.Validator,
		processors: p.Processors,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

// DebitKey is the ledger idempotency key of a run's estimate debit.
func DebitKey(accountID, clientKey string, runID snowflake.ID) string {
	if clientKey = strings.TrimSpace(clientKey); clientKey != "" {
		return fmt.Sprintf("batch_run:%s:%s", accountID, clientKey)
	}
	return fmt.Sprintf("batch_run:%s:%s", accountID, runID.String())
}

// ReconcileKey is the ledger idempotency key of a run's final refund.
func ReconcileKey(runID snowflake.ID) string {
	return fmt.Sprintf("batch_run:%s:reconcile", runID.String())
}

func (s *Service) CreateRun(ctx context.Context, req batchdomain.CreateRunRequest) (*batchdomain.CreateRunResult, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return nil, batchdomain.ErrInvalidAccount
	}
	if !req.BatchType.Valid() {
		return nil, batchdomain.ErrInvalidBatchType
	}
	if len(req.Items) == 0 {
		return nil, batchdomain.ErrInvalidItems
	}
	if len(req.Items) > batchdomain.MaxItemsPerRun {
		return nil, batchdomain.ErrTooManyItems
	}
	if err := s.validator.Validate(req.BatchType, req.Items); err != nil {
		return nil, err
	}

	featureType := req.BatchType.FeatureType()
	perItem := s.meter.CostFor(featureType)
	if req.CreditsPerItem != nil {
		if *req.CreditsPerItem < perItem {
			return nil, batchdomain.ErrInvalidCreditsPerItem
		}
		perItem = *req.CreditsPerItem
	}
	estimate := perItem * int64(len(req.Items))

	log := obslogger.WithAccount(ctx, s.log, accountID).With(zap.String("batch_type", string(req.BatchType)))

	clientKey := strings.TrimSpace(req.IdempotencyKey)
	runID := s.genID.Generate()
	debitKey := DebitKey(accountID, clientKey, runID)

	if clientKey != "" {
		existing, err := s.repo.FindRunByIdempotencyKey(ctx, s.db, debitKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return s.replayRun(ctx, existing, req.BatchType)
		}
	}

	// Nothing is debited for work no worker can pick up.
	if s.processors != nil && !s.processors.Supports(req.BatchType) {
		log.Warn("batchrun.create.unavailable")
		return nil, batchdomain.ErrBatchTypeUnavailable
	}

	res, err := metering.WithCredits(ctx, s.meter, metering.Request{
		AccountID:      accountID,
		FeatureType:    featureType,
		CreditCost:     estimate,
		IdempotencyKey: debitKey,
		Metadata: map[string]any{
			"batch_type":       string(req.BatchType),
			"run_id":           runID.String(),
			"items":            len(req.Items),
			"credits_per_item": perItem,
		},
		Description: fmt.Sprintf("batch run estimate: %d %s items", len(req.Items), req.BatchType),
	}, func(ctx context.Context) (*batchdomain.Run, error) {
		return s.persistRun(ctx, runID, accountID, req.BatchType, req.Items, perItem, estimate, debitKey)
	})
	if err != nil {
		return nil, err
	}

	run := res.Data
	if run.ID != runID {
		// A concurrent request with the same client key persisted first.
		return s.replayRun(ctx, run, req.BatchType)
	}

	s.obsMetrics.RecordRunCreated(ctx, string(req.BatchType))
	log.Info("batchrun.created",
		zap.String("run_id", run.ID.String()),
		zap.Int("total_items", run.TotalItems),
		zap.Int64("estimated_credits", estimate),
		zap.Bool("debit_replayed", res.Replayed),
	)
	return &batchdomain.CreateRunResult{
		Run:              *run,
		EstimatedCredits: estimate,
		CreditsRemaining: res.CreditsRemaining,
		Replayed:         false,
	}, nil
}

func (s *Service) persistRun(ctx context.Context, runID snowflake.ID, accountID string, batchType batchdomain.BatchType,
	payloads []json.RawMessage, perItem, estimate int64, key string) (*batchdomain.Run, error) {
	now := s.clock.Now().UTC()
	run := batchdomain.Run{
		ID:               runID,
		AccountID:        accountID,
		BatchType:        batchType,
		Status:           batchdomain.RunStatusPending,
		TotalItems:       len(payloads),
		CreditsPerItem:   perItem,
		EstimatedCredits: estimate,
		IdempotencyKey:   key,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	items := make([]batchdomain.Item, 0, len(payloads))
	for idx, payload := range payloads {
		items = append(items, batchdomain.Item{
			ID:        s.genID.Generate(),
			RunID:     runID,
			Position:  idx,
			Payload:   datatypes.JSON(payload),
			CreatedAt: now,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertRun(ctx, tx, &run); err != nil {
			return err
		}
		return s.repo.InsertItems(ctx, tx, items)
	})
	if err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			existing, findErr := s.repo.FindRunByIdempotencyKey(ctx, s.db, key)
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}
	return &run, nil
}

func (s *Service) replayRun(ctx context.Context, run *batchdomain.Run, batchType batchdomain.BatchType) (*batchdomain.CreateRunResult, error) {
	if run.BatchType != batchType {
		return nil, batchdomain.ErrIdempotencyConflict
	}
	balance, err := s.credits.GetBalance(ctx, run.AccountID)
	if err != nil && !errors.Is(err, creditdomain.ErrAccountNotFound) {
		return nil, err
	}
	return &batchdomain.CreateRunResult{
		Run:              *run,
		EstimatedCredits: run.EstimatedCredits,
		CreditsRemaining: balance,
		Replayed:         true,
	}, nil
}

func (s *Service) ClaimNextBatch(ctx context.Context, req batchdomain.ClaimRequest) (*batchdomain.Claim, error) {
	if !req.BatchType.Valid() {
		return nil, batchdomain.ErrInvalidBatchType
	}
	maxItems := req.MaxItems
	if maxItems <= 0 {
		maxItems = batchdomain.DefaultMaxClaim
	}
	lease := req.Lease
	if lease <= 0 {
		lease = batchdomain.DefaultLease
	}

	now := s.clock.Now().UTC()
	claim := &batchdomain.Claim{Token: ulid.Make().String()}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids, err := s.repo.ListClaimCandidates(ctx, tx, req.BatchType, now, maxItems)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		claimed, err := s.repo.ClaimItems(ctx, tx, ids, claim.Token, now, now.Add(lease))
		if err != nil {
			return err
		}
		if claimed == 0 {
			return nil
		}
		items, err := s.repo.ListClaimedItems(ctx, tx, claim.Token)
		if err != nil {
			return err
		}
		claim.Items = items
		return s.repo.MarkRunsRunning(ctx, tx, runIDs(items), now)
	})
	if err != nil {
		return nil, err
	}
	if !claim.Empty() {
		s.log.Debug("batchrun.claimed",
			zap.String("batch_type", string(req.BatchType)),
			zap.String("claim_token", claim.Token),
			zap.Int("items", len(claim.Items)),
		)
	}
	return claim, nil
}

func (s *Service) ReleaseClaim(ctx context.Context, token string, itemIDs []snowflake.ID) (int64, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, batchdomain.ErrItemNotClaimed
	}
	return s.repo.ReleaseClaim(ctx, s.db, token, itemIDs)
}

func (s *Service) RecordItemResult(ctx context.Context, result batchdomain.ItemResult) error {
	if result.RunID == 0 || result.ItemID == 0 {
		return batchdomain.ErrInvalidRun
	}
	cost := result.CreditsUsed
	if !result.Success {
		cost = 0
	}
	if cost < 0 {
		return batchdomain.ErrInvalidCreditsUsed
	}

	update := batchdomain.ItemUpdate{
		RunID:       result.RunID,
		ItemID:      result.ItemID,
		ClaimToken:  result.ClaimToken,
		Success:     result.Success,
		CreditCost:  cost,
		ProcessedAt: s.clock.Now().UTC(),
	}
	if len(result.Output) > 0 && json.Valid(result.Output) {
		update.Result = datatypes.JSON(result.Output)
	}
	if msg := truncate(strings.TrimSpace(result.Error), maxErrorMessageLength); msg != "" {
		update.ErrorMessage = &msg
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run, err := s.repo.GetRunForUpdate(ctx, tx, result.RunID)
		if err != nil {
			return err
		}
		if run == nil {
			return batchdomain.ErrRunNotFound
		}
		if err := guard.EnsureCanRecord(*run, cost); err != nil {
			return guardError(err)
		}
		recorded, err := s.repo.RecordItem(ctx, tx, update)
		if err != nil {
			return err
		}
		if recorded == 0 {
			return batchdomain.ErrItemNotClaimed
		}
		bumped, err := s.repo.IncrementRunCounters(ctx, tx, result.RunID, result.Success, update.ProcessedAt)
		if err != nil {
			return err
		}
		if bumped == 0 {
			return batchdomain.ErrRunTerminal
		}
		return nil
	})
}

// FinalizeIfComplete closes a run whose items are all processed and refunds
// the unused part of the estimate. Incomplete and already-terminal runs are
// returned unchanged with Finalized false.
func (s *Service) FinalizeIfComplete(ctx context.Context, runID snowflake.ID) (*batchdomain.FinalizeResult, error) {
	return s.finalize(ctx, runID, batchdomain.RunStatusCompleted, "")
}

// FailRun closes a run regardless of progress and refunds what was not used.
func (s *Service) FailRun(ctx context.Context, runID snowflake.ID, reason string) (*batchdomain.FinalizeResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "batch run failed"
	}
	return s.finalize(ctx, runID, batchdomain.RunStatusFailed, truncate(reason, maxErrorMessageLength))
}

func (s *Service) finalize(ctx context.Context, runID snowflake.ID, status batchdomain.RunStatus, reason string) (*batchdomain.FinalizeResult, error) {
	if runID == 0 {
		return nil, batchdomain.ErrInvalidRun
	}

	out := &batchdomain.FinalizeResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run, err := s.repo.GetRunForUpdate(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run == nil {
			return batchdomain.ErrRunNotFound
		}
		out.Run = *run
		if run.Status.Terminal() {
			return nil
		}
		if status == batchdomain.RunStatusCompleted {
			if err := guard.EnsureCanFinalize(*run); err != nil {
				return nil
			}
		}

		used, err := s.repo.SumItemCosts(ctx, tx, runID)
		if err != nil {
			return err
		}
		refund := run.EstimatedCredits - used
		if refund < 0 {
			s.log.Error("batch run used more than its estimate",
				zap.String("run_id", runID.String()),
				zap.Int64("estimated_credits", run.EstimatedCredits),
				zap.Int64("credits_used", used),
			)
			refund = 0
		}

		completion := batchdomain.RunCompletion{
			RunID:           runID,
			Status:          status,
			CreditsUsed:     used,
			RefundedCredits: refund,
			CompletedAt:     s.clock.Now().UTC(),
		}
		if reason != "" {
			completion.ErrorMessage = &reason
		}
		closed, err := s.repo.CompleteRun(ctx, tx, completion)
		if err != nil {
			return err
		}
		if closed == 0 {
			return nil
		}

		if refund > 0 {
			if _, err := s.credits.CreditTx(ctx, tx, creditdomain.CreditRequest{
				AccountID:       run.AccountID,
				Amount:          refund,
				IdempotencyKey:  ReconcileKey(runID),
				TransactionType: creditdomain.TransactionTypeRefund,
				FeatureType:     run.BatchType.FeatureType(),
				Metadata: map[string]any{
					"run_id":            runID.String(),
					"estimated_credits": run.EstimatedCredits,
					"credits_used":      used,
					"status":            string(status),
				},
				Description: "batch run reconciliation refund",
			}); err != nil {
				return fmt.Errorf("reconcile refund: %w", err)
			}
		}

		updated, err := s.repo.GetRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if updated != nil {
			out.Run = *updated
		}
		out.Finalized = true
		out.Refunded = refund
		return nil
	})
	if err != nil {
		return nil, err
	}

	if out.Finalized {
		run := out.Run
		s.obsMetrics.RecordRunFinalized(ctx, string(run.BatchType), string(run.Status))
		if out.Refunded > 0 {
			s.obsMetrics.RecordCreditEntry(ctx, string(creditdomain.TransactionTypeRefund), run.BatchType.FeatureType(), out.Refunded)
		}
		obslogger.WithAccount(ctx, s.log, run.AccountID).Info("batchrun.finalized",
			zap.String("run_id", run.ID.String()),
			zap.String("status", string(run.Status)),
			zap.Int("successful_items", run.SuccessfulItems),
			zap.Int("failed_items", run.FailedItems),
			zap.Int64("credits_used", run.TotalCreditsUsed),
			zap.Int64("refunded_credits", out.Refunded),
		)
	}
	return out, nil
}

func (s *Service) GetRun(ctx context.Context, runID snowflake.ID) (*batchdomain.Run, error) {
	if runID == 0 {
		return nil, batchdomain.ErrInvalidRun
	}
	run, err := s.repo.GetRun(ctx, s.db, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, batchdomain.ErrRunNotFound
	}
	return run, nil
}

func (s *Service) ListRuns(ctx context.Context, req batchdomain.ListRunsRequest) (*batchdomain.ListRunsResponse, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return nil, batchdomain.ErrInvalidAccount
	}
	if req.BatchType != "" && !req.BatchType.Valid() {
		return nil, batchdomain.ErrInvalidBatchType
	}
	page := pagination.Pagination{Limit: req.Limit, Offset: req.Offset}.Normalize()

	runs, err := s.repo.ListRuns(ctx, s.db, accountID, req.BatchType, page.Limit, page.Offset)
	if err != nil {
		return nil, err
	}
	total, err := s.repo.CountRuns(ctx, s.db, accountID, req.BatchType)
	if err != nil {
		return nil, err
	}
	return &batchdomain.ListRunsResponse{Runs: runs, Total: total}, nil
}

func (s *Service) ListFinalizable(ctx context.Context, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListFinalizable(ctx, s.db, limit)
}

func (s *Service) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]batchdomain.Run, error) {
	if olderThan <= 0 {
		return nil, errors.New("stale threshold must be positive")
	}
	if limit <= 0 {
		limit = 100
	}
	cutoff := s.clock.Now().UTC().Add(-olderThan)
	return s.repo.ListStale(ctx, s.db, cutoff, limit)
}

func guardError(err error) error {
	switch {
	case errors.Is(err, guard.ErrRunNotOpen), errors.Is(err, guard.ErrCountersOverflow):
		return fmt.Errorf("%w: %v", batchdomain.ErrRunTerminal, err)
	case errors.Is(err, guard.ErrCreditsOutOfRange):
		return fmt.Errorf("%w: %v", batchdomain.ErrInvalidCreditsUsed, err)
	default:
		return err
	}
}

func runIDs(items []batchdomain.ClaimedItem) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(items))
	out := make([]snowflake.ID, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.RunID]; ok {
			continue
		}
		seen[item.RunID] = struct{}{}
		out = append(out, item.RunID)
	}
	return out
}

// truncate caps value at max bytes without splitting a UTF-8 sequence.
func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return strings.ToValidUTF8(value[:cut], "")
}
