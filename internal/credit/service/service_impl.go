package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/nerves76/promptreviews-sub034/internal/clock"
	creditdomain "github.com/nerves76/promptreviews-sub034/internal/credit/domain"
	obslogger "github.com/nerves76/promptreviews-sub034/internal/observability/logger"
	obsmetrics "github.com/nerves76/promptreviews-sub034/internal/observability/metrics"
	"github.com/nerves76/promptreviews-sub034/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// errReplayRace marks a lost race on the idempotency key: another
// transaction committed the same key between our lookup and insert.
var errReplayRace = errors.New("ledger idempotency race")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       creditdomain.Repository
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       creditdomain.Repository
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) creditdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credit.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

// movement is the normalized form shared by debits and credits.
type movement struct {
	accountID       string
	signedAmount    int64
	key             string
	transactionType creditdomain.TransactionType
	featureType     string
	metadata        datatypes.JSON
	description     string
	creditType      string
}

func (s *Service) GetBalance(ctx context.Context, accountID string) (int64, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return 0, creditdomain.ErrInvalidAccount
	}
	balance, err := s.repo.GetBalance(ctx, s.db, accountID)
	if err != nil {
		return 0, err
	}
	if balance == nil {
		return 0, creditdomain.ErrAccountNotFound
	}
	return balance.CreditsRemaining, nil
}

func (s *Service) Debit(ctx context.Context, req creditdomain.DebitRequest) (*creditdomain.Result, error) {
	mv, err := normalizeMovement(req.AccountID, req.Amount, req.IdempotencyKey, creditdomain.TransactionTypeDebit,
		req.FeatureType, req.Metadata, req.Description, req.CreditType)
	if err != nil {
		return nil, err
	}

	var result *creditdomain.Result
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := s.apply(ctx, tx, mv)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if errors.Is(err, errReplayRace) {
		return s.replay(ctx, s.db, mv)
	}
	if err != nil {
		return nil, err
	}
	s.recordCommitted(ctx, result)
	return result, nil
}

func (s *Service) Credit(ctx context.Context, req creditdomain.CreditRequest) (*creditdomain.Result, error) {
	mv, err := normalizeCredit(req)
	if err != nil {
		return nil, err
	}

	var result *creditdomain.Result
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := s.apply(ctx, tx, mv)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if errors.Is(err, errReplayRace) {
		return s.replay(ctx, s.db, mv)
	}
	if err != nil {
		return nil, err
	}
	s.recordCommitted(ctx, result)
	return result, nil
}

// CreditTx runs inside a savepoint so a lost idempotency race does not
// abort the caller's transaction. Metrics are left to the caller since the
// outer transaction may still roll back.
func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, req creditdomain.CreditRequest) (*creditdomain.Result, error) {
	if tx == nil {
		return s.Credit(ctx, req)
	}
	mv, err := normalizeCredit(req)
	if err != nil {
		return nil, err
	}

	var result *creditdomain.Result
	err = tx.Transaction(func(inner *gorm.DB) error {
		res, err := s.apply(ctx, inner, mv)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if errors.Is(err, errReplayRace) {
		return s.replay(ctx, tx, mv)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, mv movement) (*creditdomain.Result, error) {
	existing, err := s.repo.FindEntryByIdempotencyKey(ctx, tx, mv.key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return replayResult(existing, mv)
	}

	now := s.clock.Now().UTC()
	switch {
	case mv.signedAmount < 0:
		affected, err := s.repo.DecrementBalance(ctx, tx, mv.accountID, -mv.signedAmount, now)
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, s.classifyShortfall(ctx, tx, mv.accountID)
		}
	case mv.transactionType == creditdomain.TransactionTypeRefund:
		affected, err := s.repo.IncrementBalance(ctx, tx, mv.accountID, mv.signedAmount, now)
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, creditdomain.ErrAccountNotFound
		}
	default:
		if err := s.repo.UpsertBalance(ctx, tx, mv.accountID, mv.signedAmount, now); err != nil {
			return nil, err
		}
	}

	balance, err := s.repo.GetBalance(ctx, tx, mv.accountID)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return nil, creditdomain.ErrAccountNotFound
	}

	entry := creditdomain.LedgerEntry{
		ID:              s.genID.Generate(),
		AccountID:       mv.accountID,
		Amount:          mv.signedAmount,
		BalanceAfter:    balance.CreditsRemaining,
		CreditType:      mv.creditType,
		TransactionType: mv.transactionType,
		FeatureType:     mv.featureType,
		FeatureMetadata: mv.metadata,
		IdempotencyKey:  mv.key,
		Description:     mv.description,
		CreatedAt:       now,
	}
	inserted, err := s.repo.InsertEntry(ctx, tx, &entry)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, errReplayRace
	}

	return &creditdomain.Result{Entry: entry, NewBalance: balance.CreditsRemaining}, nil
}

func (s *Service) classifyShortfall(ctx context.Context, tx *gorm.DB, accountID string) error {
	balance, err := s.repo.GetBalance(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if balance == nil {
		return creditdomain.ErrAccountNotFound
	}
	return creditdomain.ErrInsufficientCredits
}

func (s *Service) replay(ctx context.Context, db *gorm.DB, mv movement) (*creditdomain.Result, error) {
	existing, err := s.repo.FindEntryByIdempotencyKey(ctx, db, mv.key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, creditdomain.ErrLedgerEntryNotFound
	}
	obslogger.WithAccount(ctx, s.log, mv.accountID).Debug("ledger idempotency race resolved",
		zap.String("idempotency_key", mv.key),
	)
	return replayResult(existing, mv)
}

// replayResult returns the stored outcome when the replay describes the same
// movement, and a conflict otherwise.
func replayResult(existing *creditdomain.LedgerEntry, mv movement) (*creditdomain.Result, error) {
	if existing.AccountID != mv.accountID ||
		existing.TransactionType != mv.transactionType ||
		existing.Amount != mv.signedAmount {
		return nil, creditdomain.ErrIdempotencyConflict
	}
	return &creditdomain.Result{
		Entry:      *existing,
		NewBalance: existing.BalanceAfter,
		Replayed:   true,
	}, nil
}

func (s *Service) recordCommitted(ctx context.Context, result *creditdomain.Result) {
	if result == nil || result.Replayed {
		return
	}
	entry := result.Entry
	s.obsMetrics.RecordCreditEntry(ctx, string(entry.TransactionType), entry.FeatureType, entry.Amount)
	obslogger.WithAccount(ctx, s.log, entry.AccountID).Info("ledger entry committed",
		zap.String("ledger_entry_id", entry.ID.String()),
		zap.String("transaction_type", string(entry.TransactionType)),
		zap.String("feature_type", entry.FeatureType),
		zap.Int64("amount", entry.Amount),
		zap.Int64("balance_after", entry.BalanceAfter),
	)
}

func (s *Service) GetLedger(ctx context.Context, accountID string, req creditdomain.ListLedgerRequest) (*creditdomain.ListLedgerResponse, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, creditdomain.ErrInvalidAccount
	}
	page := pagination.Pagination{Limit: req.Limit, Offset: req.Offset}.Normalize()
	featureType := normalizeFeature(req.FeatureType)

	entries, err := s.repo.ListEntries(ctx, s.db, accountID, featureType, page.Limit, page.Offset)
	if err != nil {
		return nil, err
	}
	total, err := s.repo.CountEntries(ctx, s.db, accountID, featureType)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []creditdomain.LedgerEntry{}
	}
	return &creditdomain.ListLedgerResponse{Entries: entries, Total: total}, nil
}

func (s *Service) FindByIdempotencyKey(ctx context.Context, key string) (*creditdomain.LedgerEntry, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, creditdomain.ErrInvalidIdempotencyKey
	}
	entry, err := s.repo.FindEntryByIdempotencyKey(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, creditdomain.ErrLedgerEntryNotFound
	}
	return entry, nil
}

func (s *Service) VerifyBalance(ctx context.Context, accountID string) (*creditdomain.BalanceCheck, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, creditdomain.ErrInvalidAccount
	}

	var check *creditdomain.BalanceCheck
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.repo.GetBalance(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if balance == nil {
			return creditdomain.ErrAccountNotFound
		}
		sum, err := s.repo.SumEntries(ctx, tx, accountID)
		if err != nil {
			return err
		}
		check = &creditdomain.BalanceCheck{
			AccountID:  accountID,
			Balance:    balance.CreditsRemaining,
			LedgerSum:  sum,
			Consistent: sum == balance.CreditsRemaining,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return check, nil
}

func (s *Service) ListAccountIDs(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListAccountIDs(ctx, s.db, strings.TrimSpace(after), limit)
}

func normalizeCredit(req creditdomain.CreditRequest) (movement, error) {
	txType := creditdomain.TransactionType(strings.ToLower(strings.TrimSpace(string(req.TransactionType))))
	if !txType.IsCredit() {
		return movement{}, creditdomain.ErrInvalidTransactionType
	}
	return normalizeMovement(req.AccountID, req.Amount, req.IdempotencyKey, txType,
		req.FeatureType, req.Metadata, req.Description, req.CreditType)
}

func normalizeMovement(
	accountID string,
	amount int64,
	key string,
	txType creditdomain.TransactionType,
	featureType string,
	metadata map[string]any,
	description string,
	creditType string,
) (movement, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return movement{}, creditdomain.ErrInvalidAccount
	}
	if amount <= 0 {
		return movement{}, creditdomain.ErrInvalidAmount
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return movement{}, creditdomain.ErrInvalidIdempotencyKey
	}

	var raw datatypes.JSON
	if len(metadata) > 0 {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return movement{}, err
		}
		raw = datatypes.JSON(encoded)
	}

	signed := amount
	if txType == creditdomain.TransactionTypeDebit {
		signed = -amount
	}
	creditType = strings.TrimSpace(creditType)
	if creditType == "" {
		creditType = creditdomain.DefaultCreditType(txType)
	}

	return movement{
		accountID:       accountID,
		signedAmount:    signed,
		key:             key,
		transactionType: txType,
		featureType:     normalizeFeature(featureType),
		metadata:        raw,
		description:     strings.TrimSpace(description),
		creditType:      creditType,
	}, nil
}

func normalizeFeature(featureType string) string {
	return strings.ToLower(strings.TrimSpace(featureType))
}
