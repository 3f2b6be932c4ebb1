package metering

import (
	"context"
	"errors"
	"strings"

	"github.com/nerves76/promptreviews-sub034/internal/config"
	creditdomain "github.com/nerves76/promptreviews-sub034/internal/credit/domain"
	obslogger "github.com/nerves76/promptreviews-sub034/internal/observability/logger"
	obsmetrics "github.com/nerves76/promptreviews-sub034/internal/observability/metrics"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const refundSuffix = ":refund"

type Params struct {
	fx.In

	Credits    creditdomain.Service
	Log        *zap.Logger
	Costs      *config.CreditCostHolder `optional:"true"`
	ObsMetrics *obsmetrics.Metrics      `optional:"true"`
}

// Meter charges credits around metered operations.
type Meter struct {
	credits    creditdomain.Service
	log        *zap.Logger
	costs      *config.CreditCostHolder
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) *Meter {
	return &Meter{
		credits:    p.Credits,
		log:        p.Log.Named("metering"),
		costs:      p.Costs,
		obsMetrics: p.ObsMetrics,
	}
}

// CostFor resolves the configured per-unit cost of a feature.
func (m *Meter) CostFor(featureType string) int64 {
	return m.costs.CostFor(featureType)
}

type Request struct {
	AccountID      string
	FeatureType    string
	CreditCost     int64
	IdempotencyKey string
	Metadata       map[string]any
	Description    string
}

type Result[T any] struct {
	Data             T
	CreditsDebited   int64
	CreditsRemaining int64
	Replayed         bool
}

// RefundKey is the idempotency key of the refund issued for a failed operation.
func RefundKey(idempotencyKey string) string {
	return strings.TrimSpace(idempotencyKey) + refundSuffix
}

// WithCredits debits req.CreditCost, runs op, and refunds the debit in full
// when op fails or panics. A replayed debit never charges twice.
func WithCredits[T any](ctx context.Context, m *Meter, req Request, op func(context.Context) (T, error)) (*Result[T], error) {
	log := obslogger.WithAccount(ctx, m.log, req.AccountID).With(
		zap.String("feature_type", req.FeatureType),
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.Int64("credit_cost", req.CreditCost),
	)

	if req.CreditCost < 0 {
		return nil, newError(CodeInvalidRequest, creditdomain.ErrInvalidAmount)
	}
	if req.CreditCost == 0 {
		data, err := runOperation(ctx, op)
		if err != nil {
			m.obsMetrics.RecordMeteredCall(ctx, req.FeatureType, CodeOperationFailed)
			return nil, newError(CodeOperationFailed, err)
		}
		m.obsMetrics.RecordMeteredCall(ctx, req.FeatureType, "free")
		return &Result[T]{Data: data, CreditsRemaining: m.balanceOrZero(ctx, req.AccountID)}, nil
	}

	debit, err := m.credits.Debit(ctx, creditdomain.DebitRequest{
		AccountID:      req.AccountID,
		Amount:         req.CreditCost,
		IdempotencyKey: req.IdempotencyKey,
		FeatureType:    req.FeatureType,
		Metadata:       req.Metadata,
		Description:    req.Description,
	})
	if err != nil {
		merr := classifyDebitError(err)
		m.obsMetrics.RecordMeteredCall(ctx, req.FeatureType, merr.Code)
		if merr.Code == CodeBillingError {
			log.Error("credit debit failed", zap.Error(err))
		}
		return nil, merr
	}

	if debit.Replayed {
		refunded, err := m.refunded(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, newError(CodeBillingError, err)
		}
		if refunded {
			m.obsMetrics.RecordMeteredCall(ctx, req.FeatureType, CodeAlreadyRefunded)
			return nil, newError(CodeAlreadyRefunded, creditdomain.ErrIdempotencyConflict)
		}
	}

	data, opErr := runOperation(ctx, op)
	if opErr != nil {
		_, refundErr := m.credits.Credit(ctx, creditdomain.CreditRequest{
			AccountID:       req.AccountID,
			Amount:          req.CreditCost,
			IdempotencyKey:  RefundKey(req.IdempotencyKey),
			TransactionType: creditdomain.TransactionTypeRefund,
			FeatureType:     req.FeatureType,
			Metadata:        req.Metadata,
			Description:     "refund: operation failed",
		})
		if refundErr != nil {
			log.Error("refund after failed operation did not apply",
				zap.NamedError("operation_error", opErr),
				zap.NamedError("refund_error", refundErr),
			)
			m.obsMetrics.RecordMeteredCall(ctx, req.FeatureType, CodeBillingError)
			return nil, newError(CodeBillingError, errors.Join(opErr, refundErr))
		}
		log.Warn("metered operation failed, debit refunded", zap.Error(opErr))
		m.obsMetrics.RecordMeteredCall(ctx, req.FeatureType, CodeOperationFailed)
		return nil, newError(CodeOperationFailed, opErr)
	}

	m.obsMetrics.RecordMeteredCall(ctx, req.FeatureType, "success")
	return &Result[T]{
		Data:             data,
		CreditsDebited:   req.CreditCost,
		CreditsRemaining: debit.NewBalance,
		Replayed:         debit.Replayed,
	}, nil
}

func runOperation[T any](ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	var (
		data T
		err  error
	)
	var catcher panics.Catcher
	catcher.Try(func() {
		data, err = op(ctx)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		var zero T
		return zero, recovered.AsError()
	}
	return data, err
}

func (m *Meter) refunded(ctx context.Context, idempotencyKey string) (bool, error) {
	_, err := m.credits.FindByIdempotencyKey(ctx, RefundKey(idempotencyKey))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, creditdomain.ErrLedgerEntryNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (m *Meter) balanceOrZero(ctx context.Context, accountID string) int64 {
	balance, err := m.credits.GetBalance(ctx, accountID)
	if err != nil {
		return 0
	}
	return balance
}

func classifyDebitError(err error) *Error {
	switch {
	case errors.Is(err, creditdomain.ErrInsufficientCredits):
		return newError(CodeInsufficientCredits, err)
	case errors.Is(err, creditdomain.ErrIdempotencyConflict):
		return newError(CodeIdempotencyConflict, err)
	case errors.Is(err, creditdomain.ErrAccountNotFound):
		return newError(CodeAccountNotFound, err)
	case errors.Is(err, creditdomain.ErrInvalidAccount),
		errors.Is(err, creditdomain.ErrInvalidAmount),
		errors.Is(err, creditdomain.ErrInvalidIdempotencyKey):
		return newError(CodeInvalidRequest, err)
	default:
		return newError(CodeBillingError, err)
	}
}
