package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/nerves76/promptreviews-sub034/internal/credit/domain"
	"github.com/nerves76/promptreviews-sub034/internal/credit/repository"
	"github.com/nerves76/promptreviews-sub034/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupCreditService(t *testing.T) (domain.Service, *gorm.DB) {
	t.Helper()
	db := testutil.OpenDB(t)
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.Node(t),
		Repo:  repository.Provide(),
	})
	return svc, db
}

func grant(t *testing.T, svc domain.Service, accountID string, amount int64) {
	t.Helper()
	_, err := svc.Credit(context.Background(), domain.CreditRequest{
		AccountID:       accountID,
		Amount:          amount,
		IdempotencyKey:  fmt.Sprintf("grant:%s:%d", accountID, amount),
		TransactionType: domain.TransactionTypeGrant,
	})
	require.NoError(t, err)
}

func TestDebitDecrementsBalanceAndRecordsEntry(t *testing.T) {
	svc, db := setupCreditService(t)
	ctx := context.Background()
	grant(t, svc, "acct-1", 50)

	res, err := svc.Debit(ctx, domain.DebitRequest{
		AccountID:      "acct-1",
		Amount:         10,
		IdempotencyKey: "debit-1",
		FeatureType:    "Rank_Check",
		Metadata:       map[string]any{"keyword": "coffee"},
		Description:    "rank check",
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(40), res.NewBalance)
	assert.Equal(t, int64(-10), res.Entry.Amount)
	assert.Equal(t, int64(40), res.Entry.BalanceAfter)
	assert.Equal(t, "rank_check", res.Entry.FeatureType)
	assert.Equal(t, domain.CreditTypeUsage, res.Entry.CreditType)

	balance, err := svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance)
	assert.Equal(t, balance, testutil.LedgerSum(t, db, "acct-1"))

	stored, err := svc.FindByIdempotencyKey(ctx, "debit-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"keyword":"coffee"}`, string(stored.FeatureMetadata))
}

func TestDebitInsufficientCreditsWritesNothing(t *testing.T) {
	svc, db := setupCreditService(t)
	ctx := context.Background()
	grant(t, svc, "acct-1", 5)

	_, err := svc.Debit(ctx, domain.DebitRequest{AccountID: "acct-1", Amount: 6, IdempotencyKey: "too-much"})
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)

	assert.Equal(t, int64(5), testutil.Balance(t, db, "acct-1"))
	_, err = svc.FindByIdempotencyKey(ctx, "too-much")
	assert.ErrorIs(t, err, domain.ErrLedgerEntryNotFound)
}

func TestDebitUnknownAccountFailsLoudly(t *testing.T) {
	svc, _ := setupCreditService(t)

	_, err := svc.Debit(context.Background(), domain.DebitRequest{AccountID: "ghost", Amount: 1, IdempotencyKey: "k"})
	require.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = svc.GetBalance(context.Background(), "ghost")
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestDebitValidatesInput(t *testing.T) {
	svc, _ := setupCreditService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  domain.DebitRequest
		want error
	}{
		{"missing account", domain.DebitRequest{Amount: 1, IdempotencyKey: "k"}, domain.ErrInvalidAccount},
		{"zero amount", domain.DebitRequest{AccountID: "a", IdempotencyKey: "k"}, domain.ErrInvalidAmount},
		{"negative amount", domain.DebitRequest{AccountID: "a", Amount: -3, IdempotencyKey: "k"}, domain.ErrInvalidAmount},
		{"missing key", domain.DebitRequest{AccountID: "a", Amount: 1}, domain.ErrInvalidIdempotencyKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Debit(ctx, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDebitReplayReturnsStoredResult(t *testing.T) {
	svc, db := setupCreditService(t)
	ctx := context.Background()
	grant(t, svc, "acct-1", 20)

	req := domain.DebitRequest{AccountID: "acct-1", Amount: 3, IdempotencyKey: "retry-me"}
	first, err := svc.Debit(ctx, req)
	require.NoError(t, err)

	// an unrelated debit moves the balance between the two attempts
	_, err = svc.Debit(ctx, domain.DebitRequest{AccountID: "acct-1", Amount: 1, IdempotencyKey: "other"})
	require.NoError(t, err)

	second, err := svc.Debit(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.Equal(t, int64(17), second.NewBalance)

	assert.Equal(t, int64(16), testutil.Balance(t, db, "acct-1"))
	assert.Equal(t, int64(3), testutil.CountRows(t, db, "credit_ledger_entries"))
}

func TestDebitReplayWithDifferentAmountConflicts(t *testing.T) {
	svc, db := setupCreditService(t)
	ctx := context.Background()
	grant(t, svc, "acct-1", 20)

	_, err := svc.Debit(ctx, domain.DebitRequest{AccountID: "acct-1", Amount: 3, IdempotencyKey: "k"})
	require.NoError(t, err)

	_, err = svc.Debit(ctx, domain.DebitRequest{AccountID: "acct-1", Amount: 4, IdempotencyKey: "k"})
	require.ErrorIs(t, err, domain.ErrIdempotencyConflict)

	_, err = svc.Credit(ctx, domain.CreditRequest{
		AccountID: "acct-1", Amount: 3, IdempotencyKey: "k", TransactionType: domain.TransactionTypeRefund,
	})
	require.ErrorIs(t, err, domain.ErrIdempotencyConflict)

	assert.Equal(t, int64(17), testutil.Balance(t, db, "acct-1"))
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	svc, db := setupCreditService(t)
	grant(t, svc, "acct-1", 10)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		short     int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Debit(context.Background(), domain.DebitRequest{
				AccountID:      "acct-1",
				Amount:         1,
				IdempotencyKey: fmt.Sprintf("debit-%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrInsufficientCredits):
				short++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 15, short)
	assert.Equal(t, int64(0), testutil.Balance(t, db, "acct-1"))
	assert.Equal(t, int64(0), testutil.LedgerSum(t, db, "acct-1"))
}

func TestConcurrentReplaysChargeOnce(t *testing.T) {
	svc, db := setupCreditService(t)
	grant(t, svc, "acct-1", 10)

	var wg sync.WaitGroup
	results := make([]*domain.Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Debit(context.Background(), domain.DebitRequest{
				AccountID: "acct-1", Amount: 4, IdempotencyKey: "same-key",
			})
			if err != nil {
				t.Errorf("debit %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, res := range results {
		if res != nil && !res.Replayed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, int64(6), testutil.Balance(t, db, "acct-1"))
	assert.Equal(t, int64(2), testutil.CountRows(t, db, "credit_ledger_entries"))
}

func TestBalanceInvariantHoldsAcrossRandomSequence(t *testing.T) {
	svc, db := setupCreditService(t)
	ctx := context.Background()
	grant(t, svc, "acct-1", 25)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		amount := int64(rng.Intn(9) + 1)
		key := fmt.Sprintf("op-%d", rng.Intn(150))
		var err error
		switch rng.Intn(3) {
		case 0, 1:
			_, err = svc.Debit(ctx, domain.DebitRequest{AccountID: "acct-1", Amount: amount, IdempotencyKey: "d:" + key})
		default:
			_, err = svc.Credit(ctx, domain.CreditRequest{
				AccountID: "acct-1", Amount: amount, IdempotencyKey: "c:" + key, TransactionType: domain.TransactionTypeRefund,
			})
		}
		if err != nil &&
			!errors.Is(err, domain.ErrInsufficientCredits) &&
			!errors.Is(err, domain.ErrIdempotencyConflict) {
			t.Fatalf("op %d: unexpected error %v", i, err)
		}

		balance := testutil.Balance(t, db, "acct-1")
		require.GreaterOrEqual(t, balance, int64(0))
		require.Equal(t, testutil.LedgerSum(t, db, "acct-1"), balance, "op %d", i)
	}

	check, err := svc.VerifyBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, check.Consistent)
}

func TestCreditTransactionTypes(t *testing.T) {
	svc, db := setupCreditService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, domain.CreditRequest{
		AccountID: "new-acct", Amount: 5, IdempotencyKey: "refund-1", TransactionType: domain.TransactionTypeRefund,
	})
	require.ErrorIs(t, err, domain.ErrAccountNotFound)

	res, err := svc.Credit(ctx, domain.CreditRequest{
		AccountID: "new-acct", Amount: 30, IdempotencyKey: "purchase-1", TransactionType: domain.TransactionTypePurchase,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.NewBalance)
	assert.Equal(t, domain.CreditTypePurchased, res.Entry.CreditType)

	_, err = svc.Credit(ctx, domain.CreditRequest{
		AccountID: "new-acct", Amount: 5, IdempotencyKey: "debit-as-credit", TransactionType: domain.TransactionTypeDebit,
	})
	require.ErrorIs(t, err, domain.ErrInvalidTransactionType)

	_, err = svc.Credit(ctx, domain.CreditRequest{
		AccountID: "new-acct", Amount: 0, IdempotencyKey: "zero", TransactionType: domain.TransactionTypeGrant,
	})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	assert.Equal(t, int64(30), testutil.Balance(t, db, "new-acct"))
}

func TestCreditTxRollsBackWithCaller(t *testing.T) {
	svc, db := setupCreditService(t)
	ctx := context.Background()
	grant(t, svc, "acct-1", 10)

	boom := errors.New("caller failed")
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := svc.CreditTx(ctx, tx, domain.CreditRequest{
			AccountID: "acct-1", Amount: 4, IdempotencyKey: "reconcile", TransactionType: domain.TransactionTypeRefund,
		})
		require.NoError(t, err)
		require.Equal(t, int64(14), res.NewBalance)
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, int64(10), testutil.Balance(t, db, "acct-1"))
	_, err = svc.FindByIdempotencyKey(ctx, "reconcile")
	assert.ErrorIs(t, err, domain.ErrLedgerEntryNotFound)
}

func TestGetLedgerNewestFirstWithFilter(t *testing.T) {
	svc, _ := setupCreditService(t)
	ctx := context.Background()
	grant(t, svc, "acct-1", 100)

	for i := 0; i < 5; i++ {
		feature := "rank_check"
		if i%2 == 1 {
			feature = "llm_visibility"
		}
		_, err := svc.Debit(ctx, domain.DebitRequest{
			AccountID: "acct-1", Amount: int64(i + 1), IdempotencyKey: fmt.Sprintf("d-%d", i), FeatureType: feature,
		})
		require.NoError(t, err)
	}

	page, err := svc.GetLedger(ctx, "acct-1", domain.ListLedgerRequest{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(6), page.Total)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "d-4", page.Entries[0].IdempotencyKey)
	assert.Equal(t, "d-3", page.Entries[1].IdempotencyKey)

	filtered, err := svc.GetLedger(ctx, "acct-1", domain.ListLedgerRequest{FeatureType: "LLM_VISIBILITY"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), filtered.Total)
	for _, entry := range filtered.Entries {
		assert.Equal(t, "llm_visibility", entry.FeatureType)
	}

	empty, err := svc.GetLedger(ctx, "nobody", domain.ListLedgerRequest{})
	require.NoError(t, err)
	assert.Empty(t, empty.Entries)
	assert.Equal(t, int64(0), empty.Total)
}

func TestVerifyBalanceDetectsDrift(t *testing.T) {
	svc, db := setupCreditService(t)
	ctx := context.Background()
	grant(t, svc, "acct-1", 10)
	grant(t, svc, "acct-2", 10)

	require.NoError(t, db.Exec(`UPDATE credit_balances SET credits_remaining = 99 WHERE account_id = ?`, "acct-2").Error)

	ok, err := svc.VerifyBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, ok.Consistent)

	drift, err := svc.VerifyBalance(ctx, "acct-2")
	require.NoError(t, err)
	assert.False(t, drift.Consistent)
	assert.Equal(t, int64(99), drift.Balance)
	assert.Equal(t, int64(10), drift.LedgerSum)

	ids, err := svc.ListAccountIDs(ctx, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"acct-1", "acct-2"}, ids)

	ids, err = svc.ListAccountIDs(ctx, "acct-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"acct-2"}, ids)
}
