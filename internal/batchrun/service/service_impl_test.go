package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	batchdomain "github.com/nerves76/promptreviews-sub034/internal/batchrun/domain"
	"github.com/nerves76/promptreviews-sub034/internal/batchrun/repository"
	"github.com/nerves76/promptreviews-sub034/internal/batchrun/schema"
	"github.com/nerves76/promptreviews-sub034/internal/clock"
	creditdomain "github.com/nerves76/promptreviews-sub034/internal/credit/domain"
	creditrepo "github.com/nerves76/promptreviews-sub034/internal/credit/repository"
	creditservice "github.com/nerves76/promptreviews-sub034/internal/credit/service"
	"github.com/nerves76/promptreviews-sub034/internal/metering"
	"github.com/nerves76/promptreviews-sub034/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	db      *gorm.DB
	svc     batchdomain.Service
	credits creditdomain.Service
	clock   *clock.FakeClock
}

func newHarness(t *testing.T, balances map[string]int64) *harness {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	for account, credits := range balances {
		testutil.SeedBalance(t, db, node, account, credits)
	}
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	credits := creditservice.NewService(creditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  creditrepo.Provide(),
		Clock: clk,
	})
	validator, err := schema.NewValidator()
	require.NoError(t, err)

	svc := NewService(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Repo:      repository.Provide(),
		Credits:   credits,
		Meter:     metering.New(metering.Params{Credits: credits, Log: zap.NewNop()}),
		Validator: validator,
		Clock:     clk,
	})
	return &harness{db: db, svc: svc, credits: credits, clock: clk}
}

func keywords(n int) []json.RawMessage {
	items := make([]json.RawMessage, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, json.RawMessage(fmt.Sprintf(`{"keyword":"keyword %d"}`, i)))
	}
	return items
}

func perItem(v int64) *int64 { return &v }

func (h *harness) createRankRun(t *testing.T, account string, n int, cost int64, key string) *batchdomain.CreateRunResult {
	t.Helper()
	res, err := h.svc.CreateRun(context.Background(), batchdomain.CreateRunRequest{
		AccountID:      account,
		BatchType:      batchdomain.BatchTypeRank,
		Items:          keywords(n),
		CreditsPerItem: perItem(cost),
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	return res
}

// drain claims and records every item of the batch type, deciding success by position.
func (h *harness) drain(t *testing.T, batchType batchdomain.BatchType, succeed func(batchdomain.ClaimedItem) bool) []snowflake.ID {
	t.Helper()
	ctx := context.Background()
	touched := map[snowflake.ID]struct{}{}
	var order []snowflake.ID
	for {
		claim, err := h.svc.ClaimNextBatch(ctx, batchdomain.ClaimRequest{BatchType: batchType, MaxItems: 4})
		require.NoError(t, err)
		if claim.Empty() {
			break
		}
		for _, item := range claim.Items {
			ok := succeed(item)
			require.NoError(t, h.svc.RecordItemResult(ctx, batchdomain.ItemResult{
				RunID:       item.RunID,
				ItemID:      item.ID,
				ClaimToken:  claim.Token,
				Success:     ok,
				Output:      json.RawMessage(`{"rank":3}`),
				CreditsUsed: item.CreditsPerItem,
			}))
			if _, seen := touched[item.RunID]; !seen {
				touched[item.RunID] = struct{}{}
				order = append(order, item.RunID)
			}
		}
	}
	return order
}

func TestCreateRunDebitsEstimateAndPersistsItems(t *testing.T) {
	h := newHarness(t, map[string]int64{"acct-1": 50})

	res := h.createRankRun(t, "acct-1", 5, 2, "")
	assert.Equal(t, int64(10), res.EstimatedCredits)
	assert.Equal(t, int64(40), res.CreditsRemaining)
	assert.Equal(t, batchdomain.RunStatusPending, res.Run.Status)
	assert.Equal(t, 5, res.Run.TotalItems)
	assert.Equal(t, int64(40), testutil.Balance(t, h.db, "acct-1"))
	assert.Equal(t, int64(5), testutil.CountRows(t, h.db, "batch_items"))

	entry, err := h.credits.FindByIdempotencyKey(context.Background(), DebitKey("acct-1", "", res.Run.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(-10), entry.Amount)
	assert.Equal(t, "rank_check", entry.FeatureType)
}

func TestCreateRunInsufficientCreditsWritesNothing(t *testing.T) {
	h := newHarness(t, map[string]int64{"acct-1": 5})

	_, err := h.svc.CreateRun(context.Background(), batchdomain.CreateRunRequest{
		AccountID:      "acct-1",
		BatchType:      batchdomain.BatchTypeRank,
		Items:          keywords(5),
		CreditsPerItem: perItem(2),
	})
	require.Error(t, err)

	var merr *metering.Error
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, http.StatusPaymentRequired, merr.Status)
	assert.Equal(t, int64(0), testutil.CountRows(t, h.db, "batch_runs"))
	assert.Equal(t, int64(0), testutil.CountRows(t, h.db, "batch_items"))
	assert.Equal(t, int64(5), testutil.Balance(t, h.db, "acct-1"))
}

func TestCreateRunReplaysClientKey(t *testing.T) {
	h := newHarness(t, map[string]int64{"acct-1": 50})

	first := h.createRankRun(t, "acct-1", 3, 2, "client-key-1")
	second := h.createRankRun(t, "acct-1", 3, 2, "client-key-1")

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Run.ID, second.Run.ID)
	assert.Equal(t, int64(44), second.CreditsRemaining)
	assert.Equal(t, int64(1), testutil.CountRows(t, h.db, "batch_runs"))
	assert.Equal(t, int64(44), testutil.Balance(t, h.db, "acct-1"))

	_, err := h.svc.CreateRun(context.Background(), batchdomain.CreateRunRequest{
		AccountID:      "acct-1",
		BatchType:      batchdomain.BatchTypeConcept,
		Items:          []json.RawMessage{json.RawMessage(`{"concept":"x"}`)},
		IdempotencyKey: "client-key-1",
	})
	require.ErrorIs(t, err, batchdomain.ErrIdempotencyConflict)
}

func TestCreateRunRejectsBadInput(t *testing.T) {
	h := newHarness(t, map[string]int64{"acct-1": 50})
	ctx := context.Background()

	_, err := h.svc.CreateRun(ctx, batchdomain.CreateRunRequest{AccountID: "acct-1", BatchType: batchdomain.BatchTypeRank})
	require.ErrorIs(t, err, batchdomain.ErrInvalidItems)

	_, err = h.svc.CreateRun(ctx, batchdomain.CreateRunRequest{AccountID: "acct-1", BatchType: "survey", Items: keywords(1)})
	require.ErrorIs(t, err, batchdomain.ErrInvalidBatchType)

	_, err = h.svc.CreateRun(ctx, batchdomain.CreateRunRequest{
		AccountID: "acct-1",
		BatchType: batchdomain.BatchTypeRank,
		Items:     []json.RawMessage{json.RawMessage(`{"query":"wrong shape"}`)},
	})
	require.ErrorIs(t, err, batchdomain.ErrInvalidPayload)

	_, err = h.svc.CreateRun(ctx, batchdomain.CreateRunRequest{
		AccountID:      "acct-1",
		BatchType:      batchdomain.BatchTypeLLM,
		Items:          []json.RawMessage{json.RawMessage(`{"query":"q"}`)},
		CreditsPerItem: perItem(1),
	})
	require.ErrorIs(t, err, batchdomain.ErrInvalidCreditsPerItem)

	assert.Equal(t, int64(50), testutil.Balance(t, h.db, "acct-1"))
	assert.Equal(t, int64(0), testutil.CountRows(t, h.db, "batch_runs"))
}

func TestEndToEndRankRun(t *testing.T) {
	h := newHarness(t, map[string]int64{"acct-1": 50})
	ctx := context.Background()

	created := h.createRankRun(t, "acct-1", 5, 2, "")
	assert.Equal(t, int64(40), testutil.Balance(t, h.db, "acct-1"))

	touched := h.drain(t, batchdomain.BatchTypeRank, func(batchdomain.ClaimedItem) bool { return true })
	require.Equal(t, []snowflake.ID{created.Run.ID}, touched)

	res, err := h.svc.FinalizeIfComplete(ctx, created.Run.ID)
	require.NoError(t, err)
	assert.True(t, res.Finalized)
	assert.Equal(t, int64(0), res.Refunded)
	assert.Equal(t, batchdomain.RunStatusCompleted, res.Run.Status)
	assert.Equal(t, 5, res.Run.SuccessfulItems)
	assert.Equal(t, int64(10), res.Run.TotalCreditsUsed)
	assert.Equal(t, int64(40), testutil.Balance(t, h.db, "acct-1"))
	assert.Equal(t, testutil.LedgerSum(t, h.db, "acct-1"), testutil.Balance(t, h.db, "acct-1"))
}

func TestFinalizeRefundsUnusedEstimate(t *testing.T) {
	h := newHarness(t, map[string]int64{"acct-1": 100})
	ctx := context.Background()

	created := h.createRankRun(t, "acct-1", 10, 2, "")
	assert.Equal(t, int64(80), testutil.Balance(t, h.db, "acct-1"))

	h.drain(t, batchdomain.BatchTypeRank, func(item batchdomain.ClaimedItem) bool { return item.Position < 7 })

	res, err := h.svc.FinalizeIfComplete(ctx, created.Run.ID)
	require.NoError(t, err)
	require.True(t, res.Finalized)
	assert.Equal(t, int64(6), res.Refunded)
	assert.Equal(t, int64(14), res.Run.TotalCreditsUsed)
	assert.Equal(t, int64(6), res.Run.RefundedCredits)
	assert.Equal(t, 7, res.Run.SuccessfulItems)
	assert.Equal(t, 3, res.Run.FailedItems)
	assert.Equal(t, 10, res.Run.ProcessedItems)
	assert.Equal(t, int64(86), testutil.Balance(t, h.db, "acct-1"))

	refund, err := h.credits.FindByIdempotencyKey(ctx, ReconcileKey(created.Run.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(6), refund.Amount)
	assert.Equal(t, creditdomain.TransactionTypeRefund, refund.TransactionType)

	again, err := h.svc.FinalizeIfComplete(ctx, created.Run.ID)
	require.NoError(t, err)
	assert.False(t, again.Finalized)
	assert.Equal(t, int64(86), testutil.Balance(t, h.db, "acct-1"))
}

func TestFinalizeLeavesIncompleteRunOpen(t *testing.T) {
	h := newHarness(t, map[string]int64{"acct-1": 50})
	ctx := context.Background()
	created := h.createRankRun(t, "acct-1", 3, 1, "")

	claim, err := h.svc.ClaimNextBatch(ctx, batchdomain.ClaimRequest{BatchType: batchdomain.BatchTypeRank, MaxItems: 1})
	require.NoError(t, err)
	require.Len(t, claim.Items, 1)
	require.NoError(t, h.svc.RecordItemResult(ctx, batchdomain.ItemResult{
		RunID: claim.Items[0].RunID, ItemID: claim.Items[0].ID, ClaimToken: claim.Token, Success: true, CreditsUsed: 1,
	}))

	res, err := h.svc.FinalizeIfComplete(ctx, created.Run.ID)
	require.NoError(t, err)
	assert.False(t, res.Finalized)
	assert.Equal(t, batchdomain.RunStatusRunning, res.Run.Status)
	assert.Equal(t, 1, res.Run.ProcessedItems)
}

func TestFailRunRefundsRemainder(t *testing.T) {
	h := newHarness(t, map[string]int64{"acct-1": 50})
	ctx := context.Background()
	created := h.createRankRun(t, "acct-1", 4, 2, "")

	claim, err := h.svc.ClaimNextBatch(ctx, batchdomain.ClaimRequest{BatchType: batchdomain.BatchTypeRank, MaxItems: 1})
	require.NoError(t, err)
	require.NoError(t, h.svc.RecordItemResult(ctx, batchdomain.ItemResult{
		RunID: claim.Items[0].RunID, ItemID: claim.Items[0].ID, ClaimToken: claim.Token, Success: true, CreditsUsed: 2,
	}))

	res, err := h.svc.FailRun(ctx, created.Run.ID, "checker credentials revoked")
	require.NoError(t, err)
	require.True(t, res.Finalized)
	assert.Equal(t, batchdomain.RunStatusFailed, res.Run.Status)
	require.NotNil(t, res.Run.ErrorMessage)
	assert.Equal(t, "checker credentials revoked", *res.Run.ErrorMessage)
	assert.Equal(t, int64(6), res.Refunded)
	assert.Equal(t, int64(48), testutil.Balance(t, h.db, "acct-1"))

	err = h.svc.RecordItemResult(ctx, batchdomain.ItemResult{
		RunID: created.Run.ID, ItemID: claim.Items[0].ID, ClaimToken: claim.Token, Success: true, CreditsUsed: 2,
	})
	require.ErrorIs(t, err, batchdomain.ErrRunTerminal)

	claim, err = h.svc.ClaimNextBatch(ctx, batchdomain.ClaimRequest{BatchType: batchdomain.BatchTypeRank})
	require.NoError(t, err)
	assert.True(t, claim.Empty())
}

func TestRecordItemResultRejectsDuplicatesAndForeignTokens(t *testing.T) {
	h := newHarness(t, map[string]int64{"acct-1": 50})
	ctx := context.Background()
	h.createRankRun(t, "acct-1", 2, 2, "")

	claim, err := h.svc.ClaimNextBatch(ctx, batchdomain.ClaimRequest{BatchType: batchdomain.BatchTypeRank})
	require.NoError(t, err)
	require.Len(t, claim.Items, 2)
	first, second := claim.Items[0], claim.Items[1]

	err = h.svc.RecordItemResult(ctx, batchdomain.ItemResult{
		RunID: second.RunID, ItemID: second.ID, ClaimToken: "someone-else", Success: true, CreditsUsed: 2,
	})
	require.ErrorIs(t, err, batchdomain.ErrItemNotClaimed)

	err = h.svc.RecordItemResult(ctx, batchdomain.ItemResult{
		RunID: first.RunID, ItemID: first.ID, ClaimToken: claim.Token, Success: true, CreditsUsed: 3,
	})
	require.ErrorIs(t, err, batchdomain.ErrInvalidCreditsUsed)

	result := batchdomain.ItemResult{RunID: first.RunID, ItemID: first.ID, ClaimToken: claim.Token, Success: true, CreditsUsed: 2}
	require.NoError(t, h.svc.RecordItemResult(ctx, result))
	require.ErrorIs(t, h.svc.RecordItemResult(ctx, result), batchdomain.ErrItemNotClaimed)

	run, err := h.svc.GetRun(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, run.ProcessedItems)
	assert.Equal(t, run.SuccessfulItems+run.FailedItems, run.ProcessedItems)
}

func TestFailedItemsCostNothing(t *testing.T) {
	h := newHarness(t, map[string]int64{"acct-1": 50})
	ctx := context.Background()
	created := h.createRankRun(t, "acct-1", 1, 2, "")

	claim, err := h.svc.ClaimNextBatch(ctx, batchdomain.ClaimRequest{BatchType: batchdomain.BatchTypeRank})
	require.NoError(t, err)
	require.NoError(t, h.svc.RecordItemResult(ctx, batchdomain.ItemResult{
		RunID: created.Run.ID, ItemID: claim.Items[0].ID, ClaimToken: claim.Token,
		Success: false, Error: "timeout", CreditsUsed: 2,
	}))

	res, err := h.svc.FinalizeIfComplete(ctx, created.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Run.TotalCreditsUsed)
	assert.Equal(t, int64(2), res.Refunded)
	assert.Equal(t, int64(50), testutil.Balance(t, h.db, "acct-1"))
}

func TestClaimIsFIFOAndLeasesExpire(t *testing.T) {
	h := newHarness(t, map[string]int64{"acct-1": 50, "acct-2": 50})
	ctx := context.Background()

	older := h.createRankRun(t, "acct-1", 2, 1, "")
	h.clock.Advance(time.Second)
	newer := h.createRankRun(t, "acct-2", 2, 1, "")

	claim, err := h.svc.ClaimNextBatch(ctx, batchdomain.ClaimRequest{BatchType: batchdomain.BatchTypeRank, MaxItems: 3, Lease: time.Minute})
	require.NoError(t, err)
	require.Len(t, claim.Items, 3)
	assert.Equal(t, older.Run.ID, claim.Items[0].RunID)
	assert.Equal(t, 0, claim.Items[0].Position)
	assert.Equal(t, older.Run.ID, claim.Items[1].RunID)
	assert.Equal(t, 1, claim.Items[1].Position)
	assert.Equal(t, newer.Run.ID, claim.Items[2].RunID)

	run, err := h.svc.GetRun(ctx, older.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, batchdomain.RunStatusRunning, run.Status)
	require.NotNil(t, run.StartedAt)

	// Only the last item is free while the lease holds.
	next, err := h.svc.ClaimNextBatch(ctx, batchdomain.ClaimRequest{BatchType: batchdomain.BatchTypeRank, Lease: time.Minute})
	require.NoError(t, err)
	require.Len(t, next.Items, 1)
	assert.Equal(t, newer.Run.ID, next.Items[0].RunID)
	assert.Equal(t, 1, next.Items[0].Position)

	h.clock.Advance(2 * time.Minute)
	reclaimed, err := h.svc.ClaimNextBatch(ctx, batchdomain.ClaimRequest{BatchType: batchdomain.BatchTypeRank, MaxItems: 10})
	require.NoError(t, err)
	assert.Len(t, reclaimed.Items, 4)

	// The stale token lost its lease.
	err = h.svc.RecordItemResult(ctx, batchdomain.ItemResult{
		RunID: claim.Items[0].RunID, ItemID: claim.Items[0].ID, ClaimToken: claim.Token, Success: true, CreditsUsed: 1,
	})
	require.ErrorIs(t, err, batchdomain.ErrItemNotClaimed)
}

func TestReleaseClaimReturnsItemsToPool(t *testing.T) {
	h := newHarness(t, map[string]int64{"acct-1": 50})
	ctx := context.Background()
	h.createRankRun(t, "acct-1", 3, 1, "")

	claim, err := h.svc.ClaimNextBatch(ctx, batchdomain.ClaimRequest{BatchType: batchdomain.BatchTypeRank})
	require.NoError(t, err)
	require.Len(t, claim.Items, 3)

	released, err := h.svc.ReleaseClaim(ctx, claim.Token, []snowflake.ID{claim.Items[1].ID, claim.Items[2].ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), released)

	next, err := h.svc.ClaimNextBatch(ctx, batchdomain.ClaimRequest{BatchType: batchdomain.BatchTypeRank})
	require.NoError(t, err)
	require.Len(t, next.Items, 2)
	assert.Equal(t, 1, next.Items[0].Position)
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	h := newHarness(t, map[string]int64{"acct-1": 500})
	ctx := context.Background()
	h.createRankRun(t, "acct-1", 60, 1, "")

	var (
		mu      sync.Mutex
		claimed = map[snowflake.ID]int{}
		wg      sync.WaitGroup
	)
	for worker := 0; worker < 6; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claim, err := h.svc.ClaimNextBatch(ctx, batchdomain.ClaimRequest{BatchType: batchdomain.BatchTypeRank, MaxItems: 7})
				if err != nil || claim.Empty() {
					return
				}
				mu.Lock()
				for _, item := range claim.Items {
					claimed[item.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, 60)
	for id, count := range claimed {
		require.Equalf(t, 1, count, "item %s claimed %d times", id, count)
	}
}

func TestListRunsAndStale(t *testing.T) {
	h := newHarness(t, map[string]int64{"acct-1": 50, "acct-2": 50})
	ctx := context.Background()

	h.createRankRun(t, "acct-1", 1, 1, "")
	h.createRankRun(t, "acct-1", 1, 1, "")
	h.createRankRun(t, "acct-2", 1, 1, "")
	_, err := h.svc.CreateRun(ctx, batchdomain.CreateRunRequest{
		AccountID: "acct-1",
		BatchType: batchdomain.BatchTypeConcept,
		Items:     []json.RawMessage{json.RawMessage(`{"concept":"x"}`)},
	})
	require.NoError(t, err)

	all, err := h.svc.ListRuns(ctx, batchdomain.ListRunsRequest{AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), all.Total)

	rank, err := h.svc.ListRuns(ctx, batchdomain.ListRunsRequest{AccountID: "acct-1", BatchType: batchdomain.BatchTypeRank})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rank.Total)

	_, err = h.svc.ClaimNextBatch(ctx, batchdomain.ClaimRequest{BatchType: batchdomain.BatchTypeRank, MaxItems: 1})
	require.NoError(t, err)

	stale, err := h.svc.ListStale(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	h.clock.Advance(2 * time.Hour)
	stale, err = h.svc.ListStale(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, batchdomain.RunStatusRunning, stale[0].Status)
}

func TestListFinalizableFindsCompletedCounters(t *testing.T) {
	h := newHarness(t, map[string]int64{"acct-1": 50})
	ctx := context.Background()
	created := h.createRankRun(t, "acct-1", 2, 1, "")
	h.createRankRun(t, "acct-1", 1, 1, "")

	claim, err := h.svc.ClaimNextBatch(ctx, batchdomain.ClaimRequest{BatchType: batchdomain.BatchTypeRank, MaxItems: 2})
	require.NoError(t, err)
	for _, item := range claim.Items {
		require.NoError(t, h.svc.RecordItemResult(ctx, batchdomain.ItemResult{
			RunID: item.RunID, ItemID: item.ID, ClaimToken: claim.Token, Success: true, CreditsUsed: 1,
		}))
	}

	ids, err := h.svc.ListFinalizable(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{created.Run.ID}, ids)
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	msg := "checker error: " + strings.Repeat("é", 600)

	out := truncate(msg, maxErrorMessageLength)
	assert.True(t, utf8.ValidString(out))
	assert.LessOrEqual(t, len(out), maxErrorMessageLength)
	assert.Equal(t, maxErrorMessageLength-1, len(out))
	assert.True(t, strings.HasSuffix(out, "é"))

	assert.Equal(t, "short", truncate("short", maxErrorMessageLength))
	assert.Equal(t, "", truncate("日本", 2))
}

func TestFailRunStoresValidUTF8Reason(t *testing.T) {
	h := newHarness(t, map[string]int64{"acct-1": 50})
	ctx := context.Background()
	created := h.createRankRun(t, "acct-1", 2, 2, "")

	res, err := h.svc.FailRun(ctx, created.Run.ID, "checker error: "+strings.Repeat("é", 600))
	require.NoError(t, err)
	require.True(t, res.Finalized)
	require.NotNil(t, res.Run.ErrorMessage)
	assert.True(t, utf8.ValidString(*res.Run.ErrorMessage))
	assert.LessOrEqual(t, len(*res.Run.ErrorMessage), maxErrorMessageLength)

	run, err := h.svc.GetRun(ctx, created.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, batchdomain.RunStatusFailed, run.Status)
	assert.Equal(t, int64(50), testutil.Balance(t, h.db, "acct-1"))
}
