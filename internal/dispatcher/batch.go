package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	batchdomain "github.com/nerves76/promptreviews-sub034/internal/batchrun/domain"
	"github.com/nerves76/promptreviews-sub034/internal/checker"
	obsmetrics "github.com/nerves76/promptreviews-sub034/internal/observability/metrics"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

type batchStats struct {
	itemsProcessed  int
	itemsSucceeded  int
	itemsFailed     int
	itemsReleased   int64
	recordFailures  int
	runsFinalized   int
	runsFailed      int
	budgetExhausted bool
}

func (s batchStats) details(batchType batchdomain.BatchType, elapsed time.Duration) map[string]any {
	return map[string]any{
		"batchType":       string(batchType),
		"itemsProcessed":  s.itemsProcessed,
		"itemsSucceeded":  s.itemsSucceeded,
		"itemsFailed":     s.itemsFailed,
		"itemsReleased":   s.itemsReleased,
		"recordFailures":  s.recordFailures,
		"runsFinalized":   s.runsFinalized,
		"runsFailed":      s.runsFailed,
		"budgetExhausted": s.budgetExhausted,
		"elapsedMs":       elapsed.Milliseconds(),
	}
}

// itemOutcome is what a single checker call produced.
type itemOutcome struct {
	success     bool
	output      []byte
	creditsUsed int64
	errMsg      string
	metricLabel string
	fatal       error
}

func (d *Dispatcher) batchJob(batchType batchdomain.BatchType) func(context.Context) (map[string]any, error) {
	return func(ctx context.Context) (map[string]any, error) {
		return d.processBatchType(ctx, batchType)
	}
}

// processBatchType drains claimed items until the queue is empty or the time
// budget is spent. Runs left unfinished stay running for the next invocation.
func (d *Dispatcher) processBatchType(ctx context.Context, batchType batchdomain.BatchType) (map[string]any, error) {
	start := d.clock.Now()
	var stats batchStats
	jobName := string(batchType) + "_batch"

	// Unconfigured types are left untouched so their runs stay pending.
	work, err := d.checkers.Lookup(batchType)
	if err != nil {
		return stats.details(batchType, d.clock.Now().Sub(start)), err
	}

	for {
		if d.budgetSpent(start) {
			stats.budgetExhausted = true
			break
		}
		if err := ctx.Err(); err != nil {
			return stats.details(batchType, d.clock.Now().Sub(start)), err
		}

		claimStart := time.Now()
		claim, err := d.runs.ClaimNextBatch(ctx, batchdomain.ClaimRequest{
			BatchType: batchType,
			MaxItems:  d.cfg.ClaimBatchSize,
			Lease:     d.cfg.Lease,
		})
		d.metrics.ObserveClaimWait(string(batchType), time.Since(claimStart))
		if err != nil {
			return stats.details(batchType, d.clock.Now().Sub(start)), fmt.Errorf("claim %s items: %w", batchType, err)
		}
		if claim.Empty() {
			break
		}

		exhausted, err := d.processClaim(ctx, batchType, work, claim, start, &stats)
		if err != nil {
			return stats.details(batchType, d.clock.Now().Sub(start)), err
		}
		if exhausted {
			stats.budgetExhausted = true
			break
		}
		// Released items would be claimed again by this same loop.
		if stats.recordFailures > 0 {
			return stats.details(batchType, d.clock.Now().Sub(start)),
				fmt.Errorf("record %s results: %d items returned to the pool", batchType, stats.recordFailures)
		}
	}

	if stats.budgetExhausted {
		d.metrics.IncBudgetExhausted(jobName)
		d.logger(ctx).Info("dispatcher.budget.exhausted",
			zap.String("batch_type", string(batchType)),
			zap.Int("items_processed", stats.itemsProcessed),
			zap.Duration("budget", d.cfg.TimeBudget),
		)
	}
	return stats.details(batchType, d.clock.Now().Sub(start)), nil
}

// processClaim runs the checker over one claimed slice, then finalizes every
// run it touched. It reports whether the budget ran out mid-slice.
func (d *Dispatcher) processClaim(ctx context.Context, batchType batchdomain.BatchType, work checker.Checker,
	claim *batchdomain.Claim, start time.Time, stats *batchStats) (bool, error) {
	touched := make([]snowflake.ID, 0, 1)
	seen := make(map[snowflake.ID]struct{})
	failedRuns := make(map[snowflake.ID]struct{})
	exhausted := false

	for idx, item := range claim.Items {
		if d.budgetSpent(start) || ctx.Err() != nil {
			exhausted = d.budgetSpent(start)
			stats.itemsReleased += d.release(ctx, claim.Token, itemIDs(claim.Items[idx:]))
			break
		}
		if _, failed := failedRuns[item.RunID]; failed {
			continue
		}
		if _, ok := seen[item.RunID]; !ok {
			seen[item.RunID] = struct{}{}
			touched = append(touched, item.RunID)
		}

		itemStart := time.Now()
		outcome := d.runItem(ctx, work, item)
		d.metrics.IncItemProcessed(string(batchType), outcome.metricLabel, time.Since(itemStart))

		if outcome.fatal != nil {
			failedRuns[item.RunID] = struct{}{}
			d.failRun(ctx, item.RunID, outcome.fatal, stats)
			continue
		}

		err := d.runs.RecordItemResult(ctx, batchdomain.ItemResult{
			RunID:       item.RunID,
			ItemID:      item.ID,
			ClaimToken:  claim.Token,
			Success:     outcome.success,
			Output:      outcome.output,
			Error:       outcome.errMsg,
			CreditsUsed: outcome.creditsUsed,
		})
		if err != nil {
			d.logItemError(ctx, "dispatcher.item.record_failed", err,
				zap.String("run_id", item.RunID.String()),
				zap.String("item_id", item.ID.String()),
			)
			// A lost lease or a closed run has nothing left to retry.
			if errors.Is(err, batchdomain.ErrItemNotClaimed) || errors.Is(err, batchdomain.ErrRunTerminal) {
				continue
			}
			stats.recordFailures++
			if ctx.Err() == nil {
				stats.itemsReleased += d.release(ctx, claim.Token, []snowflake.ID{item.ID})
			}
			continue
		}
		stats.itemsProcessed++
		jobRunFromContext(ctx).AddProcessed(1)
		if outcome.success {
			stats.itemsSucceeded++
		} else {
			stats.itemsFailed++
			d.logger(ctx).Warn("dispatcher.item.failed",
				zap.String("run_id", item.RunID.String()),
				zap.String("item_id", item.ID.String()),
				zap.String("account_id", item.AccountID),
				zap.String("reason", outcome.errMsg),
			)
		}
	}

	for _, runID := range touched {
		if _, failed := failedRuns[runID]; failed {
			continue
		}
		if err := d.finalize(ctx, runID, stats); err != nil {
			return exhausted, err
		}
	}
	return exhausted, nil
}

// runItem calls the checker under the per-item timeout. A checker that
// ignores its context is abandoned when the timeout fires.
func (d *Dispatcher) runItem(ctx context.Context, work checker.Checker, item batchdomain.ClaimedItem) itemOutcome {
	itemCtx, cancel := context.WithTimeout(ctx, d.cfg.ItemTimeout)
	defer cancel()

	type reply struct {
		out *checker.Outcome
		err error
	}
	done := make(chan reply, 1)
	go func() {
		var (
			out *checker.Outcome
			err error
		)
		var catcher panics.Catcher
		catcher.Try(func() {
			out, err = work.Check(itemCtx, checker.Item{
				RunID:     item.RunID.String(),
				ItemID:    item.ID.String(),
				AccountID: item.AccountID,
				BatchType: item.BatchType,
				Position:  item.Position,
				Payload:   []byte(item.Payload),
			})
		})
		if recovered := catcher.Recovered(); recovered != nil {
			done <- reply{err: &panicError{recovered.AsError()}}
			return
		}
		done <- reply{out: out, err: err}
	}()

	var r reply
	select {
	case r = <-done:
	case <-itemCtx.Done():
		r = reply{err: itemCtx.Err()}
	}

	switch {
	case r.err == nil:
		return itemOutcome{
			success:     true,
			output:      outputOf(r.out),
			creditsUsed: d.creditsUsed(ctx, item, r.out),
			metricLabel: obsmetrics.ItemOutcomeSucceeded,
		}
	case checker.IsFatal(r.err):
		return itemOutcome{fatal: r.err, errMsg: r.err.Error(), metricLabel: obsmetrics.ItemOutcomeFailed}
	case errors.Is(r.err, context.DeadlineExceeded):
		return itemOutcome{errMsg: "item timed out", metricLabel: obsmetrics.ItemOutcomeTimedOut}
	default:
		label := obsmetrics.ItemOutcomeFailed
		var perr *panicError
		if errors.As(r.err, &perr) {
			label = obsmetrics.ItemOutcomePanicked
		}
		return itemOutcome{errMsg: r.err.Error(), metricLabel: label}
	}
}

// creditsUsed clamps a checker-reported cost into the run's per-item estimate.
func (d *Dispatcher) creditsUsed(ctx context.Context, item batchdomain.ClaimedItem, out *checker.Outcome) int64 {
	if out == nil || out.CreditsUsed == nil {
		return item.CreditsPerItem
	}
	used := *out.CreditsUsed
	switch {
	case used < 0:
		return 0
	case used > item.CreditsPerItem:
		d.logger(ctx).Warn("checker reported cost above estimate",
			zap.String("run_id", item.RunID.String()),
			zap.Int64("reported", used),
			zap.Int64("credits_per_item", item.CreditsPerItem),
		)
		return item.CreditsPerItem
	default:
		return used
	}
}

func (d *Dispatcher) finalize(ctx context.Context, runID snowflake.ID, stats *batchStats) error {
	res, err := d.runs.FinalizeIfComplete(ctx, runID)
	if err != nil {
		return fmt.Errorf("finalize run %s: %w", runID, err)
	}
	if res.Finalized {
		stats.runsFinalized++
		d.metrics.IncRunFinalized(string(res.Run.Status), res.Refunded)
	}
	return nil
}

func (d *Dispatcher) failRun(ctx context.Context, runID snowflake.ID, cause error, stats *batchStats) {
	res, err := d.runs.FailRun(ctx, runID, cause.Error())
	if err != nil {
		d.logItemError(ctx, "dispatcher.run.fail_failed", err, zap.String("run_id", runID.String()))
		return
	}
	if res.Finalized {
		stats.runsFailed++
		d.metrics.IncRunFinalized(string(res.Run.Status), res.Refunded)
	}
	d.logger(ctx).Error("dispatcher.run.failed",
		zap.String("run_id", runID.String()),
		zap.Int64("refunded_credits", res.Refunded),
		zap.Error(cause),
	)
}

func (d *Dispatcher) release(ctx context.Context, token string, ids []snowflake.ID) int64 {
	released, err := d.runs.ReleaseClaim(context.WithoutCancel(ctx), token, ids)
	if err != nil {
		d.logItemError(ctx, "dispatcher.claim.release_failed", err, zap.String("claim_token", token))
		return 0
	}
	return released
}

func (d *Dispatcher) budgetSpent(start time.Time) bool {
	return d.clock.Now().Sub(start) >= d.cfg.TimeBudget
}

type panicError struct{ err error }

func (e *panicError) Error() string { return "checker panicked: " + e.err.Error() }

func (e *panicError) Unwrap() error { return e.err }

func outputOf(out *checker.Outcome) []byte {
	if out == nil {
		return nil
	}
	return out.Output
}

func itemIDs(items []batchdomain.ClaimedItem) []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}
