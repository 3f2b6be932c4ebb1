package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// finalizeSweep closes runs whose counters completed but whose finalize
// step never ran, for example after a crash between the last item and
// reconciliation.
func (d *Dispatcher) finalizeSweep(ctx context.Context) (map[string]any, error) {
	ids, err := d.runs.ListFinalizable(ctx, d.cfg.FinalizeSweepLimit)
	if err != nil {
		return nil, fmt.Errorf("list finalizable runs: %w", err)
	}
	var stats batchStats
	for _, runID := range ids {
		if err := ctx.Err(); err != nil {
			return map[string]any{"candidates": len(ids), "runsFinalized": stats.runsFinalized}, err
		}
		if err := d.finalize(ctx, runID, &stats); err != nil {
			d.logItemError(ctx, "dispatcher.finalize.failed", err, zap.String("run_id", runID.String()))
			continue
		}
	}
	jobRunFromContext(ctx).AddProcessed(stats.runsFinalized)
	return map[string]any{
		"candidates":    len(ids),
		"runsFinalized": stats.runsFinalized,
	}, nil
}

// staleRuns reports runs that stopped progressing. It never mutates them.
func (d *Dispatcher) staleRuns(ctx context.Context) (map[string]any, error) {
	runs, err := d.runs.ListStale(ctx, d.cfg.StaleRunThreshold, d.cfg.StaleRunReportLimit)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	d.metrics.SetStaleRuns(len(runs))

	ids := make([]string, 0, len(runs))
	for _, run := range runs {
		ids = append(ids, run.ID.String())
		d.logger(ctx).Warn("dispatcher.run.stale",
			zap.String("run_id", run.ID.String()),
			zap.String("account_id", run.AccountID),
			zap.String("batch_type", string(run.BatchType)),
			zap.Int("processed_items", run.ProcessedItems),
			zap.Int("total_items", run.TotalItems),
			zap.Time("updated_at", run.UpdatedAt),
		)
	}
	jobRunFromContext(ctx).AddProcessed(len(runs))
	return map[string]any{
		"staleRuns":   len(runs),
		"runIds":      ids,
		"thresholdMs": d.cfg.StaleRunThreshold.Milliseconds(),
	}, nil
}

// ledgerReconcile checks that every cached balance equals the sum of its
// ledger entries. Mismatches are reported, never repaired.
func (d *Dispatcher) ledgerReconcile(ctx context.Context) (map[string]any, error) {
	var (
		after      string
		checked    int
		mismatched []string
	)
	for {
		if err := ctx.Err(); err != nil {
			return reconcileDetails(checked, mismatched), err
		}
		accounts, err := d.credits.ListAccountIDs(ctx, after, d.cfg.ReconcileBatchSize)
		if err != nil {
			return reconcileDetails(checked, mismatched), fmt.Errorf("list accounts: %w", err)
		}
		if len(accounts) == 0 {
			break
		}
		for _, accountID := range accounts {
			check, err := d.credits.VerifyBalance(ctx, accountID)
			if err != nil {
				d.logItemError(ctx, "dispatcher.reconcile.verify_failed", err, zap.String("account_id", accountID))
				continue
			}
			checked++
			if !check.Consistent {
				mismatched = append(mismatched, accountID)
				d.logger(ctx).Error("dispatcher.reconcile.mismatch",
					zap.String("account_id", accountID),
					zap.Int64("balance", check.Balance),
					zap.Int64("ledger_sum", check.LedgerSum),
				)
			}
		}
		after = accounts[len(accounts)-1]
	}
	d.metrics.AddLedgerMismatches(len(mismatched))
	jobRunFromContext(ctx).AddProcessed(checked)
	return reconcileDetails(checked, mismatched), nil
}

func reconcileDetails(checked int, mismatched []string) map[string]any {
	if mismatched == nil {
		mismatched = []string{}
	}
	return map[string]any{
		"accountsChecked": checked,
		"mismatches":      len(mismatched),
		"accountIds":      mismatched,
	}
}
