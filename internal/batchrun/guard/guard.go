package guard

import (
	"errors"

	batchdomain "github.com/nerves76/promptreviews-sub034/internal/batchrun/domain"
)

var (
	ErrRunNotOpen        = errors.New("batch_run_not_open")
	ErrRunNotComplete    = errors.New("batch_run_not_complete")
	ErrCountersOverflow  = errors.New("batch_run_counters_overflow")
	ErrCreditsOutOfRange = errors.New("batch_item_credits_out_of_range")
)

func EnsureCanClaim(status batchdomain.RunStatus) error {
	if status != batchdomain.RunStatusPending && status != batchdomain.RunStatusRunning {
		return ErrRunNotOpen
	}
	return nil
}

func EnsureCanRecord(run batchdomain.Run, creditsUsed int64) error {
	if err := EnsureCanClaim(run.Status); err != nil {
		return err
	}
	if run.ProcessedItems >= run.TotalItems {
		return ErrCountersOverflow
	}
	if creditsUsed < 0 || creditsUsed > run.CreditsPerItem {
		return ErrCreditsOutOfRange
	}
	return nil
}

func EnsureCanFinalize(run batchdomain.Run) error {
	if run.Status.Terminal() {
		return ErrRunNotOpen
	}
	if run.ProcessedItems < run.TotalItems {
		return ErrRunNotComplete
	}
	return nil
}
