package guard

import (
	"testing"

	batchdomain "github.com/nerves76/promptreviews-sub034/internal/batchrun/domain"
	"github.com/stretchr/testify/require"
)

func TestEnsureCanRecord(t *testing.T) {
	run := batchdomain.Run{Status: batchdomain.RunStatusRunning, TotalItems: 2, ProcessedItems: 1, CreditsPerItem: 2}
	require.NoError(t, EnsureCanRecord(run, 2))
	require.ErrorIs(t, EnsureCanRecord(run, 3), ErrCreditsOutOfRange)
	require.ErrorIs(t, EnsureCanRecord(run, -1), ErrCreditsOutOfRange)

	run.ProcessedItems = 2
	require.ErrorIs(t, EnsureCanRecord(run, 0), ErrCountersOverflow)

	run.Status = batchdomain.RunStatusCompleted
	require.ErrorIs(t, EnsureCanRecord(run, 0), ErrRunNotOpen)
}

func TestEnsureCanFinalize(t *testing.T) {
	run := batchdomain.Run{Status: batchdomain.RunStatusRunning, TotalItems: 3, ProcessedItems: 2}
	require.ErrorIs(t, EnsureCanFinalize(run), ErrRunNotComplete)

	run.ProcessedItems = 3
	require.NoError(t, EnsureCanFinalize(run))

	run.Status = batchdomain.RunStatusFailed
	require.ErrorIs(t, EnsureCanFinalize(run), ErrRunNotOpen)
}

func TestEnsureCanClaim(t *testing.T) {
	require.NoError(t, EnsureCanClaim(batchdomain.RunStatusPending))
	require.NoError(t, EnsureCanClaim(batchdomain.RunStatusRunning))
	require.ErrorIs(t, EnsureCanClaim(batchdomain.RunStatusCompleted), ErrRunNotOpen)
}
