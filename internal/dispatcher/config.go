package dispatcher

import (
	"time"

	"github.com/nerves76/promptreviews-sub034/internal/config"
)

// Config controls time budgets, batch sizes, and which sub-jobs run.
type Config struct {
	TimeBudget          time.Duration
	ItemTimeout         time.Duration
	ClaimBatchSize      int
	Lease               time.Duration
	StaleRunThreshold   time.Duration
	LocalInterval       time.Duration
	LockTTL             time.Duration
	ReconcileBatchSize  int
	FinalizeSweepLimit  int
	StaleRunReportLimit int
	EnabledJobs         []string
}

func DefaultConfig() Config {
	return Config{
		TimeBudget:          4 * time.Minute,
		ItemTimeout:         30 * time.Second,
		ClaimBatchSize:      25,
		StaleRunThreshold:   6 * time.Hour,
		LocalInterval:       time.Hour,
		LockTTL:             10 * time.Minute,
		ReconcileBatchSize:  200,
		FinalizeSweepLimit:  100,
		StaleRunReportLimit: 100,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.TimeBudget <= 0 {
		c.TimeBudget = defaults.TimeBudget
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = defaults.ItemTimeout
	}
	if c.ClaimBatchSize <= 0 {
		c.ClaimBatchSize = defaults.ClaimBatchSize
	}
	// A lease must outlive the slowest slice an invocation can hold.
	if minLease := c.ItemTimeout * time.Duration(c.ClaimBatchSize); c.Lease < minLease {
		c.Lease = minLease
	}
	if c.StaleRunThreshold <= 0 {
		c.StaleRunThreshold = defaults.StaleRunThreshold
	}
	if c.LocalInterval <= 0 {
		c.LocalInterval = defaults.LocalInterval
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.ReconcileBatchSize <= 0 {
		c.ReconcileBatchSize = defaults.ReconcileBatchSize
	}
	if c.FinalizeSweepLimit <= 0 {
		c.FinalizeSweepLimit = defaults.FinalizeSweepLimit
	}
	if c.StaleRunReportLimit <= 0 {
		c.StaleRunReportLimit = defaults.StaleRunReportLimit
	}
	return c
}

// jobTimeout is the soft deadline of one sub-job. Batch jobs stop on their
// time budget well before it.
func (c Config) jobTimeout() time.Duration {
	return c.TimeBudget + c.ItemTimeout + 30*time.Second
}

func ProvideConfig(cfg config.Config) Config {
	d := cfg.Dispatcher
	return Config{
		TimeBudget:          d.TimeBudget,
		ItemTimeout:         d.ItemTimeout,
		ClaimBatchSize:      d.ClaimBatchSize,
		StaleRunThreshold:   d.StaleRunThreshold,
		LocalInterval:       d.LocalInterval,
		LockTTL:             d.LockTTL,
		ReconcileBatchSize:  d.ReconcileBatchSize,
		FinalizeSweepLimit:  d.FinalizeSweepLimit,
		StaleRunReportLimit: d.StaleRunReportLimit,
		EnabledJobs:         d.EnabledJobs,
	}
}
