package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nerves76/promptreviews-sub034/internal/authorization"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonForbidden            = "forbidden"
	JobReasonDB                   = "db"
	JobReasonUnknown              = "unknown"
)

const (
	ItemOutcomeSucceeded = "succeeded"
	ItemOutcomeFailed    = "failed"
	ItemOutcomeTimedOut  = "timed_out"
	ItemOutcomePanicked  = "panicked"
)

// DispatcherMetrics captures cron dispatcher health signals.
type DispatcherMetrics struct {
	invocations      *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobTimeouts      *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	itemsProcessed   *prometheus.CounterVec
	itemDuration     *prometheus.HistogramVec
	budgetExhausted  *prometheus.CounterVec
	claimWait        *prometheus.HistogramVec
	runsFinalized    *prometheus.CounterVec
	creditsRefunded  prometheus.Counter
	ledgerMismatches prometheus.Counter
	staleRuns        prometheus.Gauge
}

var (
	dispatcherMetricsOnce sync.Once
	dispatcherMetrics     *DispatcherMetrics
)

// DispatcherWithConfig returns the singleton dispatcher metrics registry using config labels.
func DispatcherWithConfig(cfg Config) *DispatcherMetrics {
	dispatcherMetricsOnce.Do(func() {
		dispatcherMetrics = newDispatcherMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return dispatcherMetrics
}

func newDispatcherMetrics(registerer prometheus.Registerer, cfg Config) *DispatcherMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "promptreviews"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &DispatcherMetrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "promptreviews_dispatcher_invocations_total",
			Help:        "Dispatcher invocations by dispatcher name and result.",
			ConstLabels: constLabels,
		}, []string{"dispatcher", "result"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "promptreviews_dispatcher_job_runs_total",
			Help:        "Dispatcher sub-job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "promptreviews_dispatcher_job_duration_seconds",
			Help:        "Dispatcher sub-job latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 240, 300},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "promptreviews_dispatcher_job_timeouts_total",
			Help:        "Dispatcher sub-jobs that hit their context deadline.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "promptreviews_dispatcher_job_errors_total",
			Help:        "Dispatcher sub-job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		itemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "promptreviews_dispatcher_items_processed_total",
			Help:        "Batch items processed by batch type and outcome.",
			ConstLabels: constLabels,
		}, []string{"batch_type", "outcome"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "promptreviews_dispatcher_item_duration_seconds",
			Help:        "Checker latency per batch item.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			ConstLabels: constLabels,
		}, []string{"batch_type"}),
		budgetExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "promptreviews_dispatcher_budget_exhausted_total",
			Help:        "Batch jobs that stopped early because the time budget ran out.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		claimWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "promptreviews_dispatcher_claim_wait_seconds",
			Help:        "Time spent claiming a batch of pending items.",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			ConstLabels: constLabels,
		}, []string{"batch_type"}),
		runsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "promptreviews_dispatcher_runs_finalized_total",
			Help:        "Batch runs moved to a terminal status.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		creditsRefunded: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "promptreviews_dispatcher_credits_refunded_total",
			Help:        "Credits refunded during batch run reconciliation.",
			ConstLabels: constLabels,
		}),
		ledgerMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "promptreviews_dispatcher_ledger_mismatches_total",
			Help:        "Accounts whose cached balance disagrees with the ledger sum.",
			ConstLabels: constLabels,
		}),
		staleRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "promptreviews_dispatcher_stale_runs",
			Help:        "Non-terminal batch runs older than the stale threshold at last check.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.invocations,
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		m.itemsProcessed,
		m.itemDuration,
		m.budgetExhausted,
		m.claimWait,
		m.runsFinalized,
		m.creditsRefunded,
		m.ledgerMismatches,
		m.staleRuns,
	)
	return m
}

func (m *DispatcherMetrics) IncInvocation(dispatcher string, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.invocations.WithLabelValues(dispatcher, result).Inc()
}

// IncJobRun increments the run counter for a sub-job.
func (m *DispatcherMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *DispatcherMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *DispatcherMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the sub-job error counter with classification.
func (m *DispatcherMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *DispatcherMetrics) IncItemProcessed(batchType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.itemsProcessed.WithLabelValues(batchType, outcome).Inc()
	m.itemDuration.WithLabelValues(batchType).Observe(duration.Seconds())
}

func (m *DispatcherMetrics) IncBudgetExhausted(job string) {
	if m == nil {
		return
	}
	m.budgetExhausted.WithLabelValues(job).Inc()
}

func (m *DispatcherMetrics) ObserveClaimWait(batchType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.claimWait.WithLabelValues(batchType).Observe(duration.Seconds())
}

func (m *DispatcherMetrics) IncRunFinalized(status string, refunded int64) {
	if m == nil {
		return
	}
	m.runsFinalized.WithLabelValues(status).Inc()
	if refunded > 0 {
		m.creditsRefunded.Add(float64(refunded))
	}
}

func (m *DispatcherMetrics) AddLedgerMismatches(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.ledgerMismatches.Add(float64(count))
}

func (m *DispatcherMetrics) SetStaleRuns(count int) {
	if m == nil {
		return
	}
	m.staleRuns.Set(float64(count))
}

// ClassifyJobReason maps sub-job errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	if err == nil {
		return JobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return JobReasonDeadlineExceeded
	}
	if isAuthorizationError(err) {
		return JobReasonForbidden
	}
	if hasPGCode(err, "55P03") {
		return JobReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return JobReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return JobReasonUniqueViolation
	}
	if isDBError(err) {
		return JobReasonDB
	}
	return JobReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isAuthorizationError(err error) bool {
	return errors.Is(err, authorization.ErrForbidden) ||
		errors.Is(err, authorization.ErrInvalidActor) ||
		errors.Is(err, authorization.ErrInvalidAccount) ||
		errors.Is(err, authorization.ErrInvalidObject) ||
		errors.Is(err, authorization.ErrInvalidAction)
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
