package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/nerves76/promptreviews-sub034/internal/authorization"
	batchdomain "github.com/nerves76/promptreviews-sub034/internal/batchrun/domain"
	"github.com/nerves76/promptreviews-sub034/internal/checker"
	"github.com/nerves76/promptreviews-sub034/internal/clock"
	creditdomain "github.com/nerves76/promptreviews-sub034/internal/credit/domain"
	obscontext "github.com/nerves76/promptreviews-sub034/internal/observability/context"
	obsmetrics "github.com/nerves76/promptreviews-sub034/internal/observability/metrics"
	"github.com/nerves76/promptreviews-sub034/internal/observability/metricspush"
	"github.com/nerves76/promptreviews-sub034/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	DispatcherHourly = "hourly"
	DispatcherDaily  = "daily"
)

const (
	JobRankBatch       = "rank_batch"
	JobLLMBatch        = "llm_batch"
	JobConceptBatch    = "concept_batch"
	JobFinalizeSweep   = "finalize_sweep"
	JobStaleRuns       = "stale_runs"
	JobLedgerReconcile = "ledger_reconcile"
)

const (
	systemActorID      = "dispatcher"
	metricsPushTimeout = 5 * time.Second
)

var (
	ErrUnknownDispatcher  = errors.New("unknown_dispatcher")
	ErrDispatchInProgress = errors.New("dispatch_in_progress")
	ErrInvalidConfig      = errors.New("invalid_dispatcher_config")
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Runs     batchdomain.Service
	Credits  creditdomain.Service
	Checkers *checker.Registry
	GenID    *snowflake.Node
	Clock    clock.Clock                   `optional:"true"`
	Authz    authorization.Service         `optional:"true"`
	Locker   *ratelimit.Locker             `optional:"true"`
	Metrics  *obsmetrics.DispatcherMetrics `optional:"true"`
	Pusher   metricspush.Pusher            `optional:"true"`
	Gatherer prometheus.Gatherer           `optional:"true"`
	Config   Config                        `optional:"true"`
}

type Dispatcher struct {
	log      *zap.Logger
	cfg      Config
	runs     batchdomain.Service
	credits  creditdomain.Service
	checkers *checker.Registry
	genID    *snowflake.Node
	clock    clock.Clock
	authz    authorization.Service
	locker   *ratelimit.Locker
	metrics  *obsmetrics.DispatcherMetrics
	pusher   metricspush.Pusher
	gatherer prometheus.Gatherer
}

type JobResult struct {
	Job        string         `json:"job"`
	Success    bool           `json:"success"`
	DurationMs int64          `json:"durationMs"`
	Error      string         `json:"error,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// DispatchResult aggregates every sub-job of one invocation.
type DispatchResult struct {
	Success      bool        `json:"success"`
	Dispatcher   string      `json:"dispatcher"`
	InvocationID string      `json:"invocationId"`
	StartedAt    time.Time   `json:"startedAt"`
	Results      []JobResult `json:"results"`
	Summary      Summary     `json:"summary"`
}

type job struct {
	name string
	run  func(ctx context.Context) (map[string]any, error)
}

func New(p Params) (*Dispatcher, error) {
	if p.Log == nil || p.Runs == nil || p.Credits == nil || p.GenID == nil {
		return nil, ErrInvalidConfig
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Dispatcher{
		log:      p.Log.Named("dispatcher"),
		cfg:      p.Config.withDefaults(),
		runs:     p.Runs,
		credits:  p.Credits,
		checkers: p.Checkers,
		genID:    p.GenID,
		clock:    clk,
		authz:    p.Authz,
		locker:   p.Locker,
		metrics:  p.Metrics,
		pusher:   p.Pusher,
		gatherer: gatherer,
	}, nil
}

// Names lists the dispatchers Dispatch accepts.
func Names() []string {
	return []string{DispatcherHourly, DispatcherDaily}
}

func (d *Dispatcher) plan(name string) ([]job, error) {
	switch name {
	case DispatcherHourly:
		return []job{
			{JobRankBatch, d.batchJob(batchdomain.BatchTypeRank)},
			{JobLLMBatch, d.batchJob(batchdomain.BatchTypeLLM)},
			{JobConceptBatch, d.batchJob(batchdomain.BatchTypeConcept)},
			{JobFinalizeSweep, d.finalizeSweep},
		}, nil
	case DispatcherDaily:
		return []job{
			{JobStaleRuns, d.staleRuns},
			{JobLedgerReconcile, d.ledgerReconcile},
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDispatcher, name)
	}
}

// Dispatch runs every enabled sub-job of name in parallel and aggregates
// their results. A failing sub-job never stops its siblings.
func (d *Dispatcher) Dispatch(ctx context.Context, name string) (*DispatchResult, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	jobs, err := d.plan(name)
	if err != nil {
		return nil, err
	}

	ctx = obscontext.WithActor(ctx, authorization.ActorTypeSystem, systemActorID)
	if d.authz != nil {
		if err := d.authz.Authorize(ctx, authorization.System(systemActorID), authorization.ObjectDispatcher, authorization.ActionDispatcherRun); err != nil {
			return nil, err
		}
	}

	release, err := d.acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	defer release()

	result := &DispatchResult{
		Dispatcher:   name,
		InvocationID: d.genID.Generate().String(),
		StartedAt:    d.clock.Now().UTC(),
	}
	log := d.logger(ctx).With(
		zap.String("dispatcher", name),
		zap.String("invocation_id", result.InvocationID),
	)

	var enabled []job
	for _, j := range jobs {
		if d.isJobEnabled(j.name) {
			enabled = append(enabled, j)
		}
	}

	results := make([]JobResult, len(enabled))
	var wg conc.WaitGroup
	for i, j := range enabled {
		wg.Go(func() {
			results[i] = d.runJob(ctx, result.InvocationID, j)
		})
	}
	wg.Wait()

	result.Results = results
	result.Summary.Total = len(results)
	for _, r := range results {
		if r.Success {
			result.Summary.Succeeded++
		} else {
			result.Summary.Failed++
		}
	}
	result.Success = result.Summary.Failed == 0
	d.metrics.IncInvocation(name, result.Success)

	log.Info("dispatcher.invocation.finish",
		zap.Bool("success", result.Success),
		zap.Int("jobs", result.Summary.Total),
		zap.Int("failed", result.Summary.Failed),
	)
	d.pushMetrics(ctx, log)
	return result, nil
}

func (d *Dispatcher) pushMetrics(ctx context.Context, log *zap.Logger) {
	if d.pusher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsPushTimeout)
	defer cancel()
	if err := d.pusher.Push(ctx, d.gatherer); err != nil {
		log.Warn("dispatcher.metrics.push_failed", zap.Error(err))
	}
}

// runJob executes one sub-job under its own soft timeout and panic catcher.
func (d *Dispatcher) runJob(parent context.Context, invocationID string, j job) JobResult {
	ctx, cancel := context.WithTimeout(parent, d.cfg.jobTimeout())
	defer cancel()

	run := d.startJobRun(j.name, invocationID)
	ctx = withJobRun(ctx, run)
	d.logJobStart(ctx, run)
	d.metrics.IncJobRun(j.name)
	wallStart := time.Now()

	var (
		details map[string]any
		err     error
	)
	var catcher panics.Catcher
	catcher.Try(func() {
		details, err = j.run(ctx)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		err = recovered.AsError()
	}

	d.metrics.ObserveJobDuration(j.name, time.Since(wallStart))
	out := JobResult{
		Job:        j.name,
		Success:    err == nil,
		DurationMs: d.clock.Now().Sub(run.startedAt).Milliseconds(),
		Details:    details,
	}
	if err != nil {
		run.IncError()
		d.metrics.IncJobError(j.name, err)
		if errors.Is(err, context.DeadlineExceeded) {
			d.metrics.IncJobTimeout(j.name)
		}
		out.Error = err.Error()
		d.logJobError(ctx, run, err)
	}
	d.logJobFinish(ctx, run)
	return out
}

func (d *Dispatcher) acquire(ctx context.Context, name string) (func(), error) {
	if !d.locker.Enabled() {
		return func() {}, nil
	}
	key := "dispatcher:lock:" + name
	token, ok, err := d.locker.TryLock(ctx, key, d.cfg.LockTTL)
	if err != nil {
		// Claims stay exclusive without the lock.
		d.logger(ctx).Warn("dispatcher lock unavailable", zap.String("dispatcher", name), zap.Error(err))
		return func() {}, nil
	}
	if !ok {
		return nil, ErrDispatchInProgress
	}
	return func() {
		if err := d.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			d.logger(ctx).Warn("dispatcher lock release failed", zap.String("dispatcher", name), zap.Error(err))
		}
	}, nil
}

func (d *Dispatcher) isJobEnabled(name string) bool {
	if len(d.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range d.cfg.EnabledJobs {
		if strings.EqualFold(enabled, name) {
			return true
		}
	}
	return false
}
