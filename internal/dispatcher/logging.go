package dispatcher

import (
	"context"
	"time"

	obslogger "github.com/nerves76/promptreviews-sub034/internal/observability/logger"
	obsmetrics "github.com/nerves76/promptreviews-sub034/internal/observability/metrics"
	"go.uber.org/zap"
)

type jobRun struct {
	job            string
	invocationID   string
	startedAt      time.Time
	processedCount int
	errorCount     int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (d *Dispatcher) startJobRun(name, invocationID string) *jobRun {
	return &jobRun{
		job:          name,
		invocationID: invocationID,
		startedAt:    d.clock.Now(),
	}
}

func withJobRun(ctx context.Context, run *jobRun) context.Context {
	return context.WithValue(ctx, jobRunKey{}, run)
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return run
	}
	return nil
}

func (d *Dispatcher) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, d.log)
}

func (d *Dispatcher) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	d.logger(ctx).Info("dispatcher.job.start",
		zap.String("job", run.job),
		zap.String("invocation_id", run.invocationID),
	)
}

func (d *Dispatcher) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("invocation_id", run.invocationID),
		zap.Int64("duration_ms", d.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	}
	log := d.logger(ctx)
	if run.errorCount > 0 {
		log.Warn("dispatcher.job.finish", fields...)
		return
	}
	log.Info("dispatcher.job.finish", fields...)
}

func (d *Dispatcher) logJobError(ctx context.Context, run *jobRun, err error) {
	if err == nil || run == nil {
		return
	}
	d.logger(ctx).Error("dispatcher.job.failed",
		zap.String("job", run.job),
		zap.String("invocation_id", run.invocationID),
		zap.String("reason", obsmetrics.ClassifyJobReason(err)),
		zap.Error(err),
	)
}

// logItemError records an item-level failure against the running job.
func (d *Dispatcher) logItemError(ctx context.Context, msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	jobRunFromContext(ctx).IncError()
	d.logger(ctx).Warn(msg, append(fields, zap.Error(err))...)
}
