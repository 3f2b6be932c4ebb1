package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RunForever is the self-hosted cron driver: it triggers the hourly
// dispatcher every LocalInterval and the daily one once per UTC day.
func (d *Dispatcher) RunForever(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.LocalInterval)
	defer ticker.Stop()

	lastDaily := ""
	for {
		lastDaily = d.tick(ctx, lastDaily)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick runs one driver step and returns the UTC day the daily dispatcher
// last ran on.
func (d *Dispatcher) tick(ctx context.Context, lastDaily string) string {
	d.trigger(ctx, DispatcherHourly)

	today := d.clock.Now().UTC().Format(time.DateOnly)
	if today != lastDaily {
		d.trigger(ctx, DispatcherDaily)
		return today
	}
	return lastDaily
}

func (d *Dispatcher) trigger(ctx context.Context, name string) {
	res, err := d.Dispatch(ctx, name)
	switch {
	case errors.Is(err, ErrDispatchInProgress):
		d.log.Info("dispatch skipped, another invocation holds the lock", zap.String("dispatcher", name))
	case err != nil:
		d.log.Warn("local dispatch failed", zap.String("dispatcher", name), zap.Error(err))
	case !res.Success:
		d.log.Warn("local dispatch finished with failures",
			zap.String("dispatcher", name),
			zap.Int("failed", res.Summary.Failed),
		)
	}
}
