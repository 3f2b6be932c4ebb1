package dispatcher

import (
	"context"

	"github.com/nerves76/promptreviews-sub034/internal/config"
	"github.com/nerves76/promptreviews-sub034/internal/observability/metricspush"
	"go.uber.org/fx"
)

var Module = fx.Module("dispatcher",
	metricspush.Module,
	fx.Provide(ProvideConfig),
	fx.Provide(New),
)

// LocalDriverModule starts RunForever with the app. Hosted deployments
// trigger dispatchers through the cron endpoint instead.
var LocalDriverModule = fx.Module("dispatcher.local",
	fx.Invoke(StartLocalDriver),
)

func StartLocalDriver(lc fx.Lifecycle, cfg config.Config, d *Dispatcher) {
	if !cfg.Dispatcher.LocalDriverEnabled {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go d.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
