package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/nerves76/promptreviews-sub034/internal/authorization"
	"github.com/nerves76/promptreviews-sub034/internal/batchrun"
	"github.com/nerves76/promptreviews-sub034/internal/checker"
	"github.com/nerves76/promptreviews-sub034/internal/clock"
	"github.com/nerves76/promptreviews-sub034/internal/config"
	"github.com/nerves76/promptreviews-sub034/internal/credit"
	"github.com/nerves76/promptreviews-sub034/internal/dispatcher"
	"github.com/nerves76/promptreviews-sub034/internal/metering"
	"github.com/nerves76/promptreviews-sub034/internal/observability"
	"github.com/nerves76/promptreviews-sub034/internal/ratelimit"
	"github.com/nerves76/promptreviews-sub034/pkg/db"
	"go.uber.org/fx"
)

// A standalone dispatcher process for deployments without an external cron.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Services the jobs drive
		authorization.Module,
		credit.Module,
		metering.Module,
		batchrun.Module,
		checker.Module,
		ratelimit.Module,
		dispatcher.Module,

		// No server module!
		fx.Invoke(StartDispatcher),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}

func StartDispatcher(lc fx.Lifecycle, d *dispatcher.Dispatcher) {
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
