package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/nerves76/promptreviews-sub034/internal/clock"
	"github.com/nerves76/promptreviews-sub034/internal/config"
	"github.com/nerves76/promptreviews-sub034/internal/migration"
	"github.com/nerves76/promptreviews-sub034/internal/observability"
	"github.com/nerves76/promptreviews-sub034/internal/server"
	"github.com/nerves76/promptreviews-sub034/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Routes, services and the cron-triggered dispatcher.
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
