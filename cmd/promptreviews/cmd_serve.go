package main

import (
	"github.com/nerves76/promptreviews-sub034/internal/dispatcher"
	"github.com/nerves76/promptreviews-sub034/internal/migration"
	"github.com/nerves76/promptreviews-sub034/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: "Start the HTTP API. Set DISPATCHER_LOCAL_DRIVER=true to also run the " +
		"hourly and daily dispatchers in-process instead of relying on an external cron.",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := []fx.Option{coreOptions()}
		if serveMigrate {
			opts = append(opts, migration.Module)
		}
		opts = append(opts, server.Module, dispatcher.LocalDriverModule)

		app := fx.New(opts...)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "Apply pending schema migrations before serving")
}
