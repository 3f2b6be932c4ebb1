package main

import (
	"fmt"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/nerves76/promptreviews-sub034/internal/clock"
	"github.com/nerves76/promptreviews-sub034/internal/config"
	"github.com/nerves76/promptreviews-sub034/internal/observability"
	"github.com/nerves76/promptreviews-sub034/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var nodeID int64

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "promptreviews",
	Short:         "Metered batch-run engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().Int64Var(&nodeID, "node-id", 1, "Snowflake node ID for generated IDs (0-1023)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(grantCmd)
}

// coreOptions is the infrastructure every subcommand shares.
func coreOptions() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
	)
}

func registerSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(nodeID)
}
