package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nerves76/promptreviews-sub034/internal/authorization"
	"github.com/nerves76/promptreviews-sub034/internal/batchrun"
	"github.com/nerves76/promptreviews-sub034/internal/checker"
	"github.com/nerves76/promptreviews-sub034/internal/credit"
	"github.com/nerves76/promptreviews-sub034/internal/dispatcher"
	"github.com/nerves76/promptreviews-sub034/internal/metering"
	"github.com/nerves76/promptreviews-sub034/internal/ratelimit"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var dispatchCmd = &cobra.Command{
	Use:       "dispatch <hourly|daily>",
	Short:     "Run one dispatcher invocation and print its result as JSON",
	Args:      cobra.ExactArgs(1),
	ValidArgs: dispatcher.Names(),
	RunE:      runDispatch,
}

func runDispatch(cmd *cobra.Command, args []string) error {
	var d *dispatcher.Dispatcher
	app := fx.New(
		coreOptions(),
		authorization.Module,
		credit.Module,
		metering.Module,
		batchrun.Module,
		checker.Module,
		ratelimit.Module,
		dispatcher.Module,
		fx.Populate(&d),
		fx.NopLogger,
	)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = app.Stop(context.Background()) }()

	result, err := d.Dispatch(ctx, args[0])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("%s: %d of %d jobs failed", result.Dispatcher, result.Summary.Failed, result.Summary.Total)
	}
	return nil
}
