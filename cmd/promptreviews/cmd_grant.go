package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerves76/promptreviews-sub034/internal/credit"
	creditdomain "github.com/nerves76/promptreviews-sub034/internal/credit/domain"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var (
	grantAccount     string
	grantAmount      int64
	grantKey         string
	grantType        string
	grantDescription string
)

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Add credits to an account",
	RunE:  runGrant,
}

func init() {
	grantCmd.Flags().StringVar(&grantAccount, "account", "", "Account to credit")
	grantCmd.Flags().Int64Var(&grantAmount, "amount", 0, "Credits to add")
	grantCmd.Flags().StringVar(&grantKey, "key", "", "Idempotency key (generated when empty)")
	grantCmd.Flags().StringVar(&grantType, "type", string(creditdomain.TransactionTypeGrant), "Transaction type: grant or purchase")
	grantCmd.Flags().StringVar(&grantDescription, "description", "", "Ledger entry description")
	_ = grantCmd.MarkFlagRequired("account")
	_ = grantCmd.MarkFlagRequired("amount")
}

func runGrant(cmd *cobra.Command, args []string) error {
	txType := creditdomain.TransactionType(grantType)
	if txType != creditdomain.TransactionTypeGrant && txType != creditdomain.TransactionTypePurchase {
		return creditdomain.ErrInvalidTransactionType
	}
	if grantAmount <= 0 {
		return errors.New("--amount must be positive")
	}
	key := grantKey
	if key == "" {
		key = "cli:grant:" + ulid.Make().String()
	}

	var credits creditdomain.Service
	app := fx.New(
		coreOptions(),
		credit.Module,
		fx.Populate(&credits),
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

	res, err := credits.Credit(ctx, creditdomain.CreditRequest{
		AccountID:       grantAccount,
		Amount:          grantAmount,
		IdempotencyKey:  key,
		TransactionType: txType,
		Description:     grantDescription,
	})
	if err != nil {
		return err
	}

	state := "granted"
	if res.Replayed {
		state = "replayed"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d credits to %s (key %s), balance %d\n",
		state, grantAmount, grantAccount, key, res.NewBalance)
	return nil
}
