package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"perp-decision-engine/internal/engine"
)

func newDecideCmd(opts *globalOptions) *cobra.Command {
	var req engine.Request
	var symbols string

	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Generate one decision and print it as JSON",
		Long: `Generate one decision for an account and print the result as JSON.
Example: decisiond decide --account paper-1 --symbols BTCUSDT,ETHUSDT`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Symbols = strings.Split(symbols, ",")
			return runDecide(cmd, opts, req)
		},
	}

	cmd.Flags().StringVar(&req.AccountID, "account", "", "Account id")
	cmd.Flags().StringVar(&symbols, "symbols", "", "Comma separated symbols, e.g. BTCUSDT,ETHUSDT")
	cmd.Flags().StringVar(&req.StrategyOverride, "strategy", "", "Strategy id overriding the account's assignment")
	cmd.Flags().BoolVar(&req.ForceRefresh, "force", false, "Ignore any cached decision")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("symbols")

	return cmd
}

func runDecide(cmd *cobra.Command, opts *globalOptions, req engine.Request) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, opts.cfg, opts.log)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.GenerateDecision(ctx, req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
