package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"perp-decision-engine/internal/config"
	"perp-decision-engine/internal/logger"
)

type globalOptions struct {
	configDir string
	logLevel  string

	cfg config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "decisiond",
		Short: "Portfolio decision engine for perpetual futures",
		Long: `decisiond turns market, account and strategy state into validated multi-asset
trading decisions using a language model behind a cache, rate limits and circuit breakers.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(opts.configDir)
			if err != nil {
				return fmt.Errorf("could not load config: %w", err)
			}
			if opts.logLevel != "" {
				cfg.Logger.Level = opts.logLevel
			}
			log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
			if err != nil {
				return fmt.Errorf("could not initialize logger: %w", err)
			}
			opts.cfg = cfg
			opts.log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.log != nil {
				_ = opts.log.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configDir, "config", "./configs", "Directory containing config.yml")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newDecideCmd(opts))

	return rootCmd
}
