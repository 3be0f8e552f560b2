// Package cmd defines and implements the CLI commands for the scrapegw executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrape-gateway/internal/config"
)

// configKeyType is the key for storing the loaded config in the context.
type configKeyType string

const configKey configKeyType = "config"

var cfgFile string

// Runner is the process lifecycle the subcommands drive.
type Runner interface {
	Run(ctx context.Context) error
	Close(ctx context.Context)
}

// loadConfig is a variable so tests can inject configuration without files or env.
var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrapegw",
		Short: "Scraper cluster gateway and marketplace alert worker.",
		Long: `scrapegw fronts a pool of regional scraper nodes behind a single API,
rotating requests across healthy nodes and banning nodes that get blocked.
The worker subcommand runs the saved-search alert loop with automatic
credential refresh and region failover.`,
		SilenceUsage: true,

		// Loads config once so every subcommand sees the same validated settings.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())
	return cmd
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// runProcess builds a runner, drives it until it returns and closes it.
func runProcess(ctx context.Context, build func(context.Context, *config.Config) (Runner, error)) error {
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}
	runner, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer runner.Close(context.WithoutCancel(ctx))

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "scrapegw:", err)
		os.Exit(1)
	}
}
