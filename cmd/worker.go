package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrape-gateway/internal/config"
	"github.com/JakeFAU/scrape-gateway/internal/server"
)

// buildWorker is replaced in tests.
var buildWorker = func(ctx context.Context, cfg *config.Config) (Runner, error) {
	app, err := server.BuildWorker(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return workerRunner{app}, nil
}

type workerRunner struct{ *server.App }

func (r workerRunner) Run(ctx context.Context) error { return r.RunWorker(ctx) }

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Runs the marketplace alert worker",
		Long: `Runs alert checks on the configured schedule, refreshing session
credentials before they go stale and escalating to region failover when the
marketplace starts returning 403.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProcess(cmd.Context(), buildWorker)
		},
	}
}
