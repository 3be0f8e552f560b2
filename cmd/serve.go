package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrape-gateway/internal/config"
	"github.com/JakeFAU/scrape-gateway/internal/server"
)

// buildServe is replaced in tests.
var buildServe = func(ctx context.Context, cfg *config.Config) (Runner, error) {
	app, err := server.BuildServe(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return serveRunner{app}, nil
}

type serveRunner struct{ *server.App }

func (r serveRunner) Run(ctx context.Context) error { return r.Serve(ctx) }

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the scraper gateway HTTP API",
		Long: `Starts the HTTP API that routes scrape requests across the configured
scraper nodes. Health, readiness and Prometheus metrics are served on the same port.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProcess(cmd.Context(), buildServe)
		},
	}
}
