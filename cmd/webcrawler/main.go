package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-crawler/internal/config"
	"github.com/JakeFAU/site-crawler/internal/logging"
	"github.com/JakeFAU/site-crawler/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. serve is also the default action.
func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "webcrawler",
		Short: "Browser-backed crawl and scrape job service.",
		Long: `webcrawler accepts crawl and scrape jobs over HTTP, runs them on a
bounded pool of headless Chrome instances, and streams per-job progress.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgFile)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (CRAWLER_* env vars override it)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and job workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgFile)
		},
	})

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect service configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"config ok: port=%d queue=%s storage=%s blobs=%s progress=%s publisher=%s\n",
				cfg.Server.Port, cfg.Queue.Backend, cfg.Storage.Backend,
				cfg.Storage.BlobBackend, cfg.Progress.Backend, cfg.Publisher.Backend,
			)
			return nil
		},
	})
	root.AddCommand(configCmd)
	return root
}

func serve(ctx context.Context, cfgFile string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("application build failed", zap.Error(err))
		return err
	}
	return app.Run(ctx)
}
