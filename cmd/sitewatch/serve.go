package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sitewatch/internal/api"
	"sitewatch/internal/checker"
	"sitewatch/internal/fetcher"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background checker",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Canceled on SIGINT or SIGTERM.
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	checkerSvc := checker.New(store, fetcher.New(fetcher.Config{
		Timeout:      cfg.HTTPTimeout,
		MaxBodyBytes: cfg.MaxBodyBytes,
		UserAgent:    cfg.UserAgent,
	}), checker.Options{
		TickInterval:   cfg.TickInterval,
		MaxConcurrency: cfg.MaxConcurrency,
		QueueSize:      cfg.QueueSize,
		Logger:         logger,
	})
	server := api.NewServer(cfg.HTTPPort, store, checkerSvc, logger)

	checkerSvc.Start()
	serverErr := server.Start()

	logger.Info("application is running...")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, starting graceful shutdown...")
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("could not start HTTP server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownGrace)
	defer shutdownCancel()

	// Stop scheduling first so no new cycles start while requests drain.
	checkerSvc.Stop()

	if err := server.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("http server shutdown error: %w", err)
	}
	if runErr == nil {
		logger.Info("application shut down gracefully")
	}
	return runErr
}
