// Package main provides the entry point for the sitewatch CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sitewatch/internal/config"
	"sitewatch/internal/logging"
	"sitewatch/internal/storage"
	"sitewatch/internal/storage/postgres"
	"sitewatch/internal/storage/sqlite"
)

// NewRootCmd creates the root command for sitewatch.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sitewatch",
		Short: "Watch web pages and record when their content changes",
		Long: `sitewatch polls registered web pages on a per-site interval, keeps a
snapshot of each distinct version it sees and records a change every time the
content differs from the previous snapshot.

Configuration is read from an optional YAML file and from environment
variables such as DATABASE_URL and MAX_CONCURRENCY.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "path to a YAML config file")
	cmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "text", "log format (text or json)")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewPollCmd())
	cmd.AddCommand(NewImportCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves configuration and the logger for a subcommand.
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.LoadWithFlags(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

type store interface {
	storage.Storer
	Close() error
}

// openStore connects to the configured database and migrates its schema.
func openStore(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (store, error) {
	log := logger.WithField("driver", cfg.DatabaseDriver)
	log.Info("initializing database connection...")

	var (
		s   store
		err error
	)
	switch cfg.DatabaseDriver {
	case "postgres":
		s, err = postgres.New(ctx, cfg.DatabaseURL, int32(cfg.DBMaxConns))
	default:
		s, err = sqlite.New(ctx, cfg.DatabaseURL, sqlite.WithMaxConns(cfg.DBMaxConns))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s storage: %w", cfg.DatabaseDriver, err)
	}
	log.Info("database connection successful")
	return s, nil
}
