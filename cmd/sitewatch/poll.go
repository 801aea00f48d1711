package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sitewatch/internal/checker"
	"sitewatch/internal/differ"
	"sitewatch/internal/fetcher"
)

type pollRunner interface {
	PollNow(ctx context.Context, siteID int64) (differ.Outcome, error)
}

// NewPollCmd creates the poll subcommand.
func NewPollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll [site-id...]",
		Short: "Poll sites once and print the outcome",
		Long: `Runs a single poll cycle for each given site, or for every due site when
no ids are given, then exits. Cycles run concurrently up to MAX_CONCURRENCY.`,
		RunE: runPoll,
	}
}

func runPoll(cmd *cobra.Command, args []string) error {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid site id %q", arg)
		}
		ids = append(ids, id)
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	c := checker.New(store, fetcher.New(fetcher.Config{
		Timeout:      cfg.HTTPTimeout,
		MaxBodyBytes: cfg.MaxBodyBytes,
		UserAgent:    cfg.UserAgent,
	}), checker.Options{
		TickInterval:   cfg.TickInterval,
		MaxConcurrency: cfg.MaxConcurrency,
		QueueSize:      cfg.QueueSize,
		Logger:         logger,
	})
	defer c.Stop()

	if len(ids) == 0 {
		if ids, err = c.DueSites(ctx); err != nil {
			return fmt.Errorf("list due sites: %w", err)
		}
	}

	failed := pollAll(ctx, c, ids, cfg.MaxConcurrency, cmd.OutOrStdout(), logger)
	if failed > 0 {
		return fmt.Errorf("%d of %d polls failed", failed, len(ids))
	}
	return nil
}

// pollAll polls ids with at most limit cycles in flight and writes one line
// per site to out. It returns the number of failed cycles.
func pollAll(ctx context.Context, runner pollRunner, ids []int64, limit int, out io.Writer, logger logrus.FieldLogger) int {
	var (
		mu     sync.Mutex
		failed int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, id := range ids {
		g.Go(func() error {
			outcome, err := runner.PollNow(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				logger.WithField("site_id", id).WithError(err).Warn("poll failed")
				fmt.Fprintf(out, "site %d: error: %v\n", id, err)
				return nil
			}
			if outcome.Summary != "" {
				fmt.Fprintf(out, "site %d: %s: %s\n", id, outcome.Kind, outcome.Summary)
			} else {
				fmt.Fprintf(out, "site %d: %s\n", id, outcome.Kind)
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}
