package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/knowhow-ingest/internal/backend"
	"github.com/raphaelgruber/knowhow-ingest/internal/config"
)

var purgeOlderThan time.Duration

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete finished items past the retention window",
	Long: `Delete completed, cancelled and escalated items that finished longer ago
than the retention window, plus finished batches left without items.

This command connects to the queue store directly (it does not need the
server) and is meant to run from cron. The window defaults to
item_retention_days from the configuration.

Examples:
  knowhow-queue purge
  knowhow-queue purge --older-than 168h`,
	Args: cobra.NoArgs,
	RunE: runPurge,
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "retention window (default item_retention_days)")
}

func runPurge(cmd *cobra.Command, args []string) error {
	window := purgeOlderThan
	if window <= 0 {
		window = cfg.Retention()
	}
	if window <= 0 {
		return fmt.Errorf("retention window must be positive")
	}

	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()

	cutoff := time.Now().UTC().Add(-window)
	n, err := store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}

	logger.Info("purged terminal items", "count", n, "cutoff", cutoff)
	fmt.Printf("✓ Purged %d items finished before %s\n", n, cutoff.Format(time.RFC3339))
	return nil
}
