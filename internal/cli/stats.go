package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/knowhow-ingest/internal/client"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

var eventsBatch string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show scheduler statistics",
	Long: `Show the scheduler's in-memory runtime statistics (reset on restart).

Examples:
  knowhow-queue stats`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream queue transitions as they happen",
	Long: `Print queue events (claims, completions, retries, escalations) until interrupted.

Examples:
  knowhow-queue events
  knowhow-queue events --batch 6f1c...`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().StringVarP(&eventsBatch, "batch", "b", "", "only events for this batch")
}

func runStats(cmd *cobra.Command, args []string) error {
	stats, err := apiClient.GetStats(context.Background())
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}
	printStats(stats)
	return nil
}

func printStats(stats *client.Stats) {
	fmt.Printf("Scheduler Statistics (in-memory, since restart)\n")
	fmt.Printf("═══════════════════════════════════════════════\n")
	fmt.Printf("Uptime: %.1f seconds\n", stats.UptimeSeconds)
	fmt.Printf("Jobs in flight: %d\n", stats.InFlight)

	if stats.Claim != nil {
		fmt.Printf("\nClaims:\n")
		printOpStats(stats.Claim)
	}
	if stats.Execute != nil {
		fmt.Printf("\nJob execution:\n")
		printOpStats(stats.Execute)
	}
	if stats.StoreWrite != nil {
		fmt.Printf("\nStore writes:\n")
		printOpStats(stats.StoreWrite)
	}

	if len(stats.Outcomes) > 0 {
		fmt.Printf("\nOutcomes:\n")
		keys := make([]string, 0, len(stats.Outcomes))
		for k := range stats.Outcomes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %-16s %d\n", k, stats.Outcomes[k])
		}
	}
}

// printOpStats displays timing statistics for an operation.
func printOpStats(op *client.OperationStats) {
	fmt.Printf("  Calls: %d, Errors: %d, Total: %dms\n", op.Count, op.Errors, op.TotalTimeMs)
	fmt.Printf("  Time: avg %.1fms, min %dms, max %dms\n",
		op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	err := apiClient.StreamEvents(ctx, eventsBatch, func(e queue.Event) error {
		if verbose {
			return enc.Encode(e)
		}
		fmt.Printf("%s %-16s item=%s batch=%s retry=%d %s\n",
			e.Timestamp.Local().Format(time.TimeOnly), e.Type, e.ItemID, e.BatchID, e.Retry, e.Source)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream events: %w", err)
	}
	return nil
}
