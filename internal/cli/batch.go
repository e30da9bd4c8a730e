package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
)

var batchWatch bool

var batchCmd = &cobra.Command{
	Use:   "batch <batch-id>",
	Short: "Show batch progress",
	Long: `Show the roll-up of a batch: how many items completed or failed.

With --watch the command follows the batch until it finishes. On a terminal
it shows a progress bar; otherwise it prints a line per change.

Examples:
  knowhow-queue batch 6f1c...
  knowhow-queue batch 6f1c... --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().BoolVarP(&batchWatch, "watch", "w", false, "follow progress until the batch finishes")
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	if batchWatch {
		return watchBatch(ctx, args[0])
	}

	batch, err := apiClient.GetBatch(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get batch: %w", err)
	}
	printBatch(batch)
	return nil
}

// watchBatch follows a batch with the progress UI on a terminal and plain
// polling otherwise.
func watchBatch(ctx context.Context, id string) error {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return RunBatchProgress(apiClient, id)
	}
	return pollBatch(ctx, id, pollInterval)
}

func pollBatch(ctx context.Context, id string, every time.Duration) error {
	var last string
	for {
		batch, err := apiClient.GetBatch(ctx, id)
		if err != nil {
			return fmt.Errorf("get batch: %w", err)
		}

		line := fmt.Sprintf("[%s] %d/%d done (%d failed)",
			batch.Status, batch.CompletedCount+batch.FailedCount, batch.TotalItems, batch.FailedCount)
		if line != last {
			fmt.Println(line)
			last = line
		}

		if batch.Status.Terminal() {
			if batch.Status == models.StatusFailed {
				return fmt.Errorf("batch %s finished with %d failed items", id, batch.FailedCount)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(every):
		}
	}
}

func printBatch(b *models.Batch) {
	fmt.Printf("Batch: %s\n", b.ID)
	fmt.Printf("  Status: %s\n", b.Status)
	fmt.Printf("  Progress: %d/%d (%d completed, %d failed)\n",
		b.CompletedCount+b.FailedCount, b.TotalItems, b.CompletedCount, b.FailedCount)
	if b.CreatedBy != "" {
		fmt.Printf("  Created by: %s\n", b.CreatedBy)
	}
	fmt.Printf("  Created: %s\n", b.CreatedAt.Format(time.RFC3339))
	if b.StartedAt != nil {
		fmt.Printf("  Started: %s\n", b.StartedAt.Format(time.RFC3339))
	}
	if b.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", b.CompletedAt.Format(time.RFC3339))
		if b.StartedAt != nil {
			fmt.Printf("  Duration: %s\n", b.CompletedAt.Sub(*b.StartedAt).Round(time.Second))
		}
	}
	if len(b.Metadata) > 0 {
		fmt.Println("  Metadata:")
		for k, v := range b.Metadata {
			fmt.Printf("    %s: %v\n", k, v)
		}
	}
}
