package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/knowhow-ingest/internal/client"
)

var retryCmd = &cobra.Command{
	Use:   "retry <item-id>",
	Short: "Retry a failed item with a fresh retry budget",
	Long: `Reset a failed item to pending. Its retry count starts over and, if it
belongs to a finished batch, the batch is reopened.

Examples:
  knowhow-queue retry 9b2e...`,
	Args: cobra.ExactArgs(1),
	RunE: runRetry,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <item-id>",
	Short: "Cancel an item",
	Long: `Cancel a pending, running or failed item. A running job is not
interrupted, but its result is discarded.

Examples:
  knowhow-queue cancel 9b2e...`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

var cancelBatchCmd = &cobra.Command{
	Use:   "cancel-batch <batch-id>",
	Short: "Cancel a batch and its unfinished items",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancelBatch,
}

func runRetry(cmd *cobra.Command, args []string) error {
	item, err := apiClient.RetryItem(context.Background(), args[0])
	if err != nil {
		return describe("retry", args[0], err)
	}
	fmt.Printf("✓ Item %s is pending again (%s)\n", item.ID, item.SourceReference)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	item, err := apiClient.CancelItem(context.Background(), args[0])
	if err != nil {
		return describe("cancel", args[0], err)
	}
	fmt.Printf("✓ Cancelled item %s (%s)\n", item.ID, item.SourceReference)
	return nil
}

func runCancelBatch(cmd *cobra.Command, args []string) error {
	batch, err := apiClient.CancelBatch(context.Background(), args[0])
	if err != nil {
		return describe("cancel batch", args[0], err)
	}
	fmt.Printf("✓ Cancelled batch %s (%d completed, %d failed or cancelled)\n",
		batch.ID, batch.CompletedCount, batch.FailedCount)
	return nil
}

// describe turns client errors into operator-facing messages.
func describe(action, id string, err error) error {
	switch {
	case errors.Is(err, client.ErrNotFound):
		return fmt.Errorf("%s: %s not found", action, id)
	case errors.Is(err, client.ErrInvalidState):
		return fmt.Errorf("%s: %s is not in a state that allows this: %w", action, id, err)
	}
	return fmt.Errorf("%s: %w", action, err)
}
