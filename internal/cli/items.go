package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/knowhow-ingest/internal/client"
	"github.com/raphaelgruber/knowhow-ingest/internal/models"
)

var (
	itemsStatus string
	itemsReview bool
	itemsLimit  int
	reviewLimit int
)

var itemsCmd = &cobra.Command{
	Use:   "items [item-id]",
	Short: "List or inspect queue items",
	Long: `List queue items in dispatch order (priority, then age), or show one item.

Examples:
  knowhow-queue items
  knowhow-queue items --status failed
  knowhow-queue items --review
  knowhow-queue items 9b2e...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runItems,
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "List items awaiting human review",
	Long: `List items that exhausted their automatic retries, oldest first.

Resolve each one with 'knowhow-queue retry <id>' or 'knowhow-queue cancel <id>'.`,
	Args: cobra.NoArgs,
	RunE: runReview,
}

func init() {
	itemsCmd.Flags().StringVarP(&itemsStatus, "status", "s", "", "filter by status (pending, running, completed, failed, cancelled)")
	itemsCmd.Flags().BoolVar(&itemsReview, "review", false, "only items awaiting human review")
	itemsCmd.Flags().IntVarP(&itemsLimit, "limit", "n", 50, "max results")

	reviewCmd.Flags().IntVarP(&reviewLimit, "limit", "n", 50, "max results")
}

func runItems(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if len(args) == 1 {
		item, err := apiClient.GetItem(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get item: %w", err)
		}
		printItem(item)
		return nil
	}

	opts := client.ListItemsOptions{Limit: itemsLimit}
	if itemsStatus != "" {
		status := models.Status(itemsStatus)
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", itemsStatus)
		}
		opts.Status = &status
	}
	if itemsReview {
		opts.RequiresReview = &itemsReview
	}

	items, err := apiClient.ListItems(ctx, opts)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}
	printItemTable(items)
	return nil
}

func runReview(cmd *cobra.Command, args []string) error {
	items, err := apiClient.ListReview(context.Background(), reviewLimit)
	if err != nil {
		return fmt.Errorf("list review items: %w", err)
	}
	if len(items) == 0 {
		fmt.Println("Nothing awaiting review")
		return nil
	}

	fmt.Printf("%d items awaiting review (oldest first)\n\n", len(items))
	for _, it := range items {
		class := "-"
		if it.ErrorClassification != nil {
			class = string(*it.ErrorClassification)
		}
		fmt.Printf("• %s  %s\n", it.ID, it.SourceReference)
		fmt.Printf("    class: %s, attempts: %d", class, it.RetryCount+1)
		if msg, ok := it.ErrorDetail["message"].(string); ok && msg != "" {
			fmt.Printf(", error: %s", truncate(msg, 100))
		}
		fmt.Println()
	}
	return nil
}

func printItemTable(items []models.QueueItem) {
	if len(items) == 0 {
		fmt.Println("No items found")
		return
	}

	fmt.Printf("%-36s %-10s %-4s %-6s %-12s %s\n", "ID", "STATUS", "PRIO", "RETRY", "CLASS", "SOURCE")
	fmt.Println(strings.Repeat("-", 100))

	for _, it := range items {
		class := ""
		if it.ErrorClassification != nil {
			class = string(*it.ErrorClassification)
		}
		status := string(it.Status)
		if it.RequiresHumanReview {
			status += "*"
		}
		fmt.Printf("%-36s %-10s %-4d %-6s %-12s %s\n", it.ID, status, it.Priority,
			fmt.Sprintf("%d/%d", it.RetryCount, it.MaxRetries), class, truncate(it.SourceReference, 60))
	}
	if verbose {
		fmt.Println("\n* awaiting human review")
	}
}

func printItem(it *models.QueueItem) {
	fmt.Printf("Item: %s\n", it.ID)
	fmt.Printf("  Source: %s\n", it.SourceReference)
	if it.BatchID != nil {
		fmt.Printf("  Batch: %s\n", *it.BatchID)
	}
	fmt.Printf("  Status: %s\n", it.Status)
	fmt.Printf("  Priority: %d\n", it.Priority)
	fmt.Printf("  Retries: %d/%d\n", it.RetryCount, it.MaxRetries)
	if it.RequiresHumanReview {
		fmt.Println("  Requires human review: yes")
	}
	if it.ErrorClassification != nil {
		fmt.Printf("  Error class: %s\n", *it.ErrorClassification)
	}
	for k, v := range it.ErrorDetail {
		fmt.Printf("    %s: %v\n", k, v)
	}
	fmt.Printf("  Created: %s\n", it.CreatedAt.Format(time.RFC3339))
	printTime("Started", it.StartedAt)
	printTime("Last retry", it.LastRetryAt)
	printTime("Next retry", it.NextRetryAt)
	printTime("Completed", it.CompletedAt)
}

func printTime(label string, t *time.Time) {
	if t != nil {
		fmt.Printf("  %s: %s\n", label, t.Format(time.RFC3339))
	}
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
