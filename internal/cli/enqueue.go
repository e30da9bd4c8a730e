package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/knowhow-ingest/internal/client"
)

var (
	enqueuePriorities      []string
	enqueueDefaultPriority int
	enqueueMaxRetries      int
	enqueueCreatedBy       string
	enqueueFile            string
	enqueueWatch           bool
	enqueueSingle          bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <source-ref>...",
	Short: "Submit sources for ingestion",
	Long: `Submit one or more source references (URLs, upload keys) as a batch.

Duplicate references in one submission are ingested once. Priorities range
from 0 to 100; higher runs first.

Examples:
  knowhow-queue enqueue https://go.dev/doc https://go.dev/blog
  knowhow-queue enqueue --file urls.txt --priority https://go.dev/doc=90
  knowhow-queue enqueue https://go.dev/doc --max-retries 5 --watch
  knowhow-queue enqueue --single https://go.dev/ref/spec`,
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringSliceVarP(&enqueuePriorities, "priority", "p", nil, "per-source priority as ref=n")
	enqueueCmd.Flags().IntVar(&enqueueDefaultPriority, "default-priority", -1, "priority for sources without --priority (default 50)")
	enqueueCmd.Flags().IntVar(&enqueueMaxRetries, "max-retries", -1, "automatic retries before human review (default from server config)")
	enqueueCmd.Flags().StringVar(&enqueueCreatedBy, "created-by", os.Getenv("USER"), "submitter recorded on the batch")
	enqueueCmd.Flags().StringVarP(&enqueueFile, "file", "f", "", "read source references from a file, one per line")
	enqueueCmd.Flags().BoolVarP(&enqueueWatch, "watch", "w", false, "follow batch progress until it finishes")
	enqueueCmd.Flags().BoolVar(&enqueueSingle, "single", false, "submit one standalone item outside any batch")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	refs := append([]string(nil), args...)
	if enqueueFile != "" {
		fromFile, err := readRefs(enqueueFile)
		if err != nil {
			return err
		}
		refs = append(refs, fromFile...)
	}
	if len(refs) == 0 {
		return fmt.Errorf("no source references given")
	}

	priorities, err := parsePriorities(enqueuePriorities)
	if err != nil {
		return err
	}

	var maxRetries *int
	if enqueueMaxRetries >= 0 {
		maxRetries = &enqueueMaxRetries
	}

	ctx := context.Background()

	if enqueueSingle {
		if len(refs) != 1 {
			return fmt.Errorf("--single takes exactly one source reference, got %d", len(refs))
		}
		input := client.ItemInput{SourceReference: refs[0], MaxRetries: maxRetries}
		if p, ok := priorities[refs[0]]; ok {
			input.Priority = &p
		} else if enqueueDefaultPriority >= 0 {
			input.Priority = &enqueueDefaultPriority
		}
		item, err := apiClient.EnqueueItem(ctx, input)
		if err != nil {
			return fmt.Errorf("enqueue item: %w", err)
		}
		fmt.Printf("✓ Enqueued item %s (priority %d)\n", item.ID, item.Priority)
		return nil
	}

	input := client.EnqueueInput{
		SourceReferences: refs,
		Priorities:       priorities,
		MaxRetries:       maxRetries,
		CreatedBy:        enqueueCreatedBy,
	}
	if enqueueDefaultPriority >= 0 {
		input.DefaultPriority = &enqueueDefaultPriority
	}

	result, err := apiClient.EnqueueBatch(ctx, input)
	if err != nil {
		return fmt.Errorf("enqueue batch: %w", err)
	}
	fmt.Printf("✓ Enqueued batch %s with %d items\n", result.BatchID, result.TotalItems)

	if enqueueWatch {
		return watchBatch(ctx, result.BatchID)
	}
	return nil
}

// parsePriorities turns ref=n flags into a map.
func parsePriorities(flags []string) (map[string]int, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	out := make(map[string]int, len(flags))
	for _, f := range flags {
		i := strings.LastIndex(f, "=")
		if i <= 0 {
			return nil, fmt.Errorf("invalid priority %q, want ref=n", f)
		}
		n, err := strconv.Atoi(f[i+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid priority %q: %w", f, err)
		}
		out[strings.TrimSpace(f[:i])] = n
	}
	return out, nil
}

// readRefs reads one reference per line, skipping blanks and # comments.
func readRefs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source list: %w", err)
	}
	defer f.Close()

	var refs []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		refs = append(refs, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read source list: %w", err)
	}
	return refs, nil
}
