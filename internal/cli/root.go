// Package cli provides the command-line interface for the knowhow ingestion queue.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/knowhow-ingest/internal/client"
	"github.com/raphaelgruber/knowhow-ingest/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose   bool
	serverURL string

	// Global config and REST client
	cfg       config.Config
	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "knowhow-queue",
	Short: "Manage the knowhow ingestion queue",
	Long: `knowhow-queue submits crawl and upload jobs to the ingestion queue,
follows batch progress, and handles items that exhausted their retries.

All commands except purge talk to a running knowhow-queue-server.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		endpoint := serverURL
		if endpoint == "" {
			endpoint = cfg.ServerURL
		}
		apiClient = client.New(endpoint)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "queue server URL (default $KNOWHOW_QUEUE_URL)")

	// Add subcommands
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(itemsCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(cancelBatchCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(purgeCmd)
}
