// locationcapture runs the on-device location store: the append-only
// location log, the upload queue, and the HTTP bridge to the host app.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	verbose    bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "locationcapture",
		Short: "On-device location log and upload queue",
		Long: `locationcapture persists location samples in an append-only log with
anchor-based retrieval and age-based retention, and forwards them to a
remote endpoint through a durable upload queue.

Configuration is read from --config, or .locationcapture.yaml in the
current directory or home directory.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: .locationcapture.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(retrieveCmd())
	rootCmd.AddCommand(latestAnchorCmd())
	rootCmd.AddCommand(pruneCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(syncCmd())

	return rootCmd
}
