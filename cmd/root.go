// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Downloads archived web pages into compressed shards.",
		Long: `harvester walks a manifest of archived page snapshots, fetches each
one from the web archive, extracts its title and text, and appends the
results to lz4-compressed shard files. Progress is durable: an
interrupted run picks up where it left off.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	cmd.AddCommand(newHarvestCmd())
	cmd.AddCommand(newCompactCmd())

	return cmd
}

// Execute is the main entry point. It installs signal handling so an
// interrupt cancels the run context instead of killing the process
// mid-write.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
