package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mgrady/wayback-harvester/internal/config"
	"github.com/mgrady/wayback-harvester/internal/logging"
	"github.com/mgrady/wayback-harvester/internal/queue"
	"github.com/mgrady/wayback-harvester/internal/store"
)

// newCompactCmd creates the 'compact' subcommand. Shard writes are
// at-least-once, so a crash between a shard append and the completion
// log can leave a duplicate record behind; compaction rewrites each
// shard keeping the first record per id.
func newCompactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Rewrites shards, dropping duplicate records",
		RunE:  runCompactCommand,
	}

	cmd.Flags().String("path", "", "output directory holding the shards")

	return cmd
}

func runCompactCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("path") {
		cfg.Harvest.Path, _ = cmd.Flags().GetString("path")
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Hold the run lock so no harvester appends while shards are being
	// renamed out from under it.
	unlock, err := queue.LockRun(cfg.Harvest.Path)
	if err != nil {
		if errors.Is(err, queue.ErrLocked) {
			return fmt.Errorf("a harvester is running against %s; stop it before compacting", cfg.Harvest.Path)
		}
		return err
	}
	defer func() {
		if uerr := unlock(); uerr != nil {
			logger.Warn("release run lock", zap.Error(uerr))
		}
	}()

	dropped, err := store.Compact(cfg.Harvest.Path)
	if err != nil {
		return fmt.Errorf("compact %s: %w", cfg.Harvest.Path, err)
	}

	logger.Info("compaction finished",
		zap.String("path", cfg.Harvest.Path),
		zap.Int("dropped", dropped),
	)
	return nil
}
