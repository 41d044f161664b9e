package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coordinatr/mergequeue/internal/config"
	"github.com/coordinatr/mergequeue/internal/coordinator"
	"github.com/coordinatr/mergequeue/internal/gitrepo"
)

var syncCmd = &cobra.Command{
	Use:     "sync [owner/name]",
	GroupID: GroupServices,
	Short:   "Run one reconciliation pass against the forge without starting the daemon",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

// runSync rebuilds the in-memory registry for one (or every) configured
// repository from the forge's open-pull-request list, the same
// reconciliation internal/sync.Sync performs on the daemon's periodic
// ticker, but as a single pass outside a running daemon.
func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	client, err := buildForgeClient(cfg.Global)
	if err != nil {
		return err
	}

	var target string
	if len(args) == 1 {
		target = args[0]
	}

	ctx := context.Background()
	ran := 0
	for _, repoCfg := range cfg.Repos {
		if target != "" && repoCfg.ID() != target {
			continue
		}
		git := gitrepo.NewExecRepo(repoCfg.LocalPath)
		worker := coordinator.New(repoCfg, client, git, client)
		if err := worker.SyncOnce(ctx); err != nil {
			return fmt.Errorf("syncing %s: %w", repoCfg.ID(), err)
		}
		fmt.Printf("synced %s\n", repoCfg.ID())
		ran++
	}
	if target != "" && ran == 0 {
		return fmt.Errorf("no configured repo matches %q", target)
	}
	return nil
}
