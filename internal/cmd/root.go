// Package cmd implements the mqd command-line surface: serve runs the
// coordinator, sync/status/doctor support operating it from a terminal.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mqd",
	Short: "mqd is a merge-queue coordinator for a GitHub-hosted repository",
	Long: `mqd serializes pull request land attempts against a set of
configured repositories: rebasing onto the target branch, staging the
result, waiting on required checks, then fast-forwarding the base once
they pass.`,
}

// Command group IDs, used by subcommands to organize help output.
const (
	GroupServices = "services"
	GroupDiag     = "diag"
)

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupServices, Title: "Services:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostics:"},
	)
	rootCmd.SetHelpCommandGroupID(GroupDiag)
	rootCmd.SetCompletionCommandGroupID(GroupDiag)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "mqd.toml", "path to the coordinator's TOML config file")
}

var configPath string

// requireSubcommand is RunE for any command that exists only to group
// subcommands and does nothing on its own.
func requireSubcommand(cmd *cobra.Command, _ []string) error {
	return cmd.Help()
}

// Execute runs the root command and returns a process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
