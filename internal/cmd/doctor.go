package cmd

import (
	"fmt"
	"net"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/coordinatr/mergequeue/internal/config"
)

var doctorCmd = &cobra.Command{
	Use:     "doctor",
	GroupID: GroupDiag,
	Short:   "Check that the configured environment is ready to run mqd serve",
	RunE:    runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// check is a name paired with a function that reports pass/fail, kept
// deliberately small: mqd only has a handful of preflight conditions worth
// checking before serve starts.
type check struct {
	name string
	run  func(cfg *config.Config) error
}

var checks = []check{
	{name: "config parses", run: func(cfg *config.Config) error { return nil }},
	{name: "listen address is free", run: checkListenAddr},
	{name: "repositories have a local git clone", run: checkLocalClones},
	{name: "forge credentials are configured", run: checkForgeCreds},
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("FAIL  config parses: %v\n", err)
		return err
	}

	failed := false
	for _, c := range checks {
		if err := c.run(cfg); err != nil {
			fmt.Printf("FAIL  %s: %v\n", c.name, err)
			failed = true
			continue
		}
		fmt.Printf("OK    %s\n", c.name)
	}
	if failed {
		return fmt.Errorf("one or more checks failed")
	}
	return nil
}

func checkListenAddr(cfg *config.Config) error {
	ln, err := net.Listen("tcp", cfg.Global.ListenAddr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func checkLocalClones(cfg *config.Config) error {
	for _, repoCfg := range cfg.Repos {
		if _, err := os.Stat(repoCfg.LocalPath); err != nil {
			return fmt.Errorf("%s: %w", repoCfg.ID(), err)
		}
		cmd := exec.Command("git", "-C", repoCfg.LocalPath, "rev-parse", "--git-dir")
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s: not a git working copy: %w", repoCfg.ID(), err)
		}
	}
	return nil
}

func checkForgeCreds(cfg *config.Config) error {
	if cfg.Global.ForgeToken == "" && cfg.Global.ForgeAppID == 0 {
		return fmt.Errorf("neither forge_token nor forge_app_id is set")
	}
	if cfg.Global.ForgeAppID != 0 {
		if _, err := os.Stat(cfg.Global.ForgeAppKeyPath); err != nil {
			return fmt.Errorf("forge_app_key_path: %w", err)
		}
	}
	return nil
}
