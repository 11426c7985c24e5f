package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"conductor/pkg/github"
	"conductor/pkg/workspace"
)

//nolint:gochecknoglobals // Cobra command tree.
var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove stale worktrees left behind by interrupted runs",
	RunE:  runClean,
}

//nolint:gochecknoinits // Cobra flag registration.
func init() {
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newStatusApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	gh, err := github.NewClientFromRemote(cfg.Git.RepoURL)
	if err != nil {
		return fmt.Errorf("failed to parse repository URL: %w", err)
	}
	manager := workspace.NewManager(cfg.Git, cfg.Orchestration.WorkDir, a.exec, gh)

	if _, err := os.Stat(manager.RepoDir()); os.IsNotExist(err) {
		fmt.Println("No repository checkout; nothing to clean.")
		return nil
	}

	removed, err := manager.CleanupStale(cmd.Context())
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		fmt.Println("No stale worktrees.")
		return nil
	}
	for _, path := range removed {
		fmt.Printf("removed %s\n", path)
	}
	return nil
}
