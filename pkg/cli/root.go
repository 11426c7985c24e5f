// Package cli implements the conductor command tree.
package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/version"
)

//nolint:gochecknoglobals // Cobra command tree.
var (
	cfgFile string
	debug   bool

	rootCmd = &cobra.Command{
		Use:   "conductor",
		Short: "Parallel coding-agent orchestrator",
		Long: `Conductor runs autonomous coding work against GitHub issues in
parallel: each issue gets its own branch and git worktree, an AI backend
produces the change, and the result is pushed and opened as a pull
request. State, budgets, and every lifecycle transition are persisted in
a local SQLite database.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

//nolint:gochecknoinits // Cobra flag registration.
func init() {
	cobra.OnInitialize(initViper)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "conductor.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.PersistentPreRun = func(_ *cobra.Command, _ []string) {
		if debug {
			logx.SetDebug(true, nil)
		}
	}
}

func initViper() {
	viper.SetEnvPrefix("CONDUCTOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// loadConfig reads the YAML config and layers CONDUCTOR_* environment
// overrides on top, so a config file is optional when the environment
// carries the required settings.
func loadConfig() (config.Config, error) {
	cfg, loadErr := config.Load(cfgFile)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		if loadErr != nil {
			return cfg, loadErr
		}
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *config.Config) {
	overrides := []struct {
		key   string
		apply func()
	}{
		{"git.repo_url", func() { cfg.Git.RepoURL = viper.GetString("git.repo_url") }},
		{"git.target_branch", func() { cfg.Git.TargetBranch = viper.GetString("git.target_branch") }},
		{"git.branch_strategy", func() { cfg.Git.BranchStrategy = viper.GetString("git.branch_strategy") }},
		{"orchestration.max_concurrent", func() { cfg.Orchestration.MaxConcurrent = viper.GetInt("orchestration.max_concurrent") }},
		{"orchestration.work_dir", func() { cfg.Orchestration.WorkDir = viper.GetString("orchestration.work_dir") }},
		{"orchestration.state_db", func() { cfg.Orchestration.StateDB = viper.GetString("orchestration.state_db") }},
		{"processor.provider", func() { cfg.Processor.Provider = viper.GetString("processor.provider") }},
		{"processor.model", func() { cfg.Processor.Model = viper.GetString("processor.model") }},
		{"server.addr", func() { cfg.Server.Addr = viper.GetString("server.addr") }},
	}
	for _, o := range overrides {
		if viper.IsSet(o.key) {
			o.apply()
		}
	}
}
