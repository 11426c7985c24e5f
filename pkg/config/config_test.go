package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
git:
  repo_url: https://github.com/acme/widgets.git
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.Git.TargetBranch)
	assert.Equal(t, StrategySuffix, cfg.Git.BranchStrategy)
	assert.Equal(t, 20, cfg.Git.SuffixLimit)
	assert.Equal(t, 5*time.Minute, cfg.Git.NetworkTimeout.Std())
	assert.Equal(t, 3, cfg.Orchestration.MaxConcurrent)
	assert.Equal(t, ConflictWarn, cfg.Conflict.Policy)
	assert.Equal(t, 4, cfg.Resilience.MaxAttempts)
	assert.True(t, cfg.Resilience.Jitter)
	assert.InDelta(t, 50.0, cfg.Budget.DailyUSD, 0.001)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
git:
  repo_url: git@github.com:acme/widgets.git
  branch_strategy: auto-clean
  network_timeout: 90s
orchestration:
  max_concurrent: 8
conflict:
  policy: block
  poll_interval: 5s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, StrategyAutoClean, cfg.Git.BranchStrategy)
	assert.Equal(t, 90*time.Second, cfg.Git.NetworkTimeout.Std())
	assert.Equal(t, 8, cfg.Orchestration.MaxConcurrent)
	assert.Equal(t, ConflictBlock, cfg.Conflict.Policy)
	assert.Equal(t, 5*time.Second, cfg.Conflict.PollInterval.Std())
}

func TestLoadMissingFileStillRequiresRepoURL(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repo_url")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad strategy", func(c *Config) { c.Git.BranchStrategy = "merge-wins" }, "branch_strategy"},
		{"zero concurrency", func(c *Config) { c.Orchestration.MaxConcurrent = 0 }, "max_concurrent"},
		{"bad conflict policy", func(c *Config) { c.Conflict.Policy = "abort" }, "conflict.policy"},
		{"fork without remote", func(c *Config) { c.Git.ForkWorkflow = true }, "fork_remote_url"},
		{"negative budget", func(c *Config) { c.Budget.DailyUSD = -1 }, "must not be negative"},
		{"bad provider", func(c *Config) { c.Processor.Provider = "gemini" }, "provider"},
		{"zero attempts", func(c *Config) { c.Resilience.MaxAttempts = 0 }, "max_attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Git.RepoURL = "https://github.com/acme/widgets.git"
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDurationRoundTrip(t *testing.T) {
	path := writeConfig(t, `
git:
  repo_url: https://github.com/acme/widgets.git
resilience:
  watchdog_timeout: 2m30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 150*time.Second, cfg.Resilience.WatchdogTimeout.Std())
}
