// Package config defines the orchestrator configuration.
//
// Configuration is split by subsystem into explicit structs that enumerate
// every recognized option with a documented default. A Config is loaded once
// at startup, validated, and passed by value; there is no global mutable
// config state. Run-scoped options (dry-run, per-run budget, fail-fast)
// belong to orch.RunOptions, not here; this file holds only settings that
// outlive a single run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Branch collision strategies.
const (
	StrategyFail      = "fail"
	StrategyReuse     = "reuse"
	StrategySuffix    = "suffix"
	StrategyAutoClean = "auto-clean"
)

// Conflict policies.
const (
	ConflictSkip  = "skip"
	ConflictWarn  = "warn"
	ConflictBlock = "block"
)

// Duration wraps time.Duration so YAML configs can say "90s" or "5m".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Git holds repository and branching settings.
type Git struct {
	// RepoURL is the upstream clone URL. Required.
	RepoURL string `yaml:"repo_url"`
	// TargetBranch is the base for new work branches. Default "main";
	// overwritten with the detected default branch on first fetch.
	TargetBranch string `yaml:"target_branch"`
	// BranchPrefix prefixes every generated branch name. Default "agent".
	BranchPrefix string `yaml:"branch_prefix"`
	// BranchStrategy resolves branch-name collisions:
	// fail, reuse, suffix, auto-clean. Default "suffix".
	BranchStrategy string `yaml:"branch_strategy"`
	// SuffixLimit bounds the "-2", "-3", ... probe under the suffix
	// strategy. Default 20.
	SuffixLimit int `yaml:"suffix_limit"`
	// ForkWorkflow enables the dual-remote (upstream + fork) mode used
	// when the token lacks push rights upstream. Default false.
	ForkWorkflow bool `yaml:"fork_workflow"`
	// ForkRemoteURL is the push remote in fork mode. Required when
	// ForkWorkflow is set.
	ForkRemoteURL string `yaml:"fork_remote_url"`
	// NetworkTimeout caps every remote git operation; on expiry the child
	// gets SIGTERM, then SIGKILL. Default 5m.
	NetworkTimeout Duration `yaml:"network_timeout"`
}

// Orchestration holds run-loop settings.
type Orchestration struct {
	// MaxConcurrent is the worker-pool size. Default 3.
	MaxConcurrent int `yaml:"max_concurrent"`
	// WorkDir is where clones and worktrees are materialized.
	// Default ".conductor/work".
	WorkDir string `yaml:"work_dir"`
	// StateDB is the sqlite database path. Default ".conductor/state.db".
	StateDB string `yaml:"state_db"`
	// EventLogDir receives the JSONL progress-event journal.
	// Default ".conductor/events".
	EventLogDir string `yaml:"event_log_dir"`
}

// Budget holds spend ceilings in USD. Zero means unlimited for that scope.
type Budget struct {
	// PerRunUSD caps a single parallel run. Default 10.
	PerRunUSD float64 `yaml:"per_run_usd"`
	// PerItemUSD caps one work item. Default 2.
	PerItemUSD float64 `yaml:"per_item_usd"`
	// DailyUSD caps spend per UTC day. Default 50.
	DailyUSD float64 `yaml:"daily_usd"`
	// MonthlyUSD caps spend per UTC month. Default 500.
	MonthlyUSD float64 `yaml:"monthly_usd"`
}

// Resilience holds retry, circuit-breaker, and watchdog settings applied to
// every network-touching operation.
type Resilience struct {
	// MaxAttempts includes the initial try. Default 4.
	MaxAttempts int `yaml:"max_attempts"`
	// InitialDelay is the first backoff step. Default 500ms.
	InitialDelay Duration `yaml:"initial_delay"`
	// MaxDelay caps the exponential backoff. Default 30s.
	MaxDelay Duration `yaml:"max_delay"`
	// Jitter randomizes delays to avoid thundering herds. Default true.
	Jitter bool `yaml:"jitter"`
	// FailureThreshold consecutive failures open a circuit. Default 5.
	FailureThreshold int `yaml:"failure_threshold"`
	// SuccessThreshold consecutive half-open successes close it. Default 2.
	SuccessThreshold int `yaml:"success_threshold"`
	// OpenDuration is how long an open circuit rejects before allowing a
	// probe. Default 30s.
	OpenDuration Duration `yaml:"open_duration"`
	// WatchdogTimeout is the inactivity window before an operation is
	// aborted. Heartbeats from inside the operation reset it. Default 10m.
	WatchdogTimeout Duration `yaml:"watchdog_timeout"`
}

// Conflict holds cross-workspace overlap detection settings.
type Conflict struct {
	// Policy is one of skip, warn, block. Default "warn".
	Policy string `yaml:"policy"`
	// PollInterval bounds how often modified-file sets are re-scanned even
	// without filesystem events. Default 15s.
	PollInterval Duration `yaml:"poll_interval"`
}

// Processor selects and tunes the AI backend adapter.
type Processor struct {
	// Provider is "anthropic" or "openai". Default "anthropic".
	Provider string `yaml:"provider"`
	// Model is the provider model identifier.
	Model string `yaml:"model"`
	// MaxTokens caps a single completion. Default 8192.
	MaxTokens int `yaml:"max_tokens"`
}

// Server holds the status/metrics HTTP server settings.
type Server struct {
	// Addr is the listen address. Default "127.0.0.1:8765".
	Addr string `yaml:"addr"`
}

// Config is the root configuration document.
type Config struct {
	Git           Git           `yaml:"git"`
	Orchestration Orchestration `yaml:"orchestration"`
	Budget        Budget        `yaml:"budget"`
	Resilience    Resilience    `yaml:"resilience"`
	Conflict      Conflict      `yaml:"conflict"`
	Processor     Processor     `yaml:"processor"`
	Server        Server        `yaml:"server"`
}

// Default returns a Config populated with every documented default.
func Default() Config {
	return Config{
		Git: Git{
			TargetBranch:   "main",
			BranchPrefix:   "agent",
			BranchStrategy: StrategySuffix,
			SuffixLimit:    20,
			NetworkTimeout: Duration(5 * time.Minute),
		},
		Orchestration: Orchestration{
			MaxConcurrent: 3,
			WorkDir:       filepath.Join(".conductor", "work"),
			StateDB:       filepath.Join(".conductor", "state.db"),
			EventLogDir:   filepath.Join(".conductor", "events"),
		},
		Budget: Budget{
			PerRunUSD:  10,
			PerItemUSD: 2,
			DailyUSD:   50,
			MonthlyUSD: 500,
		},
		Resilience: Resilience{
			MaxAttempts:      4,
			InitialDelay:     Duration(500 * time.Millisecond),
			MaxDelay:         Duration(30 * time.Second),
			Jitter:           true,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenDuration:     Duration(30 * time.Second),
			WatchdogTimeout:  Duration(10 * time.Minute),
		},
		Conflict: Conflict{
			Policy:       ConflictWarn,
			PollInterval: Duration(15 * time.Second),
		},
		Processor: Processor{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 8192,
		},
		Server: Server{
			Addr: "127.0.0.1:8765",
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. A missing file is not an error: the defaults are returned, which
// still fail validation if required fields (repo_url) are absent.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Fall through to validation with pure defaults.
	case err != nil:
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. It is called by Load and again by
// components that accept a Config directly.
func (c *Config) Validate() error {
	if c.Git.RepoURL == "" {
		return fmt.Errorf("git.repo_url is required")
	}
	switch c.Git.BranchStrategy {
	case StrategyFail, StrategyReuse, StrategySuffix, StrategyAutoClean:
	default:
		return fmt.Errorf("git.branch_strategy must be one of fail, reuse, suffix, auto-clean; got %q", c.Git.BranchStrategy)
	}
	if c.Git.BranchStrategy == StrategySuffix && c.Git.SuffixLimit < 1 {
		return fmt.Errorf("git.suffix_limit must be >= 1; got %d", c.Git.SuffixLimit)
	}
	if c.Git.ForkWorkflow && c.Git.ForkRemoteURL == "" {
		return fmt.Errorf("git.fork_remote_url is required when git.fork_workflow is enabled")
	}
	if c.Orchestration.MaxConcurrent < 1 {
		return fmt.Errorf("orchestration.max_concurrent must be >= 1; got %d", c.Orchestration.MaxConcurrent)
	}
	switch c.Conflict.Policy {
	case ConflictSkip, ConflictWarn, ConflictBlock:
	default:
		return fmt.Errorf("conflict.policy must be one of skip, warn, block; got %q", c.Conflict.Policy)
	}
	if c.Resilience.MaxAttempts < 1 {
		return fmt.Errorf("resilience.max_attempts must be >= 1; got %d", c.Resilience.MaxAttempts)
	}
	if c.Resilience.FailureThreshold < 1 || c.Resilience.SuccessThreshold < 1 {
		return fmt.Errorf("resilience thresholds must be >= 1")
	}
	for scope, v := range map[string]float64{
		"per_run_usd":  c.Budget.PerRunUSD,
		"per_item_usd": c.Budget.PerItemUSD,
		"daily_usd":    c.Budget.DailyUSD,
		"monthly_usd":  c.Budget.MonthlyUSD,
	} {
		if v < 0 {
			return fmt.Errorf("budget.%s must not be negative", scope)
		}
	}
	switch c.Processor.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("processor.provider must be anthropic or openai; got %q", c.Processor.Provider)
	}
	return nil
}
