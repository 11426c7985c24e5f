package cli

import (
	"fmt"

	"conductor/pkg/budget"
	"conductor/pkg/config"
	"conductor/pkg/conflict"
	"conductor/pkg/events"
	"conductor/pkg/github"
	"conductor/pkg/orch"
	"conductor/pkg/persistence"
	"conductor/pkg/processor"
	"conductor/pkg/resilience"
	"conductor/pkg/workspace"
)

// app wires the subsystems together for one command invocation.
type app struct {
	cfg        config.Config
	store      *persistence.Store
	exec       *resilience.Executor
	bus        *events.Bus
	journal    *events.Journal
	governor   *budget.Governor
	gh         *github.Client
	workspaces *workspace.Manager
	conflicts  *conflict.Detector
	orch       *orch.Orchestrator
}

// newApp builds the full stack. Use newStatusApp for read-only commands
// that don't need the workspace or processor.
func newApp(cfg config.Config) (*app, error) {
	a, err := newStatusApp(cfg)
	if err != nil {
		return nil, err
	}

	a.journal, err = events.NewJournal(cfg.Orchestration.EventLogDir)
	if err != nil {
		a.close()
		return nil, err
	}
	a.bus.Subscribe(a.journal.Subscriber())

	a.gh, err = github.NewClientFromRemote(cfg.Git.RepoURL)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to parse repository URL: %w", err)
	}
	if cfg.Git.ForkWorkflow {
		forkOwner, _, err := github.ParseGitHubURL(cfg.Git.ForkRemoteURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to parse fork remote URL: %w", err)
		}
		a.gh = a.gh.WithForkOwner(forkOwner)
	}

	a.workspaces = workspace.NewManager(cfg.Git, cfg.Orchestration.WorkDir, a.exec, a.gh)

	a.conflicts, err = conflict.NewDetector(cfg.Conflict, a.workspaces)
	if err != nil {
		a.close()
		return nil, err
	}

	proc, err := processor.New(cfg.Processor)
	if err != nil {
		a.close()
		return nil, err
	}

	a.orch = orch.New(orch.Deps{
		Store:      a.store,
		Config:     cfg,
		Executor:   a.exec,
		Workspaces: a.workspaces,
		Conflicts:  a.conflicts,
		Budget:     a.governor,
		Processor:  proc,
		PRs:        a.gh,
		Bus:        a.bus,
	})
	return a, nil
}

// newStatusApp opens only the store and shared infrastructure.
func newStatusApp(cfg config.Config) (*app, error) {
	store, err := persistence.Open(cfg.Orchestration.StateDB)
	if err != nil {
		return nil, err
	}

	exec := resilience.NewExecutor(resilience.ExecutorConfig{
		Retry: resilience.RetryConfig{
			MaxAttempts:   cfg.Resilience.MaxAttempts,
			InitialDelay:  cfg.Resilience.InitialDelay.Std(),
			MaxDelay:      cfg.Resilience.MaxDelay.Std(),
			BackoffFactor: 2.0,
			Jitter:        cfg.Resilience.Jitter,
		},
		Breaker: resilience.BreakerConfig{
			FailureThreshold: cfg.Resilience.FailureThreshold,
			SuccessThreshold: cfg.Resilience.SuccessThreshold,
			OpenDuration:     cfg.Resilience.OpenDuration.Std(),
		},
		WatchdogTimeout: cfg.Resilience.WatchdogTimeout.Std(),
	})

	return &app{
		cfg:      cfg,
		store:    store,
		exec:     exec,
		bus:      events.NewBus(),
		governor: budget.NewGovernor(store, cfg.Budget),
	}, nil
}

func (a *app) close() {
	if a.conflicts != nil {
		_ = a.conflicts.Close()
	}
	if a.journal != nil {
		_ = a.journal.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
