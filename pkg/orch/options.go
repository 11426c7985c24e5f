package orch

import (
	"time"

	"conductor/pkg/events"
	"conductor/pkg/persistence"
)

// Stop reasons reported in every run summary. They distinguish graceful
// completion from the ways a run can stop early.
const (
	StopCompleted     = "completed"
	StopMaxIterations = "max_iterations"
	StopMaxBudget     = "max_budget"
	StopManual        = "manual_stop"
	StopError         = "error"
	StopEmptyQueue    = "empty_queue"
	StopRateLimited   = "rate_limited"
)

// RunOptions configures one parallel run. The zero value is usable: config
// defaults fill MaxConcurrent, failures don't stop the run, and conflict
// checking follows the configured policy.
//
//nolint:govet // Logical grouping preferred over memory optimization
type RunOptions struct {
	// MaxConcurrent bounds the worker pool. Zero uses the config default.
	MaxConcurrent int
	// BudgetUSD caps this run's spend on top of the global ceilings.
	// Zero means only the configured ceilings apply.
	BudgetUSD float64
	// MaxIssues stops the run after this many items resolve. Zero means
	// all of them.
	MaxIssues int
	// DryRun engages the processor but never pushes, opens PRs, or
	// advances issue lifecycles.
	DryRun bool
	// SkipConflictCheck disables overlap detection for this run.
	SkipConflictCheck bool
	// FailFast stops claiming new items after the first failed item.
	// Remaining pending items are left pending for manual resumption.
	FailFast bool
	// OnProgress, when set, receives this run's events synchronously.
	OnProgress events.Subscriber
}

// ItemResult is one work item's final outcome.
type ItemResult struct {
	IssueURL string        `json:"issue_url"`
	Status   string        `json:"status"`
	PRURL    string        `json:"pr_url,omitempty"`
	CostUSD  float64       `json:"cost_usd"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Summary aggregates a finished (or stopped) run.
//
//nolint:govet // Logical grouping preferred over memory optimization
type Summary struct {
	RunID        string                `json:"run_id"`
	Counts       persistence.RunCounts `json:"counts"`
	TotalCostUSD float64               `json:"total_cost_usd"`
	Duration     time.Duration         `json:"duration"`
	StopReason   string                `json:"stop_reason"`
	Success      bool                  `json:"success"`
	Items        []ItemResult          `json:"items"`
}
