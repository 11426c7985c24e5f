// Package budget enforces spend ceilings. Checks are advisory at dispatch
// time: exhaustion blocks new work but never revokes work already in
// flight.
package budget

import (
	"fmt"
	"time"

	"conductor/pkg/config"
	"conductor/pkg/errs"
	"conductor/pkg/logx"
	"conductor/pkg/persistence"
)

// Ledger scope name builders. Global spend shares one scope; runs and items
// get their own so per-run and per-item ceilings can be summed directly.
const globalScope = "global"

// RunScope names a run's ledger scope.
func RunScope(runID string) string { return "run:" + runID }

// ItemScope names a work item's ledger scope.
func ItemScope(runID, issueURL string) string { return "item:" + runID + ":" + issueURL }

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed  bool
	Scope    string // Which ceiling denied, empty when allowed
	Reason   string
	LimitUSD float64
	SpentUSD float64
}

// Err converts a denial into a BudgetExceededError; nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &errs.BudgetExceededError{Scope: d.Scope, LimitUSD: d.LimitUSD, SpentUSD: d.SpentUSD}
}

// Governor answers "may this unit of work start?" against the configured
// ceilings, using spend recorded in the state store. A zero ceiling means
// unlimited for that scope.
type Governor struct {
	store  *persistence.Store
	cfg    config.Budget
	logger *logx.Logger

	// now is swapped out by tests to pin window boundaries.
	now func() time.Time
}

// NewGovernor creates a governor over the given store and ceilings.
func NewGovernor(store *persistence.Store, cfg config.Budget) *Governor {
	return &Governor{
		store:  store,
		cfg:    cfg,
		logger: logx.NewLogger("budget"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CanProceed checks every applicable ceiling, tightest window first, and
// returns the first denial. runID and issueURL may be empty to skip their
// scopes (e.g. a pre-run check before items exist).
func (g *Governor) CanProceed(runID, issueURL string) (Decision, error) {
	now := g.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	checks := []struct {
		name  string
		limit float64
		scope string
		since time.Time
	}{
		{"per_item", g.cfg.PerItemUSD, itemScopeOrEmpty(runID, issueURL), time.Time{}},
		{"per_run", g.cfg.PerRunUSD, runScopeOrEmpty(runID), time.Time{}},
		{"daily", g.cfg.DailyUSD, globalScope, dayStart},
		{"monthly", g.cfg.MonthlyUSD, globalScope, monthStart},
	}

	for _, check := range checks {
		if check.limit <= 0 || check.scope == "" {
			continue
		}
		spent, err := g.store.SpentSince(check.scope, check.since)
		if err != nil {
			return Decision{}, err
		}
		if spent >= check.limit {
			d := Decision{
				Allowed:  false,
				Scope:    check.name,
				Reason:   fmt.Sprintf("%s budget exhausted: $%.2f spent of $%.2f", check.name, spent, check.limit),
				LimitUSD: check.limit,
				SpentUSD: spent,
			}
			g.logger.Info("denying work for %s: %s", issueURL, d.Reason)
			return d, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// RecordSpend books an item's cost against every scope it counts toward.
// Safe to call after every unit regardless of success.
func (g *Governor) RecordSpend(runID, issueURL string, amountUSD float64) error {
	if amountUSD <= 0 {
		return nil
	}
	scopes := []string{globalScope}
	if runID != "" {
		scopes = append(scopes, RunScope(runID))
		if issueURL != "" {
			scopes = append(scopes, ItemScope(runID, issueURL))
		}
	}
	for _, scope := range scopes {
		if err := g.store.RecordSpend(scope, amountUSD); err != nil {
			return err
		}
	}
	return nil
}

// SpentForRun returns everything booked against one run, for run-level
// budget overrides and the status surface.
func (g *Governor) SpentForRun(runID string) (float64, error) {
	return g.store.SpentSince(RunScope(runID), time.Time{})
}

// SpentToday returns the global spend since UTC midnight, for the status
// surface.
func (g *Governor) SpentToday() (float64, error) {
	now := g.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return g.store.SpentSince(globalScope, dayStart)
}

// SpentThisMonth returns the global spend since the first of the month.
func (g *Governor) SpentThisMonth() (float64, error) {
	now := g.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return g.store.SpentSince(globalScope, monthStart)
}

func runScopeOrEmpty(runID string) string {
	if runID == "" {
		return ""
	}
	return RunScope(runID)
}

func itemScopeOrEmpty(runID, issueURL string) string {
	if runID == "" || issueURL == "" {
		return ""
	}
	return ItemScope(runID, issueURL)
}
