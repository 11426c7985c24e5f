package orch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"conductor/pkg/conflict"
	"conductor/pkg/errs"
	"conductor/pkg/events"
	"conductor/pkg/github"
	"conductor/pkg/persistence"
	"conductor/pkg/processor"
	"conductor/pkg/resilience"
	"conductor/pkg/workspace"
)

// processItem runs one claimed work item through the full pipeline:
// budget gate, workspace acquisition, conflict admission, engagement,
// and settlement. The item arrives already in_progress; every exit path
// moves it to exactly one terminal status.
func (o *Orchestrator) processItem(ctx context.Context, run *persistence.ParallelRun, rs *runState, item *persistence.WorkItem, opts RunOptions) {
	itemCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rs.registerItem(item.IssueURL, cancel)
	defer rs.unregisterItem(item.IssueURL)

	issue, err := o.store.GetIssueByURL(item.IssueURL)
	if err != nil {
		o.failItem(run, item, nil, fmt.Sprintf("no issue record: %v", err))
		return
	}

	// Budget gate. Advisory: work already running is never revoked, but a
	// denial here stops the run from claiming anything further.
	if reason, denied := o.budgetDenied(run, item.IssueURL, opts); denied {
		rs.setStop(StopMaxBudget)
		o.cancelItem(run, item, reason)
		return
	}

	o.emit(run.ID, events.Event{Type: events.IssueStarted, IssueURL: item.IssueURL})

	branch, err := o.workspaces.CreateBranch(itemCtx, issue.Number, issue.Title)
	if err != nil {
		o.stopOnTerminal(rs, err)
		o.failItem(run, item, nil, fmt.Sprintf("branch creation failed: %v", err))
		return
	}
	ws, err := o.workspaces.CreateWorktree(itemCtx, item.IssueURL, branch)
	if err != nil {
		o.failItem(run, item, nil, fmt.Sprintf("worktree creation failed: %v", err))
		return
	}
	defer func() {
		o.conflicts.Unwatch(ws)
		if err := o.workspaces.RemoveWorktree(context.WithoutCancel(itemCtx), ws); err != nil {
			o.logger.Warn("failed to remove worktree for %s: %v", item.IssueURL, err)
		}
	}()

	// Conflict admission runs before the issue leaves queued, so a blocked
	// item cancels cleanly and the issue stays eligible for a later run.
	if !opts.SkipConflictCheck {
		if err := o.conflicts.Watch(ws); err != nil {
			o.logger.Warn("failed to watch worktree for %s: %v", item.IssueURL, err)
		}
		allowed, confs, err := o.conflicts.Check(itemCtx, item.IssueURL)
		if err != nil {
			o.logger.Warn("conflict check failed for %s: %v", item.IssueURL, err)
		} else if !allowed {
			reason := describeConflicts(confs)
			o.emit(run.ID, events.Event{Type: events.ConflictFound, IssueURL: item.IssueURL, Reason: reason})
			o.cancelItem(run, item, "blocked by conflict: "+reason)
			return
		}
	}

	// Dry runs leave the issue lifecycle untouched: the machine has no
	// path back from in_progress except a terminal state.
	if !opts.DryRun && issue.State == persistence.IssueQueued {
		if err := o.store.TransitionIssue(issue.ID, persistence.IssueInProgress, "work started", nil); err != nil {
			o.failItem(run, item, nil, fmt.Sprintf("issue transition failed: %v", err))
			return
		}
	}

	if err := o.store.UpsertWorkRecord(&persistence.WorkRecord{
		IssueURL:     item.IssueURL,
		Branch:       branch,
		WorktreePath: ws.Path,
	}); err != nil {
		o.logger.Warn("failed to record workspace for %s: %v", item.IssueURL, err)
	}

	session := o.openSession(issue, ws)
	result, procErr := o.engage(itemCtx, issue, ws, branch, opts)

	var cost float64
	if result != nil {
		cost = result.CostUSD
	}
	o.settleSpend(run, item.IssueURL, cost)
	o.closeSession(session, result, procErr)

	switch {
	case errors.Is(procErr, context.Canceled):
		o.abandonIssue(issue, opts, "cancelled while in flight")
		o.cancelItem(run, item, "cancelled while in flight")
	case procErr != nil:
		o.stopOnTerminal(rs, procErr)
		if opts.FailFast {
			rs.setStop(StopError)
		}
		o.abandonIssue(issue, opts, fmt.Sprintf("engagement failed: %v", procErr))
		o.failItem(run, item, &cost, procErr.Error())
	case !result.Success:
		if opts.FailFast {
			rs.setStop(StopError)
		}
		o.abandonIssue(issue, opts, result.Error)
		o.failItem(run, item, &cost, result.Error)
	default:
		o.completeItem(itemCtx, run, rs, item, issue, ws, branch, result, opts)
	}
}

// completeItem publishes the branch, opens the pull request, and settles
// the item as completed. Push or PR failures downgrade the item to failed;
// the engagement cost is kept either way.
func (o *Orchestrator) completeItem(ctx context.Context, run *persistence.ParallelRun, rs *runState, item *persistence.WorkItem, issue *persistence.Issue, ws *workspace.Workspace, branch string, result *processor.Result, opts RunOptions) {
	cost := result.CostUSD
	prURL := ""

	if !opts.DryRun {
		if err := o.workspaces.Push(ctx, ws); err != nil {
			o.stopOnTerminal(rs, err)
			o.abandonIssue(issue, opts, fmt.Sprintf("push failed: %v", err))
			o.failItem(run, item, &cost, fmt.Sprintf("push failed: %v", err))
			return
		}
		if o.prs != nil {
			pr, err := o.createPR(ctx, issue, branch, result)
			if err != nil {
				o.stopOnTerminal(rs, err)
				o.abandonIssue(issue, opts, fmt.Sprintf("pr creation failed: %v", err))
				o.failItem(run, item, &cost, fmt.Sprintf("pr creation failed: %v", err))
				return
			}
			prURL = pr.URL
			if err := o.store.LinkIssuePR(issue.ID, pr.Number, pr.URL); err != nil {
				o.logger.Warn("failed to link PR to issue %s: %v", issue.ID, err)
			}
		}
		if err := o.store.TransitionIssue(issue.ID, persistence.IssuePRCreated, "pull request opened", nil); err != nil {
			o.logger.Warn("failed to advance issue %s: %v", issue.ID, err)
		}
	}

	patch := persistence.WorkItemPatch{
		Status:  ptr(persistence.ItemCompleted),
		CostUSD: &cost,
	}
	if prURL != "" {
		patch.PRURL = &prURL
	}
	if err := o.store.UpdateWorkItem(run.ID, item.IssueURL, patch); err != nil {
		o.logger.Error("failed to settle item %s: %v", item.IssueURL, err)
	}
	o.emit(run.ID, events.Event{
		Type:     events.IssueCompleted,
		IssueURL: item.IssueURL,
		PRURL:    prURL,
		CostUSD:  cost,
	})
}

// engage dispatches the processor under the ai-backend circuit with the
// configured watchdog. The processor beats the watchdog around each call.
func (o *Orchestrator) engage(ctx context.Context, issue *persistence.Issue, ws *workspace.Workspace, branch string, opts RunOptions) (*processor.Result, error) {
	var result *processor.Result
	err := o.exec.Execute(ctx, resilience.Operation{
		Class: "ai-backend",
		Name:  "process " + issue.URL,
		Run: func(ctx context.Context, beat resilience.Heartbeat) error {
			res, err := o.proc.Process(ctx, processor.Request{
				IssueURL:   issue.URL,
				IssueTitle: issue.Title,
				IssueBody:  issue.Body,
				WorkDir:    ws.Path,
				Branch:     branch,
				DryRun:     opts.DryRun,
				BudgetUSD:  o.cfg.Budget.PerItemUSD,
				Heartbeat:  beat,
			})
			if err != nil {
				return err
			}
			result = res
			return nil
		},
	})
	return result, err
}

func (o *Orchestrator) createPR(ctx context.Context, issue *persistence.Issue, branch string, result *processor.Result) (*github.PullRequest, error) {
	var pr *github.PullRequest
	err := o.exec.Execute(ctx, resilience.Operation{
		Class: "vcs-api",
		Name:  "create pr " + branch,
		Run: func(ctx context.Context, _ resilience.Heartbeat) error {
			created, err := o.prs.CreatePR(ctx, github.PRCreateOptions{
				Title: issue.Title,
				Body:  prBody(issue, result),
				Head:  branch,
				Base:  o.cfg.Git.TargetBranch,
			})
			if err != nil {
				return err
			}
			pr = created
			return nil
		},
	})
	return pr, err
}

// budgetDenied checks the configured ceilings plus the run-level override.
func (o *Orchestrator) budgetDenied(run *persistence.ParallelRun, issueURL string, opts RunOptions) (string, bool) {
	decision, err := o.budget.CanProceed(run.ID, issueURL)
	if err != nil {
		o.logger.Error("budget check failed for %s: %v", issueURL, err)
		return "budget check failed: " + err.Error(), true
	}
	if !decision.Allowed {
		return decision.Reason, true
	}

	limit := opts.BudgetUSD
	if limit <= 0 {
		limit = run.BudgetUSD
	}
	if limit > 0 {
		spent, err := o.budget.SpentForRun(run.ID)
		if err != nil {
			o.logger.Error("budget check failed for %s: %v", issueURL, err)
			return "budget check failed: " + err.Error(), true
		}
		if spent >= limit {
			return fmt.Sprintf("run budget exhausted: $%.2f spent of $%.2f", spent, limit), true
		}
	}
	return "", false
}

func (o *Orchestrator) settleSpend(run *persistence.ParallelRun, issueURL string, cost float64) {
	if cost <= 0 {
		return
	}
	if err := o.budget.RecordSpend(run.ID, issueURL, cost); err != nil {
		o.logger.Error("failed to record spend for %s: %v", issueURL, err)
	}
	if err := o.store.AddRunCost(run.ID, cost); err != nil {
		o.logger.Error("failed to add run cost: %v", err)
	}
	if err := o.store.ReleaseWorkRecord(issueURL, cost); err != nil {
		o.logger.Warn("failed to release work record for %s: %v", issueURL, err)
	}
}

func (o *Orchestrator) openSession(issue *persistence.Issue, ws *workspace.Workspace) *persistence.Session {
	provider, model, _ := strings.Cut(o.proc.Name(), "/")
	session := &persistence.Session{
		IssueID:    issue.ID,
		Provider:   provider,
		Model:      model,
		WorkingDir: ws.Path,
	}
	if err := o.store.CreateSession(session); err != nil {
		o.logger.Warn("failed to create session for %s: %v", issue.URL, err)
		return nil
	}
	return session
}

func (o *Orchestrator) closeSession(session *persistence.Session, result *processor.Result, procErr error) {
	if session == nil {
		return
	}
	var turns int
	var cost float64
	if result != nil {
		turns = result.TurnCount
		cost = result.CostUSD
	}
	var termErr *string
	if procErr != nil {
		termErr = ptr(procErr.Error())
	} else if result != nil && !result.Success && result.Error != "" {
		termErr = ptr(result.Error)
	}
	if err := o.store.CloseSession(session.ID, turns, cost, termErr); err != nil {
		o.logger.Warn("failed to close session %s: %v", session.ID, err)
	}
}

// stopOnTerminal escalates run-level error conditions: an open circuit
// means the backend is down for everyone, and a budget denial applies to
// the whole run.
func (o *Orchestrator) stopOnTerminal(rs *runState, err error) {
	switch {
	case errors.Is(err, errs.ErrCircuitOpen):
		rs.setStop(StopRateLimited)
	case errors.Is(err, errs.ErrBudgetExceeded):
		rs.setStop(StopMaxBudget)
	}
}

// abandonIssue terminally fails the issue unless the run is dry or the
// issue never left queued.
func (o *Orchestrator) abandonIssue(issue *persistence.Issue, opts RunOptions, reason string) {
	if opts.DryRun {
		return
	}
	current, err := o.store.GetIssue(issue.ID)
	if err != nil || current.State != persistence.IssueInProgress {
		return
	}
	if err := o.store.TransitionIssue(issue.ID, persistence.IssueAbandoned, reason, nil); err != nil {
		o.logger.Warn("failed to abandon issue %s: %v", issue.ID, err)
	}
}

// failItem settles the item as failed and emits the failure event.
func (o *Orchestrator) failItem(run *persistence.ParallelRun, item *persistence.WorkItem, cost *float64, errMsg string) {
	patch := persistence.WorkItemPatch{
		Status:  ptr(persistence.ItemFailed),
		CostUSD: cost,
		Error:   &errMsg,
	}
	if err := o.store.UpdateWorkItem(run.ID, item.IssueURL, patch); err != nil {
		o.logger.Error("failed to settle item %s: %v", item.IssueURL, err)
	}
	var c float64
	if cost != nil {
		c = *cost
	}
	o.emit(run.ID, events.Event{
		Type:     events.IssueFailed,
		IssueURL: item.IssueURL,
		Error:    errMsg,
		CostUSD:  c,
	})
}

// cancelItem settles an in-flight item as cancelled without touching the
// issue, which stays queued for a later run.
func (o *Orchestrator) cancelItem(run *persistence.ParallelRun, item *persistence.WorkItem, reason string) {
	patch := persistence.WorkItemPatch{
		Status: ptr(persistence.ItemCancelled),
		Error:  &reason,
	}
	if err := o.store.UpdateWorkItem(run.ID, item.IssueURL, patch); err != nil {
		o.logger.Error("failed to cancel item %s: %v", item.IssueURL, err)
	}
	o.emit(run.ID, events.Event{
		Type:     events.IssueSkipped,
		IssueURL: item.IssueURL,
		Reason:   reason,
	})
}

// describeConflicts renders a conflict list for item errors and events.
func describeConflicts(confs []conflict.Conflict) string {
	parts := make([]string, 0, len(confs))
	for _, c := range confs {
		files := c.Paths
		if len(files) > 3 {
			files = files[:3]
		}
		parts = append(parts, fmt.Sprintf("%s and %s both touch %s",
			c.IssueA, c.IssueB, strings.Join(files, ", ")))
	}
	return strings.Join(parts, "; ")
}

func prBody(issue *persistence.Issue, result *processor.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resolves %s\n\n", issue.URL)
	if result.Summary != "" {
		b.WriteString(result.Summary)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n---\nAutomated change. Cost: $%.4f, %d turn(s).\n", result.CostUSD, result.TurnCount)
	return b.String()
}

func ptr[T any](v T) *T { return &v }
