package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"conductor/pkg/errs"
)

const runColumns = `id, status, max_concurrent, budget_usd, total_issues,
	total_cost_usd, stop_reason, created_at, completed_at`

const itemColumns = `run_id, issue_url, status, cost_usd, session_id, pr_url,
	error, created_at, started_at, completed_at`

// WorkItemPatch is a partial update for a work item. Nil fields are left
// untouched. Setting Status stamps started_at / completed_at automatically.
type WorkItemPatch struct {
	Status    *string
	CostUSD   *float64
	SessionID *string
	PRURL     *string
	Error     *string
}

// CreateParallelRun creates the run row and seeds one pending work item per
// URL, all in one transaction: a run is never observable half-seeded.
func (s *Store) CreateParallelRun(urls []string, maxConcurrent int, budgetUSD float64) (*ParallelRun, error) {
	id, err := GenerateRunID()
	if err != nil {
		return nil, err
	}

	run := &ParallelRun{
		ID:            id,
		Status:        RunRunning,
		MaxConcurrent: maxConcurrent,
		BudgetUSD:     budgetUSD,
		TotalIssues:   len(urls),
		CreatedAt:     time.Now().UTC(),
	}

	err = s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO parallel_runs (id, status, max_concurrent, budget_usd, total_issues, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, run.Status, run.MaxConcurrent, run.BudgetUSD, run.TotalIssues, run.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}

		for _, url := range urls {
			if _, err := tx.Exec(`
				INSERT INTO work_items (run_id, issue_url, status, created_at)
				VALUES (?, ?, ?, ?)`,
				run.ID, url, ItemPending, run.CreatedAt,
			); err != nil {
				return fmt.Errorf("failed to seed work item %s: %w", url, err)
			}
		}
		return appendTransition(tx, EntityRun, run.ID, "", RunRunning, fmt.Sprintf("run created with %d items", len(urls)), nil)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetRun returns a run by ID.
func (s *Store) GetRun(id string) (*ParallelRun, error) {
	run := &ParallelRun{}
	err := s.db.QueryRow(
		`SELECT `+runColumns+` FROM parallel_runs WHERE id = ?`, id,
	).Scan(
		&run.ID, &run.Status, &run.MaxConcurrent, &run.BudgetUSD,
		&run.TotalIssues, &run.TotalCostUSD, &run.StopReason,
		&run.CreatedAt, &run.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.NotFoundError{Kind: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns() ([]*ParallelRun, error) {
	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM parallel_runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*ParallelRun
	for rows.Next() {
		run := &ParallelRun{}
		if err := rows.Scan(
			&run.ID, &run.Status, &run.MaxConcurrent, &run.BudgetUSD,
			&run.TotalIssues, &run.TotalCostUSD, &run.StopReason,
			&run.CreatedAt, &run.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run row iteration error: %w", err)
	}
	return runs, nil
}

// GetRunCounts derives the status buckets from the work_items table, so
// pending+in_progress+completed+failed+cancelled always equals total_issues.
func (s *Store) GetRunCounts(runID string) (RunCounts, error) {
	var counts RunCounts
	err := s.db.QueryRow(`
		SELECT
			SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END)
		FROM work_items WHERE run_id = ?`, runID,
	).Scan(&counts.Pending, &counts.InProgress, &counts.Completed, &counts.Failed, &counts.Cancelled)
	if err != nil {
		return counts, fmt.Errorf("failed to count work items for run %s: %w", runID, err)
	}
	return counts, nil
}

// UpdateRunStatus moves a run to a new status, stamping completed_at once
// the status is terminal. Terminal runs cannot change again.
func (s *Store) UpdateRunStatus(id, status string, stopReason *string) error {
	return s.inTx(func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRow(`SELECT status FROM parallel_runs WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return &errs.NotFoundError{Kind: "run", ID: id}
		}
		if err != nil {
			return fmt.Errorf("failed to read run status: %w", err)
		}
		if IsTerminalRunStatus(current) {
			return &errs.InvalidTransitionError{Entity: EntityRun, ID: id, From: current, To: status}
		}

		var completedAt any
		if IsTerminalRunStatus(status) {
			completedAt = time.Now().UTC()
		}
		_, err = tx.Exec(`
			UPDATE parallel_runs
			SET status = ?, stop_reason = COALESCE(?, stop_reason), completed_at = COALESCE(?, completed_at)
			WHERE id = ?`,
			status, stopReason, completedAt, id,
		)
		if err != nil {
			return fmt.Errorf("failed to update run status: %w", err)
		}

		reason := ""
		if stopReason != nil {
			reason = *stopReason
		}
		return appendTransition(tx, EntityRun, id, current, status, reason, nil)
	})
}

// AddRunCost accumulates cost onto the run row.
func (s *Store) AddRunCost(id string, amountUSD float64) error {
	_, err := s.db.Exec(
		`UPDATE parallel_runs SET total_cost_usd = total_cost_usd + ? WHERE id = ?`,
		amountUSD, id,
	)
	if err != nil {
		return fmt.Errorf("failed to add run cost: %w", err)
	}
	return nil
}

// GetWorkItem returns one work item.
func (s *Store) GetWorkItem(runID, issueURL string) (*WorkItem, error) {
	item := &WorkItem{}
	err := s.db.QueryRow(
		`SELECT `+itemColumns+` FROM work_items WHERE run_id = ? AND issue_url = ?`,
		runID, issueURL,
	).Scan(
		&item.RunID, &item.IssueURL, &item.Status, &item.CostUSD,
		&item.SessionID, &item.PRURL, &item.Error,
		&item.CreatedAt, &item.StartedAt, &item.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.NotFoundError{Kind: "work_item", ID: runID + "/" + issueURL}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load work item %s/%s: %w", runID, issueURL, err)
	}
	return item, nil
}

// ListWorkItems returns all items for a run in seed order.
func (s *Store) ListWorkItems(runID string) ([]*WorkItem, error) {
	rows, err := s.db.Query(
		`SELECT `+itemColumns+` FROM work_items WHERE run_id = ? ORDER BY rowid`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query work items for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var items []*WorkItem
	for rows.Next() {
		item := &WorkItem{}
		if err := rows.Scan(
			&item.RunID, &item.IssueURL, &item.Status, &item.CostUSD,
			&item.SessionID, &item.PRURL, &item.Error,
			&item.CreatedAt, &item.StartedAt, &item.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan work item row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("work item row iteration error: %w", err)
	}
	return items, nil
}

// NextPendingItem claims the next pending item for a run by moving it to
// in_progress, stamping started_at, and appending the audit row in one
// transaction, so two workers can never claim the same item.
func (s *Store) NextPendingItem(runID string) (*WorkItem, error) {
	var claimed *WorkItem
	err := s.inTx(func(tx *sql.Tx) error {
		item := &WorkItem{}
		err := tx.QueryRow(
			`SELECT `+itemColumns+` FROM work_items
			 WHERE run_id = ? AND status = 'pending' ORDER BY rowid LIMIT 1`, runID,
		).Scan(
			&item.RunID, &item.IssueURL, &item.Status, &item.CostUSD,
			&item.SessionID, &item.PRURL, &item.Error,
			&item.CreatedAt, &item.StartedAt, &item.CompletedAt,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return nil // No pending items left; claimed stays nil.
		}
		if err != nil {
			return fmt.Errorf("failed to pick pending item: %w", err)
		}

		now := time.Now().UTC()
		res, err := tx.Exec(`
			UPDATE work_items SET status = 'in_progress', started_at = ?
			WHERE run_id = ? AND issue_url = ? AND status = 'pending'`,
			now, runID, item.IssueURL,
		)
		if err != nil {
			return fmt.Errorf("failed to claim work item: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check claim result: %w", err)
		}
		if affected == 0 {
			return nil
		}

		item.Status = ItemInProgress
		item.StartedAt = &now
		claimed = item
		return appendTransition(tx, EntityWorkItem, itemKey(runID, item.IssueURL), ItemPending, ItemInProgress, "claimed by worker", nil)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateWorkItem applies a patch. A status change is validated against the
// item transition table; terminal statuses are final. started_at and
// completed_at are stamped from the status being set, and the audit row is
// appended in the same transaction.
func (s *Store) UpdateWorkItem(runID, issueURL string, patch WorkItemPatch) error {
	return s.inTx(func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRow(
			`SELECT status FROM work_items WHERE run_id = ? AND issue_url = ?`,
			runID, issueURL,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return &errs.NotFoundError{Kind: "work_item", ID: itemKey(runID, issueURL)}
		}
		if err != nil {
			return fmt.Errorf("failed to read work item status: %w", err)
		}

		now := time.Now().UTC()
		status := current
		var startedAt, completedAt any

		if patch.Status != nil && *patch.Status != current {
			if !CanTransition(ItemTransitions, current, *patch.Status) {
				return &errs.InvalidTransitionError{
					Entity: EntityWorkItem, ID: itemKey(runID, issueURL),
					From: current, To: *patch.Status,
				}
			}
			status = *patch.Status
			if status == ItemInProgress {
				startedAt = now
			}
			if IsTerminalItemStatus(status) {
				completedAt = now
			}
		}

		_, err = tx.Exec(`
			UPDATE work_items SET
				status = ?,
				cost_usd = COALESCE(?, cost_usd),
				session_id = COALESCE(?, session_id),
				pr_url = COALESCE(?, pr_url),
				error = COALESCE(?, error),
				started_at = COALESCE(?, started_at),
				completed_at = COALESCE(?, completed_at)
			WHERE run_id = ? AND issue_url = ?`,
			status, patch.CostUSD, patch.SessionID, patch.PRURL, patch.Error,
			startedAt, completedAt, runID, issueURL,
		)
		if err != nil {
			return fmt.Errorf("failed to update work item: %w", err)
		}

		if status != current {
			reason := ""
			if patch.Error != nil {
				reason = *patch.Error
			}
			return appendTransition(tx, EntityWorkItem, itemKey(runID, issueURL), current, status, reason, patch.SessionID)
		}
		return nil
	})
}

// CancelPendingItems moves every still-pending item of a run to cancelled in
// one transaction and returns how many were cancelled. In-flight items are
// untouched; they finish or abort cooperatively.
func (s *Store) CancelPendingItems(runID string) (int, error) {
	var cancelled int
	err := s.inTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT issue_url FROM work_items WHERE run_id = ? AND status = 'pending'`, runID,
		)
		if err != nil {
			return fmt.Errorf("failed to list pending items: %w", err)
		}
		var urls []string
		for rows.Next() {
			var url string
			if err := rows.Scan(&url); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan pending item: %w", err)
			}
			urls = append(urls, url)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("pending item iteration error: %w", err)
		}

		now := time.Now().UTC()
		for _, url := range urls {
			if _, err := tx.Exec(`
				UPDATE work_items SET status = 'cancelled', completed_at = ?
				WHERE run_id = ? AND issue_url = ? AND status = 'pending'`,
				now, runID, url,
			); err != nil {
				return fmt.Errorf("failed to cancel item %s: %w", url, err)
			}
			if err := appendTransition(tx, EntityWorkItem, itemKey(runID, url), ItemPending, ItemCancelled, "run cancelled", nil); err != nil {
				return err
			}
		}
		cancelled = len(urls)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cancelled, nil
}

func itemKey(runID, issueURL string) string {
	return runID + "/" + issueURL
}
