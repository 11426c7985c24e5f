package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"conductor/pkg/errs"
)

// UpsertWorkRecord creates or refreshes the durable issue -> workspace
// mapping. Attempts is incremented on every upsert.
func (s *Store) UpsertWorkRecord(rec *WorkRecord) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO work_records (issue_url, branch, worktree_path, pr_number, pr_url,
			attempts, total_cost_usd, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(issue_url) DO UPDATE SET
			branch = excluded.branch,
			worktree_path = excluded.worktree_path,
			pr_number = COALESCE(excluded.pr_number, work_records.pr_number),
			pr_url = COALESCE(excluded.pr_url, work_records.pr_url),
			attempts = work_records.attempts + 1,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		rec.IssueURL, rec.Branch, rec.WorktreePath, rec.PRNumber, rec.PRURL,
		rec.TotalCostUSD, rec.Active, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert work record for %s: %w", rec.IssueURL, err)
	}
	return nil
}

// GetWorkRecord returns the workspace mapping for an issue URL.
func (s *Store) GetWorkRecord(issueURL string) (*WorkRecord, error) {
	rec := &WorkRecord{}
	err := s.db.QueryRow(`
		SELECT issue_url, branch, worktree_path, pr_number, pr_url, attempts,
			total_cost_usd, active, created_at, updated_at
		FROM work_records WHERE issue_url = ?`, issueURL,
	).Scan(
		&rec.IssueURL, &rec.Branch, &rec.WorktreePath, &rec.PRNumber, &rec.PRURL,
		&rec.Attempts, &rec.TotalCostUSD, &rec.Active, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.NotFoundError{Kind: "work_record", ID: issueURL}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load work record for %s: %w", issueURL, err)
	}
	return rec, nil
}

// ListActiveWorkRecords returns records whose worktree has not been
// released; the cleanup pass uses this to find abandoned workspaces.
func (s *Store) ListActiveWorkRecords() ([]*WorkRecord, error) {
	rows, err := s.db.Query(`
		SELECT issue_url, branch, worktree_path, pr_number, pr_url, attempts,
			total_cost_usd, active, created_at, updated_at
		FROM work_records WHERE active = 1 ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active work records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*WorkRecord
	for rows.Next() {
		rec := &WorkRecord{}
		if err := rows.Scan(
			&rec.IssueURL, &rec.Branch, &rec.WorktreePath, &rec.PRNumber, &rec.PRURL,
			&rec.Attempts, &rec.TotalCostUSD, &rec.Active, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan work record row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("work record row iteration error: %w", err)
	}
	return records, nil
}

// ReleaseWorkRecord marks an issue's workspace released and adds the final
// engagement cost to its cumulative total.
func (s *Store) ReleaseWorkRecord(issueURL string, costUSD float64) error {
	res, err := s.db.Exec(`
		UPDATE work_records
		SET active = 0, total_cost_usd = total_cost_usd + ?, updated_at = ?
		WHERE issue_url = ?`,
		costUSD, time.Now().UTC(), issueURL,
	)
	if err != nil {
		return fmt.Errorf("failed to release work record for %s: %w", issueURL, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check release result: %w", err)
	}
	if affected == 0 {
		return &errs.NotFoundError{Kind: "work_record", ID: issueURL}
	}
	return nil
}

// RecordSpend appends one spend row for a scope. Additive and always safe
// to call, regardless of the unit's outcome.
func (s *Store) RecordSpend(scope string, amountUSD float64) error {
	_, err := s.db.Exec(
		`INSERT INTO spend_ledger (scope, amount_usd, timestamp) VALUES (?, ?, ?)`,
		scope, amountUSD, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record spend for %s: %w", scope, err)
	}
	return nil
}

// SpentSince sums a scope's ledger entries at or after the cutoff. A zero
// cutoff sums the whole ledger for the scope.
func (s *Store) SpentSince(scope string, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRow(
		`SELECT SUM(amount_usd) FROM spend_ledger WHERE scope = ? AND timestamp >= ?`,
		scope, since.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum spend for %s: %w", scope, err)
	}
	return total.Float64, nil
}
