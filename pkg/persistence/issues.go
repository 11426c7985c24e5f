package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"conductor/pkg/errs"
)

const issueColumns = `id, project, number, url, title, body, labels, state,
	pr_number, pr_url, created_at, updated_at, closed_at`

// CreateIssue inserts a newly discovered issue in the `discovered` state and
// appends its creation transition. Fails if the URL is already known.
func (s *Store) CreateIssue(issue *Issue) error {
	if issue.ID == "" {
		issue.ID = GenerateIssueID()
	}
	if issue.State == "" {
		issue.State = IssueDiscovered
	}
	now := time.Now().UTC()
	issue.CreatedAt = now
	issue.UpdatedAt = now

	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO issues (id, project, number, url, title, body, labels, state,
				pr_number, pr_url, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			issue.ID, issue.Project, issue.Number, issue.URL, issue.Title,
			issue.Body, issue.Labels, issue.State, issue.PRNumber, issue.PRURL,
			issue.CreatedAt, issue.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert issue %s: %w", issue.URL, err)
		}
		return appendTransition(tx, EntityIssue, issue.ID, "", issue.State, "discovered", nil)
	})
}

// GetIssue returns an issue by its row ID.
func (s *Store) GetIssue(id string) (*Issue, error) {
	return s.getIssueWhere("id = ?", id)
}

// GetIssueByURL returns an issue by its tracker URL.
func (s *Store) GetIssueByURL(url string) (*Issue, error) {
	return s.getIssueWhere("url = ?", url)
}

func (s *Store) getIssueWhere(where string, arg any) (*Issue, error) {
	issue := &Issue{}
	err := s.db.QueryRow(
		`SELECT `+issueColumns+` FROM issues WHERE `+where, arg,
	).Scan(
		&issue.ID, &issue.Project, &issue.Number, &issue.URL, &issue.Title,
		&issue.Body, &issue.Labels, &issue.State, &issue.PRNumber, &issue.PRURL,
		&issue.CreatedAt, &issue.UpdatedAt, &issue.ClosedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.NotFoundError{Kind: "issue", ID: fmt.Sprint(arg)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load issue %v: %w", arg, err)
	}
	return issue, nil
}

// ListIssuesByState returns all issues currently in the given state.
func (s *Store) ListIssuesByState(state string) ([]*Issue, error) {
	rows, err := s.db.Query(
		`SELECT `+issueColumns+` FROM issues WHERE state = ? ORDER BY created_at`, state,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues by state %s: %w", state, err)
	}
	defer func() { _ = rows.Close() }()

	var issues []*Issue
	for rows.Next() {
		issue := &Issue{}
		if err := rows.Scan(
			&issue.ID, &issue.Project, &issue.Number, &issue.URL, &issue.Title,
			&issue.Body, &issue.Labels, &issue.State, &issue.PRNumber, &issue.PRURL,
			&issue.CreatedAt, &issue.UpdatedAt, &issue.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan issue row: %w", err)
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("issue row iteration error: %w", err)
	}
	return issues, nil
}

// TransitionIssue validates and applies a state change, appending the audit
// row in the same transaction. The update is optimistic: it only matches the
// observed from-state, so a concurrent transition makes the loser fail with
// InvalidTransition instead of silently overwriting.
func (s *Store) TransitionIssue(id, toState, reason string, sessionID *string) error {
	return s.inTx(func(tx *sql.Tx) error {
		var fromState string
		err := tx.QueryRow(`SELECT state FROM issues WHERE id = ?`, id).Scan(&fromState)
		if errors.Is(err, sql.ErrNoRows) {
			return &errs.NotFoundError{Kind: "issue", ID: id}
		}
		if err != nil {
			return fmt.Errorf("failed to read issue state: %w", err)
		}

		if !CanTransition(IssueTransitions, fromState, toState) {
			return &errs.InvalidTransitionError{Entity: EntityIssue, ID: id, From: fromState, To: toState}
		}

		now := time.Now().UTC()
		var closedAt any
		if toState == IssueClosed || toState == IssueMerged || toState == IssueAbandoned {
			closedAt = now
		}

		res, err := tx.Exec(`
			UPDATE issues SET state = ?, updated_at = ?, closed_at = COALESCE(?, closed_at)
			WHERE id = ? AND state = ?`,
			toState, now, closedAt, id, fromState,
		)
		if err != nil {
			return fmt.Errorf("failed to update issue state: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check update result: %w", err)
		}
		if affected == 0 {
			// Lost a race inside the transaction window; report as invalid
			// from the state we observed.
			return &errs.InvalidTransitionError{Entity: EntityIssue, ID: id, From: fromState, To: toState}
		}

		return appendTransition(tx, EntityIssue, id, fromState, toState, reason, sessionID)
	})
}

// LinkIssuePR records the PR opened for an issue.
func (s *Store) LinkIssuePR(id string, prNumber int, prURL string) error {
	res, err := s.db.Exec(`
		UPDATE issues SET pr_number = ?, pr_url = ?, updated_at = ? WHERE id = ?`,
		prNumber, prURL, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to link PR to issue %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return &errs.NotFoundError{Kind: "issue", ID: id}
	}
	return nil
}

// ListTransitions returns the full audit trail for one entity, oldest first.
func (s *Store) ListTransitions(entity, entityID string) ([]*Transition, error) {
	rows, err := s.db.Query(`
		SELECT id, entity, entity_id, from_state, to_state, reason, session_id, timestamp
		FROM transitions WHERE entity = ? AND entity_id = ? ORDER BY id`,
		entity, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var transitions []*Transition
	for rows.Next() {
		tr := &Transition{}
		var reason sql.NullString
		if err := rows.Scan(
			&tr.ID, &tr.Entity, &tr.EntityID, &tr.FromState, &tr.ToState,
			&reason, &tr.SessionID, &tr.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transition row: %w", err)
		}
		tr.Reason = reason.String
		transitions = append(transitions, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transition row iteration error: %w", err)
	}
	return transitions, nil
}

// appendTransition inserts one audit row inside the caller's transaction.
func appendTransition(tx *sql.Tx, entity, entityID, from, to, reason string, sessionID *string) error {
	_, err := tx.Exec(`
		INSERT INTO transitions (entity, entity_id, from_state, to_state, reason, session_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entity, entityID, from, to, reason, sessionID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append transition for %s %s: %w", entity, entityID, err)
	}
	return nil
}
