package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"conductor/pkg/errs"
)

const sessionColumns = `id, issue_id, provider, model, status, working_dir,
	turns, cost_usd, resumable, superseded_by, error, created_at, ended_at`

// CreateSession opens a new engagement record for an issue.
func (s *Store) CreateSession(session *Session) error {
	if session.ID == "" {
		session.ID = GenerateSessionID()
	}
	if session.Status == "" {
		session.Status = SessionActive
	}
	session.CreatedAt = time.Now().UTC()

	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO sessions (id, issue_id, provider, model, status,
				working_dir, turns, cost_usd, resumable, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			session.ID, session.IssueID, session.Provider, session.Model,
			session.Status, session.WorkingDir, session.Turns, session.CostUSD,
			session.Resumable, session.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session for issue %s: %w", session.IssueID, err)
		}
		return appendTransition(tx, EntitySession, session.ID, "", session.Status, "engagement started", nil)
	})
}

// GetSession returns a session by ID.
func (s *Store) GetSession(id string) (*Session, error) {
	session := &Session{}
	err := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id,
	).Scan(
		&session.ID, &session.IssueID, &session.Provider, &session.Model,
		&session.Status, &session.WorkingDir, &session.Turns, &session.CostUSD,
		&session.Resumable, &session.SupersededBy, &session.Error,
		&session.CreatedAt, &session.EndedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.NotFoundError{Kind: "session", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return session, nil
}

// CloseSession marks a session ended, recording its final turn count, cost,
// and terminal error if any. Closing an already-closed session fails
// InvalidTransition.
func (s *Store) CloseSession(id string, turns int, costUSD float64, termErr *string) error {
	return s.inTx(func(tx *sql.Tx) error {
		status, err := sessionStatus(tx, id)
		if err != nil {
			return err
		}
		if status != SessionActive {
			return &errs.InvalidTransitionError{Entity: EntitySession, ID: id, From: status, To: SessionClosed}
		}

		_, err = tx.Exec(`
			UPDATE sessions SET status = ?, turns = ?, cost_usd = ?, error = ?, ended_at = ?
			WHERE id = ?`,
			SessionClosed, turns, costUSD, termErr, time.Now().UTC(), id,
		)
		if err != nil {
			return fmt.Errorf("failed to close session %s: %w", id, err)
		}
		reason := "engagement ended"
		if termErr != nil {
			reason = "engagement failed"
		}
		return appendTransition(tx, EntitySession, id, SessionActive, SessionClosed, reason, nil)
	})
}

// SupersedeSession closes the old session as superseded and opens a fresh
// one for the retry, linking old to new. Sessions are never reopened.
func (s *Store) SupersedeSession(oldID string, replacement *Session) error {
	if replacement.ID == "" {
		replacement.ID = GenerateSessionID()
	}
	replacement.Status = SessionActive
	replacement.CreatedAt = time.Now().UTC()

	return s.inTx(func(tx *sql.Tx) error {
		status, err := sessionStatus(tx, oldID)
		if err != nil {
			return err
		}
		if status == SessionSuperseded {
			return &errs.InvalidTransitionError{Entity: EntitySession, ID: oldID, From: status, To: SessionSuperseded}
		}

		_, err = tx.Exec(`
			UPDATE sessions SET status = ?, superseded_by = ?, ended_at = COALESCE(ended_at, ?)
			WHERE id = ?`,
			SessionSuperseded, replacement.ID, time.Now().UTC(), oldID,
		)
		if err != nil {
			return fmt.Errorf("failed to supersede session %s: %w", oldID, err)
		}

		_, err = tx.Exec(`
			INSERT INTO sessions (id, issue_id, provider, model, status,
				working_dir, turns, cost_usd, resumable, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			replacement.ID, replacement.IssueID, replacement.Provider,
			replacement.Model, replacement.Status, replacement.WorkingDir,
			replacement.Turns, replacement.CostUSD, replacement.Resumable,
			replacement.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert replacement session: %w", err)
		}

		if err := appendTransition(tx, EntitySession, oldID, status, SessionSuperseded, "superseded on retry", nil); err != nil {
			return err
		}
		return appendTransition(tx, EntitySession, replacement.ID, "", SessionActive, "retry engagement started", nil)
	})
}

// ListSessionsForIssue returns all sessions for an issue, oldest first.
func (s *Store) ListSessionsForIssue(issueID string) ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sessions WHERE issue_id = ? ORDER BY created_at`, issueID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions for issue %s: %w", issueID, err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		session := &Session{}
		if err := rows.Scan(
			&session.ID, &session.IssueID, &session.Provider, &session.Model,
			&session.Status, &session.WorkingDir, &session.Turns, &session.CostUSD,
			&session.Resumable, &session.SupersededBy, &session.Error,
			&session.CreatedAt, &session.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session row iteration error: %w", err)
	}
	return sessions, nil
}

func sessionStatus(tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRow(`SELECT status FROM sessions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &errs.NotFoundError{Kind: "session", ID: id}
	}
	if err != nil {
		return "", fmt.Errorf("failed to read session status: %w", err)
	}
	return status, nil
}
