package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration
// support. Increment it and add a runMigration case for any schema change.
const CurrentSchemaVersion = 1

func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(_ *sql.DB, version int) error {
	switch version {
	case 1:
		return nil // Initial schema, created by createSchema.
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

func createSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS issues (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			number INTEGER NOT NULL,
			url TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			body TEXT,
			labels TEXT,
			state TEXT NOT NULL DEFAULT 'discovered' CHECK (state IN (
				'discovered','queued','in_progress','pr_created',
				'awaiting_feedback','iterating','merged','closed','abandoned')),
			pr_number INTEGER,
			pr_url TEXT,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			closed_at DATETIME,
			UNIQUE (project, number)
		)`,

		`CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity TEXT NOT NULL CHECK (entity IN ('issue','work_item','run','session')),
			entity_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT,
			session_id TEXT,
			timestamp DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			issue_id TEXT NOT NULL REFERENCES issues(id),
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active','closed','superseded')),
			working_dir TEXT,
			turns INTEGER DEFAULT 0,
			cost_usd DECIMAL(10,4) DEFAULT 0.0,
			resumable INTEGER DEFAULT 0,
			superseded_by TEXT REFERENCES sessions(id),
			error TEXT,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			ended_at DATETIME
		)`,

		`CREATE TABLE IF NOT EXISTS parallel_runs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'running' CHECK (status IN (
				'running','paused','completed','cancelled','failed')),
			max_concurrent INTEGER NOT NULL,
			budget_usd DECIMAL(10,4) DEFAULT 0.0,
			total_issues INTEGER NOT NULL,
			total_cost_usd DECIMAL(10,4) DEFAULT 0.0,
			stop_reason TEXT,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			completed_at DATETIME
		)`,

		`CREATE TABLE IF NOT EXISTS work_items (
			run_id TEXT NOT NULL REFERENCES parallel_runs(id),
			issue_url TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN (
				'pending','in_progress','completed','failed','cancelled')),
			cost_usd DECIMAL(10,4) DEFAULT 0.0,
			session_id TEXT REFERENCES sessions(id),
			pr_url TEXT,
			error TEXT,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			started_at DATETIME,
			completed_at DATETIME,
			PRIMARY KEY (run_id, issue_url)
		)`,

		`CREATE TABLE IF NOT EXISTS work_records (
			issue_url TEXT PRIMARY KEY,
			branch TEXT NOT NULL,
			worktree_path TEXT NOT NULL,
			pr_number INTEGER,
			pr_url TEXT,
			attempts INTEGER DEFAULT 0,
			total_cost_usd DECIMAL(10,4) DEFAULT 0.0,
			active INTEGER DEFAULT 1,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS spend_ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scope TEXT NOT NULL,
			amount_usd DECIMAL(10,4) NOT NULL,
			timestamp DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_issues_state ON issues(state)",
		"CREATE INDEX IF NOT EXISTS idx_issues_url ON issues(url)",
		"CREATE INDEX IF NOT EXISTS idx_transitions_entity ON transitions(entity, entity_id)",
		"CREATE INDEX IF NOT EXISTS idx_sessions_issue ON sessions(issue_id)",
		"CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)",
		"CREATE INDEX IF NOT EXISTS idx_work_items_run ON work_items(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status)",
		"CREATE INDEX IF NOT EXISTS idx_work_records_active ON work_records(active)",
		"CREATE INDEX IF NOT EXISTS idx_spend_scope_time ON spend_ledger(scope, timestamp)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

func getSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
