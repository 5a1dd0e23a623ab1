// Package store provides the embedded relational persistence layer shared
// by the worktree manager, attempt executor, and event bus. It is backed by
// SQLite, opened through either the cgo mattn/go-sqlite3 driver or the pure
// Go modernc.org/sqlite driver, selected by configuration.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/alekspetrov/forge/internal/apperr"
)

// Store is the single persistence handle shared across components. All
// exported methods are safe for concurrent use; database/sql pools
// connections internally and SQLite's own locking serializes writers.
type Store struct {
	db     *sql.DB
	driver string
}

// driverName maps the configured logical driver name to the registered
// database/sql driver name. "sqlite3" selects the cgo driver; anything else
// (including the empty string) falls back to the pure-Go driver so builds
// without a C toolchain still work, mirroring the dual-driver stance the
// teacher's go.mod already takes.
func driverName(configured string) string {
	if configured == "sqlite3" {
		return "sqlite3"
	}
	return "sqlite"
}

// Open creates a Store backed by a SQLite database at path, using driver
// ("sqlite3" or "sqlite"). It creates the parent directory if needed and
// runs migrations before returning.
func Open(path string, driver string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	drv := driverName(driver)
	db, err := sql.Open(drv, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent attempt activity without adding a busy-retry layer.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, driver: drv}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			git_repo_path TEXT NOT NULL,
			default_branch TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL,
			wish_id TEXT,
			created_by TEXT NOT NULL,
			assigned_to TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_wish ON tasks(wish_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assigned_to)`,
		`CREATE TABLE IF NOT EXISTS task_attempts (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			branch TEXT NOT NULL,
			base_branch TEXT NOT NULL,
			executor TEXT NOT NULL,
			worktree_path TEXT,
			state TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			finished_at DATETIME,
			exit_code INTEGER,
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_task ON task_attempts(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_state ON task_attempts(state)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_branch ON task_attempts(branch)`,
		`CREATE TABLE IF NOT EXISTS execution_processes (
			id TEXT PRIMARY KEY,
			attempt_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			pid INTEGER,
			started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			exited_at DATETIME,
			exit_code INTEGER,
			FOREIGN KEY (attempt_id) REFERENCES task_attempts(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processes_attempt ON execution_processes(attempt_id)`,
		`CREATE TABLE IF NOT EXISTS normalized_entries (
			id TEXT PRIMARY KEY,
			process_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			entry_type TEXT NOT NULL,
			payload TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (process_id) REFERENCES execution_processes(id) ON DELETE CASCADE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_process_ordinal ON normalized_entries(process_id, ordinal)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL,
			username TEXT NOT NULL,
			display_name TEXT,
			is_admin BOOLEAN DEFAULT FALSE,
			is_whitelisted BOOLEAN DEFAULT FALSE,
			token_ciphertext TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_external ON users(external_id)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			kind TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_token_hash ON sessions(token_hash)`,
		// Audit entries are retained independently of their referenced
		// resources, so no foreign key ties them to users/tasks/etc.
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			user_id TEXT,
			resource TEXT NOT NULL,
			action TEXT NOT NULL,
			result TEXT NOT NULL,
			severity TEXT NOT NULL,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			details TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_entries(user_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			errStr := err.Error()
			if strings.Contains(errStr, "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// classify maps a raw database/sql error to the error taxonomy, so callers
// never need to inspect driver-specific strings themselves.
func classify(err error, notFoundMsg string) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return apperr.New(apperr.KindNotFound, notFoundMsg)
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return apperr.Wrap(apperr.KindConflict, "unique constraint violated", err)
	}
	if strings.Contains(msg, "FOREIGN KEY constraint failed") {
		return apperr.Wrap(apperr.KindConflict, "foreign key constraint violated", err)
	}
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "disk I/O error") {
		return apperr.Wrap(apperr.KindStoreUnavailable, "store unavailable", err)
	}
	return apperr.Wrap(apperr.KindInternal, "store error", err)
}
