package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/forge/internal/apperr"
	"github.com/alekspetrov/forge/internal/domain"
)

// InsertAttempt creates a TaskAttempt in state pending and returns its
// post-image. The branch-uniqueness invariant is enforced by a unique index;
// a violation surfaces as apperr.KindConflict.
func (s *Store) InsertAttempt(a domain.TaskAttempt) (domain.TaskAttempt, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.State == "" {
		a.State = domain.AttemptPending
	}
	_, err := s.db.Exec(
		`INSERT INTO task_attempts (id, task_id, branch, base_branch, executor, worktree_path, state, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.Branch, a.BaseBranch, a.Executor, nullableString(a.WorktreePath), string(a.State), a.CreatedBy, a.CreatedAt,
	)
	if err != nil {
		return domain.TaskAttempt{}, classify(err, "task_attempt")
	}
	return a, nil
}

// CompareAndSetState transitions an attempt from `from` to `to`, failing
// with apperr.KindConflict if the current state does not match `from`. This
// is the primitive `start()` uses to guarantee exactly one caller wins the
// pending→preparing race.
func (s *Store) CompareAndSetState(id string, from, to domain.AttemptState) (domain.TaskAttempt, error) {
	res, err := s.db.Exec(
		`UPDATE task_attempts SET state = ? WHERE id = ? AND state = ?`,
		string(to), id, string(from),
	)
	if err != nil {
		return domain.TaskAttempt{}, classify(err, "task_attempt")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		existing, getErr := s.GetAttempt(id)
		if getErr != nil {
			return domain.TaskAttempt{}, getErr
		}
		return domain.TaskAttempt{}, apperr.New(apperr.KindConflict,
			"attempt state changed concurrently, now "+string(existing.State))
	}
	return s.GetAttempt(id)
}

// SetWorktreePath records the worktree acquired for an attempt.
func (s *Store) SetWorktreePath(id, path string) error {
	_, err := s.db.Exec(`UPDATE task_attempts SET worktree_path = ? WHERE id = ?`, nullableString(path), id)
	return classify(err, "task_attempt")
}

// FinishAttempt records the terminal state, finish time, and exit code.
func (s *Store) FinishAttempt(id string, state domain.AttemptState, exitCode *int) (domain.TaskAttempt, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE task_attempts SET state = ?, finished_at = ?, exit_code = ? WHERE id = ?`,
		string(state), now, exitCode, id,
	)
	if err != nil {
		return domain.TaskAttempt{}, classify(err, "task_attempt")
	}
	return s.GetAttempt(id)
}

// ClearWorktreePath unsets worktree_path once the worktree has been reaped.
func (s *Store) ClearWorktreePath(id string) error {
	_, err := s.db.Exec(`UPDATE task_attempts SET worktree_path = NULL WHERE id = ?`, id)
	return classify(err, "task_attempt")
}

// GetAttempt fetches a TaskAttempt by id.
func (s *Store) GetAttempt(id string) (domain.TaskAttempt, error) {
	return scanAttempt(s.db.QueryRow(
		`SELECT id, task_id, branch, base_branch, executor, worktree_path, state, created_by, created_at, finished_at, exit_code
		 FROM task_attempts WHERE id = ?`, id))
}

// ListAttemptsForTask returns all attempts of a task, newest first.
func (s *Store) ListAttemptsForTask(taskID string) ([]domain.TaskAttempt, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, branch, base_branch, executor, worktree_path, state, created_by, created_at, finished_at, exit_code
		 FROM task_attempts WHERE task_id = ? ORDER BY created_at DESC`, taskID)
	if err != nil {
		return nil, classify(err, "task_attempt")
	}
	defer rows.Close()

	var out []domain.TaskAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActiveAttemptForTask returns the attempt currently in a non-terminal
// active state for a task, if any, enforcing the at-most-one invariant at
// the read side (the write side enforces it via CompareAndSetState plus the
// caller's pre-check in AttemptExecutor.start).
func (s *Store) ActiveAttemptForTask(taskID string) (*domain.TaskAttempt, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, branch, base_branch, executor, worktree_path, state, created_by, created_at, finished_at, exit_code
		 FROM task_attempts WHERE task_id = ? AND state IN ('preparing','running','finalizing')`, taskID)
	if err != nil {
		return nil, classify(err, "task_attempt")
	}
	defer rows.Close()

	if rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		return &a, nil
	}
	return nil, rows.Err()
}

// ListStaleActiveAttempts returns attempts still in an active state (per
// domain.AttemptState.Active) that were created before cutoff, for the
// attempt-timeout scanner to cancel.
func (s *Store) ListStaleActiveAttempts(cutoff time.Time) ([]domain.TaskAttempt, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, branch, base_branch, executor, worktree_path, state, created_by, created_at, finished_at, exit_code
		 FROM task_attempts
		 WHERE state IN ('preparing','running','finalizing') AND created_at < ?`,
		cutoff)
	if err != nil {
		return nil, classify(err, "task_attempt")
	}
	defer rows.Close()

	var out []domain.TaskAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListKnownWorktreePaths returns every worktree_path currently recorded
// against an attempt, regardless of that attempt's state, for the
// startup/sweep orphan scan to distinguish "owned, just not yet due for
// reclaim" directories from true no-owner-row orphans.
func (s *Store) ListKnownWorktreePaths() ([]string, error) {
	rows, err := s.db.Query(`SELECT worktree_path FROM task_attempts WHERE worktree_path IS NOT NULL`)
	if err != nil {
		return nil, classify(err, "task_attempt")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, classify(err, "task_attempt")
		}
		out = append(out, path)
	}
	return out, rows.Err()
}

// ListOrphanCandidates returns attempts in a terminal state whose worktree
// path is still set and whose finish time is older than cutoff, for the
// WorktreeManager sweeper.
func (s *Store) ListOrphanCandidates(cutoff time.Time) ([]domain.TaskAttempt, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, branch, base_branch, executor, worktree_path, state, created_by, created_at, finished_at, exit_code
		 FROM task_attempts
		 WHERE state IN ('merged','failed','cancelled') AND worktree_path IS NOT NULL AND finished_at < ?`,
		cutoff)
	if err != nil {
		return nil, classify(err, "task_attempt")
	}
	defer rows.Close()

	var out []domain.TaskAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAttempt(row rowScanner) (domain.TaskAttempt, error) {
	var a domain.TaskAttempt
	var state string
	var worktreePath sql.NullString
	var finishedAt sql.NullTime
	var exitCode sql.NullInt64
	if err := row.Scan(&a.ID, &a.TaskID, &a.Branch, &a.BaseBranch, &a.Executor, &worktreePath, &state, &a.CreatedBy, &a.CreatedAt, &finishedAt, &exitCode); err != nil {
		return domain.TaskAttempt{}, classify(err, "task_attempt")
	}
	a.State = domain.AttemptState(state)
	a.WorktreePath = worktreePath.String
	if finishedAt.Valid {
		t := finishedAt.Time
		a.FinishedAt = &t
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		a.ExitCode = &c
	}
	return a, nil
}
