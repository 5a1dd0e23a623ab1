package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/forge/internal/domain"
)

// InsertProcess creates an ExecutionProcess and returns its post-image.
func (s *Store) InsertProcess(p domain.ExecutionProcess) (domain.ExecutionProcess, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.StartedAt.IsZero() {
		p.StartedAt = time.Now().UTC()
	}
	var pid any
	if p.PID != nil {
		pid = *p.PID
	}
	_, err := s.db.Exec(
		`INSERT INTO execution_processes (id, attempt_id, kind, pid, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.AttemptID, string(p.Kind), pid, p.StartedAt,
	)
	if err != nil {
		return domain.ExecutionProcess{}, classify(err, "execution_process")
	}
	return p, nil
}

// FinishProcess records the process's exit time and code.
func (s *Store) FinishProcess(id string, exitCode int) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`UPDATE execution_processes SET exited_at = ?, exit_code = ? WHERE id = ?`, now, exitCode, id)
	return classify(err, "execution_process")
}

// GetProcess fetches an ExecutionProcess by id.
func (s *Store) GetProcess(id string) (domain.ExecutionProcess, error) {
	return scanProcess(s.db.QueryRow(
		`SELECT id, attempt_id, kind, pid, started_at, exited_at, exit_code
		 FROM execution_processes WHERE id = ?`, id))
}

// ListProcessesForAttempt returns every process bracketing an attempt, in
// the order they were started (setup, agent, cleanup).
func (s *Store) ListProcessesForAttempt(attemptID string) ([]domain.ExecutionProcess, error) {
	rows, err := s.db.Query(
		`SELECT id, attempt_id, kind, pid, started_at, exited_at, exit_code
		 FROM execution_processes WHERE attempt_id = ? ORDER BY started_at ASC`, attemptID)
	if err != nil {
		return nil, classify(err, "execution_process")
	}
	defer rows.Close()

	var out []domain.ExecutionProcess
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProcess(row rowScanner) (domain.ExecutionProcess, error) {
	var p domain.ExecutionProcess
	var kind string
	var pid sql.NullInt64
	var exitedAt sql.NullTime
	var exitCode sql.NullInt64
	if err := row.Scan(&p.ID, &p.AttemptID, &kind, &pid, &p.StartedAt, &exitedAt, &exitCode); err != nil {
		return domain.ExecutionProcess{}, classify(err, "execution_process")
	}
	p.Kind = domain.ProcessKind(kind)
	if pid.Valid {
		v := int(pid.Int64)
		p.PID = &v
	}
	if exitedAt.Valid {
		t := exitedAt.Time
		p.ExitedAt = &t
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		p.ExitCode = &v
	}
	return p, nil
}
