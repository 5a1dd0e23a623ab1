package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/forge/internal/apperr"
	"github.com/alekspetrov/forge/internal/domain"
)

// TaskFilter narrows ListTasks. Zero-value fields are unconstrained.
type TaskFilter struct {
	ProjectID string
	Status    domain.TaskStatus
	WishID    string
	Assignee  string
}

// InsertTask creates a Task and returns its post-image.
func (s *Store) InsertTask(t domain.Task) (domain.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = domain.TaskTodo
	}
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, project_id, title, description, status, wish_id, created_by, assigned_to, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Description, string(t.Status), t.WishID, t.CreatedBy,
		nullableString(t.AssignedTo), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return domain.Task{}, classify(err, "task")
	}
	return t, nil
}

// UpdateTask writes the mutable fields of an existing Task and returns its
// post-image. Callers are responsible for enforcing status-transition
// invariants before calling this.
func (s *Store) UpdateTask(t domain.Task) (domain.Task, error) {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE tasks SET title=?, description=?, status=?, wish_id=?, assigned_to=?, updated_at=?
		 WHERE id=?`,
		t.Title, t.Description, string(t.Status), t.WishID, nullableString(t.AssignedTo), t.UpdatedAt, t.ID,
	)
	if err != nil {
		return domain.Task{}, classify(err, "task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Task{}, apperr.New(apperr.KindNotFound, "task")
	}
	return s.GetTask(t.ID)
}

// DeleteTask removes a Task; cascading TaskAttempt/ExecutionProcess/
// NormalizedEntry rows are removed by the foreign key ON DELETE CASCADE.
func (s *Store) DeleteTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	return classify(err, "task")
}

// GetTask fetches a Task by id.
func (s *Store) GetTask(id string) (domain.Task, error) {
	return s.scanTask(s.db.QueryRow(
		`SELECT id, project_id, title, description, status, wish_id, created_by, assigned_to, created_at, updated_at
		 FROM tasks WHERE id = ?`, id))
}

// ListTasks returns tasks matching filter, most recently updated first.
func (s *Store) ListTasks(filter TaskFilter) ([]domain.Task, error) {
	query := `SELECT id, project_id, title, description, status, wish_id, created_by, assigned_to, created_at, updated_at FROM tasks WHERE 1=1`
	var args []any
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.WishID != "" {
		query += ` AND wish_id = ?`
		args = append(args, filter.WishID)
	}
	if filter.Assignee != "" {
		query += ` AND assigned_to = ?`
		args = append(args, filter.Assignee)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, classify(err, "task")
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := s.scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var status string
	var wishID, assignedTo sql.NullString
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &status, &wishID, &t.CreatedBy, &assignedTo, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Task{}, classify(err, "task")
	}
	t.Status = domain.TaskStatus(status)
	t.WishID = wishID.String
	t.AssignedTo = assignedTo.String
	return t, nil
}

func (s *Store) scanTaskRow(rows *sql.Rows) (domain.Task, error) {
	return s.scanTask(rows)
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
