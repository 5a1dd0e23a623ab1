package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/forge/internal/domain"
)

// InsertProject creates a Project and returns its post-image.
func (s *Store) InsertProject(p domain.Project) (domain.Project, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO projects (id, name, git_repo_path, default_branch, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.GitRepoPath, p.DefaultBranch, p.CreatedBy, p.CreatedAt,
	)
	if err != nil {
		return domain.Project{}, classify(err, "project")
	}
	return p, nil
}

// GetProject fetches a Project by id.
func (s *Store) GetProject(id string) (domain.Project, error) {
	var p domain.Project
	row := s.db.QueryRow(
		`SELECT id, name, git_repo_path, default_branch, created_by, created_at
		 FROM projects WHERE id = ?`, id)
	if err := row.Scan(&p.ID, &p.Name, &p.GitRepoPath, &p.DefaultBranch, &p.CreatedBy, &p.CreatedAt); err != nil {
		return domain.Project{}, classify(err, "project")
	}
	return p, nil
}

// ListProjects returns every registered project, ordered by creation time.
func (s *Store) ListProjects() ([]domain.Project, error) {
	rows, err := s.db.Query(
		`SELECT id, name, git_repo_path, default_branch, created_by, created_at
		 FROM projects ORDER BY created_at ASC`)
	if err != nil {
		return nil, classify(err, "project")
	}
	defer rows.Close()

	var out []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.GitRepoPath, &p.DefaultBranch, &p.CreatedBy, &p.CreatedAt); err != nil {
			return nil, classify(err, "project")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
