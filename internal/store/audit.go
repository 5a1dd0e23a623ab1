package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/forge/internal/domain"
)

// InsertAudit appends an AuditEntry. Audit entries are retained independent
// of the resources they reference, so this never cascades from or to any
// other table.
func (s *Store) InsertAudit(a domain.AuditEntry) (domain.AuditEntry, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_entries (id, event_type, user_id, resource, action, result, severity, timestamp, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.EventType, nullableString(a.UserID), a.Resource, a.Action, string(a.Result), string(a.Severity), a.Timestamp, a.Details,
	)
	if err != nil {
		return domain.AuditEntry{}, classify(err, "audit_entry")
	}
	return a, nil
}

// ListAuditForUser returns audit entries for a user, newest first, capped
// at limit.
func (s *Store) ListAuditForUser(userID string, limit int) ([]domain.AuditEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, event_type, user_id, resource, action, result, severity, timestamp, details
		 FROM audit_entries WHERE user_id = ? ORDER BY timestamp DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, classify(err, "audit_entry")
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var a domain.AuditEntry
		var uid, details sql.NullString
		var result, severity string
		if err := rows.Scan(&a.ID, &a.EventType, &uid, &a.Resource, &a.Action, &result, &severity, &a.Timestamp, &details); err != nil {
			return nil, classify(err, "audit_entry")
		}
		a.UserID = uid.String
		a.Details = details.String
		a.Result = domain.AuditResult(result)
		a.Severity = domain.AuditSeverity(severity)
		out = append(out, a)
	}
	return out, rows.Err()
}
