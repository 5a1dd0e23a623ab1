package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/forge/internal/apperr"
	"github.com/alekspetrov/forge/internal/domain"
)

// AppendEntry assigns the next ordinal for process_id and inserts the entry
// atomically, so concurrent appenders for the same process never race on
// ordinal assignment: `ordinal = max(ordinal)+1` and the insert happen
// inside one transaction.
func (s *Store) AppendEntry(processID string, entryType domain.EntryType, payload string) (domain.NormalizedEntry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return domain.NormalizedEntry{}, classify(err, "normalized_entry")
	}
	defer tx.Rollback()

	var maxOrdinal sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(ordinal) FROM normalized_entries WHERE process_id = ?`, processID).Scan(&maxOrdinal); err != nil {
		return domain.NormalizedEntry{}, classify(err, "normalized_entry")
	}
	ordinal := int64(1)
	if maxOrdinal.Valid {
		ordinal = maxOrdinal.Int64 + 1
	}

	e := domain.NormalizedEntry{
		ID:        uuid.NewString(),
		ProcessID: processID,
		Ordinal:   ordinal,
		EntryType: entryType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	_, err = tx.Exec(
		`INSERT INTO normalized_entries (id, process_id, ordinal, entry_type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProcessID, e.Ordinal, string(e.EntryType), e.Payload, e.CreatedAt,
	)
	if err != nil {
		return domain.NormalizedEntry{}, classify(err, "normalized_entry")
	}
	if err := tx.Commit(); err != nil {
		return domain.NormalizedEntry{}, classify(err, "normalized_entry")
	}
	return e, nil
}

// ListEntriesForProcess returns every entry of a process in ordinal order.
func (s *Store) ListEntriesForProcess(processID string) ([]domain.NormalizedEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, process_id, ordinal, entry_type, payload, created_at
		 FROM normalized_entries WHERE process_id = ? ORDER BY ordinal ASC`, processID)
	if err != nil {
		return nil, classify(err, "normalized_entry")
	}
	defer rows.Close()

	var out []domain.NormalizedEntry
	for rows.Next() {
		var e domain.NormalizedEntry
		var entryType string
		if err := rows.Scan(&e.ID, &e.ProcessID, &e.Ordinal, &entryType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, classify(err, "normalized_entry")
		}
		e.EntryType = domain.EntryType(entryType)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "normalized_entry")
	}
	if len(out) == 0 {
		return out, nil
	}
	if out[0].Ordinal != 1 || out[len(out)-1].Ordinal != int64(len(out)) {
		return nil, apperr.Wrap(apperr.KindInternal, fmt.Sprintf("ordinal gap detected for process %s", processID), nil)
	}
	return out, nil
}
