package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/alekspetrov/forge/internal/apperr"
	"github.com/alekspetrov/forge/internal/domain"
)

// UpsertUser inserts a User keyed by external_id, or updates the mutable
// profile fields if one already exists for that external identity. Token
// material arrives pre-encrypted; the store never sees plaintext.
func (s *Store) UpsertUser(u domain.User) (domain.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO users (id, external_id, username, display_name, is_admin, is_whitelisted, token_ciphertext)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(external_id) DO UPDATE SET
			username=excluded.username,
			display_name=excluded.display_name,
			is_admin=excluded.is_admin,
			is_whitelisted=excluded.is_whitelisted,
			token_ciphertext=excluded.token_ciphertext`,
		u.ID, u.ExternalID, u.Username, u.DisplayName, u.IsAdmin, u.IsWhitelisted, nullableString(u.TokenCiphertext),
	)
	if err != nil {
		return domain.User{}, classify(err, "user")
	}
	return s.GetUserByExternalID(u.ExternalID)
}

// GetUser fetches a User by id.
func (s *Store) GetUser(id string) (domain.User, error) {
	return scanUser(s.db.QueryRow(
		`SELECT id, external_id, username, display_name, is_admin, is_whitelisted, token_ciphertext
		 FROM users WHERE id = ?`, id))
}

// GetUserByExternalID fetches a User by the identity the auth oracle issued.
func (s *Store) GetUserByExternalID(externalID string) (domain.User, error) {
	return scanUser(s.db.QueryRow(
		`SELECT id, external_id, username, display_name, is_admin, is_whitelisted, token_ciphertext
		 FROM users WHERE external_id = ?`, externalID))
}

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.ExternalID, &u.Username, &u.DisplayName, &u.IsAdmin, &u.IsWhitelisted, &u.TokenCiphertext); err != nil {
		return domain.User{}, classify(err, "user")
	}
	return u, nil
}

// InsertSession creates a Session bound to a hashed token.
func (s *Store) InsertSession(sess domain.Session) (domain.Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, user_id, token_hash, kind, expires_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.TokenHash, string(sess.Kind), sess.ExpiresAt,
	)
	if err != nil {
		return domain.Session{}, classify(err, "session")
	}
	return sess, nil
}

// GetSessionByTokenHash looks up a Session by the salted hash of its bearer
// token. Returns apperr.KindNotFound if absent or expired.
func (s *Store) GetSessionByTokenHash(tokenHash string) (domain.Session, error) {
	sess, err := scanSession(s.db.QueryRow(
		`SELECT id, user_id, token_hash, kind, expires_at FROM sessions WHERE token_hash = ?`, tokenHash))
	if err != nil {
		return domain.Session{}, err
	}
	if sess.ExpiresAt.Before(time.Now().UTC()) {
		return domain.Session{}, apperr.New(apperr.KindNotFound, "session expired")
	}
	return sess, nil
}

func scanSession(row rowScanner) (domain.Session, error) {
	var sess domain.Session
	var kind string
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &kind, &sess.ExpiresAt); err != nil {
		return domain.Session{}, classify(err, "session")
	}
	sess.Kind = domain.SessionKind(kind)
	return sess, nil
}

// DeleteSession revokes a session (logout or explicit token invalidation).
func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return classify(err, "session")
}
