package auth

import (
	"net/http"
	"testing"
	"time"

	"github.com/alekspetrov/forge/internal/config"
	"github.com/alekspetrov/forge/internal/domain"
)

type fakeAuthStore struct {
	sessions map[string]domain.Session
	users    map[string]domain.User
	audits   []domain.AuditEntry
}

func newFakeAuthStore() *fakeAuthStore {
	return &fakeAuthStore{sessions: map[string]domain.Session{}, users: map[string]domain.User{}}
}

func (f *fakeAuthStore) GetSessionByTokenHash(tokenHash string) (domain.Session, error) {
	sess, ok := f.sessions[tokenHash]
	if !ok {
		return domain.Session{}, notFoundErr{}
	}
	if sess.ExpiresAt.Before(time.Now().UTC()) {
		return domain.Session{}, notFoundErr{}
	}
	return sess, nil
}

func (f *fakeAuthStore) GetUser(userID string) (domain.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return domain.User{}, notFoundErr{}
	}
	return u, nil
}

func (f *fakeAuthStore) InsertAudit(entry domain.AuditEntry) (domain.AuditEntry, error) {
	f.audits = append(f.audits, entry)
	return entry, nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

func TestAuthenticateSameTokenTwiceYieldsIdenticalCaller(t *testing.T) {
	store := newFakeAuthStore()
	store.users["u1"] = domain.User{ID: "u1", Username: "alice"}

	gate := New(store, "s3cr3t", nil)
	hash := gate.HashToken("tok-123")
	store.sessions[hash] = domain.Session{ID: "sess1", UserID: "u1", Kind: domain.SessionWeb, ExpiresAt: time.Now().Add(time.Hour)}

	c1, err := gate.Authenticate("tok-123")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	c2, err := gate.Authenticate("tok-123")
	if err != nil {
		t.Fatalf("Authenticate second: %v", err)
	}
	if c1 != c2 {
		t.Fatalf("expected identical callers, got %+v vs %+v", c1, c2)
	}
}

func TestAuthenticateUnknownTokenIsUnauthenticated(t *testing.T) {
	store := newFakeAuthStore()
	gate := New(store, "s3cr3t", nil)
	if _, err := gate.Authenticate("no-such-token"); err == nil {
		t.Fatal("expected unauthenticated error")
	}
}

func TestAllowEnforcesBurstThenBlocks(t *testing.T) {
	store := newFakeAuthStore()
	gate := New(store, "s3cr3t", &config.RateLimitConfig{
		WebAPI: config.RateCategory{PerMinute: 60, Burst: 2},
	})

	if err := gate.Allow("web_api", "user1"); err != nil {
		t.Fatalf("first call should be allowed: %v", err)
	}
	if err := gate.Allow("web_api", "user1"); err != nil {
		t.Fatalf("second call should be allowed (burst=2): %v", err)
	}
	if err := gate.Allow("web_api", "user1"); err == nil {
		t.Fatal("third call should be rate limited")
	}
	if len(store.audits) != 1 {
		t.Fatalf("expected one audit entry for the rejected call, got %d", len(store.audits))
	}
}

func TestExtractBearerToken(t *testing.T) {
	req, _ := http.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	if got := ExtractBearerToken(req); got != "abc123" {
		t.Fatalf("expected abc123, got %q", got)
	}
}
