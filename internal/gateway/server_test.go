package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/alekspetrov/forge/internal/auth"
	"github.com/alekspetrov/forge/internal/bus"
	"github.com/alekspetrov/forge/internal/domain"
	"github.com/alekspetrov/forge/internal/mcp"
	"github.com/alekspetrov/forge/internal/store"
)

type fakeStore struct {
	projects []domain.Project
	tasks    []domain.Task
}

func (f *fakeStore) ListProjects() ([]domain.Project, error) { return f.projects, nil }
func (f *fakeStore) ListTasks(filter store.TaskFilter) ([]domain.Task, error) {
	return f.tasks, nil
}
func (f *fakeStore) InsertTask(t domain.Task) (domain.Task, error) {
	t.ID = "task-1"
	f.tasks = append(f.tasks, t)
	return t, nil
}

// mcpStore satisfies mcp.Store with the bare minimum the surface needs for
// these tests (none of them exercise tool dispatch).
type mcpStore struct{ *fakeStore }

func (mcpStore) GetTask(string) (domain.Task, error)                        { return domain.Task{}, nil }
func (mcpStore) UpdateTask(t domain.Task) (domain.Task, error)              { return t, nil }
func (mcpStore) ListAttemptsForTask(string) ([]domain.TaskAttempt, error)   { return nil, nil }
func (mcpStore) InsertAttempt(a domain.TaskAttempt) (domain.TaskAttempt, error) {
	return a, nil
}
func (mcpStore) InsertSession(sess domain.Session) (domain.Session, error) { return sess, nil }
func (mcpStore) GetUserByExternalID(string) (domain.User, error)          { return domain.User{}, nil }

type noopAuthStore struct{}

func (noopAuthStore) GetSessionByTokenHash(string) (domain.Session, error) {
	return domain.Session{}, nil
}
func (noopAuthStore) GetUser(string) (domain.User, error) { return domain.User{}, nil }
func (noopAuthStore) InsertAudit(domain.AuditEntry) (domain.AuditEntry, error) {
	return domain.AuditEntry{}, nil
}

type fakeAttempts struct{}

func (fakeAttempts) Start(ctx context.Context, attemptID string, caller domain.Caller) (domain.TaskAttempt, error) {
	return domain.TaskAttempt{ID: attemptID, State: domain.AttemptPreparing}, nil
}
func (fakeAttempts) Cancel(ctx context.Context, attemptID string, caller domain.Caller) error {
	return nil
}

func newTestServer() (*Server, *fakeStore) {
	fs := &fakeStore{projects: []domain.Project{{ID: "p1", Name: "demo"}}}
	gate := auth.New(noopAuthStore{}, "secret", nil)
	eventBus := bus.New(bus.Config{})
	surface := mcp.New(mcpStore{fs}, gate)
	return New(Config{Host: "127.0.0.1", Port: 0, MCPPort: 0}, fs, gate, eventBus, surface), fs
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer()
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	srv.mux(fakeAttempts{}).ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleProjectsRequiresAuth(t *testing.T) {
	srv, _ := newTestServer()
	req := httptest.NewRequest("GET", "/api/v1/projects", nil)
	rec := httptest.NewRecorder()
	srv.mux(fakeAttempts{}).ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Fatalf("status = %d, want 401 for an unauthenticated request", rec.Code)
	}
}

func TestHandleTasksCreate(t *testing.T) {
	srv, fs := newTestServer()

	body, _ := json.Marshal(domain.Task{ProjectID: "p1", Title: "do the thing"})
	req := httptest.NewRequest("POST", "/api/v1/tasks", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer any-token")
	rec := httptest.NewRecorder()
	srv.mux(fakeAttempts{}).ServeHTTP(rec, req)

	// noopAuthStore resolves any bearer token to an empty session with no
	// error, so the request passes auth and the task reaches the store.
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(fs.tasks) != 1 || fs.tasks[0].Title != "do the thing" {
		t.Errorf("tasks = %+v, want one task titled %q", fs.tasks, "do the thing")
	}
}

func TestMCPSurfaceNotOnAPIMux(t *testing.T) {
	srv, _ := newTestServer()
	req := httptest.NewRequest("POST", "/mcp", nil)
	rec := httptest.NewRecorder()
	srv.mux(fakeAttempts{}).ServeHTTP(rec, req)
	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404: /mcp must not be reachable via the API mux", rec.Code)
	}
}

func TestMCPSurfaceOnMCPMux(t *testing.T) {
	srv, _ := newTestServer()
	req := httptest.NewRequest("POST", "/mcp", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer any-token")
	rec := httptest.NewRecorder()
	srv.mcpMux(fakeAttempts{}).ServeHTTP(rec, req)
	if rec.Code == 404 {
		t.Fatalf("status = %d, want the MCP surface to handle /mcp on its own mux", rec.Code)
	}
}

func TestIsLocalhost(t *testing.T) {
	cases := map[string]bool{
		"":                        false,
		"http://localhost":        true,
		"http://localhost:3000":   true,
		"http://127.0.0.1:8080":   true,
		"http://localhost.evil.com": false,
		"https://example.com":     false,
	}
	for origin, want := range cases {
		if got := isLocalhost(origin); got != want {
			t.Errorf("isLocalhost(%q) = %v, want %v", origin, got, want)
		}
	}
}
