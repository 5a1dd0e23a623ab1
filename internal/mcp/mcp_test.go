package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/alekspetrov/forge/internal/auth"
	"github.com/alekspetrov/forge/internal/domain"
	"github.com/alekspetrov/forge/internal/store"
)

type fakeStore struct {
	users    map[string]domain.User
	tasks    map[string]domain.Task
	attempts map[string]domain.TaskAttempt
	sessions []domain.Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[string]domain.User{}, tasks: map[string]domain.Task{}, attempts: map[string]domain.TaskAttempt{}}
}

func (f *fakeStore) ListProjects() ([]domain.Project, error) { return nil, nil }
func (f *fakeStore) ListTasks(filter store.TaskFilter) ([]domain.Task, error) {
	var out []domain.Task
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}
func (f *fakeStore) InsertTask(t domain.Task) (domain.Task, error) {
	t.ID = "task-1"
	f.tasks[t.ID] = t
	return t, nil
}
func (f *fakeStore) UpdateTask(t domain.Task) (domain.Task, error) {
	f.tasks[t.ID] = t
	return t, nil
}
func (f *fakeStore) GetTask(id string) (domain.Task, error) { return f.tasks[id], nil }
func (f *fakeStore) ListAttemptsForTask(taskID string) ([]domain.TaskAttempt, error) {
	var out []domain.TaskAttempt
	for _, a := range f.attempts {
		if a.TaskID == taskID {
			out = append(out, a)
		}
	}
	return out, nil
}
func (f *fakeStore) InsertAttempt(a domain.TaskAttempt) (domain.TaskAttempt, error) {
	a.ID = "attempt-1"
	f.attempts[a.ID] = a
	return a, nil
}
func (f *fakeStore) InsertSession(sess domain.Session) (domain.Session, error) {
	f.sessions = append(f.sessions, sess)
	return sess, nil
}
func (f *fakeStore) GetUserByExternalID(externalID string) (domain.User, error) {
	return f.users[externalID], nil
}

type fakeAttempts struct {
	started  string
	canceled string
}

func (f *fakeAttempts) Start(ctx context.Context, attemptID string, caller domain.Caller) (domain.TaskAttempt, error) {
	f.started = attemptID
	return domain.TaskAttempt{ID: attemptID, State: domain.AttemptPreparing}, nil
}

func (f *fakeAttempts) Cancel(ctx context.Context, attemptID string, caller domain.Caller) error {
	f.canceled = attemptID
	return nil
}

type noopAuthStore struct{}

func (noopAuthStore) GetSessionByTokenHash(string) (domain.Session, error) { return domain.Session{}, nil }
func (noopAuthStore) GetUser(string) (domain.User, error)                 { return domain.User{}, nil }
func (noopAuthStore) InsertAudit(domain.AuditEntry) (domain.AuditEntry, error) {
	return domain.AuditEntry{}, nil
}

func TestPKCEExchangeRoundTrip(t *testing.T) {
	store := newFakeStore()
	store.users["ext-1"] = domain.User{ID: "u1", ExternalID: "ext-1"}
	gate := auth.New(noopAuthStore{}, "secret", nil)
	surface := New(store, gate)

	verifier := "a-very-random-code-verifier-string"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	code, err := surface.IssueAuthCode("ext-1", challenge, "S256")
	if err != nil {
		t.Fatalf("IssueAuthCode: %v", err)
	}

	token, err := surface.ExchangeCode(code, verifier)
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if token == "" {
		t.Fatal("expected a non-empty token")
	}
	if len(store.sessions) != 1 || store.sessions[0].Kind != domain.SessionMachine {
		t.Fatalf("expected one machine session to be recorded, got %+v", store.sessions)
	}

	if _, err := surface.ExchangeCode(code, verifier); err == nil {
		t.Fatal("expected second exchange of the same code to fail (single-use)")
	}
}

func TestExchangeCodeWrongVerifierFails(t *testing.T) {
	store := newFakeStore()
	gate := auth.New(noopAuthStore{}, "secret", nil)
	surface := New(store, gate)

	sum := sha256.Sum256([]byte("correct-verifier"))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	code, _ := surface.IssueAuthCode("ext-1", challenge, "S256")

	if _, err := surface.ExchangeCode(code, "wrong-verifier"); err == nil {
		t.Fatal("expected PKCE mismatch to fail")
	}
}

func TestDispatchCreateAndStartAttempt(t *testing.T) {
	store := newFakeStore()
	gate := auth.New(noopAuthStore{}, "secret", nil)
	surface := New(store, gate)
	attempts := &fakeAttempts{}
	caller := domain.Caller{UserID: "u1"}

	createParams, _ := json.Marshal(map[string]string{"project_id": "p1", "title": "demo"})
	result := surface.Dispatch(context.Background(), caller, ToolCall{Tool: ToolCreateTask, Params: createParams}, attempts)
	if result.Error != "" {
		t.Fatalf("create_task: %s", result.Error)
	}

	startParams, _ := json.Marshal(map[string]string{"task_id": "task-1", "executor": "echo-agent"})
	result = surface.Dispatch(context.Background(), caller, ToolCall{Tool: ToolStartAttempt, Params: startParams}, attempts)
	if result.Error != "" {
		t.Fatalf("start_attempt: %s", result.Error)
	}
	if attempts.started == "" {
		t.Fatal("expected Start to be invoked")
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	store := newFakeStore()
	gate := auth.New(noopAuthStore{}, "secret", nil)
	surface := New(store, gate)
	result := surface.Dispatch(context.Background(), domain.Caller{}, ToolCall{Tool: "not_a_real_tool"}, &fakeAttempts{})
	if result.Error == "" {
		t.Fatal("expected an error for an unknown tool")
	}
}
