package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/alekspetrov/forge/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "forge.db"), "sqlite")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndGetTask(t *testing.T) {
	s := openTestStore(t)

	proj, err := s.InsertProject(domain.Project{Name: "p1", GitRepoPath: "/r/p1", DefaultBranch: "main", CreatedBy: "u1"})
	if err != nil {
		t.Fatalf("InsertProject: %v", err)
	}

	task, err := s.InsertTask(domain.Task{ProjectID: proj.ID, Title: "x", WishID: "w1", CreatedBy: "u1"})
	if err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	if task.Status != domain.TaskTodo {
		t.Errorf("expected default status todo, got %s", task.Status)
	}

	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Title != "x" || got.WishID != "w1" {
		t.Errorf("unexpected task: %+v", got)
	}
}

func TestCompareAndSetStateRejectsConcurrentWinner(t *testing.T) {
	s := openTestStore(t)
	proj, _ := s.InsertProject(domain.Project{Name: "p1", GitRepoPath: "/r/p1", DefaultBranch: "main", CreatedBy: "u1"})
	task, _ := s.InsertTask(domain.Task{ProjectID: proj.ID, Title: "x", CreatedBy: "u1"})
	attempt, err := s.InsertAttempt(domain.TaskAttempt{TaskID: task.ID, Branch: "b1", BaseBranch: "main", Executor: "echo-agent", CreatedBy: "u1"})
	if err != nil {
		t.Fatalf("InsertAttempt: %v", err)
	}

	if _, err := s.CompareAndSetState(attempt.ID, domain.AttemptPending, domain.AttemptPreparing); err != nil {
		t.Fatalf("first CAS should win: %v", err)
	}
	if _, err := s.CompareAndSetState(attempt.ID, domain.AttemptPending, domain.AttemptPreparing); err == nil {
		t.Fatalf("second CAS from the same stale state should fail")
	}
}

func TestAppendEntryAssignsContiguousOrdinals(t *testing.T) {
	s := openTestStore(t)
	proj, _ := s.InsertProject(domain.Project{Name: "p1", GitRepoPath: "/r/p1", DefaultBranch: "main", CreatedBy: "u1"})
	task, _ := s.InsertTask(domain.Task{ProjectID: proj.ID, Title: "x", CreatedBy: "u1"})
	attempt, _ := s.InsertAttempt(domain.TaskAttempt{TaskID: task.ID, Branch: "b1", BaseBranch: "main", Executor: "echo-agent", CreatedBy: "u1"})
	proc, err := s.InsertProcess(domain.ExecutionProcess{AttemptID: attempt.ID, Kind: domain.ProcessAgent})
	if err != nil {
		t.Fatalf("InsertProcess: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := s.AppendEntry(proc.ID, domain.EntryAssistant, "line"); err != nil {
			t.Fatalf("AppendEntry: %v", err)
		}
	}

	entries, err := s.ListEntriesForProcess(proc.ID)
	if err != nil {
		t.Fatalf("ListEntriesForProcess: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Ordinal != int64(i+1) {
			t.Errorf("entry %d has ordinal %d, want %d", i, e.Ordinal, i+1)
		}
	}
}

func TestSessionExpiry(t *testing.T) {
	s := openTestStore(t)
	user, err := s.UpsertUser(domain.User{ExternalID: "ext1", Username: "alice"})
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	sess, err := s.InsertSession(domain.Session{UserID: user.ID, TokenHash: "hash1", Kind: domain.SessionWeb, ExpiresAt: time.Now().Add(-time.Minute)})
	if err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	if _, err := s.GetSessionByTokenHash(sess.TokenHash); err == nil {
		t.Fatalf("expected expired session lookup to fail")
	}
}
