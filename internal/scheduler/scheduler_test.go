package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alekspetrov/forge/internal/domain"
)

type fakeSweeper struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeSweeper) Sweep(ctx context.Context, repoPath string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, repoPath)
	return 1, nil
}

func (f *fakeSweeper) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeCanceller struct {
	mu        sync.Mutex
	cancelled []string
}

func (f *fakeCanceller) Cancel(ctx context.Context, attemptID string, caller domain.Caller) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, attemptID)
	return nil
}

func (f *fakeCanceller) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

type fakeAttemptStore struct {
	stale []domain.TaskAttempt
}

func (f *fakeAttemptStore) ListStaleActiveAttempts(cutoff time.Time) ([]domain.TaskAttempt, error) {
	return f.stale, nil
}

func TestSchedulerSweepsOnInterval(t *testing.T) {
	sweeper := &fakeSweeper{}
	canceller := &fakeCanceller{}
	store := &fakeAttemptStore{}

	s := New(Config{SweepInterval: 100 * time.Millisecond, AttemptTimeout: time.Hour}, sweeper, canceller, store,
		[]Project{{ID: "p1", RepoPath: "/repo/p1"}})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sweeper.callCount() > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected at least one sweep call within the deadline")
}

func TestSchedulerCancelsStaleAttempts(t *testing.T) {
	sweeper := &fakeSweeper{}
	canceller := &fakeCanceller{}
	store := &fakeAttemptStore{stale: []domain.TaskAttempt{{ID: "a1"}, {ID: "a2"}}}

	s := New(Config{SweepInterval: time.Hour, AttemptTimeout: 100 * time.Millisecond}, sweeper, canceller, store, nil)
	s.runTimeoutScan(context.Background())

	got := canceller.cancelledIDs()
	if len(got) != 2 {
		t.Fatalf("cancelled %d attempts, want 2: %v", len(got), got)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	sweeper := &fakeSweeper{}
	canceller := &fakeCanceller{}
	store := &fakeAttemptStore{}
	s := New(Config{SweepInterval: time.Hour, AttemptTimeout: time.Hour}, sweeper, canceller, store, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start should be a no-op, got error: %v", err)
	}
	s.Stop()
}
