// Package scheduler cron-ticks the orchestrator's two background sweeps:
// stale worktree reclamation and attempt-timeout cancellation.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alekspetrov/forge/internal/domain"
	"github.com/alekspetrov/forge/internal/logging"
)

// WorktreeSweeper is the slice of worktree.Manager the scheduler needs.
type WorktreeSweeper interface {
	Sweep(ctx context.Context, repoPath string) (int, error)
}

// AttemptCanceller is the slice of attempt.Executor the scheduler needs.
type AttemptCanceller interface {
	Cancel(ctx context.Context, attemptID string, caller domain.Caller) error
}

// AttemptStore supplies the attempts past their deadline.
type AttemptStore interface {
	ListStaleActiveAttempts(cutoff time.Time) ([]domain.TaskAttempt, error)
}

// Project names the repositories the worktree sweep runs against.
type Project struct {
	ID       string
	RepoPath string
}

// systemCaller is the Caller the timeout scan passes to Cancel.
var systemCaller = domain.Caller{UserID: "system", IsAdmin: true}

// Scheduler cron-ticks WorktreeSweeper.Sweep per project and scans for
// attempts that have run past their configured timeout.
type Scheduler struct {
	worktrees WorktreeSweeper
	attempts  AttemptCanceller
	store     AttemptStore
	projects  []Project

	sweepSchedule   string
	timeoutSchedule string
	attemptTimeout  time.Duration

	log  *slog.Logger
	cron *cron.Cron

	mu      sync.Mutex
	running bool
}

// Config configures the cron schedules. SweepInterval/AttemptTimeout drive
// the schedule expressions ("@every Nh/Nm/Ns"); New replaces a non-positive
// SweepInterval with 5m and a non-positive AttemptTimeout with 2h.
type Config struct {
	SweepInterval  time.Duration
	AttemptTimeout time.Duration
}

// New creates a Scheduler. projects lists the repositories the worktree
// sweep runs against; store supplies attempts eligible for timeout
// cancellation.
func New(cfg Config, worktrees WorktreeSweeper, attempts AttemptCanceller, store AttemptStore, projects []Project) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 2 * time.Hour
	}
	return &Scheduler{
		worktrees:       worktrees,
		attempts:        attempts,
		store:           store,
		projects:        projects,
		sweepSchedule:   "@every " + cfg.SweepInterval.String(),
		timeoutSchedule: "@every " + (cfg.AttemptTimeout / 4).String(),
		attemptTimeout:  cfg.AttemptTimeout,
		log:             logging.WithComponent("scheduler"),
		cron:            cron.New(),
	}
}

// Start registers both cron jobs and starts the cron runner. It returns
// immediately; Stop shuts it down.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if _, err := s.cron.AddFunc(s.sweepSchedule, func() { s.runSweep(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.timeoutSchedule, func() { s.runTimeoutScan(ctx) }); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true
	s.log.Info("scheduler started", slog.String("sweep_schedule", s.sweepSchedule), slog.String("timeout_schedule", s.timeoutSchedule))
	return nil
}

// Stop waits for any in-flight job to finish, then shuts the cron runner down.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}

func (s *Scheduler) runSweep(ctx context.Context) {
	for _, p := range s.projects {
		n, err := s.worktrees.Sweep(ctx, p.RepoPath)
		if err != nil {
			s.log.Warn("worktree sweep failed", slog.String("project_id", p.ID), slog.Any("error", err))
			continue
		}
		if n > 0 {
			s.log.Info("worktree sweep complete", slog.String("project_id", p.ID), slog.Int("swept", n))
		}
	}
}

func (s *Scheduler) runTimeoutScan(ctx context.Context) {
	cutoff := time.Now().Add(-s.attemptTimeout)
	stale, err := s.store.ListStaleActiveAttempts(cutoff)
	if err != nil {
		s.log.Warn("attempt timeout scan failed", slog.Any("error", err))
		return
	}
	for _, a := range stale {
		if err := s.attempts.Cancel(ctx, a.ID, systemCaller); err != nil {
			s.log.Warn("attempt timeout cancel failed", slog.String("attempt_id", a.ID), slog.Any("error", err))
			continue
		}
		s.log.Info("attempt cancelled for exceeding its timeout", slog.String("attempt_id", a.ID))
	}
}
