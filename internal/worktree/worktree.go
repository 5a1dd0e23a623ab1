// Package worktree maintains the 1-to-1 mapping between a TaskAttempt and an
// on-disk git worktree rooted off its project's repository.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/alekspetrov/forge/internal/apperr"
	"github.com/alekspetrov/forge/internal/domain"
	"github.com/alekspetrov/forge/internal/logging"
)

// Config configures the Manager, mirroring the workspace_root/sweep_interval/
// orphan_grace/disable_worktree_sweep configuration surface.
type Config struct {
	WorkspaceRoot string
	SweepInterval time.Duration
	OrphanGrace   time.Duration
	DisableSweep  bool
}

func (c Config) withDefaults() Config {
	if c.SweepInterval == 0 {
		c.SweepInterval = 300 * time.Second
	}
	if c.OrphanGrace == 0 {
		c.OrphanGrace = 24 * time.Hour
	}
	return c
}

// Store is the slice of the persistence layer the Manager needs: reading
// the attempts whose worktrees may be stale and recording the path it
// allocated.
type Store interface {
	SetWorktreePath(attemptID, path string) error
	ClearWorktreePath(attemptID string) error
	GetAttempt(attemptID string) (domain.TaskAttempt, error)
	ListOrphanCandidates(cutoff time.Time) ([]domain.TaskAttempt, error)
	ListKnownWorktreePaths() ([]string, error)
}

// attemptLock serializes acquire/release/sweep operations for one attempt,
// per the requirement that sweep() and acquire() for the same attempt never
// interleave destructively.
type attemptLock struct {
	mu       sync.Mutex
	refcount int
}

// Manager implements the WorktreeManager contract: acquire, release, sweep.
type Manager struct {
	cfg   Config
	store Store
	log   *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*attemptLock

	sweepMu sync.Mutex // global advisory lock held by sweep()

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Manager. store may be nil in tests that only exercise git
// plumbing directly.
func New(cfg Config, store Store) *Manager {
	return &Manager{
		cfg:    cfg.withDefaults(),
		store:  store,
		log:    logging.WithComponent("worktree"),
		locks:  make(map[string]*attemptLock),
		stopCh: make(chan struct{}),
	}
}

func (m *Manager) lockFor(attemptID string) *attemptLock {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[attemptID]
	if !ok {
		l = &attemptLock{}
		m.locks[attemptID] = l
	}
	l.refcount++
	return l
}

func (m *Manager) unlockFor(attemptID string, l *attemptLock) {
	l.mu.Unlock()
	m.locksMu.Lock()
	l.refcount--
	if l.refcount == 0 {
		delete(m.locks, attemptID)
	}
	m.locksMu.Unlock()
}

// sanitizeBranchName strips characters that are unsafe in a filesystem path
// component, so attempt ids/branches of any shape produce a valid worktree
// directory name.
var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitizeBranchName(name string) string {
	return unsafePathChars.ReplaceAllString(name, "-")
}

func (m *Manager) pathFor(repoPath string, attempt domain.TaskAttempt) string {
	name := fmt.Sprintf("forge-%s-%s", sanitizeBranchName(attempt.TaskID), sanitizeBranchName(attempt.ID))
	return filepath.Join(m.cfg.WorkspaceRoot, name)
}

// Acquire creates a branch named after the attempt off baseBranch, creates a
// worktree at a deterministic path under the configured workspace root, and
// marks it owned by this attempt.
func (m *Manager) Acquire(ctx context.Context, repoPath string, attempt domain.TaskAttempt) (string, error) {
	lock := m.lockFor(attempt.ID)
	lock.mu.Lock()
	defer m.unlockFor(attempt.ID, lock)

	if err := os.MkdirAll(m.cfg.WorkspaceRoot, 0755); err != nil {
		return "", apperr.Wrap(apperr.KindWorktreeError, "create workspace root", err)
	}

	if err := m.verifyBaseBranch(ctx, repoPath, attempt.BaseBranch); err != nil {
		return "", err
	}

	path := m.pathFor(repoPath, attempt)
	if _, err := os.Stat(path); err == nil {
		return "", apperr.New(apperr.KindWorktreeError, fmt.Sprintf("worktree conflict at %s", path))
	}

	output, err := m.runGitRetrying(ctx, repoPath,
		"worktree", "add", "-B", attempt.Branch, path, attempt.BaseBranch)
	if err != nil {
		return "", apperr.Wrap(apperr.KindWorktreeError, fmt.Sprintf("create worktree: %s", output), err)
	}

	if m.store != nil {
		if err := m.store.SetWorktreePath(attempt.ID, path); err != nil {
			return "", err
		}
	}
	m.log.Info("worktree acquired", "attempt_id", attempt.ID, "path", path, "branch", attempt.Branch)
	return path, nil
}

func (m *Manager) verifyBaseBranch(ctx context.Context, repoPath, baseBranch string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "rev-parse", "--verify", baseBranch)
	if err := cmd.Run(); err != nil {
		return apperr.Wrap(apperr.KindWorktreeError, fmt.Sprintf("base branch %q missing", baseBranch), err)
	}
	return nil
}

// transientPatterns are git error substrings known to indicate a benign
// race on concurrent worktree/branch mutation rather than a real failure.
var transientPatterns = []string{"commondir", "gitdir", "index.lock", "cannot lock ref"}

func isTransient(output string) bool {
	for _, p := range transientPatterns {
		if strings.Contains(output, p) {
			return true
		}
	}
	return false
}

func (m *Manager) runGitRetrying(ctx context.Context, repoPath string, args ...string) (string, error) {
	var output []byte
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		cmd := exec.CommandContext(ctx, "git", append([]string{"-C", repoPath}, args...)...)
		output, err = cmd.CombinedOutput()
		if err == nil {
			return string(output), nil
		}
		if !isTransient(string(output)) {
			break
		}
		select {
		case <-ctx.Done():
			return string(output), ctx.Err()
		case <-time.After(time.Duration(10*(attempt+1)) * time.Millisecond):
		}
	}
	return string(output), err
}

// Release removes the worktree directory and deletes its branch if it was
// not merged (has no commits ahead of base not already on base). Idempotent:
// calling it twice, or on an attempt whose worktree is already gone, is not
// an error.
func (m *Manager) Release(ctx context.Context, repoPath string, attempt domain.TaskAttempt, hasCommits bool) error {
	lock := m.lockFor(attempt.ID)
	lock.mu.Lock()
	defer m.unlockFor(attempt.ID, lock)

	path := attempt.WorktreePath
	if path == "" {
		return nil
	}

	removeCmd := exec.CommandContext(ctx, "git", "-C", repoPath, "worktree", "remove", "--force", path)
	_ = removeCmd.Run() // best effort; directory removal below is the source of truth
	_ = os.RemoveAll(path)
	pruneCmd := exec.CommandContext(ctx, "git", "-C", repoPath, "worktree", "prune")
	_ = pruneCmd.Run()

	if !hasCommits {
		deleteCmd := exec.CommandContext(ctx, "git", "-C", repoPath, "branch", "-D", attempt.Branch)
		_ = deleteCmd.Run() // branch may already be gone; not an error
	}

	if m.store != nil {
		if err := m.store.ClearWorktreePath(attempt.ID); err != nil {
			m.log.Warn("release: failed to clear worktree path", "attempt_id", attempt.ID, "error", err)
		}
	}
	m.log.Info("worktree released", "attempt_id", attempt.ID, "path", path)
	return nil
}

// Sweep removes worktrees whose owning attempt is terminal and older than
// orphan_grace, then scans the workspace root for worktree directories with
// no owner row at all (left behind by a crashed process or a row deleted out
// from under them). It holds the global advisory sweep lock for its duration
// and skips any attempt whose per-attempt lock is currently held by an
// in-flight Acquire/Release, so it never races destructively with them.
func (m *Manager) Sweep(ctx context.Context, repoPath string) (swept int, err error) {
	if m.cfg.DisableSweep {
		return 0, nil
	}
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	if m.store == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-m.cfg.OrphanGrace)
	candidates, err := m.store.ListOrphanCandidates(cutoff)
	if err != nil {
		return 0, err
	}

	for _, attempt := range candidates {
		m.locksMu.Lock()
		_, busy := m.locks[attempt.ID]
		m.locksMu.Unlock()
		if busy {
			continue // an Acquire/Release is in flight; skip this cycle
		}
		if err := m.Release(ctx, repoPath, attempt, false); err != nil {
			m.log.Warn("sweep: release failed", "attempt_id", attempt.ID, "error", err)
			continue
		}
		swept++
	}

	known, err := m.store.ListKnownWorktreePaths()
	if err != nil {
		return swept, err
	}
	knownPaths := make(map[string]bool, len(known))
	for _, p := range known {
		knownPaths[p] = true
	}
	orphaned, err := m.CleanupOrphaned(ctx, repoPath, knownPaths)
	if err != nil {
		m.log.Warn("sweep: no-owner-row cleanup failed", "error", err)
		return swept, nil
	}
	swept += orphaned
	return swept, nil
}

// Run starts a background ticker calling Sweep at the configured interval
// until the context is cancelled or Stop is called.
func (m *Manager) Run(ctx context.Context, repoPath string) {
	if m.cfg.DisableSweep {
		return
	}
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if n, err := m.Sweep(ctx, repoPath); err != nil {
				m.log.Warn("sweep cycle failed", "error", err)
			} else if n > 0 {
				m.log.Info("sweep cycle complete", "swept", n)
			}
		}
	}
}

// Stop terminates a running Run loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// CleanupOrphaned scans the workspace root at startup for worktree
// directories with no corresponding attempt, matching the teacher's
// startup-sweep pattern for worktrees left behind by a crashed process.
func (m *Manager) CleanupOrphaned(ctx context.Context, repoPath string, knownPaths map[string]bool) (int, error) {
	entries, err := os.ReadDir(m.cfg.WorkspaceRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, apperr.Wrap(apperr.KindWorktreeError, "scan workspace root", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "forge-") {
			continue
		}
		path := filepath.Join(m.cfg.WorkspaceRoot, entry.Name())
		if knownPaths[path] {
			continue
		}
		if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
			continue // not actually a worktree; leave it alone
		}
		removeCmd := exec.CommandContext(ctx, "git", "-C", repoPath, "worktree", "remove", "--force", path)
		_ = removeCmd.Run()
		_ = os.RemoveAll(path)
		removed++
	}
	if removed > 0 {
		pruneCmd := exec.CommandContext(ctx, "git", "-C", repoPath, "worktree", "prune")
		_ = pruneCmd.Run()
	}
	return removed, nil
}
