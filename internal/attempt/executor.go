// Package attempt implements the AttemptExecutor: the state machine driving
// one TaskAttempt from pending through preparing, running, finalizing, to a
// terminal state, wiring together the store, worktree manager, process
// supervisor, and output normalizer for the duration of one run.
package attempt

import (
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alekspetrov/forge/internal/apperr"
	"github.com/alekspetrov/forge/internal/bus"
	"github.com/alekspetrov/forge/internal/domain"
	"github.com/alekspetrov/forge/internal/logging"
	"github.com/alekspetrov/forge/internal/normalize"
	"github.com/alekspetrov/forge/internal/process"
)

// Store is the slice of persistence the executor needs.
type Store interface {
	GetAttempt(id string) (domain.TaskAttempt, error)
	GetTask(id string) (domain.Task, error)
	GetProject(id string) (domain.Project, error)
	ActiveAttemptForTask(taskID string) (*domain.TaskAttempt, error)
	CompareAndSetState(id string, from, to domain.AttemptState) (domain.TaskAttempt, error)
	FinishAttempt(id string, state domain.AttemptState, exitCode *int) (domain.TaskAttempt, error)
	InsertProcess(p domain.ExecutionProcess) (domain.ExecutionProcess, error)
	FinishProcess(id string, exitCode int) error
	AppendEntry(processID string, entryType domain.EntryType, payload string) (domain.NormalizedEntry, error)
}

// WorktreeManager is the slice of internal/worktree the executor needs.
type WorktreeManager interface {
	Acquire(ctx context.Context, repoPath string, attempt domain.TaskAttempt) (string, error)
	Release(ctx context.Context, repoPath string, attempt domain.TaskAttempt, hasCommits bool) error
}

// Publisher is the slice of internal/bus the executor needs.
type Publisher interface {
	Publish(event bus.Event)
}

// Spawner starts one child process. process.Spawn satisfies this directly;
// tests substitute a fake.
type Spawner func(ctx context.Context, opts process.SpawnOptions) (*process.Handle, error)

// Config tunes the executor's streaming and retry behavior.
type Config struct {
	// BufferSize is how many raw output lines may sit unpersisted before the
	// executor applies back-pressure to the reader goroutine. Default 1024.
	BufferSize int
	// AppendRetryDelays is the backoff schedule for a failing store append
	// before the attempt is failed outright. Default 100ms, 300ms, 900ms.
	AppendRetryDelays []time.Duration
	GraceKill         time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize == 0 {
		c.BufferSize = 1024
	}
	if c.AppendRetryDelays == nil {
		c.AppendRetryDelays = []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond}
	}
	if c.GraceKill == 0 {
		c.GraceKill = 10 * time.Second
	}
	return c
}

type running struct {
	handle          *process.Handle
	cancelRequested bool
	mu              sync.Mutex
}

// Executor drives TaskAttempts through their lifecycle.
type Executor struct {
	store     Store
	worktrees WorktreeManager
	spawn     Spawner
	bus       Publisher
	cfg       Config
	log       *slog.Logger

	runningMu sync.Mutex
	running   map[string]*running
}

// New creates an Executor. spawn defaults to process.Spawn if nil.
func New(store Store, worktrees WorktreeManager, spawn Spawner, publisher Publisher, cfg Config) *Executor {
	if spawn == nil {
		spawn = process.Spawn
	}
	return &Executor{
		store:     store,
		worktrees: worktrees,
		spawn:     spawn,
		bus:       publisher,
		cfg:       cfg.withDefaults(),
		log:       logging.WithComponent("attempt"),
		running:   make(map[string]*running),
	}
}

// Start transitions an attempt from pending to preparing, guaranteeing via
// compare-and-set that exactly one caller wins if invoked concurrently on
// the same attempt, then begins the worktree-acquire/spawn/stream sequence
// in the background. It returns once the attempt has moved to preparing, not
// once the run finishes.
func (e *Executor) Start(ctx context.Context, attemptID string, caller domain.Caller) (domain.TaskAttempt, error) {
	attempt, err := e.store.GetAttempt(attemptID)
	if err != nil {
		return domain.TaskAttempt{}, err
	}

	if active, err := e.store.ActiveAttemptForTask(attempt.TaskID); err != nil {
		return domain.TaskAttempt{}, err
	} else if active != nil && active.ID != attempt.ID {
		return domain.TaskAttempt{}, apperr.New(apperr.KindConflict, "task already has an active attempt")
	}

	attempt, err = e.store.CompareAndSetState(attemptID, domain.AttemptPending, domain.AttemptPreparing)
	if err != nil {
		return domain.TaskAttempt{}, err
	}

	task, err := e.store.GetTask(attempt.TaskID)
	if err != nil {
		return domain.TaskAttempt{}, err
	}
	project, err := e.store.GetProject(task.ProjectID)
	if err != nil {
		return domain.TaskAttempt{}, err
	}

	e.publishStateChanged(attempt, project.ID, domain.AttemptPending, caller.UserID)
	e.bus.Publish(bus.Event{
		ProjectID: project.ID,
		Type:      bus.AttemptStarted,
		Actor:     caller.UserID,
		Payload:   bus.MustPayload(map[string]string{"attempt_id": attempt.ID, "task_id": attempt.TaskID}),
	})

	runCtx := context.Background()
	go e.run(runCtx, attempt, task, project)

	return attempt, nil
}

// Cancel requests termination of attemptID. It is idempotent: cancelling an
// already-terminal attempt is a no-op.
func (e *Executor) Cancel(ctx context.Context, attemptID string, caller domain.Caller) error {
	attempt, err := e.store.GetAttempt(attemptID)
	if err != nil {
		return err
	}
	if attempt.State.Terminal() {
		return nil
	}

	e.runningMu.Lock()
	r, ok := e.running[attemptID]
	e.runningMu.Unlock()

	if ok {
		r.mu.Lock()
		r.cancelRequested = true
		handle := r.handle
		r.mu.Unlock()
		if handle != nil {
			handle.Terminate()
		}
		return nil
	}

	// Not yet spawned (still pending/preparing): transition straight to
	// cancelled. Whichever CAS wins determines whether run() still has work
	// to unwind; either way the attempt ends up terminal.
	if attempt.State == domain.AttemptPending {
		_, err := e.store.CompareAndSetState(attemptID, domain.AttemptPending, domain.AttemptCancelled)
		if err != nil && apperr.Of(err) != apperr.KindConflict {
			return err
		}
		return nil
	}

	// State is preparing and no running entry exists yet (worktree acquire
	// still in flight); mark it and let run() observe cancellation once it
	// reaches a state-transition point.
	e.runningMu.Lock()
	e.running[attemptID] = &running{cancelRequested: true}
	e.runningMu.Unlock()
	return nil
}

func (e *Executor) isCancelRequested(attemptID string) bool {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	r, ok := e.running[attemptID]
	return ok && r.cancelRequested
}

func (e *Executor) run(ctx context.Context, attempt domain.TaskAttempt, task domain.Task, project domain.Project) {
	worktreePath, err := e.worktrees.Acquire(ctx, project.GitRepoPath, attempt)
	if err != nil {
		e.log.Error("worktree acquire failed, failing attempt", "attempt_id", attempt.ID, "error", err)
		e.failAttempt(attempt, project.ID, nil)
		return
	}
	attempt.WorktreePath = worktreePath

	if e.isCancelRequested(attempt.ID) {
		e.cancelDuringPrep(ctx, attempt, project)
		e.runningMu.Lock()
		delete(e.running, attempt.ID)
		e.runningMu.Unlock()
		return
	}

	attempt, err = e.store.CompareAndSetState(attempt.ID, domain.AttemptPreparing, domain.AttemptRunning)
	if err != nil {
		e.log.Error("preparing->running transition failed", "attempt_id", attempt.ID, "error", err)
		return
	}
	e.publishStateChanged(attempt, project.ID, domain.AttemptPreparing, "")

	procRecord, err := e.store.InsertProcess(domain.ExecutionProcess{AttemptID: attempt.ID, Kind: domain.ProcessAgent})
	if err != nil {
		e.log.Error("insert execution process failed", "attempt_id", attempt.ID, "error", err)
		e.failAttemptRunning(ctx, attempt, project, nil)
		return
	}

	handle, err := e.spawn(ctx, process.SpawnOptions{
		Command:   attempt.Executor,
		Dir:       worktreePath,
		GraceKill: e.cfg.GraceKill,
		UsePTY:    true,
	})
	if err != nil {
		e.log.Error("spawn failed", "attempt_id", attempt.ID, "error", err)
		_ = e.store.FinishProcess(procRecord.ID, -1)
		e.failAttemptRunning(ctx, attempt, project, nil)
		return
	}

	r := &running{handle: handle}
	e.runningMu.Lock()
	if existing, ok := e.running[attempt.ID]; ok && existing.cancelRequested {
		r.cancelRequested = true
	}
	e.running[attempt.ID] = r
	e.runningMu.Unlock()
	defer func() {
		e.runningMu.Lock()
		delete(e.running, attempt.ID)
		e.runningMu.Unlock()
	}()

	if r.cancelRequested {
		handle.Terminate()
	}

	e.streamAndPersist(attempt, project, procRecord.ID, handle)

	exitCode, _ := handle.Wait()
	_ = e.store.FinishProcess(procRecord.ID, exitCode)

	e.finalize(ctx, attempt, project, procRecord.ID, worktreePath, exitCode)
}

// streamAndPersist reads the child's interleaved output, normalizes each
// line, and appends the resulting entries, applying back-pressure once more
// than BufferSize lines are waiting on a slow store.
func (e *Executor) streamAndPersist(attempt domain.TaskAttempt, project domain.Project, processID string, handle *process.Handle) {
	strategy := normalize.Lookup(attempt.Executor)
	state := &normalize.State{}

	pending := make(chan process.Line, e.cfg.BufferSize)
	go func() {
		defer close(pending)
		warned := false
		for line := range handle.Lines() {
			select {
			case pending <- line:
				warned = false
			default:
				if !warned {
					e.bus.Publish(bus.Event{
						ProjectID: project.ID,
						Type:      bus.BackPressure,
						Payload:   bus.MustPayload(map[string]string{"attempt_id": attempt.ID}),
					})
					warned = true
				}
				pending <- line
			}
		}
	}()

	for line := range pending {
		entries, err := strategy.Normalize(state, line.Text)
		if err != nil {
			// Normalizer errors degrade to a raw stderr entry; they never
			// abort the run.
			entries = []normalize.Entry{{Type: domain.EntryStderr, Payload: line.Text}}
		}
		for _, entry := range entries {
			if err := e.appendWithRetry(processID, entry); err != nil {
				e.log.Error("entry append exhausted retries, failing attempt", "attempt_id", attempt.ID, "error", err)
				handle.Terminate()
				return
			}
			e.bus.Publish(bus.Event{
				ProjectID: project.ID,
				Type:      bus.AttemptEntryAppended,
				Payload:   bus.MustPayload(map[string]string{"attempt_id": attempt.ID, "entry_type": string(entry.Type)}),
			})
		}
	}
}

func (e *Executor) appendWithRetry(processID string, entry normalize.Entry) error {
	var lastErr error
	_, lastErr = e.store.AppendEntry(processID, entry.Type, entry.Payload)
	if lastErr == nil {
		return nil
	}
	for _, delay := range e.cfg.AppendRetryDelays {
		time.Sleep(delay)
		_, lastErr = e.store.AppendEntry(processID, entry.Type, entry.Payload)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (e *Executor) finalize(ctx context.Context, attempt domain.TaskAttempt, project domain.Project, processID, worktreePath string, exitCode int) {
	attempt, err := e.store.CompareAndSetState(attempt.ID, domain.AttemptRunning, domain.AttemptFinalizing)
	if err != nil {
		e.log.Error("running->finalizing transition failed", "attempt_id", attempt.ID, "error", err)
		return
	}
	e.publishStateChanged(attempt, project.ID, domain.AttemptRunning, "")

	hasCommits := hasCommitsAhead(ctx, worktreePath, attempt.BaseBranch)

	if err := e.worktrees.Release(ctx, project.GitRepoPath, attempt, hasCommits); err != nil {
		e.log.Warn("worktree release failed at finalize, continuing to terminal state", "attempt_id", attempt.ID, "error", err)
	}

	cancelled := e.isCancelRequested(attempt.ID)
	finalState := domain.AttemptMerged
	switch {
	case cancelled:
		finalState = domain.AttemptCancelled
	case exitCode != 0:
		finalState = domain.AttemptFailed
	}

	code := exitCode
	final, err := e.store.FinishAttempt(attempt.ID, finalState, &code)
	if err != nil {
		e.log.Error("finish attempt failed", "attempt_id", attempt.ID, "error", err)
		return
	}
	e.publishStateChanged(final, project.ID, domain.AttemptFinalizing, "")
	e.bus.Publish(bus.Event{
		ProjectID: project.ID,
		Type:      bus.AttemptFinished,
		Payload:   bus.MustPayload(map[string]any{"attempt_id": final.ID, "state": string(final.State), "exit_code": exitCode}),
	})
}

// failAttempt transitions a pending/preparing attempt straight to failed,
// used when worktree acquisition itself fails before any process runs.
func (e *Executor) failAttempt(attempt domain.TaskAttempt, projectID string, exitCode *int) {
	final, err := e.store.FinishAttempt(attempt.ID, domain.AttemptFailed, exitCode)
	if err != nil {
		e.log.Error("finish attempt (failAttempt) failed", "attempt_id", attempt.ID, "error", err)
		return
	}
	e.publishStateChanged(final, projectID, attempt.State, "")
}

// failAttemptRunning fails an attempt that reached running but could not
// spawn its process, releasing its worktree first on a best-effort basis.
func (e *Executor) failAttemptRunning(ctx context.Context, attempt domain.TaskAttempt, project domain.Project, exitCode *int) {
	if err := e.worktrees.Release(ctx, project.GitRepoPath, attempt, false); err != nil {
		e.log.Warn("worktree release failed during failAttemptRunning", "attempt_id", attempt.ID, "error", err)
	}
	e.failAttempt(attempt, project.ID, exitCode)
}

func (e *Executor) cancelDuringPrep(ctx context.Context, attempt domain.TaskAttempt, project domain.Project) {
	if err := e.worktrees.Release(ctx, project.GitRepoPath, attempt, false); err != nil {
		e.log.Warn("worktree release failed during cancelDuringPrep", "attempt_id", attempt.ID, "error", err)
	}
	final, err := e.store.FinishAttempt(attempt.ID, domain.AttemptCancelled, nil)
	if err != nil {
		e.log.Error("finish attempt (cancelDuringPrep) failed", "attempt_id", attempt.ID, "error", err)
		return
	}
	e.publishStateChanged(final, project.ID, domain.AttemptPreparing, "")
}

func (e *Executor) publishStateChanged(attempt domain.TaskAttempt, projectID string, from domain.AttemptState, actor string) {
	e.bus.Publish(bus.Event{
		ProjectID: projectID,
		Type:      bus.AttemptStateChanged,
		Actor:     actor,
		Payload: bus.MustPayload(map[string]string{
			"attempt_id": attempt.ID,
			"from":       string(from),
			"to":         string(attempt.State),
		}),
	})
}

// hasCommitsAhead reports whether worktreePath's HEAD has any commits not on
// baseBranch, determining whether Release should delete the attempt branch.
// A git failure is treated as "has commits" so finalize never destroys work
// it could not verify was empty.
func hasCommitsAhead(ctx context.Context, worktreePath, baseBranch string) bool {
	cmd := exec.CommandContext(ctx, "git", "-C", worktreePath, "rev-list", "--count", baseBranch+"..HEAD")
	out, err := cmd.Output()
	if err != nil {
		return true
	}
	count, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return true
	}
	return count > 0
}
