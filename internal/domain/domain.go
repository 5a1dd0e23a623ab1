// Package domain holds the entity types shared by the store, executor,
// worktree manager, and event bus. It has no dependencies on any of those
// packages so each can import it without a cycle.
package domain

import "time"

// TaskStatus is the lifecycle status of a Task.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "inprogress"
	TaskInReview   TaskStatus = "inreview"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskCancelled
}

// AttemptState is the lifecycle state of a TaskAttempt.
type AttemptState string

const (
	AttemptPending    AttemptState = "pending"
	AttemptPreparing  AttemptState = "preparing"
	AttemptRunning    AttemptState = "running"
	AttemptFinalizing AttemptState = "finalizing"
	AttemptMerged     AttemptState = "merged"
	AttemptFailed     AttemptState = "failed"
	AttemptCancelled  AttemptState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s AttemptState) Terminal() bool {
	switch s {
	case AttemptMerged, AttemptFailed, AttemptCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether at most one attempt per task may hold this state.
func (s AttemptState) Active() bool {
	switch s {
	case AttemptPreparing, AttemptRunning, AttemptFinalizing:
		return true
	default:
		return false
	}
}

// ProcessKind distinguishes the three process roles bracketing an attempt.
type ProcessKind string

const (
	ProcessSetup   ProcessKind = "setup"
	ProcessAgent   ProcessKind = "agent"
	ProcessCleanup ProcessKind = "cleanup"
)

// EntryType is the closed vocabulary a NormalizedEntry may carry.
type EntryType string

const (
	EntryUser       EntryType = "user"
	EntryAssistant  EntryType = "assistant"
	EntryToolCall   EntryType = "tool_call"
	EntryToolResult EntryType = "tool_result"
	EntryDiff       EntryType = "diff"
	EntryStderr     EntryType = "stderr"
)

// SessionKind distinguishes human browser sessions from machine MCP sessions.
type SessionKind string

const (
	SessionWeb     SessionKind = "web"
	SessionMachine SessionKind = "machine"
)

// AuditResult is the outcome recorded on an AuditEntry.
type AuditResult string

const (
	AuditSuccess AuditResult = "success"
	AuditFailure AuditResult = "failure"
	AuditBlocked AuditResult = "blocked"
)

// AuditSeverity grades an AuditEntry for operator triage.
type AuditSeverity string

const (
	SeverityLow    AuditSeverity = "low"
	SeverityMedium AuditSeverity = "medium"
	SeverityHigh   AuditSeverity = "high"
)

// Project is a git repository known to the system.
type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	GitRepoPath   string    `json:"git_repo_path"`
	DefaultBranch string    `json:"default_branch"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// Task is a unit of requested work within a Project.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	WishID      string     `json:"wish_id"`
	CreatedBy   string     `json:"created_by"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TaskAttempt is one run of an executor against a Task.
type TaskAttempt struct {
	ID           string       `json:"id"`
	TaskID       string       `json:"task_id"`
	Branch       string       `json:"branch"`
	BaseBranch   string       `json:"base_branch"`
	Executor     string       `json:"executor"`
	WorktreePath string       `json:"worktree_path,omitempty"`
	State        AttemptState `json:"state"`
	CreatedBy    string       `json:"created_by"`
	CreatedAt    time.Time    `json:"created_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	ExitCode     *int         `json:"exit_code,omitempty"`
}

// ExecutionProcess is one OS process spawned on behalf of an attempt.
type ExecutionProcess struct {
	ID        string      `json:"id"`
	AttemptID string      `json:"attempt_id"`
	Kind      ProcessKind `json:"kind"`
	PID       *int        `json:"pid,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	ExitedAt  *time.Time  `json:"exited_at,omitempty"`
	ExitCode  *int        `json:"exit_code,omitempty"`
}

// NormalizedEntry is one structured item of an agent's conversation output.
type NormalizedEntry struct {
	ID        string    `json:"id"`
	ProcessID string    `json:"process_id"`
	Ordinal   int64     `json:"ordinal"`
	EntryType EntryType `json:"entry_type"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// User is a known identity, established by an external trusted oracle.
type User struct {
	ID              string `json:"id"`
	ExternalID      string `json:"external_id"`
	Username        string `json:"username"`
	DisplayName     string `json:"display_name"`
	IsAdmin         bool   `json:"is_admin"`
	IsWhitelisted   bool   `json:"is_whitelisted"`
	TokenCiphertext string `json:"-"`
}

// Session binds a hashed token to a User for a bounded lifetime.
type Session struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	TokenHash string      `json:"-"`
	Kind      SessionKind `json:"kind"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// AuditEntry is an immutable record of a security-relevant event.
type AuditEntry struct {
	ID        string        `json:"id"`
	EventType string        `json:"event_type"`
	UserID    string        `json:"user_id,omitempty"`
	Resource  string        `json:"resource"`
	Action    string        `json:"action"`
	Result    AuditResult   `json:"result"`
	Severity  AuditSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`
	Details   string        `json:"details,omitempty"`
}

// Caller is the authenticated identity on whose behalf an operation runs.
type Caller struct {
	UserID    string
	SessionID string
	Kind      SessionKind
	IsAdmin   bool
}
