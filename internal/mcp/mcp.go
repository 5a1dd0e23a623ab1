// Package mcp exposes the tool vocabulary external agent clients use to
// drive the orchestrator: list/create/update tasks and start/cancel
// attempts, authenticated via an OAuth-style PKCE authorization-code
// exchange rather than a pre-shared bearer token.
package mcp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/alekspetrov/forge/internal/apperr"
	"github.com/alekspetrov/forge/internal/auth"
	"github.com/alekspetrov/forge/internal/domain"
	"github.com/alekspetrov/forge/internal/store"
)

// Store is the slice of persistence the MCP surface needs.
type Store interface {
	ListProjects() ([]domain.Project, error)
	ListTasks(filter store.TaskFilter) ([]domain.Task, error)
	InsertTask(t domain.Task) (domain.Task, error)
	UpdateTask(t domain.Task) (domain.Task, error)
	GetTask(id string) (domain.Task, error)
	ListAttemptsForTask(taskID string) ([]domain.TaskAttempt, error)
	InsertAttempt(a domain.TaskAttempt) (domain.TaskAttempt, error)
	InsertSession(sess domain.Session) (domain.Session, error)
	GetUserByExternalID(externalID string) (domain.User, error)
}

// AttemptStarter is the slice of internal/attempt the MCP surface needs.
type AttemptStarter interface {
	Start(ctx context.Context, attemptID string, caller domain.Caller) (domain.TaskAttempt, error)
	Cancel(ctx context.Context, attemptID string, caller domain.Caller) error
}

// closed tool vocabulary
const (
	ToolListProjects   = "list_projects"
	ToolListTasks      = "list_tasks"
	ToolCreateTask     = "create_task"
	ToolUpdateTask     = "update_task"
	ToolStartAttempt   = "start_attempt"
	ToolCancelAttempt  = "cancel_attempt"
	ToolListAttempts   = "list_attempts"
)

// authCode is a single-use, PKCE-bound authorization code.
type authCode struct {
	userExternalID      string
	codeChallenge       string
	codeChallengeMethod string
	expiresAt           time.Time
	used                bool
}

// Surface implements the MCP tool vocabulary plus its PKCE authorization
// exchange, producing machine session tokens the Gate then authenticates on
// every subsequent tool call.
type Surface struct {
	store Store
	gate  *auth.Gate

	mu    sync.Mutex
	codes map[string]*authCode
}

// New creates a Surface.
func New(store Store, gate *auth.Gate) *Surface {
	return &Surface{
		store: store,
		gate:  gate,
		codes: make(map[string]*authCode),
	}
}

// IssueAuthCode creates a single-use, 10-minute authorization code bound to
// a PKCE code_challenge, for a client that has already established
// userExternalID via whatever out-of-band flow authorizes it to request
// machine access.
func (s *Surface) IssueAuthCode(userExternalID, codeChallenge, codeChallengeMethod string) (string, error) {
	if codeChallengeMethod != "S256" {
		return "", apperr.New(apperr.KindValidation, "only S256 PKCE is supported")
	}
	code := randomToken(32)
	s.mu.Lock()
	s.codes[code] = &authCode{
		userExternalID:      userExternalID,
		codeChallenge:       codeChallenge,
		codeChallengeMethod: codeChallengeMethod,
		expiresAt:           time.Now().Add(10 * time.Minute),
	}
	s.mu.Unlock()
	return code, nil
}

// ExchangeCode redeems a single-use authorization code for a machine
// session token, verifying the PKCE code_verifier against the
// code_challenge recorded at issuance.
func (s *Surface) ExchangeCode(code, codeVerifier string) (string, error) {
	s.mu.Lock()
	ac, ok := s.codes[code]
	var alreadyUsed bool
	if ok {
		alreadyUsed = ac.used
		ac.used = true // mark used even on a failing verifier: codes are single-use regardless
	}
	s.mu.Unlock()

	if !ok {
		return "", apperr.New(apperr.KindUnauthenticated, "unknown authorization code")
	}
	if alreadyUsed {
		return "", apperr.New(apperr.KindUnauthenticated, "authorization code already used")
	}
	if time.Now().After(ac.expiresAt) {
		return "", apperr.New(apperr.KindUnauthenticated, "authorization code expired")
	}
	if !verifyPKCE(codeVerifier, ac.codeChallenge) {
		return "", apperr.New(apperr.KindUnauthenticated, "code_verifier does not match code_challenge")
	}

	user, err := s.store.GetUserByExternalID(ac.userExternalID)
	if err != nil {
		return "", apperr.New(apperr.KindUnauthenticated, "unknown user")
	}

	rawToken := randomToken(32)
	_, err = s.store.InsertSession(domain.Session{
		UserID:    user.ID,
		TokenHash: s.gate.HashToken(rawToken),
		Kind:      domain.SessionMachine,
		ExpiresAt: time.Now().Add(30 * 24 * time.Hour),
	})
	if err != nil {
		return "", err
	}
	return rawToken, nil
}

func verifyPKCE(verifier, challenge string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return auth.SecureCompare(computed, challenge)
}

func randomToken(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// ToolCall is one MCP tool invocation as received from the transport.
type ToolCall struct {
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
}

// ToolResult is the response envelope for one ToolCall.
type ToolResult struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Dispatch routes one authenticated tool call to its handler. caller has
// already been resolved by the Gate from the request's bearer token.
func (s *Surface) Dispatch(ctx context.Context, caller domain.Caller, call ToolCall, attempts AttemptStarter) ToolResult {
	handler, ok := dispatchTable[call.Tool]
	if !ok {
		return ToolResult{Error: "unknown tool: " + call.Tool}
	}
	result, err := handler(s, ctx, caller, call.Params, attempts)
	if err != nil {
		return ToolResult{Error: err.Error()}
	}
	return ToolResult{Result: result}
}

type toolHandler func(s *Surface, ctx context.Context, caller domain.Caller, params json.RawMessage, attempts AttemptStarter) (any, error)

var dispatchTable = map[string]toolHandler{
	ToolListProjects:  (*Surface).handleListProjects,
	ToolListTasks:     (*Surface).handleListTasks,
	ToolCreateTask:    (*Surface).handleCreateTask,
	ToolUpdateTask:    (*Surface).handleUpdateTask,
	ToolStartAttempt:  (*Surface).handleStartAttempt,
	ToolCancelAttempt: (*Surface).handleCancelAttempt,
	ToolListAttempts:  (*Surface).handleListAttempts,
}

func (s *Surface) handleListProjects(_ context.Context, _ domain.Caller, _ json.RawMessage, _ AttemptStarter) (any, error) {
	return s.store.ListProjects()
}

type listTasksParams struct {
	ProjectID string `json:"project_id"`
	WishID    string `json:"wish_id"`
	Status    string `json:"status"`
}

func (s *Surface) handleListTasks(_ context.Context, _ domain.Caller, params json.RawMessage, _ AttemptStarter) (any, error) {
	var p listTasksParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperr.New(apperr.KindValidation, "invalid params")
	}
	return s.store.ListTasks(store.TaskFilter{ProjectID: p.ProjectID, WishID: p.WishID, Status: domain.TaskStatus(p.Status)})
}

type createTaskParams struct {
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	WishID      string `json:"wish_id"`
}

func (s *Surface) handleCreateTask(_ context.Context, caller domain.Caller, params json.RawMessage, _ AttemptStarter) (any, error) {
	var p createTaskParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperr.New(apperr.KindValidation, "invalid params")
	}
	if p.ProjectID == "" || p.Title == "" {
		return nil, apperr.New(apperr.KindValidation, "project_id and title are required")
	}
	return s.store.InsertTask(domain.Task{
		ProjectID:   p.ProjectID,
		Title:       p.Title,
		Description: p.Description,
		WishID:      p.WishID,
		CreatedBy:   caller.UserID,
	})
}

type updateTaskParams struct {
	TaskID      string  `json:"task_id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
	AssignedTo  *string `json:"assigned_to,omitempty"`
}

func (s *Surface) handleUpdateTask(_ context.Context, _ domain.Caller, params json.RawMessage, _ AttemptStarter) (any, error) {
	var p updateTaskParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperr.New(apperr.KindValidation, "invalid params")
	}
	task, err := s.store.GetTask(p.TaskID)
	if err != nil {
		return nil, err
	}
	if p.Title != nil {
		task.Title = *p.Title
	}
	if p.Description != nil {
		task.Description = *p.Description
	}
	if p.Status != nil {
		task.Status = domain.TaskStatus(*p.Status)
	}
	if p.AssignedTo != nil {
		task.AssignedTo = *p.AssignedTo
	}
	return s.store.UpdateTask(task)
}

type startAttemptParams struct {
	TaskID     string `json:"task_id"`
	Executor   string `json:"executor"`
	BaseBranch string `json:"base_branch"`
}

func (s *Surface) handleStartAttempt(ctx context.Context, caller domain.Caller, params json.RawMessage, attempts AttemptStarter) (any, error) {
	var p startAttemptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperr.New(apperr.KindValidation, "invalid params")
	}
	if p.BaseBranch == "" {
		p.BaseBranch = "main"
	}
	a, err := s.store.InsertAttempt(domain.TaskAttempt{
		TaskID:     p.TaskID,
		Branch:     "forge/" + p.TaskID + "/" + randomToken(4),
		BaseBranch: p.BaseBranch,
		Executor:   p.Executor,
		CreatedBy:  caller.UserID,
	})
	if err != nil {
		return nil, err
	}
	return attempts.Start(ctx, a.ID, caller)
}

type cancelAttemptParams struct {
	AttemptID string `json:"attempt_id"`
}

func (s *Surface) handleCancelAttempt(ctx context.Context, caller domain.Caller, params json.RawMessage, attempts AttemptStarter) (any, error) {
	var p cancelAttemptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperr.New(apperr.KindValidation, "invalid params")
	}
	return nil, attempts.Cancel(ctx, p.AttemptID, caller)
}

type listAttemptsParams struct {
	TaskID string `json:"task_id"`
}

func (s *Surface) handleListAttempts(_ context.Context, _ domain.Caller, params json.RawMessage, _ AttemptStarter) (any, error) {
	var p listAttemptsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, apperr.New(apperr.KindValidation, "invalid params")
	}
	return s.store.ListAttemptsForTask(p.TaskID)
}

// ServeHTTP exposes Dispatch over a single POST endpoint: one JSON ToolCall
// per request, answered with one JSON result. It is the only MCP transport;
// there is no streaming (SSE) or stdio transport.
func (s *Surface) ServeHTTP(gate *auth.Gate, attempts AttemptStarter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractBearerToken(r)
		caller, err := gate.Authenticate(token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := gate.Allow("machine_tool", caller.UserID); err != nil {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}

		var call ToolCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		result := s.Dispatch(r.Context(), caller, call, attempts)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	})
}
