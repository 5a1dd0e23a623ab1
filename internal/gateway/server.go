// Package gateway exposes the orchestrator's HTTP control plane: REST
// endpoints over projects/tasks/attempts, a WebSocket endpoint that streams
// bus events to connected operator/browser clients, and the MCP tool
// surface mounted at /mcp.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alekspetrov/forge/internal/apperr"
	"github.com/alekspetrov/forge/internal/auth"
	"github.com/alekspetrov/forge/internal/bus"
	"github.com/alekspetrov/forge/internal/domain"
	"github.com/alekspetrov/forge/internal/logging"
	"github.com/alekspetrov/forge/internal/mcp"
	"github.com/alekspetrov/forge/internal/store"
)

const (
	wsPingInterval = 30 * time.Second
	wsPongTimeout  = 10 * time.Second
	wsWriteTimeout = 5 * time.Second
)

// localhostPrefixes are the allowed origin prefixes for WebSocket upgrades.
var localhostPrefixes = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

func isLocalhost(origin string) bool {
	for _, prefix := range localhostPrefixes {
		if origin == prefix || strings.HasPrefix(origin, prefix+":") {
			return true
		}
	}
	return false
}

// Store is the slice of persistence the REST endpoints need.
type Store interface {
	ListProjects() ([]domain.Project, error)
	ListTasks(filter store.TaskFilter) ([]domain.Task, error)
	InsertTask(t domain.Task) (domain.Task, error)
}

// Config configures the Server's network bindings. The REST/WebSocket API
// and the MCP tool surface bind separate ports off the same host, so a
// machine client's tool calls never share a listener with operator/browser
// traffic.
type Config struct {
	Host    string
	Port    int
	MCPPort int
}

// Server is the orchestrator's HTTP control plane.
type Server struct {
	cfg     Config
	store   Store
	gate    *auth.Gate
	bus     *bus.Bus
	surface *mcp.Surface

	upgrader websocket.Upgrader

	mu      sync.Mutex
	httpSrv *http.Server
	mcpSrv  *http.Server
}

// New creates a Server.
func New(cfg Config, st Store, gate *auth.Gate, eventBus *bus.Bus, surface *mcp.Surface) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		gate:    gate,
		bus:     eventBus,
		surface: surface,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || isLocalhost(origin)
			},
		},
	}
}

// mux builds the REST/WebSocket routing table. attempts backs the REST
// attempt endpoints.
func (s *Server) mux(attempts mcp.AttemptStarter) http.Handler {
	root := http.NewServeMux()

	root.HandleFunc("/health", s.handleHealth)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/projects", s.handleProjects)
	api.HandleFunc("/api/v1/tasks", s.handleTasks)
	api.HandleFunc("/api/v1/attempts/start", s.handleStartAttempt(attempts))
	api.HandleFunc("/api/v1/attempts/cancel", s.handleCancelAttempt(attempts))
	api.HandleFunc("/api/v1/events", s.handleEventStream)
	root.Handle("/api/v1/", s.gate.Middleware("web_api", api))

	return root
}

// mcpMux builds the MCP tool-surface routing table, served on its own port
// (cfg.MCPPort) so machine clients never share a listener with the
// operator-facing REST/WebSocket API.
func (s *Server) mcpMux(attempts mcp.AttemptStarter) http.Handler {
	root := http.NewServeMux()
	root.Handle("/mcp", s.surface.ServeHTTP(s.gate, attempts))
	return root
}

// Start blocks serving both the REST/WebSocket API and the MCP surface
// until ctx is cancelled.
func (s *Server) Start(ctx context.Context, attempts mcp.AttemptStarter) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux(attempts),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // long enough for a held-open event stream
		IdleTimeout:  60 * time.Second,
	}

	mcpAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.MCPPort)
	mcpSrv := &http.Server{
		Addr:         mcpAddr,
		Handler:      s.mcpMux(attempts),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.httpSrv = srv
	s.mcpSrv = mcpSrv
	s.mu.Unlock()

	log := logging.WithComponent("gateway")
	log.Info("gateway starting", slog.String("addr", addr), slog.String("mcp_addr", mcpAddr))

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		if err := mcpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		_ = s.Shutdown()
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully stops both HTTP servers, giving in-flight requests
// (and event-stream connections) 10 seconds to drain.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	srv := s.httpSrv
	mcpSrv := s.mcpSrv
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if srv != nil {
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			err = shutdownErr
		}
	}
	if mcpSrv != nil {
		if shutdownErr := mcpSrv.Shutdown(ctx); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, projects)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tasks, err := s.store.ListTasks(store.TaskFilter{
			ProjectID: r.URL.Query().Get("project_id"),
			Status:    domain.TaskStatus(r.URL.Query().Get("status")),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, tasks)
	case http.MethodPost:
		var t domain.Task
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		created, err := s.store.InsertTask(t)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, created)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStartAttempt(attempts mcp.AttemptStarter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AttemptID string `json:"attempt_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		caller := callerFromContext(r.Context())
		a, err := attempts.Start(r.Context(), req.AttemptID, caller)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, a)
	}
}

func (s *Server) handleCancelAttempt(attempts mcp.AttemptStarter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AttemptID string `json:"attempt_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		caller := callerFromContext(r.Context())
		if err := attempts.Cancel(r.Context(), req.AttemptID, caller); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleEventStream upgrades to a WebSocket and relays bus events for the
// requested project until the client disconnects or the subscription is
// force-disconnected for excessive lag.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	userID := r.URL.Query().Get("user_id")
	if projectID == "" {
		http.Error(w, "project_id is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.WithComponent("gateway").Error("event stream upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(projectID, userID, "", r.UserAgent())
	defer s.bus.Unsubscribe(sub)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := make(chan bus.Event, 1)
	go func() {
		defer close(events)
		for {
			event, ok := sub.Next()
			if !ok {
				return
			}
			select {
			case events <- event:
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func callerFromContext(ctx context.Context) domain.Caller {
	caller, _ := auth.CallerFromContext(ctx)
	return caller
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.Of(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindUnauthenticated:
		status = http.StatusUnauthorized
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindRateLimited:
		status = http.StatusTooManyRequests
	}
	http.Error(w, err.Error(), status)
}
