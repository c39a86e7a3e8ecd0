package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"

	"github.com/mirrorsync/mirrorsync/internal/config"
	"github.com/mirrorsync/mirrorsync/internal/syncengine"
	"github.com/mirrorsync/mirrorsync/internal/task"
)

// Server is the control plane's HTTP/JSON + WebSocket listener (spec A4).
// Routes: POST /tasks, GET /tasks, POST /tasks/{id}/start|stop|restart|sync,
// GET /tasks/{id}/status, GET /logs, GET /ws/logs, GET /ws/task-status.
type Server struct {
	manager *task.Manager
	store   *syncengine.Store
	logger  *slog.Logger
	token   string

	logsHub   *Hub
	statusHub *Hub

	httpServer *http.Server
}

// NewServer constructs a Server bound to manager and store, with bearer
// token auth configured via cfg/env (spec §4.17).
func NewServer(manager *task.Manager, store *syncengine.Store, cfg config.ServerConfig, env config.EnvOverrides, logger *slog.Logger) *Server {
	s := &Server{
		manager:   manager,
		store:     store,
		logger:    logger,
		token:     config.ResolveAPIToken(&cfg, env),
		logsHub:   NewHub(logger),
		statusHub: NewHub(logger),
	}

	router := mux.NewRouter()
	router.Use(s.authMiddleware)

	router.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	router.HandleFunc("/tasks", s.handleCreateTask).Methods(http.MethodPost)
	router.HandleFunc("/tasks/{id}", s.handleDeleteTask).Methods(http.MethodDelete)
	router.HandleFunc("/tasks/{id}/start", s.handleStart).Methods(http.MethodPost)
	router.HandleFunc("/tasks/{id}/stop", s.handleStop).Methods(http.MethodPost)
	router.HandleFunc("/tasks/{id}/restart", s.handleRestart).Methods(http.MethodPost)
	router.HandleFunc("/tasks/{id}/sync", s.handleSync).Methods(http.MethodPost)
	router.HandleFunc("/tasks/{id}/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	router.HandleFunc("/ws/logs", s.handleWSLogs)
	router.HandleFunc("/ws/task-status", s.handleWSTaskStatus)

	readTimeout, _ := time.ParseDuration(cfg.ReadTimeout)
	writeTimeout, _ := time.ParseDuration(cfg.WriteTimeout)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	return s
}

// Run starts both hubs and the HTTP listener, blocking until ctx is
// cancelled or ListenAndServe fails.
func (s *Server) Run(ctx context.Context) error {
	go s.logsHub.Run(ctx)
	go s.statusHub.Run(ctx)

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("control plane listening", slog.String("addr", s.httpServer.Addr))

		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// BroadcastLog pushes a log line to every connected /ws/logs client. No
// code in this module calls it: Store.AppendLog does not broadcast.
func (s *Server) BroadcastLog(entry syncengine.LogEntry) {
	s.logsHub.Broadcast(map[string]any{"type": "log", "data": entry})
}

// BroadcastTaskStatus pushes a status update to every connected
// /ws/task-status client.
func (s *Server) BroadcastTaskStatus(status task.Status) {
	s.statusHub.Broadcast(map[string]any{"type": "task_status", "data": status})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var cfg config.TaskConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := cfg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.manager.Register(r.Context(), cfg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := s.taskIDFromRequest(r)

	if err := s.manager.Remove(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) taskIDFromRequest(r *http.Request) string {
	return mux.Vars(r)["id"]
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := s.taskIDFromRequest(r)

	if err := s.manager.Start(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := s.taskIDFromRequest(r)

	if err := s.manager.Stop(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := s.taskIDFromRequest(r)

	if err := s.manager.Restart(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	id := s.taskIDFromRequest(r)

	if err := s.manager.Sync(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := s.taskIDFromRequest(r)

	status, err := s.manager.Status(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	logs, err := s.store.RecentLogs(r.Context(), taskID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleWSLogs(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	client := newWSClient(conn, s.logger)

	go client.writeLoop(r.Context())
	go client.readLoop(r.Context())

	s.logsHub.register <- client
	<-client.done
	s.logsHub.unregister <- client
}

// handleWSTaskStatus pushes a full status snapshot immediately on connect,
// then joins the broadcast hub for subsequent updates (spec §6 "On
// /ws/task-status connect, the hub pushes a task_status_snapshot before
// joining broadcast").
func (s *Server) handleWSTaskStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	client := newWSClient(conn, s.logger)

	go client.writeLoop(r.Context())
	go client.readLoop(r.Context())

	client.send(map[string]any{
		"type":     "task_status_snapshot",
		"data":     s.manager.List(),
	})

	s.statusHub.register <- client
	<-client.done
	s.statusHub.unregister <- client
}
