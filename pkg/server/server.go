// Package server exposes the research-planning backend over HTTP: agent
// message streaming via SSE, research-tree commands, and project
// persistence. All user-facing detail strings are Chinese; error payloads
// are `{"detail": "..."}`.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/resviz/resviz/pkg/logger"
	"github.com/resviz/resviz/pkg/messages"
	"github.com/resviz/resviz/pkg/presenter"
	"github.com/resviz/resviz/pkg/project"
	"github.com/resviz/resviz/pkg/tree"
	"github.com/resviz/resviz/pkg/version"
)

// ServerConfig holds the listen address.
type ServerConfig struct {
	Host string
	Port int
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// Deps bundles the session state the handlers operate on.
type Deps struct {
	Messages *messages.Manager
	Tree     *tree.Store
	Projects *project.Manager
	Resolver messages.SnapshotResolver
}

// Server is the HTTP front of the backend.
type Server struct {
	router *mux.Router
	config *ServerConfig
	deps   Deps
	server *http.Server
}

// NewServer builds a server with all routes registered.
func NewServer(config *ServerConfig, deps Deps) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid server configuration")
	}
	s := &Server{
		router: mux.NewRouter(),
		config: config,
		deps:   deps,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := s.router

	r.HandleFunc("/agents/messages", s.handleSendMessage).Methods("POST")
	r.HandleFunc("/agents/messages/continue/{message_id}", s.handleContinueMessage).Methods("GET")
	r.HandleFunc("/agents/messages/stop", s.handleStopAgent).Methods("POST")
	r.HandleFunc("/agents/messages/rollback-to/{message_id}", s.handleRollbackTo).Methods("POST")
	r.HandleFunc("/agents/status", s.handleAgentStatus).Methods("GET")

	r.HandleFunc("/research-tree/snapshots/current-id", s.handleCurrentSnapshotID).Methods("GET")
	r.HandleFunc("/research-tree/snapshots/{id}", s.handleGetSnapshot).Methods("GET")
	r.HandleFunc("/research-tree/problems/root", s.handleAddRootProblem).Methods("POST")
	r.HandleFunc("/research-tree/problems/root/{id}", s.handleUpdateRootProblem).Methods("PATCH")
	r.HandleFunc("/research-tree/problems/root/{id}", s.handleDeleteRootProblem).Methods("DELETE")
	r.HandleFunc("/research-tree/problems/{id}/solutions", s.handleCreateSolution).Methods("POST")
	r.HandleFunc("/research-tree/solutions/{id}", s.handleUpdateSolution).Methods("PATCH")
	r.HandleFunc("/research-tree/solutions/{id}", s.handleDeleteSolution).Methods("DELETE")
	r.HandleFunc("/research-tree/problems/{id}/selected-solution", s.handleSetSelectedSolution).Methods("POST")

	// current/* before {name}: mux matches in registration order.
	r.HandleFunc("/projects/current/info", s.handleCurrentProjectInfo).Methods("GET")
	r.HandleFunc("/projects/current/full-data", s.handleCurrentProjectFullData).Methods("GET")
	r.HandleFunc("/projects/save", s.handleSaveProject).Methods("POST")
	r.HandleFunc("/projects/save-as", s.handleSaveProjectAs).Methods("POST")
	r.HandleFunc("/projects", s.handleCreateProject).Methods("POST")
	r.HandleFunc("/projects", s.handleListProjects).Methods("GET")
	r.HandleFunc("/projects/{name}", s.handleLoadProject).Methods("GET")
	r.HandleFunc("/projects/{name}", s.handleDeleteProject).Methods("DELETE")

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/", s.handleBanner).Methods("GET")

	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "resviz.http")
	})
}

// publish returns the patch-bus publisher bound to the request context.
func (s *Server) publish(r *http.Request) messages.PublishFunc {
	return func(patch *messages.Patch) (string, error) {
		return s.deps.Messages.PublishPatch(r.Context(), patch)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(rw, r)

		logger.G(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rw.statusCode,
			"duration":    time.Since(start),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code. Flush
// is forwarded so SSE handlers keep working behind the middleware.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.G(context.TODO()).WithError(err).Error("failed to encode response")
	}
}

// writeDetail writes the uniform 4xx/5xx payload.
func (s *Server) writeDetail(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]any{"detail": detail})
}

// writeResult forwards a project-manager result map: failures become a 400
// with the message as detail.
func (s *Server) writeResult(w http.ResponseWriter, result map[string]any) {
	if ok, _ := result["success"].(bool); !ok {
		detail, _ := result["message"].(string)
		s.writeDetail(w, http.StatusBadRequest, detail)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// treeErrorStatus maps store errors to HTTP statuses.
func treeErrorStatus(err error) int {
	switch {
	case errors.Is(err, tree.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tree.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"message": "协作研究规划服务",
		"version": version.Get().Version,
		"features": []string{
			"智能体消息流", "研究树管理", "工程持久化", "断线续传",
		},
		"endpoints": map[string]string{
			"agents":        "/agents/messages",
			"research_tree": "/research-tree",
			"projects":      "/projects",
			"health":        "/healthz",
		},
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "resviz-backend",
		"version": version.Get().Version,
	})
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:    address,
		Handler: s.router,
	}

	presenter.Info(fmt.Sprintf("Starting server on http://%s", address))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.G(ctx).WithError(err).Error("server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Stop closes the server immediately.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
