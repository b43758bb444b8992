package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rookery-ai/rookery/api"
	"github.com/rookery-ai/rookery/internal/auth"
	"github.com/rookery-ai/rookery/internal/consensus"
	"github.com/rookery-ai/rookery/internal/coordinator"
	"github.com/rookery-ai/rookery/internal/dispatch"
	"github.com/rookery-ai/rookery/internal/drift"
	"github.com/rookery-ai/rookery/internal/exhaustion"
	"github.com/rookery-ai/rookery/internal/identity"
	"github.com/rookery-ai/rookery/internal/model"
	"github.com/rookery-ai/rookery/internal/ratelimit"
	"github.com/rookery-ai/rookery/internal/registry"
	"github.com/rookery-ai/rookery/internal/search"
	"github.com/rookery-ai/rookery/internal/storage"
)

// Config holds HTTP server settings.
type Config struct {
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	IdleTimeout         time.Duration
	MaxRequestBodyBytes int64
}

// Deps are the collaborators the HTTP layer dispatches into. Searcher
// and Dispatcher may be nil; the corresponding endpoints degrade.
type Deps struct {
	DB          *storage.DB
	JWT         *auth.JWTManager
	Registry    *registry.Registry
	Spawner     *registry.Spawner
	Coordinator *coordinator.Coordinator
	Identities  *identity.Service
	Consensus   *consensus.Service
	Drift       *drift.Service
	Exhaustion  *exhaustion.Service
	Dispatcher  *dispatch.Dispatcher
	Searcher    search.Searcher
	Broker      *Broker
	Limiter     ratelimit.Limiter
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	http   *http.Server
}

// New creates the server and builds its route table.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger}

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.buildHandler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	admin := requireRole(model.RoleAdmin)

	// Auth.
	mux.HandleFunc("POST /auth/token", s.handleExchangeToken)
	mux.Handle("POST /admin/keys", admin(http.HandlerFunc(s.handleCreateAPIKey)))
	mux.Handle("GET /admin/keys", admin(http.HandlerFunc(s.handleListAPIKeys)))
	mux.Handle("DELETE /admin/keys/{id}", admin(http.HandlerFunc(s.handleRevokeAPIKey)))

	// Tasks.
	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.Handle("DELETE /tasks/{id}", admin(http.HandlerFunc(s.handleDeleteTask)))
	mux.HandleFunc("GET /tasks/{id}/relationships", s.handleListRelationships)
	mux.HandleFunc("POST /tasks/{id}/relationships", s.handleCreateRelationship)
	mux.HandleFunc("GET /tasks/{id}/similar", s.handleSimilarTasks)

	// Dispatch.
	mux.HandleFunc("POST /dispatch/classify", s.handleClassify)

	// Agents.
	mux.HandleFunc("GET /agents/types", s.handleListAgentTypes)
	mux.HandleFunc("POST /agents", s.handleSpawnAgent)
	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("GET /agents/{id}", s.handleGetAgent)
	mux.HandleFunc("DELETE /agents/{id}", s.handleStopAgent)
	mux.HandleFunc("GET /agents/{id}/metrics", s.handleAgentMetrics)
	mux.HandleFunc("POST /agents/{id}/usage", s.handleRecordUsage)
	mux.HandleFunc("POST /agents/{id}/pause", s.handlePauseAgent)
	mux.HandleFunc("POST /agents/{id}/resume", s.handleResumeAgent)
	mux.Handle("POST /agents/{id}/terminate", admin(http.HandlerFunc(s.handleTerminateAgent)))

	// Identities.
	mux.HandleFunc("POST /identities", s.handleCreateIdentity)
	mux.HandleFunc("GET /identities", s.handleListIdentities)
	mux.HandleFunc("GET /identities/{id}", s.handleGetIdentity)
	mux.HandleFunc("PATCH /identities/{id}", s.handleUpdateIdentity)
	mux.HandleFunc("POST /identities/{id}/activate", s.handleActivateIdentity)
	mux.HandleFunc("POST /identities/{id}/deactivate", s.handleDeactivateIdentity)
	mux.Handle("POST /identities/{id}/retire", admin(http.HandlerFunc(s.handleRetireIdentity)))
	mux.HandleFunc("GET /identities/{id}/audit", s.handleIdentityAudit)

	// Consensus checkpoints.
	mux.HandleFunc("GET /checkpoints", s.handleListCheckpoints)
	mux.HandleFunc("GET /checkpoints/{id}", s.handleGetCheckpoint)
	mux.HandleFunc("POST /checkpoints/{id}/decision", s.handleCheckpointDecision)

	// Drift.
	mux.HandleFunc("GET /drift/events", s.handleListDriftEvents)
	mux.HandleFunc("GET /drift/stats", s.handleDriftStats)

	// System.
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(api.OpenAPISpec)
	})

	// Middleware chain, innermost first: rate limit, auth, then the
	// observability layers so rejected requests are still logged/traced.
	var handler http.Handler = mux
	handler = ratelimit.Middleware(s.deps.Limiter, ratelimit.IPKeyFunc)(handler)
	handler = authMiddleware(s.deps.JWT, handler)
	handler = maxBodyMiddleware(s.cfg.MaxRequestBodyBytes, handler)
	handler = tracingMiddleware(handler)
	handler = loggingMiddleware(s.logger, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = recoveryMiddleware(s.logger, handler)
	return handler
}

// maxBodyMiddleware caps request body size. A limit of 0 disables the cap.
func maxBodyMiddleware(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the fully wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called; a clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, draining in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
