package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/torii-ai/sekisho/internal/agents"
	"github.com/torii-ai/sekisho/internal/auth"
	"github.com/torii-ai/sekisho/internal/governance"
	"github.com/torii-ai/sekisho/internal/packets"
	"github.com/torii-ai/sekisho/internal/playbooks"
	"github.com/torii-ai/sekisho/internal/ratelimit"
	"github.com/torii-ai/sekisho/internal/retrieval"
	"github.com/torii-ai/sekisho/internal/storage"
)

// Server is the Sekisho HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds all dependencies for creating a Server. Optional fields
// (nil-safe): Limiter, Retriever, Index, MCPServer.
type Config struct {
	DB           *storage.DB
	JWTMgr       *auth.JWTManager
	Orchestrator *agents.Orchestrator
	Packets      *packets.Builder
	Approvals    *governance.Approvals
	Rollback     *governance.Rollback
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	Retriever *retrieval.Retriever
	Indexer   *retrieval.Indexer
	Miner     *playbooks.Miner
	Index     *retrieval.QdrantIndex
	MCPServer *mcpserver.MCPServer

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
}

// New creates an HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := &Handlers{
		db:        cfg.DB,
		jwtMgr:    cfg.JWTMgr,
		orch:      cfg.Orchestrator,
		packets:   cfg.Packets,
		approvals: cfg.Approvals,
		rollback:  cfg.Rollback,
		retriever: cfg.Retriever,
		indexer:   cfg.Indexer,
		miner:     cfg.Miner,
		index:     cfg.Index,
		logger:    cfg.Logger,
	}

	// Token exchange is the only unauthenticated mutating endpoint, so it
	// alone is rate limited by client IP.
	authRL := func(next http.Handler) http.Handler {
		return rateLimitMiddleware(cfg.Limiter, ratelimit.IPKey, next)
	}
	operator := requireOperator(cfg.JWTMgr)

	mux := http.NewServeMux()

	mux.Handle("POST /v1/auth/token", authRL(http.HandlerFunc(h.HandleToken)))

	mux.HandleFunc("POST /v1/cases", h.HandleCreateCase)
	mux.HandleFunc("GET /v1/cases", h.HandleListCases)
	mux.HandleFunc("GET /v1/cases/{id}", h.HandleGetCase)
	mux.HandleFunc("GET /v1/cases/{id}/packet", h.HandleCasePacket)
	mux.HandleFunc("GET /v1/cases/{id}/trace", h.HandleCaseTrace)
	mux.HandleFunc("POST /v1/cases/{id}/stream", h.HandleStreamCase)

	mux.Handle("POST /v1/actions/{id}/approve", operator(http.HandlerFunc(h.HandleApproveAction)))
	mux.Handle("POST /v1/actions/{id}/reject", operator(http.HandlerFunc(h.HandleRejectAction)))
	mux.Handle("POST /v1/actions/{id}/rollback", operator(http.HandlerFunc(h.HandleRollbackAction)))
	mux.HandleFunc("GET /v1/actions", h.HandleListActions)

	mux.HandleFunc("GET /v1/playbooks", h.HandleListPlaybooks)
	mux.HandleFunc("POST /v1/search", h.HandleSearch)

	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	mux.HandleFunc("GET /healthz", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → body limit → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = bodyLimitMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
