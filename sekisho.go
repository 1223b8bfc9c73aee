// Package sekisho is the public API for embedding the Sekisho gateway
// posture server.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := sekisho.New(
//	    sekisho.WithVersion(version),
//	    sekisho.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: sekisho (root) imports
// internal/*, but internal/* never imports sekisho (root).
package sekisho

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/torii-ai/sekisho/internal/agents"
	"github.com/torii-ai/sekisho/internal/auth"
	"github.com/torii-ai/sekisho/internal/config"
	"github.com/torii-ai/sekisho/internal/governance"
	"github.com/torii-ai/sekisho/internal/ingest"
	"github.com/torii-ai/sekisho/internal/llm"
	"github.com/torii-ai/sekisho/internal/mcp"
	"github.com/torii-ai/sekisho/internal/model"
	"github.com/torii-ai/sekisho/internal/packets"
	"github.com/torii-ai/sekisho/internal/playbooks"
	"github.com/torii-ai/sekisho/internal/ratelimit"
	"github.com/torii-ai/sekisho/internal/retrieval"
	"github.com/torii-ai/sekisho/internal/server"
	"github.com/torii-ai/sekisho/internal/signals"
	"github.com/torii-ai/sekisho/internal/storage"
	"github.com/torii-ai/sekisho/internal/telemetry"
	"github.com/torii-ai/sekisho/internal/tracewal"
	"github.com/torii-ai/sekisho/migrations"
)

// agerSweepInterval is how often stale playbooks are retired.
const agerSweepInterval = 24 * time.Hour

// App is the Sekisho server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	journal      *tracewal.Journal
	flusher      *tracewal.Flusher
	outbox       *retrieval.OutboxWorker // nil when Qdrant is not configured
	qdrantIndex  *retrieval.QdrantIndex  // nil when Qdrant is not configured
	ager         *playbooks.Ager
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Sekisho server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.version == "" {
		o.version = "dev"
	}

	// A .env file is a dev convenience; production sets real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("sekisho: load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}

	logger := o.logger
	if logger == nil {
		level := slog.LevelInfo
		if cfg.LogLevel == "debug" {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, o.version, false)
	if err != nil {
		return nil, fmt.Errorf("sekisho: telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return nil, fmt.Errorf("sekisho: storage: %w", err)
	}

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("sekisho: migrations: %w", err)
	}

	// If the pgvector extension failed to create, later migrations fail
	// silently and the server would start with no tables. Catch it here.
	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'cases')`,
	).Scan(&schemaOK); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("sekisho: schema verification: %w", err)
	}
	if !schemaOK {
		db.Close(ctx)
		return nil, errors.New("sekisho: table 'cases' missing after migration; check that the vector extension can be created")
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiration)
	if err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("sekisho: auth: %w", err)
	}

	if cfg.OperatorAPIKey != "" {
		hash, err := auth.HashOperatorKey(cfg.OperatorAPIKey)
		if err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("sekisho: operator key: %w", err)
		}
		if _, err := db.UpsertOperator(ctx, cfg.OperatorName, hash); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("sekisho: operator seed: %w", err)
		}
		logger.Info("bootstrap operator seeded", "operator", cfg.OperatorName)
	}

	if err := db.SeedPolicies(ctx, builtinPolicies()); err != nil {
		logger.Warn("policy seed failed", "error", err)
	}

	embedder := o.embedder
	if embedder == nil {
		embedder = newEmbedder(cfg, logger)
	}
	retriever := retrieval.NewRetriever(db, embedder, logger)
	indexer := retrieval.NewIndexer(db, embedder, logger)

	var (
		qdrantIndex *retrieval.QdrantIndex
		outbox      *retrieval.OutboxWorker
	)
	if cfg.QdrantAddr != "" {
		qdrantIndex, err = retrieval.NewQdrantIndex(retrieval.QdrantConfig{
			URL:        cfg.QdrantAddr,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
		}, logger)
		if err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("sekisho: qdrant: %w", err)
		}
		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("sekisho: qdrant ensure collection: %w", err)
		}
		outbox = retrieval.NewOutboxWorker(db, qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		logger.Info("qdrant mirror enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant mirror disabled (no QDRANT_ADDR)")
	}

	journal, err := tracewal.Open(cfg.TraceWALPath)
	if err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("sekisho: trace journal: %w", err)
	}
	flusher := tracewal.NewFlusher(journal, db, cfg.TraceFlushTimeout, 256, logger)
	db.AttachTraceJournal(journal)

	client := o.llmClient
	if client == nil {
		client = newLLMClient(cfg, logger)
	}

	fetcher := o.fetcher
	if fetcher == nil {
		httpClient := ingest.NewClient(cfg.SourceTimeout, nil)
		registry := ingest.DefaultRegistry(httpClient,
			cfg.FAABaseURL, cfg.AviationWxBaseURL, cfg.NWSBaseURL, cfg.OpenSkyBaseURL,
			cfg.SourceTimeout, logger)
		fetcher = ingest.NewCache(registry, cfg.EvidenceCacheTTL, time.Now)
	}

	deriver := signals.NewDeriver(db, logger)
	detector := signals.NewDetector(db)
	sm := governance.NewStateMachine(db, logger)
	executor := agents.NewExecutor(db, sm, logger)
	approvals := governance.NewApprovals(db, sm, executor, logger)
	rollback := governance.NewRollback(db, sm, logger)

	orch := agents.NewOrchestrator(
		db,
		agents.NewInvestigator(db, fetcher, deriver, detector, logger),
		agents.NewRiskQuant(db, client, logger),
		agents.NewCritic(db, client, logger),
		agents.NewPolicyJudge(db, client, logger),
		agents.NewComms(db, logger),
		executor,
		playbooks.NewMatcher(db, logger),
		agents.Budgets{
			MaxIterations:     cfg.MaxIterations,
			MaxToolCalls:      cfg.MaxToolCalls,
			MaxInvestigations: cfg.MaxInvestigations,
		},
		logger,
	)

	builder := packets.NewBuilder(db, packets.NewCascade(db), logger)
	mcpSrv := mcp.New(db, builder, retriever, logger)

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	srv := server.New(server.Config{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Orchestrator:        orch,
		Packets:             builder,
		Approvals:           approvals,
		Rollback:            rollback,
		Logger:              logger,
		Limiter:             limiter,
		Retriever:           retriever,
		Indexer:             indexer,
		Miner:               playbooks.NewMiner(db, logger),
		Index:               qdrantIndex,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		journal:      journal,
		flusher:      flusher,
		outbox:       outbox,
		qdrantIndex:  qdrantIndex,
		ager:         playbooks.NewAger(db, logger),
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      o.version,
	}, nil
}

// DB exposes the storage layer for embedding callers (simulation, tooling).
func (a *App) DB() *storage.DB { return a.db }

// Run starts background services and the HTTP server, then blocks until ctx
// is cancelled or the server fails. It performs a graceful shutdown before
// returning.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("sekisho starting", "version", a.version, "port", a.cfg.Port)

	// Replay whatever a previous run left in the journal before accepting
	// new trace traffic.
	if n, err := a.flusher.FlushOnce(ctx); err != nil {
		a.logger.Warn("trace journal replay failed", "error", err)
	} else if n > 0 {
		a.logger.Info("trace journal replayed", "events", n)
	}
	go a.flusher.Run(ctx)

	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	go a.ager.Run(ctx, agerSweepInterval)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains the server in phases: stop accepting HTTP requests, flush
// the trace journal to Postgres, drain remaining outbox entries, then close
// everything else.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("sekisho shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	flushCtx, flushCancel := context.WithTimeout(ctx, 10*time.Second)
	if _, err := a.flusher.FlushOnce(flushCtx); err != nil {
		a.logger.Error("final trace flush incomplete", "error", err)
	}
	flushCancel()
	if err := a.journal.Close(); err != nil {
		a.logger.Error("trace journal close error", "error", err)
	}

	if a.outbox != nil {
		outboxCtx, outboxCancel := context.WithTimeout(ctx, 10*time.Second)
		a.outbox.Drain(outboxCtx)
		outboxCancel()
	}

	_ = a.limiter.Close()
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("sekisho stopped")
	return nil
}

// newEmbedder selects the embedding provider: "ollama", "hash", or "auto"
// (probe Ollama, fall back to the deterministic hash embedder). Hash keeps
// hybrid retrieval functional without any model server; semantic scores are
// then lexical rather than learned.
func newEmbedder(cfg config.Config, logger *slog.Logger) retrieval.Embedder {
	switch cfg.EmbeddingProvider {
	case "ollama":
		logger.Info("embedder: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		return retrieval.NewOllamaEmbedder(cfg.OllamaURL, cfg.OllamaModel)
	case "hash":
		logger.Info("embedder: hash")
		return retrieval.HashEmbedder{}
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedder: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
			return retrieval.NewOllamaEmbedder(cfg.OllamaURL, cfg.OllamaModel)
		}
		logger.Info("embedder: hash (ollama unreachable)")
		return retrieval.HashEmbedder{}
	}
}

// newLLMClient selects the assessment engine. An empty base URL selects the
// deterministic rule-based client.
func newLLMClient(cfg config.Config, logger *slog.Logger) llm.Client {
	if cfg.LLMBaseURL == "" {
		logger.Info("assessment engine: rules (deterministic)")
		return llm.NewRulesClient()
	}
	logger.Info("assessment engine: llm", "base_url", cfg.LLMBaseURL, "model", cfg.LLMModel)
	return llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
}

// ollamaReachable checks whether an Ollama server answers on baseURL.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// builtinPolicies is the default operating policy set, loaded once when the
// policy table is empty. Operators replace or extend these through the API.
func builtinPolicies() []model.Policy {
	return []model.Policy{
		{
			Type: "posture",
			Text: "A CRITICAL risk assessment must never carry an ACCEPT posture.",
			Conditions: map[string]any{
				"risk_level": "CRITICAL",
			},
			Effects: map[string]any{
				"forbid_posture": "ACCEPT",
			},
		},
		{
			Type: "approval",
			Text: "Shipment interventions under HIGH or CRITICAL risk require operator approval before execution.",
			Conditions: map[string]any{
				"risk_level": []string{"HIGH", "CRITICAL"},
			},
			Effects: map[string]any{
				"require_approval": "shipment_actions",
			},
		},
		{
			Type: "evidence",
			Text: "Shipment actions require booking evidence on file for the affected gateway.",
			Conditions: map[string]any{
				"action_scope": "shipment",
			},
			Effects: map[string]any{
				"require_evidence": "booking",
			},
		},
		{
			Type: "escalation",
			Text: "Contradictory evidence from blocking sources escalates to a human before any posture change executes.",
			Conditions: map[string]any{
				"contradictions": "present",
			},
			Effects: map[string]any{
				"posture_floor": "ESCALATE",
			},
		},
	}
}
