package sekisho

import (
	"log/slog"

	"github.com/torii-ai/sekisho/internal/agents"
	"github.com/torii-ai/sekisho/internal/llm"
	"github.com/torii-ai/sekisho/internal/retrieval"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	notifyURL   string
	logger      *slog.Logger
	version     string
	embedder    retrieval.Embedder
	llmClient   llm.Client
	fetcher     agents.Fetcher
}

// WithPort overrides the TCP port from config (SEKISHO_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler (e.g. PgBouncer) for queries: LISTEN/NOTIFY
// requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, a JSON logger on stdout is used at the configured level.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbedder replaces the auto-detected embedding provider (Ollama or the
// deterministic hash fallback).
func WithEmbedder(e retrieval.Embedder) Option {
	return func(o *resolvedOptions) { o.embedder = e }
}

// WithLLMClient replaces the configured assessment engine. Pass
// llm.NewRulesClient() for fully deterministic decisions.
func WithLLMClient(c llm.Client) Option {
	return func(o *resolvedOptions) { o.llmClient = c }
}

// WithFetcher replaces the live public-data source registry. Simulation and
// tests use this to feed canned evidence through the production pipeline.
func WithFetcher(f agents.Fetcher) Option {
	return func(o *resolvedOptions) { o.fetcher = f }
}
