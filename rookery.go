// Package rookery is the public API for embedding the Rookery agent
// orchestration server.
//
// Library consumers construct and run the server without forking it:
//
//	app, err := rookery.New(
//	    rookery.WithVersion(version),
//	    rookery.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: rookery (root)
// imports internal/*, but internal/* never imports the root.
package rookery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/rookery-ai/rookery/internal/auth"
	"github.com/rookery-ai/rookery/internal/bus"
	"github.com/rookery-ai/rookery/internal/config"
	"github.com/rookery-ai/rookery/internal/consensus"
	"github.com/rookery-ai/rookery/internal/coordinator"
	"github.com/rookery-ai/rookery/internal/dispatch"
	"github.com/rookery-ai/rookery/internal/drift"
	"github.com/rookery-ai/rookery/internal/embedding"
	"github.com/rookery-ai/rookery/internal/events"
	"github.com/rookery-ai/rookery/internal/exhaustion"
	"github.com/rookery-ai/rookery/internal/identity"
	"github.com/rookery-ai/rookery/internal/llm"
	"github.com/rookery-ai/rookery/internal/model"
	"github.com/rookery-ai/rookery/internal/queue"
	"github.com/rookery-ai/rookery/internal/ratelimit"
	"github.com/rookery-ai/rookery/internal/registry"
	"github.com/rookery-ai/rookery/internal/search"
	"github.com/rookery-ai/rookery/internal/server"
	"github.com/rookery-ai/rookery/internal/storage"
	"github.com/rookery-ai/rookery/internal/telemetry"
	"github.com/rookery-ai/rookery/migrations"
)

// App is the Rookery server lifecycle. Construct with New(), run with
// Run(). App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	broker       *server.Broker
	coord        *coordinator.Coordinator
	consensus    *consensus.Service
	exhaustion   *exhaustion.Service
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Rookery server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
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
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("rookery starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	fail := func(err error) (*App, error) {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, err
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		return fail(fmt.Errorf("migrations: %w", err))
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			return fail(fmt.Errorf("extra migrations[%d]: %w", i, err))
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}

	chatProvider := newChatProvider(cfg, logger)
	embedder := newEmbeddingProvider(cfg, logger)

	// Qdrant similar-task index (optional acceleration layer).
	var searcher search.Searcher
	var qdrantIndex *search.QdrantIndex
	if cfg.QdrantHost != "" {
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			APIKey:     cfg.QdrantAPIKey,
			UseTLS:     cfg.QdrantUseTLS,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("qdrant: %w", err))
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			return fail(fmt.Errorf("qdrant ensure collection: %w", err))
		}
		searcher = qdrantIndex
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_HOST)")
	}

	// Event fanout. The SSE broker is added as a sink below so every
	// in-process event reaches streaming clients.
	emitter := events.NewFanout(logger)

	// Core orchestration plane.
	taskQueue := queue.New(emitter)
	msgBus := bus.New()
	reg := registry.NewRegistry(logger, registry.Builtins())
	spawner := registry.NewSpawner(reg, chatProvider, emitter, logger, registry.SpawnerConfig{
		MaxAgents:          cfg.MaxAgents,
		MaxConcurrentCalls: cfg.MaxConcurrentCalls,
	})
	coord := coordinator.New(taskQueue, msgBus, spawner, logger, 0)

	// Governance services.
	identitySvc := identity.NewService(db, emitter, logger)

	consensusCfg := consensus.DefaultConfig()
	consensusCfg.Enabled = cfg.ConsensusEnabled
	consensusCfg.GatedRiskLevels = riskLevels(cfg.ConsensusRiskLevels)
	consensusCfg.MaxDepth = cfg.ConsensusMaxDepth
	consensusCfg.Timeout = cfg.ConsensusTimeout
	consensusCfg.SweepInterval = cfg.ConsensusSweepInterval
	consensusSvc := consensus.NewService(db, db, emitter, logger, consensusCfg)

	var driftEmbedder embedding.Provider
	if cfg.DriftEnabled {
		driftEmbedder = embedder
	}
	driftSvc := drift.NewService(db, driftEmbedder, emitter, logger, drift.Config{
		Enabled:          cfg.DriftEnabled,
		Threshold:        cfg.DriftThreshold,
		WarningThreshold: cfg.DriftWarningThreshold,
		Behavior:         drift.Behavior(cfg.DriftBehavior),
		AncestorDepth:    cfg.DriftAncestorDepth,
	})
	if qdrantIndex != nil {
		driftSvc.AttachIndex(qdrantIndex)
	}

	exhaustionSvc := exhaustion.NewService(context.Background(), db, emitter, logger, exhaustion.Config{
		MaxFilesAccessed:          cfg.ExhaustionMaxFiles,
		MaxAPICalls:               cfg.ExhaustionMaxAPICalls,
		MaxSubtasksSpawned:        cfg.ExhaustionMaxSubtasks,
		MaxTokensConsumed:         cfg.ExhaustionMaxTokens,
		MaxTimeWithoutDeliverable: cfg.ExhaustionMaxIdle,
		WarningThresholdPercent:   cfg.ExhaustionWarningPercent,
		PauseOnIntervention:       cfg.ExhaustionPauseOnTrigger,
		EvaluationInterval:        cfg.ExhaustionSweepInterval,
	})

	var dispatcher *dispatch.Dispatcher
	if cfg.DispatchEnabled {
		dispatchCfg := dispatch.DefaultConfig()
		dispatchCfg.Enabled = true
		dispatchCfg.FallbackType = cfg.DispatchFallbackType
		dispatchCfg.ConfidenceThreshold = cfg.DispatchConfidenceThreshold
		dispatchCfg.CacheTTL = cfg.DispatchCacheTTL
		dispatcher = dispatch.New(chatProvider, reg, logger, dispatchCfg)
		logger.Info("dispatcher: enabled", "fallback", cfg.DispatchFallbackType)
	} else {
		logger.Info("dispatcher: disabled")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitPerMinute)/60.0, cfg.RateLimitPerMinute)
		logger.Info("rate limiting: memory (in-process token bucket)", "per_minute", cfg.RateLimitPerMinute)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	broker := server.NewBroker(db, logger)
	emitter.Add(broker)

	if err := coord.Initialize(); err != nil {
		return fail(fmt.Errorf("coordinator: %w", err))
	}

	srv := server.New(server.Config{
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		IdleTimeout:         cfg.IdleTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}, server.Deps{
		DB:          db,
		JWT:         jwtMgr,
		Registry:    reg,
		Spawner:     spawner,
		Coordinator: coord,
		Identities:  identitySvc,
		Consensus:   consensusSvc,
		Drift:       driftSvc,
		Exhaustion:  exhaustionSvc,
		Dispatcher:  dispatcher,
		Searcher:    searcher,
		Broker:      broker,
		Limiter:     limiter,
	}, logger)

	if err := srv.SeedAdmin(context.Background(), cfg.AdminAPIKey); err != nil {
		return fail(fmt.Errorf("admin seed: %w", err))
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		broker:       broker,
		coord:        coord,
		consensus:    consensusSvc,
		exhaustion:   exhaustionSvc,
		qdrantIndex:  qdrantIndex,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks
// until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown is called automatically — callers should not call Shutdown
// separately.
func (a *App) Run(ctx context.Context) error {
	go a.broker.Start(ctx)
	if a.cfg.ConsensusEnabled {
		go a.consensus.Start(ctx)
	}
	go a.exhaustion.Start(ctx)

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

// Shutdown drains HTTP, retires the worker fleet, and closes the
// database pool and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("rookery shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	a.coord.Shutdown()

	_ = a.limiter.Close()
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("rookery stopped")
	return nil
}

// newChatProvider selects the chat-completion backend from config.
func newChatProvider(cfg config.Config, logger *slog.Logger) llm.Provider {
	switch cfg.LLMProvider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			logger.Warn("llm: anthropic selected but ANTHROPIC_API_KEY is empty, using noop")
			return llm.Noop{}
		}
		logger.Info("llm: anthropic", "model", cfg.LLMModel)
		return llm.NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.LLMModel, "")
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Warn("llm: openai selected but OPENAI_API_KEY is empty, using noop")
			return llm.Noop{}
		}
		logger.Info("llm: openai", "model", cfg.LLMModel)
		return llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.LLMModel, "")
	default:
		logger.Info("llm: noop (agents echo instead of calling a model)")
		return llm.Noop{}
	}
}

// newEmbeddingProvider selects the embedding backend from config.
// "auto" prefers OpenAI when a key is present, then Ollama, then noop.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	provider := cfg.EmbeddingProvider
	if provider == "auto" {
		switch {
		case cfg.OpenAIAPIKey != "":
			provider = "openai"
		case cfg.OllamaURL != "":
			provider = "ollama"
		default:
			provider = "noop"
		}
	}

	switch provider {
	case "openai":
		logger.Info("embeddings: openai", "model", cfg.EmbeddingModel, "dims", cfg.EmbeddingDimensions)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	case "ollama":
		logger.Info("embeddings: ollama", "model", cfg.OllamaModel, "url", cfg.OllamaURL)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
	default:
		logger.Info("embeddings: noop (zero vectors)")
		return embedding.NewNoopProvider(cfg.EmbeddingDimensions)
	}
}

func riskLevels(names []string) []model.RiskLevel {
	out := make([]model.RiskLevel, 0, len(names))
	for _, n := range names {
		if model.ValidRiskLevel(model.RiskLevel(n)) {
			out = append(out, model.RiskLevel(n))
		}
	}
	return out
}
