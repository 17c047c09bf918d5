package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tessellate-ai/ltm/internal/authz"
	"github.com/tessellate-ai/ltm/internal/config"
	"github.com/tessellate-ai/ltm/internal/embeddings"
	"github.com/tessellate-ai/ltm/internal/forgetting"
	"github.com/tessellate-ai/ltm/internal/graphdb"
	"github.com/tessellate-ai/ltm/internal/health"
	"github.com/tessellate-ai/ltm/internal/httpapi"
	"github.com/tessellate-ai/ltm/internal/kvstore"
	"github.com/tessellate-ai/ltm/internal/memory"
	"github.com/tessellate-ai/ltm/internal/tracing"
	"github.com/tessellate-ai/ltm/internal/vectordb"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Service.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	backendTimeout := time.Duration(cfg.Service.BackendTimeoutSeconds) * time.Second

	tp, err := tracing.Initialize(tracing.Config{
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}, logger)
	if err != nil {
		logger.Warn("Tracing init failed, continuing without export", zap.Error(err))
	}

	hm := health.NewManager(logger)

	// Vector store: Qdrant when configured, in-memory otherwise.
	var (
		vectors    vectordb.VectorStore
		vectorPing func(context.Context) error
	)
	if cfg.Vector.URL != "" {
		c := vectordb.NewClient(vectordb.Config{
			URL:     cfg.Vector.URL,
			APIKey:  cfg.Vector.APIKey,
			Timeout: backendTimeout,
		}, logger)
		vectors, vectorPing = c, c.Ping
		logger.Info("Vector store: qdrant", zap.String("url", cfg.Vector.URL))
	} else {
		m := vectordb.NewMemStore(logger)
		vectors, vectorPing = m, m.Ping
		logger.Warn("QDRANT_URL not set, using in-memory vector store")
	}
	hm.Register(health.NewChecker("vector", vectorPing))

	// Graph store: Neo4j when configured, in-memory otherwise.
	var (
		graph     graphdb.GraphStore
		graphPing func(context.Context) error
	)
	if cfg.Graph.URI != "" {
		c := graphdb.NewNeo4jClient(graphdb.Config{
			URI:      cfg.Graph.URI,
			User:     cfg.Graph.User,
			Password: cfg.Graph.Password,
			Database: cfg.Graph.Database,
			Timeout:  backendTimeout,
		}, logger)
		graph, graphPing = c, c.Ping
		logger.Info("Graph store: neo4j", zap.String("uri", cfg.Graph.URI))
	} else {
		m := graphdb.NewMemGraph()
		graph, graphPing = m, m.Ping
		logger.Warn("NEO4J_URI not set, using in-memory graph store")
	}
	hm.Register(health.NewChecker("graph", graphPing))

	// Key-value store: Postgres when configured, in-memory otherwise.
	var (
		kv     kvstore.KeyValueStore
		kvPing func(context.Context) error
	)
	if cfg.KV.DatabaseURL != "" {
		db, err := sqlx.Open("postgres", cfg.KV.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to open Postgres", zap.Error(err))
		}
		pg := kvstore.NewPostgresFromDB(db, logger)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to ensure key-value schema", zap.Error(err))
		}
		defer pg.Close()
		kv, kvPing = pg, pg.Ping
		logger.Info("Key-value store: postgres")
	} else {
		m := kvstore.NewMemStore()
		kv, kvPing = m, m.Ping
		logger.Warn("DATABASE_URL not set, using in-memory key-value store")
	}
	hm.Register(health.NewChecker("kv", kvPing))

	// Embedder: HTTP provider when configured, deterministic local
	// embedder otherwise.
	var embedder embeddings.Embedder
	if cfg.Embedding.BaseURL != "" {
		var l2 embeddings.Cache
		if cfg.Redis.URL != "" {
			rc, err := embeddings.NewRedisCache(cfg.Redis.URL, logger)
			if err != nil {
				logger.Warn("Redis embedding cache unavailable, continuing with LRU only", zap.Error(err))
			} else {
				defer rc.Close()
				l2 = rc
				hm.Register(health.NewChecker("redis", rc.Ping))
			}
		}
		svc := embeddings.NewService(embeddings.Config{
			BaseURL:   cfg.Embedding.BaseURL,
			Model:     cfg.Embedding.Model,
			Dimension: cfg.Embedding.Dimension,
			CacheTTL:  time.Duration(cfg.Embedding.CacheTTLSeconds) * time.Second,
			Timeout:   backendTimeout,
		}, embeddings.NewLocalLRU(cfg.Embedding.CacheSize), l2, logger)
		embedder = svc
		hm.Register(health.NewChecker("embedder", svc.Ping))
		logger.Info("Embedder: http provider",
			zap.String("url", cfg.Embedding.BaseURL),
			zap.String("model", cfg.Embedding.Model),
			zap.Int("dimension", cfg.Embedding.Dimension))
	} else {
		embedder = embeddings.NewLocal(cfg.Embedding.Dimension)
		logger.Warn("LTM_EMBEDDING_URL not set, using local deterministic embedder",
			zap.Int("dimension", cfg.Embedding.Dimension))
	}

	// Memory modules share the provenance store.
	prov := memory.NewProvenanceStore(kv)
	episodic := memory.NewEpisodic(vectors, embedder, prov, logger)
	semantic := memory.NewSemantic(graph, prov, logger)
	temporal := memory.NewTemporal(graph, prov, logger)
	procedural := memory.NewProcedural(vectors, kv, embedder, prov, logger)
	evaluator := memory.NewEvaluator(kv, prov, logger)

	bootCtx, cancelBoot := context.WithTimeout(ctx, backendTimeout)
	if err := episodic.EnsureCollection(bootCtx); err != nil {
		logger.Fatal("Failed to create episodic collection", zap.Error(err))
	}
	if err := procedural.EnsureCollection(bootCtx); err != nil {
		logger.Fatal("Failed to create skills collection", zap.Error(err))
	}
	cancelBoot()

	// Authorization engine: embedded policy unless a directory override
	// is given.
	var az *authz.Engine
	if dir := os.Getenv("LTM_POLICY_PATH"); dir != "" {
		az, err = authz.NewFromDir(dir, logger)
	} else {
		az, err = authz.New(logger)
	}
	if err != nil {
		logger.Fatal("Failed to initialize authorization engine", zap.Error(err))
	}

	// Hot-reload manager for the tunable subset.
	mgr, err := config.NewManager(os.Getenv("LTM_CONFIG_PATH"), cfg.Tunables(), logger)
	if err != nil {
		logger.Fatal("Failed to create config manager", zap.Error(err))
	}
	if err := mgr.Start(); err != nil {
		logger.Warn("Config hot-reload unavailable", zap.Error(err))
	}

	engine := forgetting.New(episodic, func() config.ForgettingConfig {
		return mgr.Tunables().Forgetting
	}, logger)
	engine.Start()

	api := httpapi.New(httpapi.Config{
		Episodic:       episodic,
		Semantic:       semantic,
		Temporal:       temporal,
		Procedural:     procedural,
		Evaluator:      evaluator,
		Provenance:     prov,
		Authz:          az,
		Health:         hm,
		Tunables:       mgr.Tunables,
		RequestTimeout: time.Duration(cfg.Service.RequestTimeoutSeconds) * time.Second,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Service.Port),
		Handler:      api.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("LTM service listening", zap.Int("port", cfg.Service.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Service.ShutdownGraceSeconds)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Forced shutdown", zap.Error(err))
	}

	engine.Stop()
	mgr.Stop()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tracer shutdown failed", zap.Error(err))
	}
	logger.Info("LTM service stopped")
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
