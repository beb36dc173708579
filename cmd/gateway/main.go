package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"stancestream-gateway/internal/cache"
	"stancestream-gateway/internal/config"
	"stancestream-gateway/internal/embedding"
	"stancestream-gateway/internal/handlers"
	"stancestream-gateway/internal/httpserver"
	"stancestream-gateway/internal/llm"
	"stancestream-gateway/internal/maintenance"
	"stancestream-gateway/internal/metrics"
	"stancestream-gateway/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("gateway exited with error: %v", err)
	}
}

func run() error {
	// ----- Logger -----
	logger := logging.DefaultLogger()
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	// ----- Config -----
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("cache_backend", cfg.CacheBackend),
		zap.String("version_id", cfg.VersionID),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("llm_base_url", cfg.LLMBaseURL),
		zap.String("embedding_model", cfg.EmbeddingModel),
		zap.Float64("similarity_threshold", cfg.Cache.SimilarityThreshold),
		zap.Duration("retention", cfg.Cache.Retention),
	)

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.CacheBackend == "redis" {
		redisClient = cache.NewRedisClient(cfg)
		defer redisClient.Close()

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established",
			zap.String("addr", cfg.RedisAddr),
		)
	}

	// ----- Vector index + metrics aggregate -----
	backends, err := cache.NewBackends(cfg, redisClient, logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	initCtx, cancelInit := context.WithTimeout(context.Background(), 10*time.Second)
	err = backends.Index.EnsureIndex(initCtx)
	cancelInit()
	if err != nil {
		logger.Error("vector index unavailable", zap.Error(err))
		return err
	}

	// ----- Embeddings -----
	if cfg.EmbeddingAPIKey == "" {
		return fmt.Errorf("EMBEDDING_API_KEY or LLM_API_KEY is required")
	}

	remote, err := embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
		BaseURL:   cfg.EmbeddingBaseURL,
		APIKey:    cfg.EmbeddingAPIKey,
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.Cache.Dimension,
	}, logger)
	if err != nil {
		return err
	}
	guarded := embedding.NewGuardedEmbedder(remote, embedding.GuardConfig{
		Timeout: cfg.Cache.OpTimeout,
		RPS:     cfg.Cache.EmbeddingRPS,
	}, logger)
	embedder := embedding.NewCachedEmbedder(guarded, cfg.Cache.EmbeddingCacheSize, cfg.Cache.Retention)

	// ----- Semantic cache -----
	engine := cache.NewEngine(embedder, backends.Index, backends.Metrics, cache.EngineOptions(cfg.Cache), logger)
	semanticCache := cache.NewLoggingCache(engine)

	// ----- LLM client -----
	if cfg.LLMAPIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required")
	}

	llmClient, err := llm.NewClient(llm.Config{
		BaseURL:      cfg.LLMBaseURL,
		APIKey:       cfg.LLMAPIKey,
		DefaultModel: cfg.LLMModel,
	}, logger)
	if err != nil {
		return err
	}
	if closer, ok := llmClient.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	// ----- Handlers -----
	h := httpserver.Handlers{
		Chat:  handlers.NewChatHandler(semanticCache, llmClient, cfg.VersionID),
		Admin: handlers.NewCacheAdminHandler(semanticCache),
	}

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, h, cfg.RequestTimeout)

	// ----- Retention sweeper -----
	sweeper := maintenance.NewSweeper(semanticCache, cfg.Cache.SweepInterval, logger)
	sweeper.Start()
	defer sweeper.Stop()

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting gateway",
		zap.String("addr", srv.Addr),
		zap.String("cache_backend", cfg.CacheBackend),
		zap.String("version_id", cfg.VersionID),
	)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
			serveErr <- err
		}
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}
