package cache

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"stancestream-gateway/internal/cachemetrics"
	"stancestream-gateway/internal/config"
	"stancestream-gateway/internal/vectorindex"
)

// Backends are the storage collaborators of an Engine.
type Backends struct {
	Index   vectorindex.Index
	Metrics cachemetrics.Accumulator
}

// Close releases connections the backends opened themselves. The Redis
// client passed to NewBackends stays open.
func (b Backends) Close() error {
	if c, ok := b.Metrics.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// NewBackends builds the index and metrics store for cfg.CacheBackend.
// The redis backend requires a client speaking RESP2.
func NewBackends(cfg config.Config, redisClient *redis.Client, logger *zap.Logger) (Backends, error) {
	c := cfg.Cache
	switch cfg.CacheBackend {
	case "redis":
		if redisClient == nil {
			return Backends{}, fmt.Errorf("cache backend redis: no redis client")
		}
		return Backends{
			Index:   vectorindex.NewRedisIndex(redisClient, IndexSchema(c), logger),
			Metrics: cachemetrics.NewRedisAccumulator(redisClient, MetricsKey(c), cachemetrics.RedisOptions{}, logger),
		}, nil
	case "memory":
		return Backends{
			Index:   vectorindex.NewMemoryIndex(c.Dimension),
			Metrics: cachemetrics.NewMemoryAccumulator(),
		}, nil
	default:
		return Backends{}, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

// NewRedisClient connects with RESP2; FT.SEARCH replies are only decoded
// as flat arrays.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Protocol: 2,
	})
}

// IndexSchema maps configuration to the vector index layout.
// Entry keys: <prefix>:entry:<id>
func IndexSchema(c config.CacheConfig) vectorindex.Schema {
	return vectorindex.Schema{
		Name:           c.IndexName,
		KeyPrefix:      c.Prefix + ":entry:",
		Dimension:      c.Dimension,
		M:              c.HNSWM,
		EfConstruction: c.HNSWEfConstruction,
	}
}

// MetricsKey is the hash holding the aggregate: <prefix>:metrics
func MetricsKey(c config.CacheConfig) string {
	return c.Prefix + ":metrics"
}

// EngineOptions maps configuration to Engine options.
func EngineOptions(c config.CacheConfig) Options {
	return Options{
		Threshold:       c.SimilarityThreshold,
		TopicThresholds: c.TopicThresholds,
		SearchK:         c.SearchK,
		OpTimeout:       c.OpTimeout,
		Retention:       c.Retention,
		CostPer1KTokens: c.CostPer1KTokens,
		CoalesceMisses:  c.CoalesceMisses,
	}
}
