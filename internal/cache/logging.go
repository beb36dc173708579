package cache

import (
	"context"
	"time"

	"stancestream-gateway/internal/cachemetrics"
	"stancestream-gateway/pkg/logging"

	"go.uber.org/zap"
)

// LoggingCache wraps a SemanticCache with request-scoped decision logs.
type LoggingCache struct {
	inner SemanticCache
}

// NewLoggingCache returns a cache that logs every decision.
func NewLoggingCache(inner SemanticCache) SemanticCache {
	return &LoggingCache{inner: inner}
}

func (c *LoggingCache) Lookup(ctx context.Context, prompt, topic string) Result {
	start := time.Now()
	res := c.inner.Lookup(ctx, prompt, topic)

	fields := []zap.Field{
		zap.String("cache_tier", "semantic"),
		zap.String("topic", res.Topic),
		zap.String("cache_result", resultLabel(res.Hit, res.Err)), // hit | miss | degraded
		zap.Float64("similarity", res.Similarity),
		zap.Float64("latency_ms", sinceMs(start)),
	}
	if res.Hit {
		fields = append(fields, zap.String("entry_id", res.EntryID))
	}
	logging.L(ctx).Info("semantic_cache_lookup", fields...)
	return res
}

func (c *LoggingCache) Store(ctx context.Context, prompt, response, topic string) (CacheEntry, error) {
	start := time.Now()
	entry, err := c.inner.Store(ctx, prompt, response, topic)

	fields := []zap.Field{
		zap.String("cache_tier", "semantic"),
		zap.String("topic", NormalizeTopic(topic)),
		zap.Float64("latency_ms", sinceMs(start)),
	}
	if err != nil {
		logging.L(ctx).Warn("semantic_cache_store", append(fields, zap.Error(err))...)
	} else {
		logging.L(ctx).Info("semantic_cache_store",
			append(fields, zap.String("entry_id", entry.ID), zap.Int("tokens_saved", entry.TokensSaved))...)
	}
	return entry, err
}

func (c *LoggingCache) GetOrGenerate(ctx context.Context, prompt, topic string, gen Generator) (Answer, error) {
	start := time.Now()
	ans, err := c.inner.GetOrGenerate(ctx, prompt, topic, gen)

	fields := []zap.Field{
		zap.String("cache_tier", "semantic"),
		zap.String("topic", NormalizeTopic(topic)),
		zap.Bool("hit", ans.Hit),
		zap.Bool("shared", ans.Shared),
		zap.Float64("similarity", ans.Similarity),
		zap.Float64("latency_ms", sinceMs(start)),
	}
	if err != nil {
		logging.L(ctx).Error("cache_decision", append(fields, zap.Error(err))...)
	} else {
		logging.L(ctx).Info("cache_decision", fields...)
	}
	return ans, err
}

func (c *LoggingCache) Sweep(ctx context.Context) (int, error) {
	n, err := c.inner.Sweep(ctx)
	if err != nil {
		logging.L(ctx).Error("semantic_cache_sweep", zap.Int("deleted", n), zap.Error(err))
	} else {
		logging.L(ctx).Info("semantic_cache_sweep", zap.Int("deleted", n))
	}
	return n, err
}

func (c *LoggingCache) Clear(ctx context.Context) error {
	err := c.inner.Clear(ctx)
	if err != nil {
		logging.L(ctx).Error("semantic_cache_clear", zap.Error(err))
	} else {
		logging.L(ctx).Info("semantic_cache_clear")
	}
	return err
}

func (c *LoggingCache) Metrics(ctx context.Context) (cachemetrics.CacheMetrics, error) {
	return c.inner.Metrics(ctx)
}

func (c *LoggingCache) ResetMetrics(ctx context.Context) error {
	err := c.inner.ResetMetrics(ctx)
	if err != nil {
		logging.L(ctx).Error("semantic_cache_metrics_reset", zap.Error(err))
	} else {
		logging.L(ctx).Info("semantic_cache_metrics_reset")
	}
	return err
}

func resultLabel(hit bool, err error) string {
	switch {
	case hit:
		return "hit"
	case err != nil:
		return "degraded"
	default:
		return "miss"
	}
}

func sinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
