package cachemetrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Hash fields of the aggregate record.
const (
	fieldTotal      = "total_requests"
	fieldHits       = "cache_hits"
	fieldMisses     = "cache_misses"
	fieldTokens     = "total_tokens_saved"
	fieldCost       = "estimated_cost_saved"
	fieldAvgSim     = "average_similarity"
	fieldCreatedAt  = "created_at"
	fieldLastUpdate = "last_updated"
)

// recordHit folds one hit into the aggregate. The running mean is computed
// inside Redis so concurrent gateways never lose an update.
//
// ARGV: similarity, tokens saved, cost saved, now (unix ms)
var recordHit = redis.NewScript(`
local key = KEYS[1]
local hits = redis.call('HINCRBY', key, 'cache_hits', 1)
redis.call('HINCRBY', key, 'total_requests', 1)
redis.call('HINCRBY', key, 'cache_misses', 0)
local avg = tonumber(redis.call('HGET', key, 'average_similarity') or '0')
avg = avg + (tonumber(ARGV[1]) - avg) / hits
redis.call('HSET', key, 'average_similarity', string.format('%.17g', avg))
redis.call('HINCRBY', key, 'total_tokens_saved', ARGV[2])
redis.call('HINCRBYFLOAT', key, 'estimated_cost_saved', ARGV[3])
redis.call('HSETNX', key, 'created_at', ARGV[4])
redis.call('HSET', key, 'last_updated', ARGV[4])
return hits
`)

// ARGV: now (unix ms)
var recordMiss = redis.NewScript(`
local key = KEYS[1]
local misses = redis.call('HINCRBY', key, 'cache_misses', 1)
redis.call('HINCRBY', key, 'total_requests', 1)
redis.call('HINCRBY', key, 'cache_hits', 0)
redis.call('HSETNX', key, 'created_at', ARGV[1])
redis.call('HSET', key, 'last_updated', ARGV[1])
return misses
`)

// RedisOptions tunes retries of metric updates.
type RedisOptions struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (o RedisOptions) withDefaults() RedisOptions {
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 20 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 250 * time.Millisecond
	}
	return o
}

// RedisAccumulator stores the aggregate as a single Redis hash.
//
// The update scripts are not idempotent, so an update is retried only when
// the error proves the script never ran (see retryable). Ambiguous failures
// drop the update: the aggregate may undercount under network faults but
// never counts one request twice.
type RedisAccumulator struct {
	client *redis.Client
	key    string
	opts   RedisOptions
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisAccumulator stores metrics under key (typically "<prefix>:metrics").
// It talks to Redis through its own pool built from client's options with
// the client-level retries turned off, since go-redis would otherwise resend
// a script after a read error. Close releases that pool.
func NewRedisAccumulator(client *redis.Client, key string, opts RedisOptions, logger *zap.Logger) *RedisAccumulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	noRetry := *client.Options()
	noRetry.MaxRetries = -1
	return &RedisAccumulator{
		client: redis.NewClient(&noRetry),
		key:    key,
		opts:   opts.withDefaults(),
		logger: logger.Named("cachemetrics"),
		now:    time.Now,
	}
}

// Close releases the accumulator's connection pool.
func (r *RedisAccumulator) Close() error {
	return r.client.Close()
}

func (r *RedisAccumulator) RecordHit(ctx context.Context, similarity float64, tokensSaved int, costSaved float64) error {
	return r.run(ctx, "record_hit", recordHit,
		strconv.FormatFloat(similarity, 'g', -1, 64),
		tokensSaved,
		strconv.FormatFloat(costSaved, 'f', -1, 64),
		r.now().UnixMilli(),
	)
}

func (r *RedisAccumulator) RecordMiss(ctx context.Context) error {
	return r.run(ctx, "record_miss", recordMiss, r.now().UnixMilli())
}

func (r *RedisAccumulator) run(ctx context.Context, op string, script *redis.Script, args ...interface{}) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialInterval
	b.MaxInterval = r.opts.MaxInterval

	attempt := 0
	operation := func() error {
		attempt++
		err := script.Run(ctx, r.client, []string{r.key}, args...).Err()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		r.logger.Debug("metrics update failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, r.opts.MaxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("%w: %s after %d attempts: %w", ErrUpdateConflict, op, attempt, err)
	}
	return nil
}

// retryable reports whether err proves the script was never executed:
// the connection could not be obtained, or the server refused the command
// before running it.
func retryable(err error) bool {
	if errors.Is(err, redis.ErrPoolTimeout) || errors.Is(err, redis.ErrPoolExhausted) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	for _, prefix := range []string{"LOADING", "BUSY", "TRYAGAIN", "MASTERDOWN", "CLUSTERDOWN", "READONLY"} {
		if redis.HasErrorPrefix(err, prefix) {
			return true
		}
	}
	return false
}

// Snapshot reads the whole hash in one command.
func (r *RedisAccumulator) Snapshot(ctx context.Context) (CacheMetrics, error) {
	raw, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return CacheMetrics{}, fmt.Errorf("read cache metrics: %w", err)
	}
	m, err := parseMetrics(raw)
	if err != nil {
		return CacheMetrics{}, err
	}
	if err := m.Validate(); err != nil {
		return CacheMetrics{}, err
	}
	return m, nil
}

// Reset replaces the aggregate with zeroed counters in one transaction.
func (r *RedisAccumulator) Reset(ctx context.Context) error {
	now := r.now().UnixMilli()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		pipe.HSet(ctx, r.key,
			fieldTotal, 0,
			fieldHits, 0,
			fieldMisses, 0,
			fieldTokens, 0,
			fieldCost, 0,
			fieldAvgSim, 0,
			fieldCreatedAt, now,
			fieldLastUpdate, now,
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset cache metrics: %w", err)
	}
	r.logger.Info("cache metrics reset", zap.String("key", r.key))
	return nil
}

func parseMetrics(raw map[string]string) (CacheMetrics, error) {
	var m CacheMetrics
	var err error

	ints := []struct {
		field string
		dst   *int64
	}{
		{fieldTotal, &m.TotalRequests},
		{fieldHits, &m.CacheHits},
		{fieldMisses, &m.CacheMisses},
		{fieldTokens, &m.TotalTokensSaved},
	}
	for _, f := range ints {
		if *f.dst, err = parseInt(raw, f.field); err != nil {
			return CacheMetrics{}, err
		}
	}
	if m.EstimatedCostSaved, err = parseFloat(raw, fieldCost); err != nil {
		return CacheMetrics{}, err
	}
	if m.AverageSimilarity, err = parseFloat(raw, fieldAvgSim); err != nil {
		return CacheMetrics{}, err
	}

	created, err := parseInt(raw, fieldCreatedAt)
	if err != nil {
		return CacheMetrics{}, err
	}
	updated, err := parseInt(raw, fieldLastUpdate)
	if err != nil {
		return CacheMetrics{}, err
	}
	if created > 0 {
		m.CreatedAt = time.UnixMilli(created)
	}
	if updated > 0 {
		m.LastUpdated = time.UnixMilli(updated)
	}
	return m, nil
}

func parseInt(raw map[string]string, field string) (int64, error) {
	v, ok := raw[field]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cache metrics: field %s: %w", field, err)
	}
	return n, nil
}

func parseFloat(raw map[string]string, field string) (float64, error) {
	v, ok := raw[field]
	if !ok || v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("cache metrics: field %s: %w", field, err)
	}
	return f, nil
}
