package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"stancestream-gateway/internal/cachemetrics"
	"stancestream-gateway/internal/embedding"
	"stancestream-gateway/internal/metrics"
	"stancestream-gateway/internal/vectorindex"
	"stancestream-gateway/pkg/logging"
)

// DefaultTopic is used when a caller supplies no topic.
const DefaultTopic = "general"

// Options configures an Engine.
type Options struct {
	Threshold       float64            // inclusive; default 0.85
	TopicThresholds map[string]float64 // per-topic overrides
	SearchK         int                // candidates per search; default 1
	OpTimeout       time.Duration      // per embedding/index call; default 3s
	Retention       time.Duration      // Sweep age limit; default 24h
	CostPer1KTokens float64
	CoalesceMisses  bool
}

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = 0.85
	}
	if o.SearchK <= 0 {
		o.SearchK = 1
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 3 * time.Second
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	return o
}

// ThresholdFor returns the similarity threshold applied to topic.
func (o Options) ThresholdFor(topic string) float64 {
	if t, ok := o.TopicThresholds[topic]; ok {
		return t
	}
	return o.Threshold
}

// Engine implements SemanticCache over an embedder, a vector index and a
// metrics accumulator.
type Engine struct {
	embedder embedding.Embedder
	index    vectorindex.Index
	acc      cachemetrics.Accumulator
	opts     Options
	logger   *zap.Logger

	now   func() time.Time
	newID func() string
	group singleflight.Group
}

func NewEngine(
	embedder embedding.Embedder,
	index vectorindex.Index,
	acc cachemetrics.Accumulator,
	opts Options,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		embedder: embedder,
		index:    index,
		acc:      acc,
		opts:     opts.withDefaults(),
		logger:   logger.Named("semcache"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Options returns the effective configuration.
func (e *Engine) Options() Options {
	return e.opts
}

// Lookup embeds prompt and searches topic for a close enough entry. Any
// dependency failure degrades to a miss. Every call is recorded in the
// metrics aggregate.
func (e *Engine) Lookup(ctx context.Context, prompt, topic string) Result {
	topic = NormalizeTopic(topic)
	res := e.lookup(ctx, prompt, topic)

	result := "miss"
	switch {
	case res.Hit:
		result = "hit"
	case res.Err != nil:
		result = "degraded"
		e.log(ctx).Warn("semantic_cache_degraded",
			zap.String("topic", topic),
			zap.Error(res.Err),
		)
	}
	metrics.SemanticLookupsTotal.WithLabelValues(result).Inc()
	if res.Similarity > 0 {
		metrics.SimilarityScore.Observe(res.Similarity)
	}

	if res.Hit {
		tokens := res.tokensSaved
		e.recordMetrics(ctx, "record_hit", func(ctx context.Context) error {
			return e.acc.RecordHit(ctx, res.Similarity, tokens, e.costOf(tokens))
		})
	} else {
		e.recordMetrics(ctx, "record_miss", e.acc.RecordMiss)
	}
	return res.Result
}

type lookupResult struct {
	Result
	tokensSaved int
}

func (e *Engine) lookup(ctx context.Context, prompt, topic string) lookupResult {
	res := lookupResult{Result: Result{Topic: topic}}

	vec, err := e.embed(ctx, prompt)
	if err != nil {
		metrics.EmbeddingErrorsTotal.Inc()
		res.Err = err
		return res
	}

	sctx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
	matches, err := e.index.Search(sctx, vec, topic, e.opts.SearchK)
	cancel()
	if err != nil {
		res.Err = err
		return res
	}
	if len(matches) == 0 {
		return res
	}

	// Matches are ordered nearest first.
	best := matches[0]
	res.Similarity = Similarity(best.Distance)
	if res.Similarity >= e.opts.ThresholdFor(topic) {
		res.Hit = true
		res.Response = best.Entry.Response
		res.EntryID = best.Entry.ID
		res.tokensSaved = best.Entry.TokensSaved
	}
	return res
}

// Store embeds prompt and writes a new entry for response.
func (e *Engine) Store(ctx context.Context, prompt, response, topic string) (CacheEntry, error) {
	topic = NormalizeTopic(topic)
	if strings.TrimSpace(response) == "" {
		return CacheEntry{}, fmt.Errorf("%w: empty response", ErrCacheWrite)
	}

	vec, err := e.embed(ctx, prompt)
	if err != nil {
		metrics.EmbeddingErrorsTotal.Inc()
		return CacheEntry{}, fmt.Errorf("%w: %w", ErrCacheWrite, err)
	}

	entry := CacheEntry{
		ID:          e.newID(),
		Prompt:      prompt,
		Response:    response,
		Vector:      vec,
		Topic:       topic,
		CreatedAt:   e.now(),
		TokensSaved: EstimateTokens(response),
	}

	wctx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
	defer cancel()
	if err := e.index.Upsert(wctx, entry); err != nil {
		return CacheEntry{}, fmt.Errorf("%w: %w", ErrCacheWrite, err)
	}
	return entry, nil
}

// GetOrGenerate serves prompt from the cache or calls gen and stores its
// output. A failed store never fails the call: the generated response is
// returned regardless. With CoalesceMisses, concurrent misses for the same
// topic and prompt share one generation.
func (e *Engine) GetOrGenerate(ctx context.Context, prompt, topic string, gen Generator) (Answer, error) {
	topic = NormalizeTopic(topic)

	res := e.Lookup(ctx, prompt, topic)
	if res.Hit {
		return Answer{
			Response:   res.Response,
			Hit:        true,
			Similarity: res.Similarity,
			EntryID:    res.EntryID,
		}, nil
	}

	generate := func() (interface{}, error) {
		response, err := gen(ctx)
		if err != nil {
			return nil, err
		}
		// The response is already paid for; persist it even if the caller
		// goes away.
		entry, err := e.Store(context.WithoutCancel(ctx), prompt, response, topic)
		if err != nil {
			metrics.CacheWriteErrorsTotal.Inc()
			e.log(ctx).Warn("cache_store_failed",
				zap.String("topic", topic),
				zap.Error(err),
			)
		}
		return Answer{Response: response, Similarity: res.Similarity, EntryID: entry.ID}, nil
	}

	if !e.opts.CoalesceMisses {
		v, err := generate()
		if err != nil {
			return Answer{}, err
		}
		return v.(Answer), nil
	}

	v, err, shared := e.group.Do(Fingerprint(topic, prompt), generate)
	if err != nil {
		return Answer{}, err
	}
	ans := v.(Answer)
	if shared {
		metrics.CoalescedMissesTotal.Inc()
		ans.Shared = true
	}
	return ans, nil
}

// Sweep removes entries older than the retention window.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.opts.Retention)
	n, err := e.index.DeleteOlderThan(ctx, cutoff)
	if n > 0 {
		metrics.SweptEntriesTotal.Add(float64(n))
	}
	if err != nil {
		return n, fmt.Errorf("sweep entries older than %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return n, nil
}

// Clear removes every entry.
func (e *Engine) Clear(ctx context.Context) error {
	return e.index.Clear(ctx)
}

func (e *Engine) Metrics(ctx context.Context) (cachemetrics.CacheMetrics, error) {
	return e.acc.Snapshot(ctx)
}

func (e *Engine) ResetMetrics(ctx context.Context) error {
	return e.acc.Reset(ctx)
}

func (e *Engine) embed(ctx context.Context, prompt string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
	defer cancel()

	vec, err := e.embedder.Embed(ctx, prompt)
	if err != nil {
		if !errors.Is(err, embedding.ErrEmbedding) {
			err = fmt.Errorf("%w: %w", embedding.ErrEmbedding, err)
		}
		return nil, err
	}
	return vec, nil
}

// recordMetrics applies a best-effort aggregate update. Failures are
// logged and dropped.
func (e *Engine) recordMetrics(ctx context.Context, op string, update func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.OpTimeout)
	defer cancel()

	if err := update(ctx); err != nil {
		metrics.MetricsUpdatesDroppedTotal.Inc()
		e.log(ctx).Warn("cache_metrics_update_dropped",
			zap.String("op", op),
			zap.Error(err),
		)
	}
}

// log prefers the request-scoped logger so request fields follow the call.
func (e *Engine) log(ctx context.Context) *zap.Logger {
	return logging.Or(ctx, e.logger)
}

func (e *Engine) costOf(tokens int) float64 {
	return float64(tokens) / 1000 * e.opts.CostPer1KTokens
}

// Similarity converts a cosine distance to a similarity in [0, 1].
func Similarity(distance float64) float64 {
	s := 1 - distance
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// EstimateTokens approximates the token count of text at four bytes per
// token, rounded up.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
