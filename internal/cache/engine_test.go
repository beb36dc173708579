package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stancestream-gateway/internal/cachemetrics"
	"stancestream-gateway/internal/embedding"
	"stancestream-gateway/internal/metrics"
	"stancestream-gateway/internal/vectorindex"
)

// fakeEmbedder maps prompts to fixed vectors; unknown prompts get fallback.
type fakeEmbedder struct {
	vectors  map[string][]float32
	fallback []float32
	err      error
	calls    atomic.Int32
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return f.fallback, nil
}

// fixedDistanceIndex stores entries in a MemoryIndex but reports every
// candidate at the same distance, so similarity is exact.
type fixedDistanceIndex struct {
	*vectorindex.MemoryIndex
	distance float64
}

func (f *fixedDistanceIndex) Search(ctx context.Context, vector []float32, topic string, k int) ([]vectorindex.Match, error) {
	matches, err := f.MemoryIndex.Search(ctx, vector, topic, k)
	for i := range matches {
		matches[i].Distance = f.distance
	}
	return matches, err
}

// failingIndex rejects every call.
type failingIndex struct {
	*vectorindex.MemoryIndex
}

func (failingIndex) Upsert(context.Context, vectorindex.Entry) error {
	return fmt.Errorf("%w: connection refused", vectorindex.ErrIndexUnavailable)
}

func (failingIndex) Search(context.Context, []float32, string, int) ([]vectorindex.Match, error) {
	return nil, fmt.Errorf("%w: connection refused", vectorindex.ErrIndexUnavailable)
}

func newTestEngine(t *testing.T, emb embedding.Embedder, idx vectorindex.Index, opts Options) (*Engine, *cachemetrics.MemoryAccumulator) {
	t.Helper()
	acc := cachemetrics.NewMemoryAccumulator()
	return NewEngine(emb, idx, acc, opts, zaptest.NewLogger(t)), acc
}

func snapshot(t *testing.T, e *Engine) cachemetrics.CacheMetrics {
	t.Helper()
	m, err := e.Metrics(context.Background())
	require.NoError(t, err)
	return m
}

func TestMissStoreHit(t *testing.T) {
	emb := &fakeEmbedder{fallback: []float32{1, 0, 0}}
	e, _ := newTestEngine(t, emb, vectorindex.NewMemoryIndex(3), Options{})
	ctx := context.Background()

	res := e.Lookup(ctx, "What is your stance on climate policy?", "climate_policy")
	require.False(t, res.Hit)
	require.NoError(t, res.Err)

	entry, err := e.Store(ctx, "What is your stance on climate policy?", "Balanced approach needed.", "climate_policy")
	require.NoError(t, err)
	require.NotEmpty(t, entry.ID)
	require.Equal(t, EstimateTokens("Balanced approach needed."), entry.TokensSaved)

	res = e.Lookup(ctx, "What is your stance on climate policy?", "climate_policy")
	require.True(t, res.Hit)
	require.Equal(t, "Balanced approach needed.", res.Response)
	require.Equal(t, entry.ID, res.EntryID)
	require.InDelta(t, 1.0, res.Similarity, 1e-9)

	m := snapshot(t, e)
	require.EqualValues(t, 2, m.TotalRequests)
	require.EqualValues(t, 1, m.CacheHits)
	require.EqualValues(t, 1, m.CacheMisses)
	require.EqualValues(t, entry.TokensSaved, m.TotalTokensSaved)
}

func TestTopicIsolation(t *testing.T) {
	emb := &fakeEmbedder{fallback: []float32{0, 1, 0}}
	e, _ := newTestEngine(t, emb, vectorindex.NewMemoryIndex(3), Options{})
	ctx := context.Background()

	_, err := e.Store(ctx, "Should AI be regulated?", "Yes, carefully.", "ai_regulation")
	require.NoError(t, err)

	res := e.Lookup(ctx, "Should AI be regulated?", "climate_policy")
	require.False(t, res.Hit)
	require.Zero(t, res.Similarity)

	res = e.Lookup(ctx, "Should AI be regulated?", "ai_regulation")
	require.True(t, res.Hit)
}

func TestThresholdIsInclusive(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name     string
		distance float64
		hit      bool
	}{
		{"exactly at threshold", 0.25, true},
		{"just below threshold", 0.2500001, false},
		{"above threshold", 0.1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			idx := &fixedDistanceIndex{MemoryIndex: vectorindex.NewMemoryIndex(2), distance: tc.distance}
			e, _ := newTestEngine(t, &fakeEmbedder{fallback: []float32{1, 0}}, idx, Options{Threshold: 0.75})

			_, err := e.Store(ctx, "p", "r", "t")
			require.NoError(t, err)

			res := e.Lookup(ctx, "q", "t")
			require.Equal(t, tc.hit, res.Hit, "similarity %v", res.Similarity)
		})
	}
}

func TestTopicThresholdOverride(t *testing.T) {
	ctx := context.Background()
	idx := &fixedDistanceIndex{MemoryIndex: vectorindex.NewMemoryIndex(2), distance: 0.09}
	e, _ := newTestEngine(t, &fakeEmbedder{fallback: []float32{1, 0}}, idx, Options{
		TopicThresholds: map[string]float64{"strict": 0.95},
	})

	_, err := e.Store(ctx, "p", "r", "strict")
	require.NoError(t, err)
	_, err = e.Store(ctx, "p", "r", "lenient")
	require.NoError(t, err)

	require.False(t, e.Lookup(ctx, "q", "strict").Hit)
	require.True(t, e.Lookup(ctx, "q", "lenient").Hit)
}

func TestMetricsConsistency(t *testing.T) {
	ctx := context.Background()
	emb := &fakeEmbedder{
		vectors:  map[string][]float32{"cached": {1, 0}},
		fallback: []float32{0, 1},
	}
	e, _ := newTestEngine(t, emb, vectorindex.NewMemoryIndex(2), Options{})

	_, err := e.Store(ctx, "cached", "answer", "t")
	require.NoError(t, err)

	const hits, misses = 4, 6
	for i := 0; i < hits; i++ {
		require.True(t, e.Lookup(ctx, "cached", "t").Hit)
	}
	for i := 0; i < misses; i++ {
		require.False(t, e.Lookup(ctx, "unrelated", "t").Hit)
	}

	m := snapshot(t, e)
	require.EqualValues(t, hits+misses, m.TotalRequests)
	require.EqualValues(t, hits, m.CacheHits)
	require.EqualValues(t, misses, m.CacheMisses)
	require.InDelta(t, float64(hits)/float64(hits+misses), m.HitRatio, 1e-12)
}

func TestRunningMeanOfHits(t *testing.T) {
	ctx := context.Background()
	idx := &fixedDistanceIndex{MemoryIndex: vectorindex.NewMemoryIndex(2)}
	e, _ := newTestEngine(t, &fakeEmbedder{fallback: []float32{1, 0}}, idx, Options{})

	_, err := e.Store(ctx, "p", "r", "t")
	require.NoError(t, err)

	sims := []float64{0.86, 0.9, 0.97, 1.0}
	var sum float64
	for _, s := range sims {
		idx.distance = 1 - s
		require.True(t, e.Lookup(ctx, "q", "t").Hit)
		sum += s
	}

	m := snapshot(t, e)
	require.InDelta(t, sum/float64(len(sims)), m.AverageSimilarity, 1e-9)
}

func TestWriteFailureIsolation(t *testing.T) {
	ctx := context.Background()
	idx := failingIndex{MemoryIndex: vectorindex.NewMemoryIndex(2)}
	e, _ := newTestEngine(t, &fakeEmbedder{fallback: []float32{1, 0}}, idx, Options{})

	_, err := e.Store(ctx, "p", "generated text", "t")
	require.ErrorIs(t, err, ErrCacheWrite)
	require.ErrorIs(t, err, vectorindex.ErrIndexUnavailable)

	ans, err := e.GetOrGenerate(ctx, "p", "t", func(context.Context) (string, error) {
		return "generated text", nil
	})
	require.NoError(t, err)
	require.Equal(t, "generated text", ans.Response)
	require.False(t, ans.Hit)
}

func TestScenarioClimatePolicy(t *testing.T) {
	ctx := context.Background()
	idx := &fixedDistanceIndex{MemoryIndex: vectorindex.NewMemoryIndex(3), distance: 0.09}
	e, _ := newTestEngine(t, &fakeEmbedder{fallback: []float32{0.2, 0.5, 0.8}}, idx, Options{Threshold: 0.85})

	_, err := e.Store(ctx, "What is your stance on climate policy?", "Balanced approach needed.", "climate_policy")
	require.NoError(t, err)
	before := snapshot(t, e).CacheHits

	res := e.Lookup(ctx, "What's your view on climate change policy?", "climate_policy")
	require.True(t, res.Hit)
	require.Equal(t, "Balanced approach needed.", res.Response)
	require.InDelta(t, 0.91, res.Similarity, 1e-9)
	require.Equal(t, before+1, snapshot(t, e).CacheHits)
}

func TestEmbeddingFailureDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	emb := &fakeEmbedder{err: errors.New("rate limited")}
	e, _ := newTestEngine(t, emb, vectorindex.NewMemoryIndex(2), Options{})

	res := e.Lookup(ctx, "p", "t")
	require.False(t, res.Hit)
	require.ErrorIs(t, res.Err, embedding.ErrEmbedding)

	_, err := e.Store(ctx, "p", "r", "t")
	require.ErrorIs(t, err, ErrCacheWrite)
	require.ErrorIs(t, err, embedding.ErrEmbedding)

	m := snapshot(t, e)
	require.EqualValues(t, 1, m.CacheMisses)
}

func TestIndexFailureDegradesToMiss(t *testing.T) {
	idx := failingIndex{MemoryIndex: vectorindex.NewMemoryIndex(2)}
	e, _ := newTestEngine(t, &fakeEmbedder{fallback: []float32{1, 0}}, idx, Options{})

	res := e.Lookup(context.Background(), "p", "t")
	require.False(t, res.Hit)
	require.ErrorIs(t, res.Err, vectorindex.ErrIndexUnavailable)
}

func TestEmptyTopicUsesDefault(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, &fakeEmbedder{fallback: []float32{1, 0}}, vectorindex.NewMemoryIndex(2), Options{})

	entry, err := e.Store(ctx, "p", "r", "  ")
	require.NoError(t, err)
	require.Equal(t, DefaultTopic, entry.Topic)

	res := e.Lookup(ctx, "p", "")
	require.True(t, res.Hit)
	require.Equal(t, DefaultTopic, res.Topic)
}

func TestStoreRejectsEmptyResponse(t *testing.T) {
	e, _ := newTestEngine(t, &fakeEmbedder{fallback: []float32{1, 0}}, vectorindex.NewMemoryIndex(2), Options{})

	_, err := e.Store(context.Background(), "p", " ", "t")
	require.ErrorIs(t, err, ErrCacheWrite)
}

func TestGetOrGenerateHitSkipsGenerator(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, &fakeEmbedder{fallback: []float32{1, 0}}, vectorindex.NewMemoryIndex(2), Options{})

	_, err := e.Store(ctx, "p", "cached", "t")
	require.NoError(t, err)

	ans, err := e.GetOrGenerate(ctx, "p", "t", func(context.Context) (string, error) {
		t.Fatal("generator must not run on a hit")
		return "", nil
	})
	require.NoError(t, err)
	require.True(t, ans.Hit)
	require.Equal(t, "cached", ans.Response)
}

func TestGetOrGenerateStoresMiss(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, &fakeEmbedder{fallback: []float32{1, 0}}, vectorindex.NewMemoryIndex(2), Options{})

	ans, err := e.GetOrGenerate(ctx, "p", "t", func(context.Context) (string, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	require.False(t, ans.Hit)
	require.NotEmpty(t, ans.EntryID)

	res := e.Lookup(ctx, "p", "t")
	require.True(t, res.Hit)
	require.Equal(t, "fresh", res.Response)
}

func TestGetOrGenerateReturnsGeneratorError(t *testing.T) {
	e, _ := newTestEngine(t, &fakeEmbedder{fallback: []float32{1, 0}}, vectorindex.NewMemoryIndex(2), Options{})
	upstream := errors.New("upstream 503")

	_, err := e.GetOrGenerate(context.Background(), "p", "t", func(context.Context) (string, error) {
		return "", upstream
	})
	require.ErrorIs(t, err, upstream)
}

func TestGetOrGenerateCoalescesMisses(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, &fakeEmbedder{fallback: []float32{1, 0}}, vectorindex.NewMemoryIndex(2), Options{CoalesceMisses: true})

	var calls atomic.Int32
	release := make(chan struct{})
	gen := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "shared answer", nil
	}

	const callers = 5
	var wg sync.WaitGroup
	answers := make([]Answer, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ans, err := e.GetOrGenerate(ctx, "same prompt", "t", gen)
			if err != nil {
				t.Errorf("GetOrGenerate: %v", err)
			}
			answers[i] = ans
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, calls.Load())
	for _, a := range answers {
		require.Equal(t, "shared answer", a.Response)
	}
	n, err := e.index.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	ctx := context.Background()
	idx := vectorindex.NewMemoryIndex(2)
	e, _ := newTestEngine(t, &fakeEmbedder{fallback: []float32{1, 0}}, idx, Options{Retention: time.Hour})

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now.Add(-2 * time.Hour) }
	_, err := e.Store(ctx, "old", "r", "t")
	require.NoError(t, err)

	e.now = func() time.Time { return now }
	_, err = e.Store(ctx, "new", "r", "t")
	require.NoError(t, err)

	n, err := e.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	left, _ := idx.Count(ctx)
	require.Equal(t, 1, left)
}

func TestClearAndResetMetrics(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, &fakeEmbedder{fallback: []float32{1, 0}}, vectorindex.NewMemoryIndex(2), Options{})

	_, err := e.Store(ctx, "p", "r", "t")
	require.NoError(t, err)
	require.True(t, e.Lookup(ctx, "p", "t").Hit)

	require.NoError(t, e.Clear(ctx))
	require.False(t, e.Lookup(ctx, "p", "t").Hit)

	require.NoError(t, e.ResetMetrics(ctx))
	require.Zero(t, snapshot(t, e).TotalRequests)
}

func TestSimilarityClamp(t *testing.T) {
	require.Equal(t, 1.0, Similarity(-0.2))
	require.Equal(t, 0.0, Similarity(1.7))
	require.InDelta(t, 0.91, Similarity(0.09), 1e-12)
}

func TestLookupCountsDegradedResults(t *testing.T) {
	emb := &fakeEmbedder{fallback: []float32{1, 0}}
	e, _ := newTestEngine(t, emb, failingIndex{vectorindex.NewMemoryIndex(2)}, Options{})

	degraded := metrics.SemanticLookupsTotal.WithLabelValues("degraded")
	before := testutil.ToFloat64(degraded)

	res := e.Lookup(context.Background(), "anything", "t")
	require.False(t, res.Hit)
	require.ErrorIs(t, res.Err, vectorindex.ErrIndexUnavailable)
	require.Equal(t, before+1, testutil.ToFloat64(degraded))
}
