package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func embeddingServer(t *testing.T, dim int, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
			return
		}

		vec := make([]float32, dim)
		for i := range vec {
			vec[i] = float32(i+1) / float32(dim)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": vec},
			},
			"usage": map[string]int{"prompt_tokens": 3, "total_tokens": 3},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestOpenAIEmbedderSuccess(t *testing.T) {
	t.Parallel()

	srv, calls := embeddingServer(t, 8, http.StatusOK)
	e, err := NewOpenAIEmbedder(OpenAIConfig{
		BaseURL:   srv.URL + "/v1",
		APIKey:    "k",
		Model:     "text-embedding-3-small",
		Dimension: 8,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder: %v", err)
	}

	vec, err := e.Embed(context.Background(), "What is your stance on climate policy?")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 8 {
		t.Fatalf("expected 8 dims, got %d", len(vec))
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one upstream call, got %d", calls.Load())
	}
}

func TestOpenAIEmbedderDimensionMismatch(t *testing.T) {
	t.Parallel()

	srv, _ := embeddingServer(t, 4, http.StatusOK)
	e, err := NewOpenAIEmbedder(OpenAIConfig{
		BaseURL:   srv.URL + "/v1",
		Model:     "m",
		Dimension: 8,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder: %v", err)
	}

	_, err = e.Embed(context.Background(), "hi")
	if !errors.Is(err, ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding, got %v", err)
	}
}

func TestOpenAIEmbedderUpstreamError(t *testing.T) {
	t.Parallel()

	srv, _ := embeddingServer(t, 8, http.StatusBadRequest)
	e, err := NewOpenAIEmbedder(OpenAIConfig{
		BaseURL:   srv.URL + "/v1",
		Model:     "m",
		Dimension: 8,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder: %v", err)
	}

	if _, err := e.Embed(context.Background(), "hi"); !errors.Is(err, ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding, got %v", err)
	}
}

func TestNewOpenAIEmbedderValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewOpenAIEmbedder(OpenAIConfig{}, nil); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestCheckVector(t *testing.T) {
	t.Parallel()

	if err := CheckVector([]float32{1, 2, 3}, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := CheckVector([]float32{1, 2}, 3); !errors.Is(err, ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding for short vector, got %v", err)
	}
	nan := float32(0)
	nan = nan / nan
	if err := CheckVector([]float32{1, nan, 3}, 3); !errors.Is(err, ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding for NaN, got %v", err)
	}
}

func TestCachedEmbedderReusesVectors(t *testing.T) {
	t.Parallel()

	var calls int
	base := EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		calls++
		return []float32{float32(len(text)), 1}, nil
	})

	c := NewCachedEmbedder(base, 4, time.Minute)
	ctx := context.Background()

	first, err := c.Embed(ctx, "same prompt")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	second, err := c.Embed(ctx, "same prompt")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one base call, got %d", calls)
	}
	if first[0] != second[0] {
		t.Fatalf("cached vector differs: %v vs %v", first, second)
	}

	if _, err := c.Embed(ctx, "other prompt"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected second base call for new text, got %d", calls)
	}
}

func TestCachedEmbedderDoesNotCacheErrors(t *testing.T) {
	t.Parallel()

	var calls int
	base := EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		calls++
		return nil, ErrEmbedding
	})

	c := NewCachedEmbedder(base, 4, time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := c.Embed(context.Background(), "x"); !errors.Is(err, ErrEmbedding) {
			t.Fatalf("expected ErrEmbedding, got %v", err)
		}
	}
	if calls != 2 {
		t.Fatalf("errors must not be cached, got %d calls", calls)
	}
}

func TestGuardedEmbedderOpensCircuit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	base := EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	})

	g := NewGuardedEmbedder(base, GuardConfig{
		ConsecutiveFailures: 2,
		OpenFor:             time.Minute,
	}, zaptest.NewLogger(t))

	for i := 0; i < 5; i++ {
		_, err := g.Embed(context.Background(), "x")
		if !errors.Is(err, ErrEmbedding) {
			t.Fatalf("call %d: expected ErrEmbedding, got %v", i, err)
		}
	}

	if calls.Load() != 2 {
		t.Fatalf("expected breaker to stop calls after 2 failures, got %d", calls.Load())
	}
	if g.State() != "open" {
		t.Fatalf("expected open circuit, got %s", g.State())
	}
}

func TestGuardedEmbedderTimeout(t *testing.T) {
	t.Parallel()

	base := EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	g := NewGuardedEmbedder(base, GuardConfig{Timeout: 20 * time.Millisecond}, zaptest.NewLogger(t))

	start := time.Now()
	_, err := g.Embed(context.Background(), "x")
	if !errors.Is(err, ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded in chain, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not applied")
	}
}

func TestGuardedEmbedderIgnoresCallerCancellation(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	base := EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return []float32{1, 0}, nil
	})

	g := NewGuardedEmbedder(base, GuardConfig{
		ConsecutiveFailures: 2,
		OpenFor:             time.Minute,
	}, zaptest.NewLogger(t))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		_, err := g.Embed(cancelled, "x")
		if !errors.Is(err, ErrEmbedding) || !errors.Is(err, context.Canceled) {
			t.Fatalf("call %d: expected cancellation, got %v", i, err)
		}
	}

	vec, err := g.Embed(context.Background(), "x")
	if err != nil {
		t.Fatalf("healthy service rejected after client cancellations: %v (state=%s)", err, g.State())
	}
	if len(vec) != 2 || g.State() != "closed" {
		t.Fatalf("unexpected result %v, state %s", vec, g.State())
	}
}

func TestGuardedEmbedderCountsOnlyItsOwnTimeout(t *testing.T) {
	t.Parallel()

	base := EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	g := NewGuardedEmbedder(base, GuardConfig{
		Timeout:             50 * time.Millisecond,
		ConsecutiveFailures: 2,
		OpenFor:             time.Minute,
	}, zaptest.NewLogger(t))

	// the caller's deadline fires first
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		_, err := g.Embed(ctx, "x")
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("call %d: expected deadline exceeded, got %v", i, err)
		}
	}
	if g.State() != "closed" {
		t.Fatalf("caller deadlines must not open the circuit, state %s", g.State())
	}

	// the guard's own timeout is a service failure
	for i := 0; i < 2; i++ {
		_, _ = g.Embed(context.Background(), "x")
	}
	if g.State() != "open" {
		t.Fatalf("expected open circuit after guard timeouts, got %s", g.State())
	}
}
