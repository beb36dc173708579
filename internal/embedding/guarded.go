package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GuardConfig bounds calls to the embedding service.
type GuardConfig struct {
	// Timeout per Embed call (default: 3s).
	Timeout time.Duration

	// RPS limits calls per second; 0 disables the limiter.
	RPS   float64
	Burst int

	// ConsecutiveFailures opens the circuit (default: 5).
	ConsecutiveFailures uint32
	// OpenFor is how long the circuit stays open before probing (default: 30s).
	OpenFor time.Duration
}

// GuardedEmbedder applies a timeout, a rate limit and a circuit breaker.
// While the circuit is open calls fail fast with ErrEmbedding, which the
// cache turns into misses without waiting on a dead service.
type GuardedEmbedder struct {
	base    Embedder
	timeout time.Duration
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewGuardedEmbedder wraps base with cfg.
func NewGuardedEmbedder(base Embedder, cfg GuardConfig, logger *zap.Logger) *GuardedEmbedder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("embedding_guard")

	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RPS) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	threshold := cfg.ConsecutiveFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding",
		MaxRequests: 1,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A caller that gave up says nothing about the service.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errCallerGone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedding circuit state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &GuardedEmbedder{
		base:    base,
		timeout: cfg.Timeout,
		limiter: limiter,
		breaker: breaker,
	}
}

// errCallerGone marks failures caused by the caller's own context ending
// (cancellation or the caller's deadline). The breaker does not count them.
var errCallerGone = errors.New("caller context done")

// Embed calls base under the guard's timeout, rate limit and breaker. Only
// failures of the service itself, including the guard's own timeout, count
// towards opening the circuit.
func (g *GuardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %w", ErrEmbedding, err)
		}
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		vec, err := g.base.Embed(ctx, text)
		if err != nil && parent.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errCallerGone, err)
		}
		return vec, err
	})
	if err != nil {
		if errors.Is(err, ErrEmbedding) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	return out.([]float32), nil
}

// State reports the breaker state (closed, half-open, open).
func (g *GuardedEmbedder) State() string {
	return g.breaker.State().String()
}
