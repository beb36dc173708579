// Package cache is the semantic response cache: it decides whether a
// previously generated response can be reused for a new prompt.
package cache

import (
	"context"
	"errors"

	"stancestream-gateway/internal/cachemetrics"
	"stancestream-gateway/internal/vectorindex"
)

// ErrCacheWrite wraps any failure to persist a new entry. It is reported to
// the caller of Store and never turned into a user-facing failure.
var ErrCacheWrite = errors.New("cache write failed")

// CacheEntry is a stored prompt/response pair.
type CacheEntry = vectorindex.Entry

// Result is the outcome of a lookup.
type Result struct {
	Hit        bool
	Response   string
	Similarity float64 // similarity of the nearest candidate, 0 if none
	EntryID    string  // set on hit
	Topic      string

	// Err is set when the lookup degraded to a miss because the embedder
	// or the index failed. A degraded result is still a valid miss.
	Err error
}

// Generator produces a response on a miss.
type Generator func(ctx context.Context) (string, error)

// Answer is what GetOrGenerate hands back to its caller.
type Answer struct {
	Response   string
	Hit        bool
	Similarity float64
	EntryID    string
	Shared     bool // served by a concurrent caller's generation
}

// SemanticCache is the contract the HTTP layer and the CLI use.
type SemanticCache interface {
	Lookup(ctx context.Context, prompt, topic string) Result
	Store(ctx context.Context, prompt, response, topic string) (CacheEntry, error)
	GetOrGenerate(ctx context.Context, prompt, topic string, gen Generator) (Answer, error)

	Sweep(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Metrics(ctx context.Context) (cachemetrics.CacheMetrics, error)
	ResetMetrics(ctx context.Context) error
}
