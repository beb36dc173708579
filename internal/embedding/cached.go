package embedding

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedEmbedder keeps recent embeddings in a bounded, expiring LRU keyed by
// content hash. The write path hits it right after a lookup miss, so the
// prompt is embedded once per request.
type CachedEmbedder struct {
	base  Embedder
	cache *expirable.LRU[string, []float32]
}

// NewCachedEmbedder wraps base. size <= 0 defaults to 1024, ttl <= 0 to 10m.
func NewCachedEmbedder(base Embedder, size int, ttl time.Duration) *CachedEmbedder {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedEmbedder{
		base:  base,
		cache: expirable.NewLRU[string, []float32](size, nil, ttl),
	}
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := ContentHash(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := c.base.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

// Len returns the number of cached embeddings.
func (c *CachedEmbedder) Len() int {
	return c.cache.Len()
}

// Purge drops every cached embedding.
func (c *CachedEmbedder) Purge() {
	c.cache.Purge()
}
