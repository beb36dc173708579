// Package cachemetrics keeps the process-wide cache hit/miss aggregate.
package cachemetrics

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUpdateConflict is returned when a metrics update could not be applied
// after bounded retries. Callers log it and drop the update.
var ErrUpdateConflict = errors.New("cache metrics update dropped")

// CacheMetrics is a point-in-time view of the aggregate.
type CacheMetrics struct {
	TotalRequests      int64     `json:"total_requests"`
	CacheHits          int64     `json:"cache_hits"`
	CacheMisses        int64     `json:"cache_misses"`
	HitRatio           float64   `json:"hit_ratio"`
	TotalTokensSaved   int64     `json:"total_tokens_saved"`
	EstimatedCostSaved float64   `json:"estimated_cost_saved"`
	AverageSimilarity  float64   `json:"average_similarity"`
	CreatedAt          time.Time `json:"created_at"`
	LastUpdated        time.Time `json:"last_updated"`
}

// Validate checks the counter invariants and fills the derived HitRatio.
func (m *CacheMetrics) Validate() error {
	if m.TotalRequests < 0 || m.CacheHits < 0 || m.CacheMisses < 0 || m.TotalTokensSaved < 0 {
		return fmt.Errorf("cache metrics: negative counter in %+v", *m)
	}
	if m.CacheHits+m.CacheMisses != m.TotalRequests {
		return fmt.Errorf("cache metrics: hits (%d) + misses (%d) != total (%d)",
			m.CacheHits, m.CacheMisses, m.TotalRequests)
	}
	if m.AverageSimilarity < -1e-9 || m.AverageSimilarity > 1+1e-9 {
		return fmt.Errorf("cache metrics: average similarity %v out of range", m.AverageSimilarity)
	}
	m.HitRatio = 0
	if m.TotalRequests > 0 {
		m.HitRatio = float64(m.CacheHits) / float64(m.TotalRequests)
	}
	return nil
}

// Accumulator records lookup outcomes.
type Accumulator interface {
	RecordHit(ctx context.Context, similarity float64, tokensSaved int, costSaved float64) error
	RecordMiss(ctx context.Context) error
	Snapshot(ctx context.Context) (CacheMetrics, error)
	Reset(ctx context.Context) error
}
