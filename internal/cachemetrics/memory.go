package cachemetrics

import (
	"context"
	"sync"
	"time"
)

// MemoryAccumulator keeps the aggregate in process memory.
type MemoryAccumulator struct {
	mu  sync.Mutex
	m   CacheMetrics
	now func() time.Time
}

func NewMemoryAccumulator() *MemoryAccumulator {
	a := &MemoryAccumulator{now: time.Now}
	a.m.CreatedAt = a.now()
	a.m.LastUpdated = a.m.CreatedAt
	return a
}

func (a *MemoryAccumulator) RecordHit(_ context.Context, similarity float64, tokensSaved int, costSaved float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.m.TotalRequests++
	a.m.CacheHits++
	a.m.AverageSimilarity += (similarity - a.m.AverageSimilarity) / float64(a.m.CacheHits)
	a.m.TotalTokensSaved += int64(tokensSaved)
	a.m.EstimatedCostSaved += costSaved
	a.m.LastUpdated = a.now()
	return nil
}

func (a *MemoryAccumulator) RecordMiss(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.m.TotalRequests++
	a.m.CacheMisses++
	a.m.LastUpdated = a.now()
	return nil
}

func (a *MemoryAccumulator) Snapshot(_ context.Context) (CacheMetrics, error) {
	a.mu.Lock()
	m := a.m
	a.mu.Unlock()

	if err := m.Validate(); err != nil {
		return CacheMetrics{}, err
	}
	return m, nil
}

func (a *MemoryAccumulator) Reset(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.m = CacheMetrics{CreatedAt: now, LastUpdated: now}
	return nil
}
