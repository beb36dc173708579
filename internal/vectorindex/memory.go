package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// MemoryIndex is an exact (brute-force) in-process Index for development
// and tests. It has the same contract as RedisIndex, including the topic
// filter and distance semantics.
type MemoryIndex struct {
	mu        sync.RWMutex
	items     map[string]Entry
	dimension int
}

// NewMemoryIndex returns an empty index for vectors of the given dimension.
func NewMemoryIndex(dimension int) *MemoryIndex {
	return &MemoryIndex{
		items:     make(map[string]Entry),
		dimension: dimension,
	}
}

func (m *MemoryIndex) EnsureIndex(_ context.Context) error {
	if m.dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrSchemaMismatch)
	}
	return nil
}

func (m *MemoryIndex) Upsert(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}
	if len(e.Vector) != m.dimension {
		return fmt.Errorf("%w: entry %s has %d dimensions, index has %d",
			ErrSchemaMismatch, e.ID, len(e.Vector), m.dimension)
	}
	if err := ValidateTopic(e.Topic); err != nil {
		return err
	}

	// Copy to decouple from caller's buffer
	vec := make([]float32, len(e.Vector))
	copy(vec, e.Vector)
	e.Vector = vec

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[e.ID]; exists {
		return fmt.Errorf("%w: %s", ErrEntryExists, e.ID)
	}
	m.items[e.ID] = e
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, vector []float32, topic string, k int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}
	if len(vector) != m.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d",
			ErrSchemaMismatch, len(vector), m.dimension)
	}
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 1
	}

	m.mu.RLock()
	matches := make([]Match, 0, len(m.items))
	for _, e := range m.items {
		if e.Topic != topic {
			continue
		}
		matches = append(matches, Match{Entry: e, Distance: cosineDistance(vector, e.Vector)})
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].Entry.CreatedAt.After(matches[j].Entry.CreatedAt)
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (m *MemoryIndex) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, e := range m.items {
		if e.CreatedAt.Before(cutoff) {
			delete(m.items, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryIndex) Clear(_ context.Context) error {
	m.mu.Lock()
	m.items = make(map[string]Entry)
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items), nil
}

// cosineDistance returns 1 - cos(a, b), matching RediSearch's COSINE metric.
// Zero vectors are at distance 1 from everything.
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
