// Package vectorindex stores cache entries and answers topic-filtered
// nearest-neighbour queries over their prompt embeddings.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrIndexUnavailable wraps any failure to reach the index store.
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrSchemaMismatch reports an index whose fields, types or vector
	// dimension differ from the configured schema, or an entry that
	// does not fit it.
	ErrSchemaMismatch = errors.New("vector index schema mismatch")

	// ErrEntryExists is returned when an entry id is written twice.
	ErrEntryExists = errors.New("cache entry already exists")

	// ErrInvalidTopic rejects topics the TAG field cannot hold verbatim.
	ErrInvalidTopic = errors.New("invalid cache topic")
)

// TopicSeparator is the TAG separator of the topic field. Topics may not
// contain it, so every topic is stored as exactly one tag.
const TopicSeparator = "|"

// ValidateTopic reports whether topic can be stored and matched exactly.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if strings.Contains(topic, TopicSeparator) {
		return fmt.Errorf("%w: %q contains %q", ErrInvalidTopic, topic, TopicSeparator)
	}
	return nil
}

// Field names of the index schema. Lookup and write paths are written
// against these; change them only together with an index migration.
const (
	FieldContent     = "content"
	FieldResponse    = "response"
	FieldTopic       = "topic"
	FieldVector      = "vector"
	FieldCreatedAt   = "created_at"
	FieldTokensSaved = "tokens_saved"

	distanceField = "distance"
)

// Entry is one cached prompt/response pair. Entries are immutable once written.
type Entry struct {
	ID          string    `json:"id"`
	Prompt      string    `json:"prompt"`
	Response    string    `json:"response"`
	Vector      []float32 `json:"-"`
	Topic       string    `json:"topic"`
	CreatedAt   time.Time `json:"created_at"`
	TokensSaved int       `json:"tokens_saved"`
}

// Match is a search candidate. Distance is the cosine distance (1 - cos)
// reported by the index; lower is closer.
type Match struct {
	Entry    Entry
	Distance float64
}

// Schema describes the index layout.
type Schema struct {
	Name      string
	KeyPrefix string
	Dimension int

	// HNSW build parameters.
	M              int
	EfConstruction int
}

// Index is the vector store contract used by the cache.
type Index interface {
	// EnsureIndex creates the index if missing and validates an existing
	// one. A mismatch is returned as ErrSchemaMismatch.
	EnsureIndex(ctx context.Context) error

	// Upsert writes a new entry. Vectors of the wrong dimension are
	// rejected with ErrSchemaMismatch.
	Upsert(ctx context.Context, e Entry) error

	// Search returns up to k entries of topic ordered by distance.
	Search(ctx context.Context, vector []float32, topic string, k int) ([]Match, error)

	// DeleteOlderThan removes entries created before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)
}
