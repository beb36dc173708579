package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
)

// ErrEmbedding is wrapped by every failure to turn text into a vector:
// unreachable service, rate limiting, timeout, open circuit or a malformed
// response. The cache treats it as a miss.
var ErrEmbedding = errors.New("embedding failed")

// Embedder converts text to a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc adapts a function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// CheckVector reports whether vec is usable for an index of dimension dim.
func CheckVector(vec []float32, dim int) error {
	if len(vec) != dim {
		return fmt.Errorf("%w: got %d dimensions, want %d", ErrEmbedding, len(vec), dim)
	}
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite value at %d", ErrEmbedding, i)
		}
	}
	return nil
}

// ContentHash is the hex SHA-256 of text, used as the key for embedding reuse.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
