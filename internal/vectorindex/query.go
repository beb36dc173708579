package vectorindex

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
)

// knnQuery builds the dialect-2 hybrid query: exact topic prefilter,
// then the k nearest vectors.
func knnQuery(topic string, k int) string {
	return fmt.Sprintf("(@%s:{%s})=>[KNN %d @%s $vec AS %s]",
		FieldTopic, escapeTag(topic), k, FieldVector, distanceField)
}

// escapeTag backslash-escapes every rune RediSearch treats as syntax
// inside a TAG value, so "climate-policy v2" matches literally.
func escapeTag(value string) string {
	var b strings.Builder
	b.Grow(len(value) * 2)
	for _, r := range value {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// floatsToBytes encodes a vector as little-endian FLOAT32, the layout
// RediSearch expects for HASH vector fields and query params.
func floatsToBytes(fs []float32) []byte {
	buf := make([]byte, len(fs)*4)
	for i, f := range fs {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloats decodes floatsToBytes output.
func bytesToFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: vector blob length %d is not a multiple of 4", ErrSchemaMismatch, len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

func sorted(s []string) []string {
	sort.Strings(s)
	return s
}
