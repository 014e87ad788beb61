// Package vector provides embedding math, bucket hashing and embedding codecs
// shared by the chunk store, the file index cache and the retrieval engine.
package vector

import (
	"errors"
	"fmt"
	"math"

	"github.com/zhuochun/simple-rag/pkg/utils"
)

// ErrDimensionMismatch is returned when two vectors of different length are compared
// or when an embedding does not match the dimension a store has already fixed.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Normalize returns v scaled to unit L2 norm as a new slice.
// The zero vector maps to a zero vector of the same length.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	utils.NormalizeL2(out)
	return out
}

// Dot returns the inner product of a and b. For normalized vectors this is the cosine similarity.
func Dot(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot, nil
}

// L2Distance returns the Euclidean distance between a and b.
func L2Distance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum), nil
}
