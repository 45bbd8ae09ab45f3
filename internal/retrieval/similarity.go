package retrieval

import (
	"errors"
	"math"
)

// ErrDimensionMismatch indicates two vectors of different lengths were
// compared, which signals a stale or incompatible embedding version.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Cosine returns the cosine similarity of two vectors clamped to [0,1].
// Symmetric and scale-invariant for positive scaling. A zero vector has no
// direction and scores 0 against everything.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))

	// Negative cosine means dissimilar; the retrieval contract scores in [0,1].
	if sim < 0 {
		return 0, nil
	}
	if sim > 1 {
		// Floating point can push slightly past 1 for identical vectors.
		return 1, nil
	}
	return sim, nil
}
