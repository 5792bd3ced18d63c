package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1.0, 2.0, 3.0}
	b := []float32{4.0, 5.0, 6.0}
	assert.InDelta(t, 0.9746318461970762, CosineSimilarity(a, b), 1e-9)

	// Identical and opposite vectors.
	assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity(a, []float32{-1, -2, -3}), 1e-9)

	// Orthogonal.
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)

	// Mismatched or empty inputs score zero.
	assert.Equal(t, 0.0, CosineSimilarity(a, []float32{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
	assert.Equal(t, 0.0, CosineSimilarity(a, []float32{0, 0, 0}))
}

func TestNormalizeAndDotProduct(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)
	assert.InDelta(t, 1.0, DotProduct(v, v), 1e-6)

	// Unit-vector dot product equals cosine similarity.
	a := Normalize([]float32{1, 2, 3})
	b := Normalize([]float32{4, 5, 6})
	assert.InDelta(t, CosineSimilarity(a, b), DotProduct(a, b), 1e-6)

	// Zero vector passes through unchanged.
	zero := []float32{0, 0}
	assert.Equal(t, zero, Normalize(zero))
}
