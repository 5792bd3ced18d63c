package search

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/latticeos/lattice/pkg/math/vector"
)

var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// VectorIndex provides brute-force cosine similarity search over
// precomputed entity embeddings.
//
// Vectors are normalized on insert so that search is a plain dot product.
// Entities without an embedding simply never enter the index; the vector
// backend returns nothing for them rather than erroring.
type VectorIndex struct {
	dimensions int
	mu         sync.RWMutex
	vectors    map[string][]float32
}

// NewVectorIndex creates a vector index for embeddings of the given size.
func NewVectorIndex(dimensions int) *VectorIndex {
	return &VectorIndex{
		dimensions: dimensions,
		vectors:    make(map[string][]float32),
	}
}

// Add adds or updates an entity's embedding.
func (v *VectorIndex) Add(id string, vec []float32) error {
	if len(vec) != v.dimensions {
		return ErrDimensionMismatch
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.vectors[id] = vector.Normalize(vec)
	return nil
}

// Remove removes an entity's embedding from the index.
func (v *VectorIndex) Remove(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vectors, id)
}

// Search finds entities similar to the query vector, highest first.
// Ties are broken by entity ID ascending so fusion sees a stable order.
func (v *VectorIndex) Search(ctx context.Context, query []float32, limit int, minSimilarity float64) ([]Result, error) {
	if len(query) != v.dimensions {
		return nil, ErrDimensionMismatch
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	normalized := vector.Normalize(query)

	var results []Result
	for id, vec := range v.vectors {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		sim := vector.DotProduct(normalized, vec)
		if sim >= minSimilarity {
			results = append(results, Result{ID: id, Score: sim})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Count returns the number of indexed embeddings.
func (v *VectorIndex) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vectors)
}

// HasVector reports whether an embedding exists for the given entity.
func (v *VectorIndex) HasVector(id string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, exists := v.vectors[id]
	return exists
}

// Dimensions returns the configured embedding size.
func (v *VectorIndex) Dimensions() int {
	return v.dimensions
}
