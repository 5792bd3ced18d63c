package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/latticeos/lattice/pkg/graph"
	"github.com/latticeos/lattice/pkg/knowledge"
	"github.com/latticeos/lattice/pkg/search"
)

// DefaultAdapterTimeout is the hard per-call budget for one backend.
const DefaultAdapterTimeout = 500 * time.Millisecond

// Lookup resolves index hits to entity metadata for shared filtering.
// *knowledge.Store satisfies it.
type Lookup interface {
	FindEntity(ctx context.Context, id string) (*knowledge.EntityView, error)
}

// applyFilters keeps candidates whose entity passes tenant scoping and the
// shared filter set, preserving rank order. Hits that no longer resolve
// (deleted between indexing and query) are silently dropped.
func applyFilters(ctx context.Context, lookup Lookup, tenantID string, filters Filters, cands []Candidate, limit int) ([]Candidate, error) {
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		view, err := lookup.FindEntity(ctx, c.EntityID)
		if err != nil {
			if errors.Is(err, knowledge.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if view.Deleted || view.TenantID != tenantID {
			continue
		}
		if !filters.Match(view) {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Full-text adapter
// ----------------------------------------------------------------------------

// FulltextAdapter runs boolean/BM25 queries against the full-text index.
type FulltextAdapter struct {
	index   *search.FulltextIndex
	lookup  Lookup
	timeout time.Duration
}

// NewFulltextAdapter wires the full-text backend.
func NewFulltextAdapter(index *search.FulltextIndex, lookup Lookup, timeout time.Duration) *FulltextAdapter {
	if timeout <= 0 {
		timeout = DefaultAdapterTimeout
	}
	return &FulltextAdapter{index: index, lookup: lookup, timeout: timeout}
}

func (a *FulltextAdapter) Name() string { return BackendFulltext }

// Search returns BM25-ranked candidates passing the shared filters.
func (a *FulltextAdapter) Search(ctx context.Context, q *SubQuery) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// Over-fetch before filtering so a filtered-out head doesn't empty the page.
	hits := a.index.Search(q.Text, q.Limit*4)
	cands := make([]Candidate, len(hits))
	for i, h := range hits {
		cands[i] = Candidate{EntityID: h.ID, RawScore: h.Score}
	}
	return applyFilters(ctx, a.lookup, q.TenantID, q.Filters, cands, q.Limit)
}

// ----------------------------------------------------------------------------
// Vector adapter
// ----------------------------------------------------------------------------

// VectorAdapter runs cosine-similarity queries against the vector index.
// Entities without an embedding are simply absent from the index, so they
// return no signal rather than an error.
type VectorAdapter struct {
	index   *search.VectorIndex
	lookup  Lookup
	timeout time.Duration

	// MinSimilarity floors returned hits; scores below it are noise.
	MinSimilarity float64
}

// NewVectorAdapter wires the vector backend.
func NewVectorAdapter(index *search.VectorIndex, lookup Lookup, timeout time.Duration) *VectorAdapter {
	if timeout <= 0 {
		timeout = DefaultAdapterTimeout
	}
	return &VectorAdapter{index: index, lookup: lookup, timeout: timeout}
}

func (a *VectorAdapter) Name() string { return BackendVector }

// Search returns similarity-ranked candidates with scores clamped to [0,1].
func (a *VectorAdapter) Search(ctx context.Context, q *SubQuery) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if q.Vector == nil {
		return nil, nil
	}
	if len(q.Vector) != a.index.Dimensions() {
		return nil, fmt.Errorf("query vector: %w", search.ErrDimensionMismatch)
	}

	hits, err := a.index.Search(ctx, q.Vector, q.Limit*4, a.MinSimilarity)
	if err != nil {
		return nil, err
	}
	cands := make([]Candidate, len(hits))
	for i, h := range hits {
		score := h.Score
		if score < 0 {
			score = 0
		} else if score > 1 {
			score = 1
		}
		cands[i] = Candidate{EntityID: h.ID, RawScore: score}
	}
	return applyFilters(ctx, a.lookup, q.TenantID, q.Filters, cands, q.Limit)
}

// ----------------------------------------------------------------------------
// Graph adapter
// ----------------------------------------------------------------------------

// GraphAdapter runs bounded traversals from the request's seed entities.
// Score is the inverse of traversal distance; equal distances are already
// ordered by path confidence product, so rank carries the tie-break.
type GraphAdapter struct {
	engine  graph.Engine
	lookup  Lookup
	timeout time.Duration

	// MaxHops bounds traversal depth. Zero means graph.DefaultMaxHops.
	MaxHops int
}

// NewGraphAdapter wires the graph backend.
func NewGraphAdapter(engine graph.Engine, lookup Lookup, timeout time.Duration) *GraphAdapter {
	if timeout <= 0 {
		timeout = DefaultAdapterTimeout
	}
	return &GraphAdapter{engine: engine, lookup: lookup, timeout: timeout}
}

func (a *GraphAdapter) Name() string { return BackendGraph }

// Search traverses from the seeds and returns distance-scored candidates.
func (a *GraphAdapter) Search(ctx context.Context, q *SubQuery) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	seeds := make([]graph.NodeID, len(q.Seeds))
	for i, s := range q.Seeds {
		seeds[i] = graph.NodeID(s)
	}

	hits, err := graph.Traverse(ctx, a.engine, seeds, graph.TraverseOptions{
		MaxHops:   a.MaxHops,
		EdgeTypes: q.EdgeTypes,
		Limit:     q.Limit * 4,
	})
	if err != nil {
		return nil, err
	}

	cands := make([]Candidate, len(hits))
	for i, h := range hits {
		cands[i] = Candidate{EntityID: string(h.NodeID), RawScore: 1.0 / float64(h.Distance)}
	}
	return applyFilters(ctx, a.lookup, q.TenantID, q.Filters, cands, q.Limit)
}
