package graph

import (
	"context"
	"sort"
)

// DefaultMaxHops bounds traversal depth when the caller does not specify one.
const DefaultMaxHops = 3

// TraverseOptions controls a bounded breadth-first traversal.
type TraverseOptions struct {
	// MaxHops limits traversal depth. Zero means DefaultMaxHops.
	MaxHops int

	// EdgeTypes restricts which edge types are followed. Empty means all.
	EdgeTypes []string

	// Directed follows only outgoing edges when true. The default traverses
	// edges in both directions, which is what discovery wants: relatedness,
	// not reachability.
	Directed bool

	// Limit caps the number of returned hits. Zero means unlimited.
	Limit int
}

// TraversalHit is one node reached by a traversal.
//
// Confidence is the product of edge confidences along the best path to the
// node, where "best" means shortest distance, then highest confidence.
type TraversalHit struct {
	NodeID     NodeID
	Distance   int
	Confidence float64
}

// Traverse performs a bounded breadth-first traversal from the seed nodes.
//
// Seeds themselves are not returned. Each reachable node appears once, at
// its minimum distance from any seed; when several shortest paths exist the
// highest confidence product wins. Results are ordered by distance
// ascending, then confidence descending, then node ID ascending, so equal
// inputs always produce equal output.
func Traverse(ctx context.Context, engine Engine, seeds []NodeID, opts TraverseOptions) ([]TraversalHit, error) {
	maxHops := opts.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}

	allowed := make(map[string]struct{}, len(opts.EdgeTypes))
	for _, t := range opts.EdgeTypes {
		allowed[t] = struct{}{}
	}

	type visit struct {
		distance   int
		confidence float64
	}
	best := make(map[NodeID]visit)

	frontier := make([]NodeID, 0, len(seeds))
	for _, s := range seeds {
		if _, ok := best[s]; ok {
			continue
		}
		best[s] = visit{distance: 0, confidence: 1.0}
		frontier = append(frontier, s)
	}

	for depth := 1; depth <= maxHops && len(frontier) > 0; depth++ {
		var next []NodeID
		for _, nodeID := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			edges, err := engine.GetOutgoingEdges(nodeID)
			if err != nil {
				return nil, err
			}
			if !opts.Directed {
				in, err := engine.GetIncomingEdges(nodeID)
				if err != nil {
					return nil, err
				}
				edges = append(edges, in...)
			}

			from := best[nodeID]
			for _, e := range edges {
				if len(allowed) > 0 {
					if _, ok := allowed[e.Type]; !ok {
						continue
					}
				}

				neighbor := e.EndNode
				if neighbor == nodeID {
					neighbor = e.StartNode
				}

				conf := from.confidence * edgeConfidence(e)
				prev, seen := best[neighbor]
				switch {
				case !seen:
					best[neighbor] = visit{distance: depth, confidence: conf}
					next = append(next, neighbor)
				case prev.distance == depth && conf > prev.confidence:
					// Same-depth path with a stronger confidence product.
					best[neighbor] = visit{distance: depth, confidence: conf}
				}
			}
		}
		frontier = next
	}

	hits := make([]TraversalHit, 0, len(best))
	seedSet := make(map[NodeID]struct{}, len(seeds))
	for _, s := range seeds {
		seedSet[s] = struct{}{}
	}
	for id, v := range best {
		if _, isSeed := seedSet[id]; isSeed {
			continue
		}
		hits = append(hits, TraversalHit{NodeID: id, Distance: v.distance, Confidence: v.confidence})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		if hits[i].Confidence != hits[j].Confidence {
			return hits[i].Confidence > hits[j].Confidence
		}
		return hits[i].NodeID < hits[j].NodeID
	})

	if opts.Limit > 0 && len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits, nil
}

// edgeConfidence treats unset confidence as full strength so that untyped
// collaborator edges still participate in traversal scoring.
func edgeConfidence(e *Edge) float64 {
	if e.Confidence <= 0 || e.Confidence > 1 {
		return 1.0
	}
	return e.Confidence
}
