// Package discovery implements the federated discovery engine: one request
// fans out to full-text, vector-similarity, and graph-traversal backends,
// and the ranked candidate lists fuse into a single ordered answer via
// reciprocal rank fusion.
//
// The engine never fails a request because one backend is slow or broken. A
// missing backend degrades the fused result and flags the response partial;
// the caller always gets either a complete result, a flagged partial result,
// or an explicit error for a malformed request.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/latticeos/lattice/pkg/knowledge"
)

// Common errors
var (
	ErrInvalidRequest = errors.New("invalid discovery request")
	ErrNoBackends     = errors.New("no backend supports this query shape")
)

// Backend names used in sub-queries and result provenance.
const (
	BackendFulltext = "fulltext"
	BackendVector   = "vector"
	BackendGraph    = "graph"
)

// DefaultDeadline bounds a discovery request end to end.
const DefaultDeadline = 2 * time.Second

// DefaultLimit is the result page size when the caller does not set one.
const DefaultLimit = 10

// Filters is the shared filter set applied by every backend adapter.
type Filters struct {
	Kinds         []knowledge.EntityKind
	MinConfidence float64
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// Match reports whether one entity passes the filter set. Tenant scoping is
// checked by the caller, which knows the request tenant.
func (f *Filters) Match(view *knowledge.EntityView) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if view.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if view.Confidence < f.MinConfidence {
		return false
	}
	if f.CreatedAfter != nil && view.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && view.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}

// Request is one discovery call.
//
// QueryText drives the full-text backend, QueryVector the vector backend
// (precomputed by the caller; embedding models are outside this core), and
// SeedEntityIDs the graph backend. Any subset may be present; backends
// without input are skipped, not errored.
type Request struct {
	TenantID      string
	QueryText     string
	QueryVector   []float32
	SeedEntityIDs []string
	EdgeTypes     []string
	Filters       Filters
	Persona       string
	Limit         int
	Deadline      time.Duration
}

// Validate checks request shape.
func (r *Request) Validate() error {
	if r.TenantID == "" {
		return fmt.Errorf("%w: tenant required", ErrInvalidRequest)
	}
	if r.QueryText == "" && len(r.QueryVector) == 0 && len(r.SeedEntityIDs) == 0 {
		return fmt.Errorf("%w: no query text, vector, or seeds", ErrInvalidRequest)
	}
	return nil
}

// Fingerprint returns a stable string identifying this request's inputs,
// used as the result-cache key.
func (r *Request) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "q=%s|p=%s|l=%d|conf=%g", r.QueryText, r.Persona, r.Limit, r.Filters.MinConfidence)
	if len(r.QueryVector) > 0 {
		// Every element participates: vectors agreeing on length and
		// endpoints must not share a cache entry.
		fmt.Fprintf(&b, "|vec=%d:", len(r.QueryVector))
		for _, v := range r.QueryVector {
			fmt.Fprintf(&b, "%08x", math.Float32bits(v))
		}
	}
	seeds := append([]string(nil), r.SeedEntityIDs...)
	sort.Strings(seeds)
	fmt.Fprintf(&b, "|seeds=%s|edges=%s", strings.Join(seeds, ","), strings.Join(r.EdgeTypes, ","))
	for _, k := range r.Filters.Kinds {
		fmt.Fprintf(&b, "|kind=%s", k)
	}
	if r.Filters.CreatedAfter != nil {
		fmt.Fprintf(&b, "|after=%d", r.Filters.CreatedAfter.Unix())
	}
	if r.Filters.CreatedBefore != nil {
		fmt.Fprintf(&b, "|before=%d", r.Filters.CreatedBefore.Unix())
	}
	return b.String()
}

// SubQuery is one backend-specific slice of a request, built by the query
// processor.
type SubQuery struct {
	Backend  string
	TenantID string
	Filters  Filters
	Limit    int

	Text      string    // fulltext
	Vector    []float32 // vector
	Seeds     []string  // graph
	EdgeTypes []string  // graph
}

// Candidate is one ranked hit from one backend.
type Candidate struct {
	EntityID string
	RawScore float64
}

// Adapter is the backend contract: a ranked candidate list from one store.
//
// Adapters are read-only, respect a hard per-call timeout, and degrade to
// an error that the engine treats as a missing signal, never a request
// failure.
type Adapter interface {
	Name() string
	Search(ctx context.Context, q *SubQuery) ([]Candidate, error)
}

// Result is one fused, ranked entry in the response.
type Result struct {
	EntityID string
	// Score is the fused (and persona-boosted, if applicable) RRF score.
	Score float64
	// SourceBackends lists which backends returned this entity, sorted.
	SourceBackends []string
}

// Response is the discovery answer.
type Response struct {
	Results []Result
	// Partial is set when at least one dispatched backend did not deliver
	// before the deadline (or failed). Never silently treated as complete.
	Partial bool
	// State is the lifecycle state the request reached. A delivered
	// response always reads StateReturned; it exists so callers logging or
	// persisting responses record where the request ended up.
	State  string
	TookMS int64
}
