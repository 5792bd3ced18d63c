package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeos/lattice/pkg/cache"
	"github.com/latticeos/lattice/pkg/graph"
	"github.com/latticeos/lattice/pkg/knowledge"
	"github.com/latticeos/lattice/pkg/search"
)

const testDims = 4

type discoveryEnv struct {
	store    *knowledge.Store
	graphs   *graph.MemoryEngine
	fulltext *search.FulltextIndex
	vectors  *search.VectorIndex
	indexer  *IndexMaintainer
}

func newDiscoveryEnv(t *testing.T) *discoveryEnv {
	t.Helper()
	store, err := knowledge.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	graphs := graph.NewMemoryEngine()
	t.Cleanup(func() { graphs.Close() })

	fulltext := search.NewFulltextIndex()
	vectors := search.NewVectorIndex(testDims)
	return &discoveryEnv{
		store:    store,
		graphs:   graphs,
		fulltext: fulltext,
		vectors:  vectors,
		indexer:  NewIndexMaintainer(fulltext, vectors),
	}
}

// addAtom creates an atom, mirrors it to the graph, and indexes it.
func (env *discoveryEnv) addAtom(t *testing.T, id, tenant, text string, embedding []float32) {
	t.Helper()
	ctx := context.Background()
	atom := &knowledge.Atom{
		ID:         knowledge.AtomID(id),
		TenantID:   tenant,
		Type:       knowledge.AtomText,
		TextValue:  knowledge.StrPtr(text),
		Confidence: 0.9,
		Source:     "test",
	}
	require.NoError(t, env.store.CreateAtom(ctx, atom))
	if embedding != nil {
		require.NoError(t, env.store.SetEmbedding(ctx, knowledge.KindAtom, id, embedding))
	}

	require.NoError(t, env.graphs.CreateNode(&graph.Node{
		ID:         graph.NodeID(id),
		Labels:     []string{"Atom"},
		Properties: map[string]any{"tenantId": tenant, "value": text},
	}))

	view, err := env.store.GetEntity(ctx, knowledge.KindAtom, id)
	require.NoError(t, err)
	env.indexer.IndexEntity(view)
}

func (env *discoveryEnv) newEngine(t *testing.T, opts EngineOptions) *Engine {
	t.Helper()
	adapters := []Adapter{
		NewFulltextAdapter(env.fulltext, env.store, 0),
		NewVectorAdapter(env.vectors, env.store, 0),
		NewGraphAdapter(env.graphs, env.store, 0),
	}
	return NewEngine(adapters, env.store, opts)
}

func TestQueryProcessorShapes(t *testing.T) {
	p := NewQueryProcessor()

	subs := p.Process(&Request{TenantID: "acme", QueryText: "quebec", Limit: 10})
	require.Len(t, subs, 1)
	assert.Equal(t, BackendFulltext, subs[0].Backend)
	assert.Equal(t, 30, subs[0].Limit) // over-fetched for fusion

	subs = p.Process(&Request{
		TenantID:      "acme",
		QueryText:     "quebec",
		QueryVector:   []float32{1, 0, 0, 0},
		SeedEntityIDs: []string{"atom-1"},
	})
	require.Len(t, subs, 3)
	assert.Equal(t, BackendFulltext, subs[0].Backend)
	assert.Equal(t, BackendVector, subs[1].Backend)
	assert.Equal(t, BackendGraph, subs[2].Backend)

	// No seed: the graph backend is skipped, not an error.
	subs = p.Process(&Request{TenantID: "acme", QueryVector: []float32{1, 0, 0, 0}})
	require.Len(t, subs, 1)
	assert.Equal(t, BackendVector, subs[0].Backend)
}

func TestDiscoverFulltextOnly(t *testing.T) {
	env := newDiscoveryEnv(t)
	env.addAtom(t, "atom-1", "acme", "Quebec is a province", nil)
	env.addAtom(t, "atom-2", "acme", "Paris is a city", nil)

	engine := env.newEngine(t, EngineOptions{})
	resp, err := engine.Discover(context.Background(), &Request{
		TenantID:  "acme",
		QueryText: "Quebec",
	})
	require.NoError(t, err)
	assert.False(t, resp.Partial)
	assert.Equal(t, StateReturned, resp.State)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "atom-1", resp.Results[0].EntityID)
	assert.Equal(t, []string{BackendFulltext}, resp.Results[0].SourceBackends)
	assert.Greater(t, resp.Results[0].Score, 0.0)
}

func TestDiscoverFusesBackends(t *testing.T) {
	env := newDiscoveryEnv(t)
	env.addAtom(t, "atom-1", "acme", "Quebec shipping rules", []float32{1, 0, 0, 0})
	env.addAtom(t, "atom-2", "acme", "Quebec labels", nil)

	engine := env.newEngine(t, EngineOptions{})
	resp, err := engine.Discover(context.Background(), &Request{
		TenantID:    "acme",
		QueryText:   "Quebec",
		QueryVector: []float32{1, 0, 0, 0},
	})
	require.NoError(t, err)
	assert.False(t, resp.Partial)
	require.Len(t, resp.Results, 2)

	// atom-1 has both signals and must rank first.
	assert.Equal(t, "atom-1", resp.Results[0].EntityID)
	assert.Equal(t, []string{BackendFulltext, BackendVector}, resp.Results[0].SourceBackends)
	assert.Equal(t, []string{BackendFulltext}, resp.Results[1].SourceBackends)
}

func TestDiscoverGraphBackend(t *testing.T) {
	env := newDiscoveryEnv(t)
	env.addAtom(t, "atom-1", "acme", "seed entity", nil)
	env.addAtom(t, "atom-2", "acme", "neighbor", nil)
	env.addAtom(t, "atom-3", "acme", "two hops out", nil)

	require.NoError(t, env.graphs.CreateEdge(&graph.Edge{
		ID: "e1", StartNode: "atom-1", EndNode: "atom-2",
		Type: graph.EdgeRelatesTo, Confidence: 0.9,
	}))
	require.NoError(t, env.graphs.CreateEdge(&graph.Edge{
		ID: "e2", StartNode: "atom-2", EndNode: "atom-3",
		Type: graph.EdgeRelatesTo, Confidence: 0.8,
	}))

	engine := env.newEngine(t, EngineOptions{})
	resp, err := engine.Discover(context.Background(), &Request{
		TenantID:      "acme",
		SeedEntityIDs: []string{"atom-1"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	// Closer neighbor scores 1/1, the two-hop entity 1/2.
	assert.Equal(t, "atom-2", resp.Results[0].EntityID)
	assert.Equal(t, "atom-3", resp.Results[1].EntityID)
}

func TestDiscoverTenantIsolationAndFilters(t *testing.T) {
	env := newDiscoveryEnv(t)
	env.addAtom(t, "atom-1", "acme", "Quebec rules", nil)
	env.addAtom(t, "atom-2", "globex", "Quebec rules", nil)

	engine := env.newEngine(t, EngineOptions{})
	resp, err := engine.Discover(context.Background(), &Request{
		TenantID:  "acme",
		QueryText: "Quebec",
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "atom-1", resp.Results[0].EntityID)

	// Confidence floor above the atoms' 0.9 filters everything out.
	resp, err = engine.Discover(context.Background(), &Request{
		TenantID:  "acme",
		QueryText: "Quebec",
		Filters:   Filters{MinConfidence: 0.95},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	// Kind filter.
	resp, err = engine.Discover(context.Background(), &Request{
		TenantID:  "acme",
		QueryText: "Quebec",
		Filters:   Filters{Kinds: []knowledge.EntityKind{knowledge.KindDocument}},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestDiscoverMissingEmbeddingIsSilent(t *testing.T) {
	env := newDiscoveryEnv(t)
	env.addAtom(t, "atom-1", "acme", "no embedding here", nil)

	engine := env.newEngine(t, EngineOptions{})
	resp, err := engine.Discover(context.Background(), &Request{
		TenantID:    "acme",
		QueryText:   "embedding",
		QueryVector: []float32{1, 0, 0, 0},
	})
	require.NoError(t, err)
	assert.False(t, resp.Partial, "empty vector result is a signal, not a failure")
	require.Len(t, resp.Results, 1)
	assert.Equal(t, []string{BackendFulltext}, resp.Results[0].SourceBackends)
}

// slowAdapter blocks until its context expires.
type slowAdapter struct{ name string }

func (s *slowAdapter) Name() string { return s.name }
func (s *slowAdapter) Search(ctx context.Context, q *SubQuery) ([]Candidate, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// failingAdapter errors immediately.
type failingAdapter struct{ name string }

func (f *failingAdapter) Name() string { return f.name }
func (f *failingAdapter) Search(ctx context.Context, q *SubQuery) ([]Candidate, error) {
	return nil, errors.New("backend down")
}

func TestDiscoverPartialOnSlowBackend(t *testing.T) {
	env := newDiscoveryEnv(t)
	env.addAtom(t, "atom-1", "acme", "Quebec rules", nil)

	adapters := []Adapter{
		NewFulltextAdapter(env.fulltext, env.store, 0),
		&slowAdapter{name: BackendVector},
	}
	engine := NewEngine(adapters, env.store, EngineOptions{})

	start := time.Now()
	resp, err := engine.Discover(context.Background(), &Request{
		TenantID:    "acme",
		QueryText:   "Quebec",
		QueryVector: []float32{1, 0, 0, 0},
		Deadline:    200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "deadline must bound the request")

	assert.True(t, resp.Partial)
	assert.Equal(t, StateReturned, resp.State, "a partial response is still delivered")
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "atom-1", resp.Results[0].EntityID)
	assert.Greater(t, resp.Results[0].Score, 0.0)
}

func TestDiscoverPartialOnFailedBackend(t *testing.T) {
	env := newDiscoveryEnv(t)
	env.addAtom(t, "atom-1", "acme", "Quebec rules", nil)

	adapters := []Adapter{
		NewFulltextAdapter(env.fulltext, env.store, 0),
		&failingAdapter{name: BackendVector},
	}
	engine := NewEngine(adapters, env.store, EngineOptions{})

	resp, err := engine.Discover(context.Background(), &Request{
		TenantID:    "acme",
		QueryText:   "Quebec",
		QueryVector: []float32{1, 0, 0, 0},
	})
	require.NoError(t, err)
	assert.True(t, resp.Partial)
	assert.Len(t, resp.Results, 1)
}

func TestDiscoverCallerCancellation(t *testing.T) {
	env := newDiscoveryEnv(t)
	env.addAtom(t, "atom-1", "acme", "Quebec", nil)

	adapters := []Adapter{&slowAdapter{name: BackendFulltext}}
	engine := NewEngine(adapters, env.store, EngineOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := engine.Discover(ctx, &Request{TenantID: "acme", QueryText: "Quebec"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDiscoverValidation(t *testing.T) {
	env := newDiscoveryEnv(t)
	engine := env.newEngine(t, EngineOptions{})

	_, err := engine.Discover(context.Background(), &Request{QueryText: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = engine.Discover(context.Background(), &Request{TenantID: "acme"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRequestFingerprintCoversFullVector(t *testing.T) {
	base := &Request{TenantID: "acme", QueryVector: []float32{1, 2, 3, 4}}

	// Same length, first, and last element; different interior.
	twin := &Request{TenantID: "acme", QueryVector: []float32{1, 9, 9, 4}}
	assert.NotEqual(t, base.Fingerprint(), twin.Fingerprint())

	// Identical vectors still fingerprint identically.
	same := &Request{TenantID: "acme", QueryVector: []float32{1, 2, 3, 4}}
	assert.Equal(t, base.Fingerprint(), same.Fingerprint())
}

func TestDiscoverPersonaBoost(t *testing.T) {
	env := newDiscoveryEnv(t)
	ctx := context.Background()
	env.addAtom(t, "atom-1", "acme", "Quebec shipping", nil)

	doc := &knowledge.Document{
		ID:       "doc-1",
		TenantID: "acme",
		Title:    "Quebec shipping rules",
		Content:  "Orders shipped to Quebec require bilingual labels",
	}
	require.NoError(t, env.store.CreateDocument(ctx, doc))
	view, err := env.store.GetEntity(ctx, knowledge.KindDocument, "doc-1")
	require.NoError(t, err)
	env.indexer.IndexEntity(view)

	personas := map[string]PersonaProfile{
		"researcher": {Name: "researcher", Boost: 3.0, PreferredKinds: []string{"document"}},
	}
	engine := env.newEngine(t, EngineOptions{Personas: personas})

	plain, err := engine.Discover(ctx, &Request{TenantID: "acme", QueryText: "Quebec shipping"})
	require.NoError(t, err)
	require.Len(t, plain.Results, 2)

	boosted, err := engine.Discover(ctx, &Request{
		TenantID: "acme", QueryText: "Quebec shipping", Persona: "researcher",
	})
	require.NoError(t, err)
	require.Len(t, boosted.Results, 2)
	assert.Equal(t, "doc-1", boosted.Results[0].EntityID)
}

func TestDiscoverResultCache(t *testing.T) {
	env := newDiscoveryEnv(t)
	env.addAtom(t, "atom-1", "acme", "Quebec", nil)

	results := cache.NewResultCache(100, time.Minute)
	engine := env.newEngine(t, EngineOptions{Cache: results})
	req := &Request{TenantID: "acme", QueryText: "Quebec"}

	first, err := engine.Discover(context.Background(), req)
	require.NoError(t, err)
	second, err := engine.Discover(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, StateReturned, second.State)
	assert.Equal(t, uint64(1), results.Stats().Hits)

	// Sync invalidation drops the tenant's entries.
	results.InvalidateTenant("acme")
	_, err = engine.Discover(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), results.Stats().Misses)
}

func TestDiscoverLimit(t *testing.T) {
	env := newDiscoveryEnv(t)
	for i := 0; i < 15; i++ {
		env.addAtom(t, knowledgeID(i), "acme", "Quebec entry", nil)
	}

	engine := env.newEngine(t, EngineOptions{})
	resp, err := engine.Discover(context.Background(), &Request{
		TenantID:  "acme",
		QueryText: "Quebec",
		Limit:     5,
	})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 5)

	// Default limit applies when unset.
	resp, err = engine.Discover(context.Background(), &Request{
		TenantID:  "acme",
		QueryText: "Quebec",
	})
	require.NoError(t, err)
	assert.Len(t, resp.Results, DefaultLimit)
}

func knowledgeID(i int) string {
	return "atom-" + string(rune('a'+i/10)) + string(rune('0'+i%10))
}

func TestIndexMaintainerRebuild(t *testing.T) {
	env := newDiscoveryEnv(t)
	ctx := context.Background()

	atom := &knowledge.Atom{
		ID: "atom-1", TenantID: "acme", Type: knowledge.AtomText,
		TextValue: knowledge.StrPtr("Quebec"), Confidence: 1,
	}
	require.NoError(t, env.store.CreateAtom(ctx, atom))
	require.NoError(t, env.store.SetEmbedding(ctx, knowledge.KindAtom, "atom-1", []float32{1, 0, 0, 0}))

	fulltext := search.NewFulltextIndex()
	vectors := search.NewVectorIndex(testDims)
	fresh := NewIndexMaintainer(fulltext, vectors)
	require.NoError(t, fresh.Rebuild(ctx, env.store))

	assert.Equal(t, 1, fulltext.Count())
	assert.True(t, vectors.HasVector("atom-1"))

	// Soft-deleted entities stay out of a rebuilt index.
	require.NoError(t, env.store.SoftDeleteAtom(ctx, "atom-1"))
	rebuilt := search.NewFulltextIndex()
	require.NoError(t, NewIndexMaintainer(rebuilt, search.NewVectorIndex(testDims)).Rebuild(ctx, env.store))
	assert.Equal(t, 0, rebuilt.Count())
}

func TestIndexMaintainerRemove(t *testing.T) {
	env := newDiscoveryEnv(t)
	env.addAtom(t, "atom-1", "acme", "Quebec", []float32{1, 0, 0, 0})

	assert.Equal(t, 1, env.fulltext.Count())
	assert.True(t, env.vectors.HasVector("atom-1"))

	env.indexer.RemoveEntity("atom-1")
	assert.Equal(t, 0, env.fulltext.Count())
	assert.False(t, env.vectors.HasVector("atom-1"))
}
