// Package lattice is the embeddable Knowledge OS core: one handle that wires
// the Knowledge Store, the Relationship Store, the sync engine, and the
// federated discovery engine together.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	db, err := lattice.Open(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	atom := &knowledge.Atom{...}
//	if err := db.Knowledge().CreateAtom(ctx, atom); err != nil {
//		log.Fatal(err)
//	}
//	db.Enqueue(ctx, atom.TenantID, knowledge.KindAtom, string(atom.ID), syncq.OpIndex, 0)
//
//	resp, err := db.Discover(ctx, &discovery.Request{
//		TenantID:  atom.TenantID,
//		QueryText: "Quebec",
//	})
package lattice

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/latticeos/lattice/pkg/cache"
	"github.com/latticeos/lattice/pkg/config"
	"github.com/latticeos/lattice/pkg/discovery"
	"github.com/latticeos/lattice/pkg/graph"
	"github.com/latticeos/lattice/pkg/knowledge"
	"github.com/latticeos/lattice/pkg/search"
	"github.com/latticeos/lattice/pkg/syncq"
)

// DB is the top-level Lattice handle. Safe for concurrent use.
type DB struct {
	cfg *config.Config

	store  *knowledge.Store
	graphs graph.Engine

	queue  *syncq.Queue
	states *syncq.StateStore
	engine *syncq.Engine

	fulltext *search.FulltextIndex
	vectors  *search.VectorIndex
	indexes  *discovery.IndexMaintainer
	results  *cache.ResultCache

	discoverer *discovery.Engine
}

// Open wires and starts a Lattice instance from the given configuration.
//
// Open rebuilds the in-memory search indexes from the Knowledge Store and
// starts the sync worker pool; queued items that survived a restart begin
// draining immediately.
func Open(cfg *config.Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := knowledge.Open(cfg.Storage.KnowledgePath())
	if err != nil {
		return nil, fmt.Errorf("open knowledge store: %w", err)
	}

	var graphs graph.Engine
	if cfg.Storage.GraphInMemory {
		graphs, err = graph.NewBadgerEngineInMemory()
	} else {
		graphs, err = graph.NewBadgerEngineWithOptions(graph.BadgerOptions{
			DataDir:    cfg.Storage.GraphPath(),
			SyncWrites: cfg.Storage.SyncWrites,
		})
	}
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open graph store: %w", err)
	}

	db, err := assemble(cfg, store, graphs)
	if err != nil {
		graphs.Close()
		store.Close()
		return nil, err
	}
	return db, nil
}

// OpenInMemory wires a fully in-memory instance, used by tests and demos.
func OpenInMemory(cfg *config.Config) (*DB, error) {
	store, err := knowledge.OpenInMemory()
	if err != nil {
		return nil, err
	}
	graphs, err := graph.NewBadgerEngineInMemory()
	if err != nil {
		store.Close()
		return nil, err
	}
	db, err := assemble(cfg, store, graphs)
	if err != nil {
		graphs.Close()
		store.Close()
		return nil, err
	}
	return db, nil
}

func assemble(cfg *config.Config, store *knowledge.Store, graphs graph.Engine) (*DB, error) {
	queue, err := syncq.NewQueue(store.DB(), syncq.QueueOptions{
		LeaseDuration: cfg.Sync.Lease,
		MaxAttempts:   cfg.Sync.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("init sync queue: %w", err)
	}
	states, err := syncq.NewStateStore(store.DB())
	if err != nil {
		return nil, fmt.Errorf("init sync state: %w", err)
	}

	fulltext := search.NewFulltextIndex()
	vectors := search.NewVectorIndex(cfg.Discovery.VectorDimensions)
	indexes := discovery.NewIndexMaintainer(fulltext, vectors)

	var results *cache.ResultCache
	var invalidator syncq.Invalidator
	if cfg.Cache.Enabled {
		results = cache.NewResultCache(cfg.Cache.Size, cfg.Cache.TTL)
		invalidator = results
	}

	engine := syncq.NewEngine(store, graphs, queue, states, syncq.EngineOptions{
		Workers:      cfg.Sync.Workers,
		BatchSize:    cfg.Sync.BatchSize,
		PollInterval: cfg.Sync.PollInterval,
		Indexer:      indexes,
		Invalidator:  invalidator,
	})

	var personas map[string]discovery.PersonaProfile
	if cfg.Discovery.PersonaProfiles != "" {
		personas, err = discovery.LoadPersonaProfiles(cfg.Discovery.PersonaProfiles)
		if err != nil {
			return nil, fmt.Errorf("load persona profiles: %w", err)
		}
	}

	timeout := cfg.Discovery.AdapterTimeout
	graphAdapter := discovery.NewGraphAdapter(graphs, store, timeout)
	graphAdapter.MaxHops = cfg.Discovery.MaxHops

	discoverer := discovery.NewEngine([]discovery.Adapter{
		discovery.NewFulltextAdapter(fulltext, store, timeout),
		discovery.NewVectorAdapter(vectors, store, timeout),
		graphAdapter,
	}, store, discovery.EngineOptions{
		Personas: personas,
		Cache:    results,
		Deadline: cfg.Discovery.Deadline,
	})

	db := &DB{
		cfg:        cfg,
		store:      store,
		graphs:     graphs,
		queue:      queue,
		states:     states,
		engine:     engine,
		fulltext:   fulltext,
		vectors:    vectors,
		indexes:    indexes,
		results:    results,
		discoverer: discoverer,
	}

	// The search indexes are in-memory; rebuild before serving queries.
	if err := indexes.Rebuild(context.Background(), store); err != nil {
		return nil, fmt.Errorf("rebuild search indexes: %w", err)
	}

	engine.Start()
	log.Printf("[lattice] open: data=%s workers=%d", cfg.Storage.DataDir, cfg.Sync.Workers)
	return db, nil
}

// Close stops the sync workers (draining in-flight applies) and closes both
// stores. Pending queue items survive in SQLite and resume on the next Open.
func (db *DB) Close() error {
	db.engine.Stop()
	gerr := db.graphs.Close()
	serr := db.store.Close()
	if gerr != nil {
		return gerr
	}
	return serr
}

// Knowledge returns the relational Knowledge Store.
func (db *DB) Knowledge() *knowledge.Store { return db.store }

// Graph returns the Relationship Store engine.
func (db *DB) Graph() graph.Engine { return db.graphs }

// Enqueue schedules a sync propagation task for one entity. Fire-and-forget:
// the insert is a local SQLite write and returns as soon as the task is
// durably queued; the actual propagation happens on the worker pool.
func (db *DB) Enqueue(ctx context.Context, tenantID string, kind knowledge.EntityKind, entityID string, op syncq.Operation, priority int) error {
	if err := db.queue.Enqueue(ctx, tenantID, string(kind), entityID, op, priority); err != nil {
		return err
	}
	db.engine.Notify()
	return nil
}

// Discover runs one federated discovery request.
func (db *DB) Discover(ctx context.Context, req *discovery.Request) (*discovery.Response, error) {
	return db.discoverer.Discover(ctx, req)
}

// GetSyncState returns the consistency record for one entity: whether the two
// stores agree, and the checkpoint checksums from the last successful sync.
func (db *DB) GetSyncState(ctx context.Context, tenantID string, kind knowledge.EntityKind, entityID string) (*syncq.State, error) {
	return db.states.Get(ctx, tenantID, string(kind), entityID)
}

// ListConflicts returns entities whose sync is terminally failed, awaiting
// explicit resolution. Empty tenantID lists across tenants.
func (db *DB) ListConflicts(ctx context.Context, tenantID string) ([]*syncq.State, error) {
	return db.states.ListByStatus(ctx, tenantID, syncq.StatusFailed)
}

// ResolveConflict re-baselines a conflicted entity in the chosen direction.
func (db *DB) ResolveConflict(ctx context.Context, tenantID string, kind knowledge.EntityKind, entityID string, dir syncq.ResolveDirection) error {
	return db.engine.ResolveConflict(ctx, tenantID, kind, entityID, dir)
}

// DeadLetters lists queue items that exhausted their retry budget.
func (db *DB) DeadLetters(ctx context.Context, tenantID string) ([]*syncq.Item, error) {
	return db.queue.DeadLetters(ctx, tenantID)
}

// Redrive returns a dead-letter item to the queue with a fresh attempt budget.
func (db *DB) Redrive(ctx context.Context, itemID string) error {
	if err := db.queue.Redrive(ctx, itemID); err != nil {
		return err
	}
	db.engine.Notify()
	return nil
}

// Stats is a point-in-time operational snapshot.
type Stats struct {
	QueuePending int
	Conflicts    int
	GraphNodes   int64
	GraphEdges   int64
	IndexedDocs  int
	Vectors      int
	Cache        *cache.Stats
}

// Stats collects counters across the subsystems.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	pending, err := db.queue.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	conflicts, err := db.states.ListByStatus(ctx, "", syncq.StatusFailed)
	if err != nil {
		return nil, err
	}
	nodes, err := db.graphs.NodeCount()
	if err != nil {
		return nil, err
	}
	edges, err := db.graphs.EdgeCount()
	if err != nil {
		return nil, err
	}

	st := &Stats{
		QueuePending: pending,
		Conflicts:    len(conflicts),
		GraphNodes:   nodes,
		GraphEdges:   edges,
		IndexedDocs:  db.fulltext.Count(),
		Vectors:      db.vectors.Count(),
	}
	if db.results != nil {
		cs := db.results.Stats()
		st.Cache = &cs
	}
	return st, nil
}
