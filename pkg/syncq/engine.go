package syncq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/latticeos/lattice/pkg/graph"
	"github.com/latticeos/lattice/pkg/knowledge"
)

// Indexer receives entity changes so the discovery indexes stay warm.
// Implemented by the discovery layer; nil disables index maintenance.
type Indexer interface {
	IndexEntity(view *knowledge.EntityView)
	RemoveEntity(id string)
}

// Invalidator drops cached discovery results after a sync apply.
// Implemented by the result cache; nil disables invalidation.
type Invalidator interface {
	InvalidateTenant(tenantID string)
}

// Engine drains the sync queue and propagates changes between the Knowledge
// Store and the Relationship Store.
//
// Each apply is one deterministic direction decision based on content
// checksums, wrapped so that a crash mid-apply leaves both stores in a
// consistent pre- or post-state. Applies are never canceled mid-flight;
// shutdown waits for in-progress items.
type Engine struct {
	store  *knowledge.Store
	graphs graph.Engine
	queue  *Queue
	states *StateStore

	indexer     Indexer
	invalidator Invalidator

	workers      int
	batchSize    int
	pollInterval time.Duration

	trigger chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// EngineOptions tunes the worker pool. Zero values take defaults.
type EngineOptions struct {
	Workers      int           // default 2
	BatchSize    int           // items per dequeue, default 16
	PollInterval time.Duration // fallback poll when idle, default 5s

	Indexer     Indexer
	Invalidator Invalidator
}

// NewEngine wires a sync engine over the given stores and queue.
func NewEngine(store *knowledge.Store, graphs graph.Engine, queue *Queue, states *StateStore, opts EngineOptions) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	return &Engine{
		store:        store,
		graphs:       graphs,
		queue:        queue,
		states:       states,
		indexer:      opts.Indexer,
		invalidator:  opts.Invalidator,
		workers:      opts.Workers,
		batchSize:    opts.BatchSize,
		pollInterval: opts.PollInterval,
		trigger:      make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
}

// Start launches the worker pool. Safe to call once.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.workerLoop(fmt.Sprintf("worker-%d", i))
	}
	log.Printf("[syncq] started %d workers", e.workers)
}

// Stop drains in-flight applies and stops the workers.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	close(e.stop)
	e.wg.Wait()
	log.Printf("[syncq] stopped")
}

// Notify nudges the workers that new work is available. Non-blocking; used
// by the enqueue path so syncs start promptly instead of on the next poll.
func (e *Engine) Notify() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) workerLoop(owner string) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-e.trigger:
		case <-ticker.C:
		}

		for {
			select {
			case <-e.stop:
				return
			default:
			}
			n := e.drainBatch(owner)
			if n == 0 {
				break
			}
		}
	}
}

// drainBatch processes one dequeue batch and returns how many items it saw.
func (e *Engine) drainBatch(owner string) int {
	// Applies run under a background context: a shutdown or caller cancel
	// must never interrupt an apply mid-transaction.
	ctx := context.Background()

	items, err := e.queue.Dequeue(ctx, owner, e.batchSize)
	if err != nil {
		log.Printf("[syncq] %s: dequeue failed: %v", owner, err)
		return 0
	}

	for _, item := range items {
		e.processItem(ctx, owner, item)
	}
	return len(items)
}

func (e *Engine) processItem(ctx context.Context, owner string, item *Item) {
	err := e.Apply(ctx, item)
	switch {
	case err == nil:
		if ackErr := e.queue.Ack(ctx, item.ID, owner); ackErr != nil {
			log.Printf("[syncq] %s: ack %s: %v", owner, item.ID, ackErr)
		}
	case isTerminal(err):
		// Terminal outcomes (conflict, validation) are recorded in sync
		// state; the queue item itself is done and must not block others.
		log.Printf("[syncq] %s: %s/%s terminal: %v", owner, item.EntityKind, item.EntityID, err)
		if ackErr := e.queue.Ack(ctx, item.ID, owner); ackErr != nil {
			log.Printf("[syncq] %s: ack %s: %v", owner, item.ID, ackErr)
		}
	default:
		log.Printf("[syncq] %s: %s/%s transient (attempt %d): %v",
			owner, item.EntityKind, item.EntityID, item.Attempts+1, err)
		if retryErr := e.queue.Retry(ctx, item.ID, owner, err); retryErr != nil {
			log.Printf("[syncq] %s: retry %s: %v", owner, item.ID, retryErr)
		}
		if stErr := e.states.MarkRetrying(ctx, item.TenantID, item.EntityKind, item.EntityID, err.Error()); stErr != nil {
			log.Printf("[syncq] %s: state %s: %v", owner, item.ID, stErr)
		}
	}
}

// Apply runs the direction-selection algorithm for one queued item:
//
//  1. load the relational row and compute its content checksum
//  2. load the graph node (if present) and compute its structure checksum
//  3. both match the recorded checkpoint: idempotent redelivery, done
//  4. relational changed only: propagate relational -> graph
//  5. graph changed only: mirror neighbor refs into graph_refs, nothing else
//  6. both changed: conflict, recorded, terminal
//  7. success re-baselines both checksums and marks the entity synced
func (e *Engine) Apply(ctx context.Context, item *Item) error {
	if !knowledge.ValidEntityKind(knowledge.EntityKind(item.EntityKind)) {
		detail := fmt.Sprintf("unknown entity kind %q", item.EntityKind)
		if err := e.states.MarkFailed(ctx, item.TenantID, item.EntityKind, item.EntityID, detail); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrValidation, detail)
	}
	kind := knowledge.EntityKind(item.EntityKind)

	if err := e.states.MarkSyncing(ctx, item.TenantID, item.EntityKind, item.EntityID); err != nil {
		return err
	}

	// Step 1: relational side.
	view, err := e.store.GetEntity(ctx, kind, item.EntityID)
	if err != nil && !errors.Is(err, knowledge.ErrNotFound) {
		return fmt.Errorf("load relational row: %w", err)
	}
	relSum := ""
	if view != nil && !view.Deleted {
		relSum = view.Checksum
	}

	// Step 2: graph side.
	nodeID := graph.NodeID(item.EntityID)
	node, err := e.graphs.GetNode(nodeID)
	if err != nil && !errors.Is(err, graph.ErrNotFound) {
		return fmt.Errorf("load graph node: %w", err)
	}
	var edges []*graph.Edge
	if node != nil {
		if edges, err = graph.IncidentEdges(e.graphs, nodeID); err != nil {
			return fmt.Errorf("load graph edges: %w", err)
		}
	}
	graphSum := graph.NodeChecksum(node, edges)

	st, err := e.states.GetOrZero(ctx, item.TenantID, item.EntityKind, item.EntityID)
	if err != nil {
		return err
	}

	relChanged := relSum != st.RelationalChecksum
	graphChanged := graphSum != st.GraphChecksum
	everSynced := !st.LastSyncedAt.IsZero()

	// Deleted (or never-existed) entities tear down their mirror. A deletion
	// is still a relational-side change: when the graph side also moved since
	// the checkpoint, cascading the delete would destroy collaborator edges,
	// so it conflicts like any other both-sides write.
	if relSum == "" {
		if relChanged && graphChanged && everSynced {
			detail := fmt.Sprintf("deleted relationally while graph %.8s.. diverged from checkpoint %.8s..",
				graphSum, st.GraphChecksum)
			if err := e.states.MarkFailed(ctx, item.TenantID, item.EntityKind, item.EntityID, detail); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s/%s", ErrConflict, item.EntityKind, item.EntityID)
		}
		return e.applyDelete(ctx, item, node)
	}

	switch {
	case !relChanged && !graphChanged:
		// Step 3: idempotent redelivery.
		return e.states.MarkSynced(ctx, item.TenantID, item.EntityKind, item.EntityID, relSum, graphSum)

	case relChanged && graphChanged && everSynced:
		// Step 6: both sides moved since the checkpoint. Terminal.
		detail := fmt.Sprintf("relational %.8s.. and graph %.8s.. both diverged from checkpoint (%.8s.., %.8s..)",
			relSum, graphSum, st.RelationalChecksum, st.GraphChecksum)
		if err := e.states.MarkFailed(ctx, item.TenantID, item.EntityKind, item.EntityID, detail); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s/%s", ErrConflict, item.EntityKind, item.EntityID)

	case graphChanged && !relChanged:
		// Step 5: structure moved; mirror refs only, never content.
		newGraphSum, err := e.mirrorGraphRefs(ctx, kind, item.EntityID)
		if err != nil {
			return err
		}
		if err := e.states.MarkSynced(ctx, item.TenantID, item.EntityKind, item.EntityID, relSum, newGraphSum); err != nil {
			return err
		}
		e.finish(item.TenantID)
		return nil

	default:
		// Step 4 (and first-time syncs): content wins, relational -> graph.
		newGraphSum, err := e.propagateToGraph(ctx, view, node)
		if err != nil {
			return err
		}
		if err := e.states.MarkSynced(ctx, item.TenantID, item.EntityKind, item.EntityID, relSum, newGraphSum); err != nil {
			return err
		}
		e.finish(item.TenantID)
		return nil
	}
}

// applyDelete removes the entity's graph mirror and search presence.
func (e *Engine) applyDelete(ctx context.Context, item *Item, node *graph.Node) error {
	if node != nil {
		if err := e.graphs.DeleteNode(node.ID); err != nil && !errors.Is(err, graph.ErrNotFound) {
			return fmt.Errorf("delete graph node: %w", err)
		}
	}
	if e.indexer != nil {
		e.indexer.RemoveEntity(item.EntityID)
	}
	if err := e.states.MarkSynced(ctx, item.TenantID, item.EntityKind, item.EntityID, "", ""); err != nil {
		return err
	}
	e.finish(item.TenantID)
	return nil
}

// propagateToGraph upserts the entity's mirror node and, for molecules,
// materializes the ordered composition as COMPOSED_OF edges. Returns the
// graph checksum as re-read after the write, so the recorded checkpoint
// always reflects what the store actually holds.
func (e *Engine) propagateToGraph(ctx context.Context, view *knowledge.EntityView, existing *graph.Node) (string, error) {
	nodeID := graph.NodeID(view.ID)

	props := make(map[string]any, len(view.Properties)+1)
	if existing != nil {
		// Collaborator-attached properties survive; mirror keys win.
		for k, v := range existing.Properties {
			props[k] = v
		}
	}
	for k, v := range view.Properties {
		props[k] = v
	}

	node := &graph.Node{
		ID:         nodeID,
		Labels:     []string{labelFor(view.Kind)},
		Properties: props,
	}
	if existing == nil {
		if err := e.graphs.CreateNode(node); err != nil {
			return "", fmt.Errorf("create mirror node: %w", err)
		}
	} else {
		if err := e.graphs.UpdateNode(node); err != nil {
			return "", fmt.Errorf("update mirror node: %w", err)
		}
	}

	if view.Kind == knowledge.KindMolecule {
		if err := e.materializeComposition(view); err != nil {
			return "", err
		}
	}

	if e.indexer != nil {
		e.indexer.IndexEntity(view)
	}

	// Re-read for the checkpoint checksum.
	fresh, err := e.graphs.GetNode(nodeID)
	if err != nil {
		return "", fmt.Errorf("reload mirror node: %w", err)
	}
	edges, err := graph.IncidentEdges(e.graphs, nodeID)
	if err != nil {
		return "", fmt.Errorf("reload mirror edges: %w", err)
	}
	return graph.NodeChecksum(fresh, edges), nil
}

// materializeComposition rebuilds the molecule's COMPOSED_OF edges from its
// ordered atom reference list. Edge IDs are deterministic per (molecule,
// position) so a re-apply produces byte-identical structure, and a missing
// atom node is transient: the atom's own sync will create it, then this
// item retries.
func (e *Engine) materializeComposition(view *knowledge.EntityView) error {
	molID := graph.NodeID(view.ID)

	out, err := e.graphs.GetOutgoingEdges(molID)
	if err != nil {
		return fmt.Errorf("load composition edges: %w", err)
	}
	for _, edge := range out {
		if edge.Type != graph.EdgeComposedOf {
			continue
		}
		if err := e.graphs.DeleteEdge(edge.ID); err != nil && !errors.Is(err, graph.ErrNotFound) {
			return fmt.Errorf("clear composition edge: %w", err)
		}
	}

	for pos, atomID := range view.AtomRefs {
		edge := &graph.Edge{
			ID:         graph.EdgeID(fmt.Sprintf("cmp-%s-%d", view.ID, pos)),
			StartNode:  molID,
			EndNode:    graph.NodeID(atomID),
			Type:       graph.EdgeComposedOf,
			Properties: map[string]any{"position": pos},
			Confidence: 1.0,
		}
		if err := e.graphs.CreateEdge(edge); err != nil {
			return fmt.Errorf("materialize composition edge %s: %w", edge.ID, err)
		}
	}
	return nil
}

// mirrorGraphRefs is the single graph -> relational write path: the sorted
// neighbor ID set lands in the entity's denormalized graph_refs column.
// Content fields are never touched from this direction.
func (e *Engine) mirrorGraphRefs(ctx context.Context, kind knowledge.EntityKind, entityID string) (string, error) {
	nodeID := graph.NodeID(entityID)
	edges, err := graph.IncidentEdges(e.graphs, nodeID)
	if err != nil {
		return "", fmt.Errorf("load neighbor edges: %w", err)
	}

	seen := make(map[string]struct{}, len(edges))
	var refs []string
	for _, edge := range edges {
		neighbor := edge.EndNode
		if neighbor == nodeID {
			neighbor = edge.StartNode
		}
		if neighbor == nodeID {
			continue // self-loop
		}
		if _, ok := seen[string(neighbor)]; ok {
			continue
		}
		seen[string(neighbor)] = struct{}{}
		refs = append(refs, string(neighbor))
	}
	sort.Strings(refs)

	if err := e.store.SetGraphRefs(ctx, kind, entityID, refs); err != nil {
		return "", fmt.Errorf("write graph_refs: %w", err)
	}

	node, err := e.graphs.GetNode(nodeID)
	if err != nil && !errors.Is(err, graph.ErrNotFound) {
		return "", err
	}
	return graph.NodeChecksum(node, edges), nil
}

// ResolveConflict re-baselines a failed entity in the chosen direction.
// This is the explicit, operator-driven counterpart of the automatic
// direction rule: nothing resolves a conflict implicitly.
func (e *Engine) ResolveConflict(ctx context.Context, tenantID string, kind knowledge.EntityKind, entityID string, dir ResolveDirection) error {
	st, err := e.states.Get(ctx, tenantID, string(kind), entityID)
	if err != nil {
		return err
	}
	if st.Status != StatusFailed {
		return fmt.Errorf("%s/%s: %w", kind, entityID, ErrNotInConflict)
	}

	view, err := e.store.GetEntity(ctx, kind, entityID)
	if err != nil && !errors.Is(err, knowledge.ErrNotFound) {
		return err
	}

	switch dir {
	case ResolveKeepRelational:
		node, err := e.graphs.GetNode(graph.NodeID(entityID))
		if err != nil && !errors.Is(err, graph.ErrNotFound) {
			return err
		}
		if view == nil || view.Deleted {
			return e.applyDelete(ctx, &Item{TenantID: tenantID, EntityKind: string(kind), EntityID: entityID}, node)
		}
		graphSum, err := e.propagateToGraph(ctx, view, node)
		if err != nil {
			return err
		}
		if err := e.states.MarkSynced(ctx, tenantID, string(kind), entityID, view.Checksum, graphSum); err != nil {
			return err
		}

	case ResolveKeepGraph:
		graphSum, err := e.mirrorGraphRefs(ctx, kind, entityID)
		if err != nil {
			return err
		}
		relSum := ""
		if view != nil && !view.Deleted {
			relSum = view.Checksum
		}
		if err := e.states.MarkSynced(ctx, tenantID, string(kind), entityID, relSum, graphSum); err != nil {
			return err
		}

	default:
		return fmt.Errorf("%q: %w", dir, ErrUnknownDirection)
	}

	e.finish(tenantID)
	return nil
}

// finish runs post-apply side effects shared by all success paths.
func (e *Engine) finish(tenantID string) {
	if e.invalidator != nil {
		e.invalidator.InvalidateTenant(tenantID)
	}
}

// isTerminal separates the error taxonomy: conflicts and validation errors
// are terminal for the item; everything else is transient and retried.
func isTerminal(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, knowledge.ErrInvalidEntity) ||
		errors.Is(err, knowledge.ErrValueMismatch) ||
		errors.Is(err, knowledge.ErrCrossTenantRef) ||
		errors.Is(err, knowledge.ErrUnknownAtomType) ||
		errors.Is(err, knowledge.ErrUnknownValueKind)
}

func labelFor(kind knowledge.EntityKind) string {
	switch kind {
	case knowledge.KindAtom:
		return "Atom"
	case knowledge.KindMolecule:
		return "Molecule"
	case knowledge.KindDocument:
		return "Document"
	}
	return "Entity"
}
