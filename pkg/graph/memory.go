package graph

import (
	"fmt"
	"sync"
	"time"
)

// MemoryEngine is a thread-safe in-memory graph storage implementation.
//
// Use Cases:
//   - Unit testing (no disk I/O, fast cleanup)
//   - Small datasets that fit entirely in RAM
//
// All operations use an RWMutex and return deep copies so callers can never
// mutate stored state behind the engine's back.
//
// Performance:
//   - Node/edge lookup by ID: O(1)
//   - Outgoing/incoming edges: O(degree)
type MemoryEngine struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Node
	edges map[EdgeID]*Edge

	// Adjacency indexes
	outgoingEdges map[NodeID]map[EdgeID]struct{}
	incomingEdges map[NodeID]map[EdgeID]struct{}

	closed bool
}

// NewMemoryEngine creates a new in-memory storage engine with empty indexes.
//
// Example:
//
//	engine := graph.NewMemoryEngine()
//	defer engine.Close()
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		nodes:         make(map[NodeID]*Node),
		edges:         make(map[EdgeID]*Edge),
		outgoingEdges: make(map[NodeID]map[EdgeID]struct{}),
		incomingEdges: make(map[NodeID]map[EdgeID]struct{}),
	}
}

// CreateNode adds a new node. Fails with ErrAlreadyExists if the ID is taken.
func (m *MemoryEngine) CreateNode(node *Node) error {
	if node == nil || node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.nodes[node.ID]; exists {
		return fmt.Errorf("node %s: %w", node.ID, ErrAlreadyExists)
	}

	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	node.UpdatedAt = node.CreatedAt
	m.nodes[node.ID] = m.copyNode(node)
	return nil
}

// GetNode returns a copy of the node with the given ID.
func (m *MemoryEngine) GetNode(id NodeID) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	node, exists := m.nodes[id]
	if !exists {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return m.copyNode(node), nil
}

// UpdateNode replaces an existing node's labels and properties.
func (m *MemoryEngine) UpdateNode(node *Node) error {
	if node == nil || node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	existing, exists := m.nodes[node.ID]
	if !exists {
		return fmt.Errorf("node %s: %w", node.ID, ErrNotFound)
	}

	node.CreatedAt = existing.CreatedAt
	node.UpdatedAt = time.Now()
	m.nodes[node.ID] = m.copyNode(node)
	return nil
}

// DeleteNode removes a node and every edge touching it.
func (m *MemoryEngine) DeleteNode(id NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.nodes[id]; !exists {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}

	// Cascade: connected edges go with the node.
	for edgeID := range m.outgoingEdges[id] {
		m.deleteEdgeUnlocked(edgeID)
	}
	for edgeID := range m.incomingEdges[id] {
		m.deleteEdgeUnlocked(edgeID)
	}

	delete(m.nodes, id)
	delete(m.outgoingEdges, id)
	delete(m.incomingEdges, id)
	return nil
}

// CreateEdge adds a new edge. Both endpoints must exist (graph referential
// integrity is checked at write time).
func (m *MemoryEngine) CreateEdge(edge *Edge) error {
	if edge == nil || edge.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.edges[edge.ID]; exists {
		return fmt.Errorf("edge %s: %w", edge.ID, ErrAlreadyExists)
	}
	if _, ok := m.nodes[edge.StartNode]; !ok {
		return fmt.Errorf("edge %s start %s: %w", edge.ID, edge.StartNode, ErrInvalidEdge)
	}
	if _, ok := m.nodes[edge.EndNode]; !ok {
		return fmt.Errorf("edge %s end %s: %w", edge.ID, edge.EndNode, ErrInvalidEdge)
	}

	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now()
	}
	edge.UpdatedAt = edge.CreatedAt
	m.edges[edge.ID] = m.copyEdge(edge)

	if m.outgoingEdges[edge.StartNode] == nil {
		m.outgoingEdges[edge.StartNode] = make(map[EdgeID]struct{})
	}
	m.outgoingEdges[edge.StartNode][edge.ID] = struct{}{}

	if m.incomingEdges[edge.EndNode] == nil {
		m.incomingEdges[edge.EndNode] = make(map[EdgeID]struct{})
	}
	m.incomingEdges[edge.EndNode][edge.ID] = struct{}{}
	return nil
}

// GetEdge returns a copy of the edge with the given ID.
func (m *MemoryEngine) GetEdge(id EdgeID) (*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	edge, exists := m.edges[id]
	if !exists {
		return nil, fmt.Errorf("edge %s: %w", id, ErrNotFound)
	}
	return m.copyEdge(edge), nil
}

// UpdateEdge replaces an existing edge's type, confidence and properties.
// Endpoints are immutable; delete and recreate to rewire.
func (m *MemoryEngine) UpdateEdge(edge *Edge) error {
	if edge == nil || edge.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	existing, exists := m.edges[edge.ID]
	if !exists {
		return fmt.Errorf("edge %s: %w", edge.ID, ErrNotFound)
	}

	edge.StartNode = existing.StartNode
	edge.EndNode = existing.EndNode
	edge.CreatedAt = existing.CreatedAt
	edge.UpdatedAt = time.Now()
	m.edges[edge.ID] = m.copyEdge(edge)
	return nil
}

// DeleteEdge removes an edge.
func (m *MemoryEngine) DeleteEdge(id EdgeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.edges[id]; !exists {
		return fmt.Errorf("edge %s: %w", id, ErrNotFound)
	}
	m.deleteEdgeUnlocked(id)
	return nil
}

// GetOutgoingEdges returns copies of all edges starting at nodeID.
func (m *MemoryEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	var edges []*Edge
	for edgeID := range m.outgoingEdges[nodeID] {
		if edge, ok := m.edges[edgeID]; ok {
			edges = append(edges, m.copyEdge(edge))
		}
	}
	return edges, nil
}

// GetIncomingEdges returns copies of all edges ending at nodeID.
func (m *MemoryEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	var edges []*Edge
	for edgeID := range m.incomingEdges[nodeID] {
		if edge, ok := m.edges[edgeID]; ok {
			edges = append(edges, m.copyEdge(edge))
		}
	}
	return edges, nil
}

// GetEdgesBetween returns all edges from startID to endID.
func (m *MemoryEngine) GetEdgesBetween(startID, endID NodeID) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	var edges []*Edge
	for edgeID := range m.outgoingEdges[startID] {
		if edge, ok := m.edges[edgeID]; ok && edge.EndNode == endID {
			edges = append(edges, m.copyEdge(edge))
		}
	}
	return edges, nil
}

// NodeCount returns the number of stored nodes.
func (m *MemoryEngine) NodeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.nodes)), nil
}

// EdgeCount returns the number of stored edges.
func (m *MemoryEngine) EdgeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.edges)), nil
}

// Close releases all stored data.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nodes = nil
	m.edges = nil
	m.outgoingEdges = nil
	m.incomingEdges = nil
	m.closed = true
	return nil
}

// deleteEdgeUnlocked removes an edge and its index entries. Caller holds mu.
func (m *MemoryEngine) deleteEdgeUnlocked(id EdgeID) {
	edge, exists := m.edges[id]
	if !exists {
		return
	}
	delete(m.edges, id)
	if out := m.outgoingEdges[edge.StartNode]; out != nil {
		delete(out, id)
	}
	if in := m.incomingEdges[edge.EndNode]; in != nil {
		delete(in, id)
	}
}

// copyNode returns a deep copy to prevent external mutation.
func (m *MemoryEngine) copyNode(n *Node) *Node {
	cp := &Node{
		ID:        n.ID,
		Labels:    append([]string(nil), n.Labels...),
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
	if n.Properties != nil {
		cp.Properties = make(map[string]any, len(n.Properties))
		for k, v := range n.Properties {
			cp.Properties[k] = v
		}
	}
	return cp
}

// copyEdge returns a deep copy to prevent external mutation.
func (m *MemoryEngine) copyEdge(e *Edge) *Edge {
	cp := &Edge{
		ID:         e.ID,
		StartNode:  e.StartNode,
		EndNode:    e.EndNode,
		Type:       e.Type,
		Confidence: e.Confidence,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
	if e.Properties != nil {
		cp.Properties = make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			cp.Properties[k] = v
		}
	}
	return cp
}
