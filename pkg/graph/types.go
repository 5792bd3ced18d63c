// Package graph provides the Relationship Store for Lattice.
//
// The graph store is the source of truth for relationship structure: nodes
// mirror entities owned by the Knowledge Store (pkg/knowledge), edges carry
// the typed, directed relationships between them. Content fields on mirror
// nodes are written only by the sync engine; edges are written by external
// collaborators and by the sync engine when it materializes molecule
// composition.
//
// Two Engine implementations are provided:
//   - MemoryEngine: in-memory, for tests and small datasets
//   - BadgerEngine: persistent disk storage with ACID transactions
//
// Example Usage:
//
//	engine := graph.NewMemoryEngine()
//	defer engine.Close()
//
//	node := &graph.Node{
//		ID:     graph.NodeID("atom-1"),
//		Labels: []string{"Atom"},
//		Properties: map[string]any{
//			"tenantId": "acme",
//			"value":    "Quebec",
//		},
//	}
//	engine.CreateNode(node)
//
//	edge := &graph.Edge{
//		ID:         graph.NewEdgeID(),
//		StartNode:  "mol-1",
//		EndNode:    "atom-1",
//		Type:       graph.EdgeComposedOf,
//		Confidence: 1.0,
//	}
//	engine.CreateEdge(edge)
package graph

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidEdge   = errors.New("invalid edge: start or end node not found")
	ErrStorageClosed = errors.New("storage closed")
)

// NodeID is a strongly-typed unique identifier for graph nodes. Mirror nodes
// reuse the entity's knowledge-store identifier so the two stores can be
// joined by ID alone.
type NodeID string

// EdgeID is a strongly-typed unique identifier for graph edges.
type EdgeID string

// NewEdgeID returns a fresh random edge identifier.
func NewEdgeID() EdgeID { return EdgeID("edge-" + uuid.NewString()) }

// Well-known edge types. The set is open: collaborators may create edges of
// any type, these are the ones the core itself reads or writes.
const (
	EdgeComposedOf = "COMPOSED_OF" // molecule -> constituent atom, ordered via "position"
	EdgeRelatesTo  = "RELATES_TO"
	EdgeDerivedOf  = "DERIVED_FROM" // entity -> source document
)

// Node is a graph vertex mirroring one Knowledge Store entity.
//
// Labels carry the entity kind ("Atom", "Molecule", "Document"); Properties
// carry the content mirror the sync engine maintains plus anything
// collaborators attach. Mirror content properties must only be written by
// the sync engine.
type Node struct {
	ID         NodeID         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// Edge is a typed, directed relationship between two nodes.
//
// Properties hold the relationship payload (role, span, strength,
// enforcement level); Confidence is kept as a first-class field because the
// traversal backend uses it for path scoring.
type Edge struct {
	ID         EdgeID         `json:"id"`
	StartNode  NodeID         `json:"startNode"`
	EndNode    NodeID         `json:"endNode"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`

	Confidence float64   `json:"-"`
	CreatedAt  time.Time `json:"-"`
	UpdatedAt  time.Time `json:"-"`
}

// Engine defines the graph storage contract.
//
// All implementations MUST be thread-safe and check graph referential
// integrity at edge-creation time: CreateEdge fails with ErrInvalidEdge when
// either endpoint is missing. Integrity is checked at write, not enforced
// continuously.
type Engine interface {
	// Node operations
	CreateNode(node *Node) error
	GetNode(id NodeID) (*Node, error)
	UpdateNode(node *Node) error
	DeleteNode(id NodeID) error

	// Edge operations
	CreateEdge(edge *Edge) error
	GetEdge(id EdgeID) (*Edge, error)
	UpdateEdge(edge *Edge) error
	DeleteEdge(id EdgeID) error

	// Traversal primitives
	GetOutgoingEdges(nodeID NodeID) ([]*Edge, error)
	GetIncomingEdges(nodeID NodeID) ([]*Edge, error)
	GetEdgesBetween(startID, endID NodeID) ([]*Edge, error)

	// Stats
	NodeCount() (int64, error)
	EdgeCount() (int64, error)

	// Lifecycle
	Close() error
}

// nodeDigest is the canonical serialization hashed into the graph-side
// checksum. Edges are part of it: adding or removing an edge changes the
// node's graph checksum, which is what lets the sync engine detect
// graph-side changes without diffing edge sets.
type nodeDigest struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
	Edges      []edgeDigest   `json:"edges"`
}

type edgeDigest struct {
	ID         string  `json:"id"`
	Start      string  `json:"start"`
	End        string  `json:"end"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// NodeChecksum computes the canonical checksum of a node and its incident
// edge set (both directions). Edge order does not matter: edges are sorted
// by ID before hashing. A nil node hashes to the empty string, which is the
// "no graph presence" marker the sync engine compares against.
func NodeChecksum(node *Node, edges []*Edge) string {
	if node == nil {
		return ""
	}

	labels := append([]string(nil), node.Labels...)
	sort.Strings(labels)

	ds := make([]edgeDigest, 0, len(edges))
	for _, e := range edges {
		ds = append(ds, edgeDigest{
			ID:         string(e.ID),
			Start:      string(e.StartNode),
			End:        string(e.EndNode),
			Type:       e.Type,
			Confidence: e.Confidence,
		})
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].ID < ds[j].ID })

	data, err := json.Marshal(nodeDigest{
		ID:         string(node.ID),
		Labels:     labels,
		Properties: node.Properties,
		Edges:      ds,
	})
	if err != nil {
		panic("graph: node checksum marshal: " + err.Error())
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IncidentEdges collects both edge directions for a node, the edge set
// NodeChecksum expects.
func IncidentEdges(engine Engine, id NodeID) ([]*Edge, error) {
	out, err := engine.GetOutgoingEdges(id)
	if err != nil {
		return nil, err
	}
	in, err := engine.GetIncomingEdges(id)
	if err != nil {
		return nil, err
	}
	seen := make(map[EdgeID]struct{}, len(out)+len(in))
	edges := make([]*Edge, 0, len(out)+len(in))
	for _, e := range append(out, in...) {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		edges = append(edges, e)
	}
	return edges, nil
}
