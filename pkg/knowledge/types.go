// Package knowledge provides the relational Knowledge Store for Lattice.
//
// The Knowledge Store is the source of truth for entity content: atoms
// (smallest versioned knowledge units), molecules (ordered compositions of
// atoms), and documents. It is backed by SQLite with strong per-transaction
// consistency. Relationship structure lives in the graph store (pkg/graph);
// the only graph-derived data held here is the denormalized graph_refs
// array, which is written exclusively by the sync engine.
//
// Design Principles:
//   - Append-only versioning: updates create a new version, never mutate in place
//   - Soft deletes: deleted_at timestamp, rows are never removed while referenced
//   - Exactly one value field populated per atom, matching its type tag
//   - Tenant isolation enforced at write time
//
// Example Usage:
//
//	store, err := knowledge.Open("./data/lattice.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	atom := &knowledge.Atom{
//		ID:         knowledge.NewAtomID(),
//		TenantID:   "acme",
//		Type:       knowledge.AtomText,
//		TextValue:  knowledge.StrPtr("Quebec"),
//		Confidence: 0.92,
//		Source:     "manual",
//	}
//	if err := store.CreateAtom(ctx, atom); err != nil {
//		log.Fatal(err)
//	}
package knowledge

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrValueMismatch    = errors.New("atom value does not match type tag")
	ErrCrossTenantRef   = errors.New("referenced entity belongs to a different tenant")
	ErrMissingRef       = errors.New("referenced atom does not exist")
	ErrStillReferenced  = errors.New("entity is still referenced")
	ErrStoreClosed      = errors.New("store closed")
	ErrInvalidEntity    = errors.New("invalid entity")
	ErrDeleted          = errors.New("entity is soft-deleted")
	ErrStaleVersion     = errors.New("stale version: entity was updated concurrently")
	ErrUnknownAtomType  = errors.New("unknown atom type")
	ErrUnknownValueKind = errors.New("unknown entity kind")
)

// AtomID is a strongly-typed unique identifier for atoms.
type AtomID string

// MoleculeID is a strongly-typed unique identifier for molecules.
type MoleculeID string

// DocumentID is a strongly-typed unique identifier for documents.
type DocumentID string

// NewAtomID returns a fresh random atom identifier.
func NewAtomID() AtomID { return AtomID("atom-" + uuid.NewString()) }

// NewMoleculeID returns a fresh random molecule identifier.
func NewMoleculeID() MoleculeID { return MoleculeID("mol-" + uuid.NewString()) }

// NewDocumentID returns a fresh random document identifier.
func NewDocumentID() DocumentID { return DocumentID("doc-" + uuid.NewString()) }

// AtomType is the closed set of atom value types.
type AtomType string

const (
	AtomText       AtomType = "text"
	AtomNumber     AtomType = "number"
	AtomBoolean    AtomType = "boolean"
	AtomDate       AtomType = "date"
	AtomStructured AtomType = "structured"
)

// ValidAtomType reports whether t is a member of the closed atom type set.
func ValidAtomType(t AtomType) bool {
	switch t {
	case AtomText, AtomNumber, AtomBoolean, AtomDate, AtomStructured:
		return true
	}
	return false
}

// MoleculeType is the closed set of molecule composition types.
type MoleculeType string

const (
	MoleculeCondition  MoleculeType = "condition"
	MoleculeConstraint MoleculeType = "constraint"
	MoleculeException  MoleculeType = "exception"
	MoleculeRequires   MoleculeType = "requires"
)

// ValidMoleculeType reports whether t is a member of the closed molecule type set.
func ValidMoleculeType(t MoleculeType) bool {
	switch t {
	case MoleculeCondition, MoleculeConstraint, MoleculeException, MoleculeRequires:
		return true
	}
	return false
}

// Atom is the smallest versioned knowledge unit.
//
// Exactly one value field must be populated, matching the Type tag.
// Updates never mutate a synced value in place: UpdateAtom writes a new
// version row and bumps Version. Soft deletion sets DeletedAt; a referenced
// atom can never be hard-deleted.
//
// GraphRefs is a denormalized mirror of the entity's graph neighborhood,
// owned by the graph side of the sync engine. Content checksums deliberately
// exclude it.
type Atom struct {
	ID       AtomID   `json:"id"`
	TenantID string   `json:"tenantId"`
	Type     AtomType `json:"type"`

	// Exactly one of the following, matching Type.
	TextValue   *string         `json:"textValue,omitempty"`
	NumberValue *float64        `json:"numberValue,omitempty"`
	BoolValue   *bool           `json:"boolValue,omitempty"`
	DateValue   *time.Time      `json:"dateValue,omitempty"`
	StructValue json.RawMessage `json:"structValue,omitempty"`

	Confidence float64 `json:"confidence"`
	Source     string  `json:"source,omitempty"`
	Version    int64   `json:"version"`

	// Embedding is populated by an external collaborator; nil means the
	// vector backend simply has no signal for this atom.
	Embedding []float32 `json:"-"`

	// GraphRefs holds neighbor entity IDs mirrored from the graph store.
	GraphRefs []string `json:"graphRefs,omitempty"`

	CreatedAt time.Time  `json:"-"`
	UpdatedAt time.Time  `json:"-"`
	DeletedAt *time.Time `json:"-"`
}

// Validate checks the exactly-one-value invariant against the type tag.
func (a *Atom) Validate() error {
	if a.ID == "" || a.TenantID == "" {
		return ErrInvalidEntity
	}
	if !ValidAtomType(a.Type) {
		return ErrUnknownAtomType
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return ErrInvalidEntity
	}

	populated := 0
	if a.TextValue != nil {
		populated++
	}
	if a.NumberValue != nil {
		populated++
	}
	if a.BoolValue != nil {
		populated++
	}
	if a.DateValue != nil {
		populated++
	}
	if len(a.StructValue) > 0 {
		populated++
	}
	if populated != 1 {
		return ErrValueMismatch
	}

	switch a.Type {
	case AtomText:
		if a.TextValue == nil {
			return ErrValueMismatch
		}
	case AtomNumber:
		if a.NumberValue == nil {
			return ErrValueMismatch
		}
	case AtomBoolean:
		if a.BoolValue == nil {
			return ErrValueMismatch
		}
	case AtomDate:
		if a.DateValue == nil {
			return ErrValueMismatch
		}
	case AtomStructured:
		if len(a.StructValue) == 0 {
			return ErrValueMismatch
		}
	}
	return nil
}

// Value returns the populated value as an untyped interface.
func (a *Atom) Value() any {
	switch a.Type {
	case AtomText:
		if a.TextValue != nil {
			return *a.TextValue
		}
	case AtomNumber:
		if a.NumberValue != nil {
			return *a.NumberValue
		}
	case AtomBoolean:
		if a.BoolValue != nil {
			return *a.BoolValue
		}
	case AtomDate:
		if a.DateValue != nil {
			return *a.DateValue
		}
	case AtomStructured:
		if len(a.StructValue) > 0 {
			return a.StructValue
		}
	}
	return nil
}

// Molecule is an ordered composition of atom references.
//
// AtomRefs keeps insertion order; every referenced atom must exist and
// belong to the same tenant (checked at write time). Config is a
// type-specific blob the store treats as opaque.
type Molecule struct {
	ID       MoleculeID   `json:"id"`
	TenantID string       `json:"tenantId"`
	Type     MoleculeType `json:"type"`

	AtomRefs []AtomID        `json:"atomRefs"`
	Config   json.RawMessage `json:"config,omitempty"`

	Version   int64      `json:"version"`
	Embedding []float32  `json:"-"`
	GraphRefs []string   `json:"graphRefs,omitempty"`
	CreatedAt time.Time  `json:"-"`
	UpdatedAt time.Time  `json:"-"`
	DeletedAt *time.Time `json:"-"`
}

// Validate checks molecule shape (reference existence is checked by the store).
func (m *Molecule) Validate() error {
	if m.ID == "" || m.TenantID == "" {
		return ErrInvalidEntity
	}
	if !ValidMoleculeType(m.Type) {
		return ErrInvalidEntity
	}
	if len(m.AtomRefs) == 0 {
		return ErrInvalidEntity
	}
	return nil
}

// Document is a source document atoms and molecules can attach to.
type Document struct {
	ID       DocumentID `json:"id"`
	TenantID string     `json:"tenantId"`

	Title   string `json:"title"`
	Content string `json:"content,omitempty"`
	Source  string `json:"source,omitempty"`

	Version   int64      `json:"version"`
	Embedding []float32  `json:"-"`
	GraphRefs []string   `json:"graphRefs,omitempty"`
	CreatedAt time.Time  `json:"-"`
	UpdatedAt time.Time  `json:"-"`
	DeletedAt *time.Time `json:"-"`
}

// Validate checks document shape.
func (d *Document) Validate() error {
	if d.ID == "" || d.TenantID == "" || d.Title == "" {
		return ErrInvalidEntity
	}
	return nil
}

// EntityKind identifies which table an entity row lives in.
type EntityKind string

const (
	KindAtom     EntityKind = "atom"
	KindMolecule EntityKind = "molecule"
	KindDocument EntityKind = "document"
)

// ValidEntityKind reports whether k names a known entity kind.
func ValidEntityKind(k EntityKind) bool {
	switch k {
	case KindAtom, KindMolecule, KindDocument:
		return true
	}
	return false
}

// EntityView is a kind-agnostic projection of one stored entity, used by the
// sync engine and the discovery adapters. It carries everything needed to
// mirror the entity into the graph store or filter a search candidate
// without knowing the concrete row type.
type EntityView struct {
	ID       string
	TenantID string
	Kind     EntityKind

	// Checksum is the canonical content checksum (see checksum.go).
	Checksum string
	// SearchText is the text the full-text backend indexes. Empty for
	// entities with no textual content.
	SearchText string
	Embedding  []float32

	// AtomRefs is populated for molecules only: the ordered reference list
	// the sync engine materializes as COMPOSED_OF edges.
	AtomRefs []string

	// Properties is the content mirror written to the graph node.
	Properties map[string]any

	Confidence float64
	Version    int64
	Deleted    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// StrPtr is a convenience for building text atoms.
func StrPtr(s string) *string { return &s }

// NumPtr is a convenience for building number atoms.
func NumPtr(f float64) *float64 { return &f }

// BoolPtr is a convenience for building boolean atoms.
func BoolPtr(b bool) *bool { return &b }

// TimePtr is a convenience for building date atoms.
func TimePtr(t time.Time) *time.Time { return &t }
