package knowledge

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Content checksums drive the sync engine's direction-selection rule: the
// relational checksum covers content fields only. GraphRefs, embeddings and
// timestamps are excluded so that graph-side propagation and background
// embedding generation never look like a content change.

// atomDigest is the canonical serialization of atom content.
// Field order is fixed; json.Marshal preserves struct order.
type atomDigest struct {
	Kind       string          `json:"kind"`
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant"`
	Type       string          `json:"type"`
	Text       *string         `json:"text,omitempty"`
	Number     *float64        `json:"number,omitempty"`
	Bool       *bool           `json:"bool,omitempty"`
	Date       *string         `json:"date,omitempty"`
	Struct     json.RawMessage `json:"struct,omitempty"`
	Confidence float64         `json:"confidence"`
	Source     string          `json:"source"`
}

// Checksum returns the canonical content checksum of the atom.
func (a *Atom) Checksum() string {
	d := atomDigest{
		Kind:       string(KindAtom),
		ID:         string(a.ID),
		TenantID:   a.TenantID,
		Type:       string(a.Type),
		Text:       a.TextValue,
		Number:     a.NumberValue,
		Bool:       a.BoolValue,
		Struct:     a.StructValue,
		Confidence: a.Confidence,
		Source:     a.Source,
	}
	if a.DateValue != nil {
		s := a.DateValue.UTC().Format(time.RFC3339Nano)
		d.Date = &s
	}
	return digest(d)
}

type moleculeDigest struct {
	Kind     string          `json:"kind"`
	ID       string          `json:"id"`
	TenantID string          `json:"tenant"`
	Type     string          `json:"type"`
	AtomRefs []string        `json:"atomRefs"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// Checksum returns the canonical content checksum of the molecule.
// The ordered reference list is content: rewriting it changes the checksum.
func (m *Molecule) Checksum() string {
	refs := make([]string, len(m.AtomRefs))
	for i, r := range m.AtomRefs {
		refs[i] = string(r)
	}
	return digest(moleculeDigest{
		Kind:     string(KindMolecule),
		ID:       string(m.ID),
		TenantID: m.TenantID,
		Type:     string(m.Type),
		AtomRefs: refs,
		Config:   m.Config,
	})
}

type documentDigest struct {
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	TenantID string `json:"tenant"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Source   string `json:"source"`
}

// Checksum returns the canonical content checksum of the document.
func (d *Document) Checksum() string {
	return digest(documentDigest{
		Kind:     string(KindDocument),
		ID:       string(d.ID),
		TenantID: d.TenantID,
		Title:    d.Title,
		Content:  d.Content,
		Source:   d.Source,
	})
}

// digest hashes the canonical JSON form with BLAKE2b-256.
func digest(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Canonical digests only contain marshalable fields; this is a
		// programming error, not a runtime condition.
		panic("knowledge: checksum marshal: " + err.Error())
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
