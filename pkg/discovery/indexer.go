package discovery

import (
	"context"
	"log"

	"github.com/latticeos/lattice/pkg/knowledge"
	"github.com/latticeos/lattice/pkg/search"
)

// IndexMaintainer keeps the full-text and vector indexes warm as the sync
// engine applies entity changes. It satisfies the sync engine's Indexer
// contract.
type IndexMaintainer struct {
	fulltext *search.FulltextIndex
	vectors  *search.VectorIndex
}

// NewIndexMaintainer wires index maintenance over the two indexes.
func NewIndexMaintainer(fulltext *search.FulltextIndex, vectors *search.VectorIndex) *IndexMaintainer {
	return &IndexMaintainer{fulltext: fulltext, vectors: vectors}
}

// IndexEntity adds or refreshes one entity in both indexes.
func (m *IndexMaintainer) IndexEntity(view *knowledge.EntityView) {
	fields := searchFields(view)
	if len(fields) > 0 {
		m.fulltext.Index(view.ID, fields)
	} else {
		m.fulltext.Remove(view.ID)
	}

	if len(view.Embedding) == m.vectors.Dimensions() {
		if err := m.vectors.Add(view.ID, view.Embedding); err != nil {
			log.Printf("[discovery] vector index %s: %v", view.ID, err)
		}
	} else {
		// No embedding, or the wrong model's embedding: no vector signal.
		m.vectors.Remove(view.ID)
	}
}

// RemoveEntity drops one entity from both indexes.
func (m *IndexMaintainer) RemoveEntity(id string) {
	m.fulltext.Remove(id)
	m.vectors.Remove(id)
}

// Rebuild repopulates both indexes from the Knowledge Store. Called at
// startup; the indexes are in-memory and do not survive restarts.
func (m *IndexMaintainer) Rebuild(ctx context.Context, store *knowledge.Store) error {
	return store.IterateEntities(ctx, func(view *knowledge.EntityView) error {
		m.IndexEntity(view)
		return nil
	})
}

// searchFields maps an entity to the named fields the full-text index
// stores, enabling field-scoped queries like "title:shipping".
func searchFields(view *knowledge.EntityView) map[string]string {
	switch view.Kind {
	case knowledge.KindAtom:
		if view.SearchText == "" {
			return nil
		}
		return map[string]string{"value": view.SearchText}
	case knowledge.KindMolecule:
		if view.SearchText == "" {
			return nil
		}
		return map[string]string{"text": view.SearchText}
	case knowledge.KindDocument:
		fields := make(map[string]string, 2)
		if title, ok := view.Properties["title"].(string); ok && title != "" {
			fields["title"] = title
		}
		if view.SearchText != "" {
			fields["content"] = view.SearchText
		}
		if len(fields) == 0 {
			return nil
		}
		return fields
	}
	return nil
}
