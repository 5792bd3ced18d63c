package knowledge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func textAtom(tenant, text string) *Atom {
	return &Atom{
		ID:         NewAtomID(),
		TenantID:   tenant,
		Type:       AtomText,
		TextValue:  StrPtr(text),
		Confidence: 0.9,
		Source:     "manual",
	}
}

func TestCreateAndGetAtom(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := textAtom("acme", "Quebec")
	require.NoError(t, store.CreateAtom(ctx, a))
	assert.Equal(t, int64(1), a.Version)

	got, err := store.GetAtom(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, "acme", got.TenantID)
	require.NotNil(t, got.TextValue)
	assert.Equal(t, "Quebec", *got.TextValue)
	assert.Equal(t, 0.9, got.Confidence)
	assert.Nil(t, got.DeletedAt)

	// Duplicate ID is rejected.
	dup := textAtom("acme", "other")
	dup.ID = a.ID
	assert.ErrorIs(t, store.CreateAtom(ctx, dup), ErrAlreadyExists)

	_, err = store.GetAtom(ctx, "atom-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAtomValueTypeInvariant(t *testing.T) {
	// Exactly one value field, matching the type tag.
	a := textAtom("acme", "x")
	a.NumberValue = NumPtr(1)
	assert.ErrorIs(t, a.Validate(), ErrValueMismatch)

	a = &Atom{ID: NewAtomID(), TenantID: "acme", Type: AtomNumber, TextValue: StrPtr("x"), Confidence: 1}
	assert.ErrorIs(t, a.Validate(), ErrValueMismatch)

	a = &Atom{ID: NewAtomID(), TenantID: "acme", Type: "color", TextValue: StrPtr("x"), Confidence: 1}
	assert.ErrorIs(t, a.Validate(), ErrUnknownAtomType)

	a = textAtom("acme", "x")
	a.Confidence = 1.5
	assert.ErrorIs(t, a.Validate(), ErrInvalidEntity)

	store := newTestStore(t)
	bad := textAtom("acme", "x")
	bad.TextValue = nil
	bad.BoolValue = BoolPtr(true)
	assert.ErrorIs(t, store.CreateAtom(context.Background(), bad), ErrValueMismatch)
}

func TestUpdateAtomVersioning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := textAtom("acme", "Qubec")
	require.NoError(t, store.CreateAtom(ctx, a))

	a.TextValue = StrPtr("Quebec")
	require.NoError(t, store.UpdateAtom(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	got, err := store.GetAtom(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Quebec", *got.TextValue)
	assert.Equal(t, int64(2), got.Version)

	// The outgoing version is archived, not lost.
	versions, err := store.AtomVersions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, int64(1), versions[0].Version)
	assert.Equal(t, "Qubec", *versions[0].Atom.TextValue)
}

func TestUpdateAtomStaleVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := textAtom("acme", "v1")
	require.NoError(t, store.CreateAtom(ctx, a))

	stale := textAtom("acme", "concurrent")
	stale.ID = a.ID
	stale.Version = 5
	assert.ErrorIs(t, store.UpdateAtom(ctx, stale), ErrStaleVersion)

	// The stored content is untouched.
	got, err := store.GetAtom(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "v1", *got.TextValue)
	assert.Equal(t, int64(1), got.Version)
}

func TestSoftDeleteAtom(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := textAtom("acme", "gone")
	require.NoError(t, store.CreateAtom(ctx, a))
	require.NoError(t, store.SoftDeleteAtom(ctx, a.ID))

	got, err := store.GetAtom(ctx, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)

	// Updates to a deleted atom are refused.
	a.Version = got.Version
	assert.ErrorIs(t, store.UpdateAtom(ctx, a), ErrDeleted)

	// Double delete reports not found (no live row matched).
	assert.ErrorIs(t, store.SoftDeleteAtom(ctx, a.ID), ErrNotFound)
}

func TestHardDeleteAtomRefusedWhileReferenced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := textAtom("acme", "ref target")
	require.NoError(t, store.CreateAtom(ctx, a))

	m := &Molecule{
		ID:       NewMoleculeID(),
		TenantID: "acme",
		Type:     MoleculeCondition,
		AtomRefs: []AtomID{a.ID},
	}
	require.NoError(t, store.CreateMolecule(ctx, m))

	assert.ErrorIs(t, store.HardDeleteAtom(ctx, a.ID), ErrStillReferenced)

	require.NoError(t, store.SoftDeleteMolecule(ctx, m.ID))
	require.NoError(t, store.HardDeleteAtom(ctx, a.ID))

	_, err := store.GetAtom(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateMoleculeChecksReferences(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := textAtom("acme", "shipment")
	require.NoError(t, store.CreateAtom(ctx, a))

	// Missing reference.
	m := &Molecule{ID: NewMoleculeID(), TenantID: "acme", Type: MoleculeCondition,
		AtomRefs: []AtomID{a.ID, "atom-missing"}}
	assert.ErrorIs(t, store.CreateMolecule(ctx, m), ErrMissingRef)

	// Cross-tenant reference.
	other := textAtom("globex", "theirs")
	require.NoError(t, store.CreateAtom(ctx, other))
	m = &Molecule{ID: NewMoleculeID(), TenantID: "acme", Type: MoleculeCondition,
		AtomRefs: []AtomID{a.ID, other.ID}}
	assert.ErrorIs(t, store.CreateMolecule(ctx, m), ErrCrossTenantRef)

	// Deleted reference.
	dead := textAtom("acme", "deleted")
	require.NoError(t, store.CreateAtom(ctx, dead))
	require.NoError(t, store.SoftDeleteAtom(ctx, dead.ID))
	m = &Molecule{ID: NewMoleculeID(), TenantID: "acme", Type: MoleculeCondition,
		AtomRefs: []AtomID{dead.ID}}
	assert.ErrorIs(t, store.CreateMolecule(ctx, m), ErrDeleted)

	// Valid molecule keeps reference order.
	b := textAtom("acme", "hazardous")
	require.NoError(t, store.CreateAtom(ctx, b))
	m = &Molecule{ID: NewMoleculeID(), TenantID: "acme", Type: MoleculeConstraint,
		AtomRefs: []AtomID{b.ID, a.ID}, Config: json.RawMessage(`{"op":"and"}`)}
	require.NoError(t, store.CreateMolecule(ctx, m))

	got, err := store.GetMolecule(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, []AtomID{b.ID, a.ID}, got.AtomRefs)
	assert.JSONEq(t, `{"op":"and"}`, string(got.Config))
}

func TestUpdateMolecule(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := textAtom("acme", "one")
	b := textAtom("acme", "two")
	require.NoError(t, store.CreateAtom(ctx, a))
	require.NoError(t, store.CreateAtom(ctx, b))

	m := &Molecule{ID: NewMoleculeID(), TenantID: "acme", Type: MoleculeCondition,
		AtomRefs: []AtomID{a.ID}}
	require.NoError(t, store.CreateMolecule(ctx, m))

	m.AtomRefs = []AtomID{a.ID, b.ID}
	require.NoError(t, store.UpdateMolecule(ctx, m))
	assert.Equal(t, int64(2), m.Version)

	stale := &Molecule{ID: m.ID, TenantID: "acme", Type: MoleculeCondition,
		AtomRefs: []AtomID{b.ID}, Version: 1}
	assert.ErrorIs(t, store.UpdateMolecule(ctx, stale), ErrStaleVersion)
}

func TestDocumentLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	d := &Document{
		ID:       NewDocumentID(),
		TenantID: "acme",
		Title:    "Shipping policy",
		Content:  "All hazardous cargo requires inspection.",
		Source:   "wiki",
	}
	require.NoError(t, store.CreateDocument(ctx, d))

	d.Content = "All hazardous cargo requires inspection and a permit."
	require.NoError(t, store.UpdateDocument(ctx, d))
	assert.Equal(t, int64(2), d.Version)

	got, err := store.GetDocument(ctx, d.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Content, "permit")

	require.NoError(t, store.SoftDeleteDocument(ctx, d.ID))
	got, err = store.GetDocument(ctx, d.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)
}

func TestSetEmbeddingDoesNotTouchContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := textAtom("acme", "stable")
	require.NoError(t, store.CreateAtom(ctx, a))
	before := a.Checksum()

	require.NoError(t, store.SetEmbedding(ctx, KindAtom, string(a.ID), []float32{0.1, 0.2, 0.3}))

	got, err := store.GetAtom(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Embedding)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, before, got.Checksum())

	assert.ErrorIs(t, store.SetEmbedding(ctx, KindAtom, "atom-missing", []float32{1}), ErrNotFound)
}

func TestSetGraphRefsExcludedFromChecksum(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := textAtom("acme", "networked")
	require.NoError(t, store.CreateAtom(ctx, a))
	before := a.Checksum()

	require.NoError(t, store.SetGraphRefs(ctx, KindAtom, string(a.ID), []string{"atom-x", "mol-y"}))

	got, err := store.GetAtom(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"atom-x", "mol-y"}, got.GraphRefs)
	assert.Equal(t, before, got.Checksum())
	assert.Equal(t, int64(1), got.Version)
}

func TestGetEntityViews(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := textAtom("acme", "Quebec")
	require.NoError(t, store.CreateAtom(ctx, a))

	view, err := store.GetEntity(ctx, KindAtom, string(a.ID))
	require.NoError(t, err)
	assert.Equal(t, KindAtom, view.Kind)
	assert.Equal(t, "Quebec", view.SearchText)
	assert.Equal(t, "Quebec", view.Properties["value"])
	assert.Equal(t, a.Checksum(), view.Checksum)

	b := textAtom("acme", "Montreal")
	require.NoError(t, store.CreateAtom(ctx, b))
	m := &Molecule{ID: NewMoleculeID(), TenantID: "acme", Type: MoleculeCondition,
		AtomRefs: []AtomID{a.ID, b.ID}}
	require.NoError(t, store.CreateMolecule(ctx, m))

	view, err = store.GetEntity(ctx, KindMolecule, string(m.ID))
	require.NoError(t, err)
	assert.Equal(t, "Quebec Montreal", view.SearchText)
	assert.Equal(t, []string{string(a.ID), string(b.ID)}, view.AtomRefs)

	d := &Document{ID: NewDocumentID(), TenantID: "acme", Title: "Ports", Content: "Saint Lawrence"}
	require.NoError(t, store.CreateDocument(ctx, d))
	view, err = store.GetEntity(ctx, KindDocument, string(d.ID))
	require.NoError(t, err)
	assert.Equal(t, "Ports Saint Lawrence", view.SearchText)
	assert.Equal(t, "Ports", view.Properties["title"])

	_, err = store.GetEntity(ctx, "widget", "x")
	assert.ErrorIs(t, err, ErrUnknownValueKind)
}

func TestFindEntityAcrossKinds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := textAtom("acme", "found")
	require.NoError(t, store.CreateAtom(ctx, a))
	d := &Document{ID: NewDocumentID(), TenantID: "acme", Title: "Doc"}
	require.NoError(t, store.CreateDocument(ctx, d))

	view, err := store.FindEntity(ctx, string(a.ID))
	require.NoError(t, err)
	assert.Equal(t, KindAtom, view.Kind)

	view, err = store.FindEntity(ctx, string(d.ID))
	require.NoError(t, err)
	assert.Equal(t, KindDocument, view.Kind)

	_, err = store.FindEntity(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIterateEntitiesSkipsDeleted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	live := textAtom("acme", "live")
	dead := textAtom("acme", "dead")
	require.NoError(t, store.CreateAtom(ctx, live))
	require.NoError(t, store.CreateAtom(ctx, dead))
	require.NoError(t, store.SoftDeleteAtom(ctx, dead.ID))

	d := &Document{ID: NewDocumentID(), TenantID: "acme", Title: "Kept"}
	require.NoError(t, store.CreateDocument(ctx, d))

	seen := map[string]bool{}
	require.NoError(t, store.IterateEntities(ctx, func(v *EntityView) error {
		seen[v.ID] = true
		return nil
	}))
	assert.True(t, seen[string(live.ID)])
	assert.True(t, seen[string(d.ID)])
	assert.False(t, seen[string(dead.ID)])
}

func TestStructuredAtomSearchText(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &Atom{
		ID:          NewAtomID(),
		TenantID:    "acme",
		Type:        AtomStructured,
		StructValue: json.RawMessage(`{"city":"Quebec","tags":["port","cold"]}`),
		Confidence:  1,
	}
	require.NoError(t, store.CreateAtom(ctx, a))

	view, err := store.GetEntity(ctx, KindAtom, string(a.ID))
	require.NoError(t, err)
	assert.Contains(t, view.SearchText, "Quebec")
	assert.Contains(t, view.SearchText, "port")
}

func TestDateAtomRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	when := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	a := &Atom{ID: NewAtomID(), TenantID: "acme", Type: AtomDate, DateValue: TimePtr(when), Confidence: 1}
	require.NoError(t, store.CreateAtom(ctx, a))

	got, err := store.GetAtom(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DateValue)
	assert.True(t, got.DateValue.Equal(when))
}
