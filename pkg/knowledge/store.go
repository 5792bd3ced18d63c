package knowledge

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaVersion = 1

// Store is the SQLite-backed Knowledge Store.
//
// All write paths run in transactions. The store never talks to the graph
// store directly: cross-store propagation is the sync engine's job. The one
// graph-derived column (graph_refs) is written only through SetGraphRefs.
//
// Thread-safe: database/sql serializes access; SQLite runs in WAL mode so
// readers never block the single writer.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the knowledge database at path.
//
// Example:
//
//	store, err := knowledge.Open("./data/lattice.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// OpenInMemory opens a private in-memory store, used by tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", "file::memory:?mode=memory&cache=shared&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// A single connection keeps the shared-cache memory database alive.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so the sync queue can share one database
// file (queue and state tables live alongside the knowledge tables).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) createTables() error {
	atomsTable := `
	CREATE TABLE IF NOT EXISTS atoms (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		type TEXT NOT NULL,
		text_value TEXT,
		number_value REAL,
		bool_value INTEGER,
		date_value TEXT,
		struct_value TEXT,
		confidence REAL NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		embedding BLOB,
		graph_refs TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER
	);`

	atomVersionsTable := `
	CREATE TABLE IF NOT EXISTS atom_versions (
		atom_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (atom_id, version)
	);`

	moleculesTable := `
	CREATE TABLE IF NOT EXISTS molecules (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		type TEXT NOT NULL,
		atom_refs TEXT NOT NULL,
		config TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		embedding BLOB,
		graph_refs TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER
	);`

	documentsTable := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		embedding BLOB,
		graph_refs TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER
	);`

	indexes := `
	CREATE INDEX IF NOT EXISTS idx_atoms_tenant ON atoms(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_molecules_tenant ON molecules(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents(tenant_id);`

	versionTable := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);`

	for _, stmt := range []string{atomsTable, atomVersionsTable, moleculesTable, documentsTable, indexes, versionTable} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	_, err := s.db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, schemaVersion)
	return err
}

// ---------------------------------------------------------------------------
// Atoms
// ---------------------------------------------------------------------------

// CreateAtom inserts a new atom at version 1.
func (s *Store) CreateAtom(ctx context.Context, a *Atom) error {
	if err := a.Validate(); err != nil {
		return err
	}

	now := time.Now()
	a.Version = 1
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO atoms (id, tenant_id, type, text_value, number_value, bool_value,
			date_value, struct_value, confidence, source, version, embedding, graph_refs,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(a.ID), a.TenantID, string(a.Type),
		a.TextValue, a.NumberValue, boolToInt(a.BoolValue), dateToStr(a.DateValue), rawToStr(a.StructValue),
		a.Confidence, a.Source, a.Version, encodeEmbedding(a.Embedding), refsToJSON(a.GraphRefs),
		now.UnixNano(), now.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("atom %s: %w", a.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("create atom: %w", err)
	}
	return nil
}

// GetAtom fetches an atom by ID. Soft-deleted atoms are returned with
// DeletedAt set; callers that must not see deleted rows check it.
func (s *Store) GetAtom(ctx context.Context, id AtomID) (*Atom, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, type, text_value, number_value, bool_value, date_value,
			struct_value, confidence, source, version, embedding, graph_refs,
			created_at, updated_at, deleted_at
		FROM atoms WHERE id = ?`, string(id))
	return scanAtom(row)
}

// UpdateAtom writes new content for an atom as a new version.
//
// Append-only versioning: the previous row content is archived into
// atom_versions before the live row is rewritten. a.Version must equal the
// current stored version; otherwise ErrStaleVersion is returned.
func (s *Store) UpdateAtom(ctx context.Context, a *Atom) error {
	if err := a.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	prev, err := scanAtom(tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, type, text_value, number_value, bool_value, date_value,
			struct_value, confidence, source, version, embedding, graph_refs,
			created_at, updated_at, deleted_at
		FROM atoms WHERE id = ?`, string(a.ID)))
	if err != nil {
		return err
	}
	if prev.DeletedAt != nil {
		return fmt.Errorf("atom %s: %w", a.ID, ErrDeleted)
	}
	if prev.Version != a.Version {
		return fmt.Errorf("atom %s at version %d, expected %d: %w", a.ID, prev.Version, a.Version, ErrStaleVersion)
	}

	// Archive the outgoing version.
	payload, err := json.Marshal(prev)
	if err != nil {
		return fmt.Errorf("archive atom version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO atom_versions (atom_id, version, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		string(a.ID), prev.Version, string(payload), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("archive atom version: %w", err)
	}

	now := time.Now()
	a.Version = prev.Version + 1
	a.UpdatedAt = now

	if _, err := tx.ExecContext(ctx, `
		UPDATE atoms SET type = ?, text_value = ?, number_value = ?, bool_value = ?,
			date_value = ?, struct_value = ?, confidence = ?, source = ?, version = ?,
			updated_at = ?
		WHERE id = ?`,
		string(a.Type), a.TextValue, a.NumberValue, boolToInt(a.BoolValue),
		dateToStr(a.DateValue), rawToStr(a.StructValue), a.Confidence, a.Source, a.Version,
		now.UnixNano(), string(a.ID)); err != nil {
		return fmt.Errorf("update atom: %w", err)
	}

	return tx.Commit()
}

// SoftDeleteAtom marks an atom deleted without removing the row.
func (s *Store) SoftDeleteAtom(ctx context.Context, id AtomID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE atoms SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UnixNano(), time.Now().UnixNano(), string(id))
	if err != nil {
		return err
	}
	return requireRow(res, string(id))
}

// HardDeleteAtom removes an atom row entirely. Refused while any molecule
// still references the atom.
func (s *Store) HardDeleteAtom(ctx context.Context, id AtomID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	// JSON ref arrays are small; a LIKE probe is sufficient here.
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM molecules WHERE deleted_at IS NULL AND atom_refs LIKE ?`,
		`%"`+string(id)+`"%`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("atom %s referenced by %d molecule(s): %w", id, n, ErrStillReferenced)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM atom_versions WHERE atom_id = ?`, string(id)); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM atoms WHERE id = ?`, string(id))
	if err != nil {
		return err
	}
	if err := requireRow(res, string(id)); err != nil {
		return err
	}
	return tx.Commit()
}

// AtomVersion is one archived atom version.
type AtomVersion struct {
	Version   int64
	Atom      *Atom
	CreatedAt time.Time
}

// AtomVersions returns archived versions for ops tooling, oldest first.
// The live row is not included.
func (s *Store) AtomVersions(ctx context.Context, id AtomID) ([]AtomVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, payload, created_at FROM atom_versions WHERE atom_id = ? ORDER BY version ASC`,
		string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AtomVersion
	for rows.Next() {
		var v AtomVersion
		var payload string
		var createdAt int64
		if err := rows.Scan(&v.Version, &payload, &createdAt); err != nil {
			return nil, err
		}
		var a Atom
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			return nil, fmt.Errorf("decode atom version: %w", err)
		}
		v.Atom = &a
		v.CreatedAt = time.Unix(0, createdAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Molecules
// ---------------------------------------------------------------------------

// CreateMolecule inserts a molecule after verifying every referenced atom
// exists and belongs to the same tenant.
func (s *Store) CreateMolecule(ctx context.Context, m *Molecule) error {
	if err := m.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.checkAtomRefs(ctx, tx, m.TenantID, m.AtomRefs); err != nil {
		return err
	}

	now := time.Now()
	m.Version = 1
	m.CreatedAt = now
	m.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO molecules (id, tenant_id, type, atom_refs, config, version,
			embedding, graph_refs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(m.ID), m.TenantID, string(m.Type), atomRefsToJSON(m.AtomRefs), rawToStr(m.Config),
		m.Version, encodeEmbedding(m.Embedding), refsToJSON(m.GraphRefs),
		now.UnixNano(), now.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("molecule %s: %w", m.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("create molecule: %w", err)
	}
	return tx.Commit()
}

// GetMolecule fetches a molecule by ID.
func (s *Store) GetMolecule(ctx context.Context, id MoleculeID) (*Molecule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, type, atom_refs, config, version, embedding, graph_refs,
			created_at, updated_at, deleted_at
		FROM molecules WHERE id = ?`, string(id))
	return scanMolecule(row)
}

// UpdateMolecule rewrites the reference list and config transactionally.
func (s *Store) UpdateMolecule(ctx context.Context, m *Molecule) error {
	if err := m.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	prev, err := scanMolecule(tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, type, atom_refs, config, version, embedding, graph_refs,
			created_at, updated_at, deleted_at
		FROM molecules WHERE id = ?`, string(m.ID)))
	if err != nil {
		return err
	}
	if prev.DeletedAt != nil {
		return fmt.Errorf("molecule %s: %w", m.ID, ErrDeleted)
	}
	if prev.Version != m.Version {
		return fmt.Errorf("molecule %s at version %d, expected %d: %w", m.ID, prev.Version, m.Version, ErrStaleVersion)
	}
	if err := s.checkAtomRefs(ctx, tx, m.TenantID, m.AtomRefs); err != nil {
		return err
	}

	now := time.Now()
	m.Version = prev.Version + 1
	m.UpdatedAt = now

	if _, err := tx.ExecContext(ctx, `
		UPDATE molecules SET type = ?, atom_refs = ?, config = ?, version = ?, updated_at = ?
		WHERE id = ?`,
		string(m.Type), atomRefsToJSON(m.AtomRefs), rawToStr(m.Config), m.Version,
		now.UnixNano(), string(m.ID)); err != nil {
		return fmt.Errorf("update molecule: %w", err)
	}
	return tx.Commit()
}

// SoftDeleteMolecule marks a molecule deleted.
func (s *Store) SoftDeleteMolecule(ctx context.Context, id MoleculeID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE molecules SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UnixNano(), time.Now().UnixNano(), string(id))
	if err != nil {
		return err
	}
	return requireRow(res, string(id))
}

// checkAtomRefs verifies reference existence and tenant ownership inside tx.
func (s *Store) checkAtomRefs(ctx context.Context, tx *sql.Tx, tenantID string, refs []AtomID) error {
	for _, ref := range refs {
		var refTenant string
		var deletedAt sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT tenant_id, deleted_at FROM atoms WHERE id = ?`, string(ref)).
			Scan(&refTenant, &deletedAt)
		if err == sql.ErrNoRows {
			return fmt.Errorf("atom %s: %w", ref, ErrMissingRef)
		}
		if err != nil {
			return err
		}
		if deletedAt.Valid {
			return fmt.Errorf("atom %s: %w", ref, ErrDeleted)
		}
		if refTenant != tenantID {
			return fmt.Errorf("atom %s owned by tenant %s: %w", ref, refTenant, ErrCrossTenantRef)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Documents
// ---------------------------------------------------------------------------

// CreateDocument inserts a new document.
func (s *Store) CreateDocument(ctx context.Context, d *Document) error {
	if err := d.Validate(); err != nil {
		return err
	}

	now := time.Now()
	d.Version = 1
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, tenant_id, title, content, source, version,
			embedding, graph_refs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(d.ID), d.TenantID, d.Title, d.Content, d.Source, d.Version,
		encodeEmbedding(d.Embedding), refsToJSON(d.GraphRefs),
		now.UnixNano(), now.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("document %s: %w", d.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// GetDocument fetches a document by ID.
func (s *Store) GetDocument(ctx context.Context, id DocumentID) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, title, content, source, version, embedding, graph_refs,
			created_at, updated_at, deleted_at
		FROM documents WHERE id = ?`, string(id))
	return scanDocument(row)
}

// UpdateDocument rewrites document content as a new version.
func (s *Store) UpdateDocument(ctx context.Context, d *Document) error {
	if err := d.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var version int64
	var deletedAt sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT version, deleted_at FROM documents WHERE id = ?`, string(d.ID)).
		Scan(&version, &deletedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("document %s: %w", d.ID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if deletedAt.Valid {
		return fmt.Errorf("document %s: %w", d.ID, ErrDeleted)
	}
	if version != d.Version {
		return fmt.Errorf("document %s at version %d, expected %d: %w", d.ID, version, d.Version, ErrStaleVersion)
	}

	now := time.Now()
	d.Version = version + 1
	d.UpdatedAt = now

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET title = ?, content = ?, source = ?, version = ?, updated_at = ?
		WHERE id = ?`,
		d.Title, d.Content, d.Source, d.Version, now.UnixNano(), string(d.ID)); err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return tx.Commit()
}

// SoftDeleteDocument marks a document deleted.
func (s *Store) SoftDeleteDocument(ctx context.Context, id DocumentID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UnixNano(), time.Now().UnixNano(), string(id))
	if err != nil {
		return err
	}
	return requireRow(res, string(id))
}

// ---------------------------------------------------------------------------
// Cross-cutting operations
// ---------------------------------------------------------------------------

// SetEmbedding stores a precomputed embedding for an entity. Embeddings are
// not content: writing one does not bump the version or the checksum.
func (s *Store) SetEmbedding(ctx context.Context, kind EntityKind, id string, embedding []float32) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET embedding = ? WHERE id = ?`, table),
		encodeEmbedding(embedding), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// SetGraphRefs replaces the denormalized graph neighbor array for an entity.
// This is the single write path the graph→relational sync direction uses;
// content fields are never touched here.
func (s *Store) SetGraphRefs(ctx context.Context, kind EntityKind, id string, refs []string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET graph_refs = ? WHERE id = ?`, table),
		refsToJSON(refs), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// GetEntity returns the kind-agnostic projection the sync engine and the
// discovery adapters work with.
func (s *Store) GetEntity(ctx context.Context, kind EntityKind, id string) (*EntityView, error) {
	switch kind {
	case KindAtom:
		a, err := s.GetAtom(ctx, AtomID(id))
		if err != nil {
			return nil, err
		}
		return s.atomView(a), nil
	case KindMolecule:
		m, err := s.GetMolecule(ctx, MoleculeID(id))
		if err != nil {
			return nil, err
		}
		return s.moleculeView(ctx, m), nil
	case KindDocument:
		d, err := s.GetDocument(ctx, DocumentID(id))
		if err != nil {
			return nil, err
		}
		return s.documentView(d), nil
	}
	return nil, fmt.Errorf("%q: %w", kind, ErrUnknownValueKind)
}

// FindEntity locates an entity by ID without knowing its kind, trying each
// table in turn. Discovery adapters use this to apply shared filters to
// index hits, which carry bare IDs.
func (s *Store) FindEntity(ctx context.Context, id string) (*EntityView, error) {
	for _, kind := range []EntityKind{KindAtom, KindMolecule, KindDocument} {
		view, err := s.GetEntity(ctx, kind, id)
		if err == nil {
			return view, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
}

// IterateEntities streams every live (non-deleted) entity view, used to
// rebuild search indexes at startup. Return an error from fn to stop.
func (s *Store) IterateEntities(ctx context.Context, fn func(*EntityView) error) error {
	atoms, err := s.db.QueryContext(ctx, `SELECT id FROM atoms WHERE deleted_at IS NULL`)
	if err != nil {
		return err
	}
	ids, err := collectIDs(atoms)
	if err != nil {
		return err
	}
	for _, id := range ids {
		a, err := s.GetAtom(ctx, AtomID(id))
		if err != nil {
			return err
		}
		if err := fn(s.atomView(a)); err != nil {
			return err
		}
	}

	mols, err := s.db.QueryContext(ctx, `SELECT id FROM molecules WHERE deleted_at IS NULL`)
	if err != nil {
		return err
	}
	ids, err = collectIDs(mols)
	if err != nil {
		return err
	}
	for _, id := range ids {
		m, err := s.GetMolecule(ctx, MoleculeID(id))
		if err != nil {
			return err
		}
		if err := fn(s.moleculeView(ctx, m)); err != nil {
			return err
		}
	}

	docs, err := s.db.QueryContext(ctx, `SELECT id FROM documents WHERE deleted_at IS NULL`)
	if err != nil {
		return err
	}
	ids, err = collectIDs(docs)
	if err != nil {
		return err
	}
	for _, id := range ids {
		d, err := s.GetDocument(ctx, DocumentID(id))
		if err != nil {
			return err
		}
		if err := fn(s.documentView(d)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) atomView(a *Atom) *EntityView {
	props := map[string]any{
		"tenantId":   a.TenantID,
		"atomType":   string(a.Type),
		"confidence": a.Confidence,
		"source":     a.Source,
		"version":    a.Version,
	}
	var text string
	switch a.Type {
	case AtomText:
		if a.TextValue != nil {
			props["value"] = *a.TextValue
			text = *a.TextValue
		}
	case AtomNumber:
		if a.NumberValue != nil {
			props["value"] = *a.NumberValue
		}
	case AtomBoolean:
		if a.BoolValue != nil {
			props["value"] = *a.BoolValue
		}
	case AtomDate:
		if a.DateValue != nil {
			props["value"] = a.DateValue.UTC().Format(time.RFC3339Nano)
		}
	case AtomStructured:
		if len(a.StructValue) > 0 {
			props["value"] = string(a.StructValue)
			text = structText(a.StructValue)
		}
	}

	return &EntityView{
		ID:         string(a.ID),
		TenantID:   a.TenantID,
		Kind:       KindAtom,
		Checksum:   a.Checksum(),
		SearchText: text,
		Embedding:  a.Embedding,
		Properties: props,
		Confidence: a.Confidence,
		Version:    a.Version,
		Deleted:    a.DeletedAt != nil,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

func (s *Store) moleculeView(ctx context.Context, m *Molecule) *EntityView {
	refs := make([]string, len(m.AtomRefs))
	for i, r := range m.AtomRefs {
		refs[i] = string(r)
	}

	// The molecule's searchable text is the concatenation of its atoms'
	// text values, in reference order.
	var parts []string
	for _, ref := range m.AtomRefs {
		a, err := s.GetAtom(ctx, ref)
		if err != nil || a.DeletedAt != nil {
			continue
		}
		if a.Type == AtomText && a.TextValue != nil {
			parts = append(parts, *a.TextValue)
		}
	}

	props := map[string]any{
		"tenantId":     m.TenantID,
		"moleculeType": string(m.Type),
		"version":      m.Version,
	}
	if len(m.Config) > 0 {
		props["config"] = string(m.Config)
	}

	return &EntityView{
		ID:         string(m.ID),
		TenantID:   m.TenantID,
		Kind:       KindMolecule,
		Checksum:   m.Checksum(),
		SearchText: strings.Join(parts, " "),
		Embedding:  m.Embedding,
		AtomRefs:   refs,
		Properties: props,
		Confidence: 1.0,
		Version:    m.Version,
		Deleted:    m.DeletedAt != nil,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func (s *Store) documentView(d *Document) *EntityView {
	props := map[string]any{
		"tenantId": d.TenantID,
		"title":    d.Title,
		"source":   d.Source,
		"version":  d.Version,
	}
	return &EntityView{
		ID:         string(d.ID),
		TenantID:   d.TenantID,
		Kind:       KindDocument,
		Checksum:   d.Checksum(),
		SearchText: strings.TrimSpace(d.Title + " " + d.Content),
		Embedding:  d.Embedding,
		Properties: props,
		Confidence: 1.0,
		Version:    d.Version,
		Deleted:    d.DeletedAt != nil,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

// ---------------------------------------------------------------------------
// Row scanning and serialization helpers
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAtom(row rowScanner) (*Atom, error) {
	var a Atom
	var id, tenant, typ string
	var boolVal, createdAt, updatedAt sql.NullInt64
	var deletedAt sql.NullInt64
	var dateVal, structVal, graphRefs sql.NullString
	var embedding []byte

	err := row.Scan(&id, &tenant, &typ, &a.TextValue, &a.NumberValue, &boolVal,
		&dateVal, &structVal, &a.Confidence, &a.Source, &a.Version, &embedding,
		&graphRefs, &createdAt, &updatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.ID = AtomID(id)
	a.TenantID = tenant
	a.Type = AtomType(typ)
	if boolVal.Valid {
		b := boolVal.Int64 != 0
		a.BoolValue = &b
	}
	if dateVal.Valid && dateVal.String != "" {
		t, err := time.Parse(time.RFC3339Nano, dateVal.String)
		if err != nil {
			return nil, fmt.Errorf("decode date value: %w", err)
		}
		a.DateValue = &t
	}
	if structVal.Valid && structVal.String != "" {
		a.StructValue = json.RawMessage(structVal.String)
	}
	a.Embedding = decodeEmbedding(embedding)
	a.GraphRefs = refsFromJSON(graphRefs)
	a.CreatedAt = time.Unix(0, createdAt.Int64)
	a.UpdatedAt = time.Unix(0, updatedAt.Int64)
	if deletedAt.Valid {
		t := time.Unix(0, deletedAt.Int64)
		a.DeletedAt = &t
	}
	return &a, nil
}

func scanMolecule(row rowScanner) (*Molecule, error) {
	var m Molecule
	var id, tenant, typ, atomRefs string
	var config, graphRefs sql.NullString
	var createdAt, updatedAt, deletedAt sql.NullInt64
	var embedding []byte

	err := row.Scan(&id, &tenant, &typ, &atomRefs, &config, &m.Version, &embedding,
		&graphRefs, &createdAt, &updatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	m.ID = MoleculeID(id)
	m.TenantID = tenant
	m.Type = MoleculeType(typ)
	for _, r := range refsFromJSON(sql.NullString{String: atomRefs, Valid: true}) {
		m.AtomRefs = append(m.AtomRefs, AtomID(r))
	}
	if config.Valid && config.String != "" {
		m.Config = json.RawMessage(config.String)
	}
	m.Embedding = decodeEmbedding(embedding)
	m.GraphRefs = refsFromJSON(graphRefs)
	m.CreatedAt = time.Unix(0, createdAt.Int64)
	m.UpdatedAt = time.Unix(0, updatedAt.Int64)
	if deletedAt.Valid {
		t := time.Unix(0, deletedAt.Int64)
		m.DeletedAt = &t
	}
	return &m, nil
}

func scanDocument(row rowScanner) (*Document, error) {
	var d Document
	var id, tenant string
	var graphRefs sql.NullString
	var createdAt, updatedAt, deletedAt sql.NullInt64
	var embedding []byte

	err := row.Scan(&id, &tenant, &d.Title, &d.Content, &d.Source, &d.Version,
		&embedding, &graphRefs, &createdAt, &updatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.ID = DocumentID(id)
	d.TenantID = tenant
	d.Embedding = decodeEmbedding(embedding)
	d.GraphRefs = refsFromJSON(graphRefs)
	d.CreatedAt = time.Unix(0, createdAt.Int64)
	d.UpdatedAt = time.Unix(0, updatedAt.Int64)
	if deletedAt.Valid {
		t := time.Unix(0, deletedAt.Int64)
		d.DeletedAt = &t
	}
	return &d, nil
}

func tableFor(kind EntityKind) (string, error) {
	switch kind {
	case KindAtom:
		return "atoms", nil
	case KindMolecule:
		return "molecules", nil
	case KindDocument:
		return "documents", nil
	}
	return "", fmt.Errorf("%q: %w", kind, ErrUnknownValueKind)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

func dateToStr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func rawToStr(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func refsToJSON(refs []string) string {
	if len(refs) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(refs)
	return string(data)
}

func atomRefsToJSON(refs []AtomID) string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = string(r)
	}
	return refsToJSON(out)
}

func refsFromJSON(s sql.NullString) []string {
	if !s.Valid || s.String == "" || s.String == "[]" {
		return nil
	}
	var refs []string
	if err := json.Unmarshal([]byte(s.String), &refs); err != nil {
		return nil
	}
	return refs
}

// structText flattens string leaves of a structured value for indexing.
func structText(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	var parts []string
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			parts = append(parts, t)
		case map[string]any:
			for _, val := range t {
				walk(val)
			}
		case []any:
			for _, val := range t {
				walk(val)
			}
		}
	}
	walk(v)
	return strings.Join(parts, " ")
}

func encodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec
}
