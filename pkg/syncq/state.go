package syncq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StateStore persists the per-entity Sync State table.
//
// One row per (tenant, kind, entity). The row is the only record of whether
// the two stores agree; the engine reads and writes it around every apply.
type StateStore struct {
	db *sql.DB
}

// NewStateStore creates the sync_state table if needed.
func NewStateStore(db *sql.DB) (*StateStore, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_state (
		tenant_id TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		relational_checksum TEXT NOT NULL DEFAULT '',
		graph_checksum TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		last_attempt_at INTEGER NOT NULL DEFAULT 0,
		last_synced_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, entity_kind, entity_id)
	);
	CREATE INDEX IF NOT EXISTS idx_sync_state_status ON sync_state(status);`

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create sync_state table: %w", err)
	}
	return &StateStore{db: db}, nil
}

// Get returns the state row for one entity.
func (s *StateStore) Get(ctx context.Context, tenantID, entityKind, entityID string) (*State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, entity_kind, entity_id, relational_checksum,
		       graph_checksum, status, attempts, error, last_attempt_at, last_synced_at
		FROM sync_state
		WHERE tenant_id = ? AND entity_kind = ? AND entity_id = ?`,
		tenantID, entityKind, entityID)

	st := &State{}
	var attemptAt, syncedAt int64
	err := row.Scan(&st.TenantID, &st.EntityKind, &st.EntityID,
		&st.RelationalChecksum, &st.GraphChecksum, &st.Status,
		&st.Attempts, &st.Error, &attemptAt, &syncedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("state %s/%s: %w", tenantID, entityID, ErrStateNotFound)
	}
	if err != nil {
		return nil, err
	}
	if attemptAt > 0 {
		st.LastAttemptAt = time.Unix(attemptAt, 0)
	}
	if syncedAt > 0 {
		st.LastSyncedAt = time.Unix(syncedAt, 0)
	}
	return st, nil
}

// GetOrZero is Get, but a missing row comes back as a zero-checksum pending
// state instead of an error. First-time syncs start here.
func (s *StateStore) GetOrZero(ctx context.Context, tenantID, entityKind, entityID string) (*State, error) {
	st, err := s.Get(ctx, tenantID, entityKind, entityID)
	if err == nil {
		return st, nil
	}
	if !isStateNotFound(err) {
		return nil, err
	}
	return &State{
		TenantID:   tenantID,
		EntityKind: entityKind,
		EntityID:   entityID,
		Status:     StatusPending,
	}, nil
}

// MarkSyncing records an attempt start.
func (s *StateStore) MarkSyncing(ctx context.Context, tenantID, entityKind, entityID string) error {
	return s.upsert(ctx, tenantID, entityKind, entityID, `
		status = 'syncing', last_attempt_at = ?`, time.Now().Unix())
}

// MarkSynced records a successful apply and the new checkpoint checksums.
func (s *StateStore) MarkSynced(ctx context.Context, tenantID, entityKind, entityID, relChecksum, graphChecksum string) error {
	now := time.Now().Unix()
	return s.upsert(ctx, tenantID, entityKind, entityID, `
		relational_checksum = ?, graph_checksum = ?, status = 'synced',
		attempts = 0, error = '', last_attempt_at = ?, last_synced_at = ?`,
		relChecksum, graphChecksum, now, now)
}

// MarkFailed records a terminal failure (conflict or validation). Checksums
// are left at the last good checkpoint so resolution can reason about them.
func (s *StateStore) MarkFailed(ctx context.Context, tenantID, entityKind, entityID, detail string) error {
	return s.upsert(ctx, tenantID, entityKind, entityID, `
		status = 'failed', attempts = attempts + 1, error = ?, last_attempt_at = ?`,
		detail, time.Now().Unix())
}

// MarkRetrying bumps the attempt counter after a transient failure.
func (s *StateStore) MarkRetrying(ctx context.Context, tenantID, entityKind, entityID, detail string) error {
	return s.upsert(ctx, tenantID, entityKind, entityID, `
		status = 'pending', attempts = attempts + 1, error = ?, last_attempt_at = ?`,
		detail, time.Now().Unix())
}

// upsert ensures the row exists, then applies the SET clause.
func (s *StateStore) upsert(ctx context.Context, tenantID, entityKind, entityID, set string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_state (tenant_id, entity_kind, entity_id)
		VALUES (?, ?, ?)`, tenantID, entityKind, entityID); err != nil {
		return fmt.Errorf("sync_state insert: %w", err)
	}

	query := "UPDATE sync_state SET " + set +
		" WHERE tenant_id = ? AND entity_kind = ? AND entity_id = ?"
	args = append(args, tenantID, entityKind, entityID)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sync_state update: %w", err)
	}
	return tx.Commit()
}

// ListByStatus returns entities currently in the given status, for
// operational tooling (conflict review, failure dashboards).
func (s *StateStore) ListByStatus(ctx context.Context, tenantID, status string) ([]*State, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, entity_kind, entity_id, relational_checksum,
		       graph_checksum, status, attempts, error, last_attempt_at, last_synced_at
		FROM sync_state
		WHERE status = ? AND (? = '' OR tenant_id = ?)
		ORDER BY last_attempt_at ASC`, status, tenantID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*State
	for rows.Next() {
		st := &State{}
		var attemptAt, syncedAt int64
		if err := rows.Scan(&st.TenantID, &st.EntityKind, &st.EntityID,
			&st.RelationalChecksum, &st.GraphChecksum, &st.Status,
			&st.Attempts, &st.Error, &attemptAt, &syncedAt); err != nil {
			return nil, err
		}
		if attemptAt > 0 {
			st.LastAttemptAt = time.Unix(attemptAt, 0)
		}
		if syncedAt > 0 {
			st.LastSyncedAt = time.Unix(syncedAt, 0)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func isStateNotFound(err error) bool {
	return errors.Is(err, ErrStateNotFound)
}
