package syncq

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue is the durable, tenant-scoped, priority-ordered sync work list.
//
// It shares the Knowledge Store's SQLite handle: SQLite's single-writer
// transactions give the lease mechanism its SKIP LOCKED equivalent, and
// enqueue rides in the same database the entity write just committed to.
type Queue struct {
	db *sql.DB

	leaseDuration time.Duration
	maxAttempts   int
}

// QueueOptions tunes lease and retry behavior. Zero values take defaults.
type QueueOptions struct {
	LeaseDuration time.Duration
	MaxAttempts   int
}

// NewQueue creates the queue tables if needed and returns a ready queue.
func NewQueue(db *sql.DB, opts QueueOptions) (*Queue, error) {
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = DefaultLeaseDuration
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}

	q := &Queue{
		db:            db,
		leaseDuration: opts.LeaseDuration,
		maxAttempts:   opts.MaxAttempts,
	}
	if err := q.createTables(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		enqueued_at INTEGER NOT NULL,
		available_at INTEGER NOT NULL,
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_expires_at INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_dequeue
		ON sync_queue(status, available_at, priority, enqueued_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_queue_coalesce
		ON sync_queue(tenant_id, entity_kind, entity_id, operation)
		WHERE status = 'pending';`

	if _, err := q.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create sync_queue tables: %w", err)
	}
	return nil
}

// Enqueue adds a propagation task. Idempotent per in-flight operation: if a
// pending entry for the same (tenant, kind, entity, operation) exists, the
// two coalesce and the higher priority wins. Leased entries do not coalesce;
// a write racing an in-progress sync must produce a fresh delivery.
func (q *Queue) Enqueue(ctx context.Context, tenantID, entityKind, entityID string, op Operation, priority int) error {
	if !ValidOperation(op) {
		return fmt.Errorf("%w: operation %q", ErrValidation, op)
	}
	if tenantID == "" || entityKind == "" || entityID == "" {
		return fmt.Errorf("%w: empty queue item field", ErrValidation)
	}

	now := time.Now().Unix()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO sync_queue
			(id, tenant_id, entity_kind, entity_id, operation, priority, enqueued_at, available_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, entity_kind, entity_id, operation) WHERE status = 'pending'
		DO UPDATE SET priority = MAX(priority, excluded.priority)`,
		"sq-"+uuid.NewString(), tenantID, entityKind, entityID, string(op), priority, now, now)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	return nil
}

// Dequeue withdraws up to n items, ordered (priority DESC, enqueued_at ASC),
// each exclusively leased to owner until acknowledged or the lease expires.
// Expired leases are reclaimed here, so a crashed worker's items come back
// after at most one lease duration.
func (q *Queue) Dequeue(ctx context.Context, owner string, n int) ([]*Item, error) {
	if n <= 0 {
		return nil, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("dequeue begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	rows, err := tx.QueryContext(ctx, `
		SELECT id, tenant_id, entity_kind, entity_id, operation, priority,
		       attempts, status, enqueued_at, available_at, last_error
		FROM sync_queue
		WHERE (status = 'pending' AND available_at <= ?)
		   OR (status = 'leased' AND lease_expires_at <= ?)
		ORDER BY priority DESC, enqueued_at ASC
		LIMIT ?`, now, now, n)
	if err != nil {
		return nil, fmt.Errorf("dequeue select: %w", err)
	}

	var items []*Item
	for rows.Next() {
		it := &Item{}
		var enq, avail int64
		if err := rows.Scan(&it.ID, &it.TenantID, &it.EntityKind, &it.EntityID,
			&it.Operation, &it.Priority, &it.Attempts, &it.Status,
			&enq, &avail, &it.LastError); err != nil {
			rows.Close()
			return nil, err
		}
		it.EnqueuedAt = time.Unix(enq, 0)
		it.AvailableAt = time.Unix(avail, 0)
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, tx.Commit()
	}

	expires := time.Now().Add(q.leaseDuration)
	for _, it := range items {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = 'leased', lease_owner = ?, lease_expires_at = ?
			WHERE id = ?`, owner, expires.Unix(), it.ID); err != nil {
			return nil, fmt.Errorf("dequeue lease: %w", err)
		}
		it.Status = ItemLeased
		it.LeaseOwner = owner
		it.LeaseExpiresAt = expires
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dequeue commit: %w", err)
	}
	return items, nil
}

// Ack removes a successfully processed (or terminally failed) item.
func (q *Queue) Ack(ctx context.Context, itemID, owner string) error {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE id = ? AND status = 'leased' AND lease_owner = ?`,
		itemID, owner)
	if err != nil {
		return fmt.Errorf("ack failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("item %s: %w", itemID, ErrNotLeased)
	}
	return nil
}

// Retry returns a leased item to the queue after a transient failure, with
// exponential backoff. When the retry budget is exhausted the item moves to
// the dead-letter state instead of being redelivered.
func (q *Queue) Retry(ctx context.Context, itemID, owner string, cause error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("retry begin: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRowContext(ctx, `
		SELECT attempts FROM sync_queue
		WHERE id = ? AND status = 'leased' AND lease_owner = ?`,
		itemID, owner).Scan(&attempts)
	if err == sql.ErrNoRows {
		return fmt.Errorf("item %s: %w", itemID, ErrNotLeased)
	}
	if err != nil {
		return err
	}

	attempts++
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}

	if attempts >= q.maxAttempts {
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = 'dead', attempts = ?, last_error = ?,
			    lease_owner = '', lease_expires_at = 0
			WHERE id = ?`, attempts, detail, itemID)
	} else {
		availableAt := time.Now().Add(Backoff(attempts)).Unix()
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = 'pending', attempts = ?, last_error = ?,
			    available_at = ?, lease_owner = '', lease_expires_at = 0
			WHERE id = ?`, attempts, detail, availableAt, itemID)
	}
	if err != nil {
		return fmt.Errorf("retry update: %w", err)
	}
	return tx.Commit()
}

// DeadLetters lists items that exhausted their retry budget.
func (q *Queue) DeadLetters(ctx context.Context, tenantID string) ([]*Item, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, tenant_id, entity_kind, entity_id, operation, priority,
		       attempts, status, enqueued_at, available_at, last_error
		FROM sync_queue
		WHERE status = 'dead' AND (? = '' OR tenant_id = ?)
		ORDER BY enqueued_at ASC`, tenantID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it := &Item{}
		var enq, avail int64
		if err := rows.Scan(&it.ID, &it.TenantID, &it.EntityKind, &it.EntityID,
			&it.Operation, &it.Priority, &it.Attempts, &it.Status,
			&enq, &avail, &it.LastError); err != nil {
			return nil, err
		}
		it.EnqueuedAt = time.Unix(enq, 0)
		it.AvailableAt = time.Unix(avail, 0)
		items = append(items, it)
	}
	return items, rows.Err()
}

// Redrive moves a dead-letter item back to pending with a fresh attempt
// budget. Operator tooling calls this after fixing the underlying fault.
func (q *Queue) Redrive(ctx context.Context, itemID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'pending', attempts = 0, available_at = ?, last_error = ''
		WHERE id = ? AND status = 'dead'`, time.Now().Unix(), itemID)
	if err != nil {
		return fmt.Errorf("redrive failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("item %s: %w", itemID, ErrItemNotFound)
	}
	return nil
}

// PendingCount returns the number of items waiting or leased.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_queue WHERE status IN ('pending', 'leased')`).Scan(&n)
	return n, err
}
