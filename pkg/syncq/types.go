// Package syncq implements the dual-store synchronization core: the durable
// sync queue, the per-entity sync state table, and the engine that drains the
// queue and propagates changes between the Knowledge Store and the
// Relationship Store.
//
// Direction of truth is deterministic, never "sync both ways":
//   - content changed on the relational side: propagate relational -> graph
//   - structure changed on the graph side: propagate graph -> relational,
//     touching only the denormalized graph_refs column
//   - both changed since the last recorded checkpoint: conflict, recorded
//     and left for explicit resolution. Nothing is overwritten.
package syncq

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrClosed       = errors.New("sync queue closed")
	ErrItemNotFound = errors.New("queue item not found")
	ErrNotLeased    = errors.New("item is not leased by this worker")

	// ErrConflict marks the terminal both-sides-changed state. It is never
	// retried; ResolveConflict re-baselines the checksums explicitly.
	ErrConflict = errors.New("sync conflict: both stores changed since last sync")

	// ErrValidation marks terminal per-item failures (malformed entity,
	// unknown kind). They do not block queue progress for other items.
	ErrValidation = errors.New("validation error")

	ErrStateNotFound   = errors.New("sync state not found")
	ErrNotInConflict   = errors.New("entity is not in conflict")
	ErrUnknownDirection = errors.New("unknown resolution direction")
)

// Operation is the propagation task type carried by a queue item.
type Operation string

const (
	OpIndex  Operation = "index"  // first-time mirror of a new entity
	OpUpdate Operation = "update" // re-propagate after a change on either side
	OpDelete Operation = "delete" // remove the mirror after delete
)

// ValidOperation reports whether op is a member of the closed operation set.
func ValidOperation(op Operation) bool {
	switch op {
	case OpIndex, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Item statuses.
const (
	ItemPending = "pending"
	ItemLeased  = "leased"
	ItemDead    = "dead" // exhausted retry budget, parked for inspection
)

// Sync statuses recorded in the state table.
const (
	StatusPending = "pending"
	StatusSyncing = "syncing"
	StatusSynced  = "synced"
	StatusFailed  = "failed"
)

// Queue tuning defaults.
const (
	DefaultLeaseDuration = 30 * time.Second
	DefaultMaxAttempts   = 8
	BackoffBase          = 1 * time.Second
	BackoffCap           = 5 * time.Minute
)

// Item is one queued propagation task.
//
// Enqueue coalesces per (tenant, kind, entity, operation) while pending, so
// an entity written ten times before the engine gets to it is synced once.
type Item struct {
	ID         string
	TenantID   string
	EntityKind string
	EntityID   string
	Operation  Operation
	Priority   int
	Attempts   int
	Status     string

	EnqueuedAt  time.Time
	AvailableAt time.Time

	LeaseOwner     string
	LeaseExpiresAt time.Time
	LastError      string
}

// State is the per-entity consistency record: the sole arbiter of whether
// the two stores currently agree. No other component may infer consistency
// by comparing raw data directly.
type State struct {
	TenantID   string
	EntityKind string
	EntityID   string

	// Checksums as of the last successful sync. Empty means "no presence
	// recorded" (entity absent from that store at last checkpoint).
	RelationalChecksum string
	GraphChecksum      string

	Status        string
	Attempts      int
	Error         string
	LastAttemptAt time.Time
	LastSyncedAt  time.Time
}

// Backoff returns the redelivery delay before the given attempt number
// (1-indexed): base 1s doubling per attempt, capped at 5 minutes.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := BackoffBase << uint(attempt-1)
	if d > BackoffCap || d <= 0 {
		return BackoffCap
	}
	return d
}

// ResolveDirection selects which store wins when re-baselining a conflict.
type ResolveDirection string

const (
	ResolveKeepRelational ResolveDirection = "relational" // re-propagate content to the graph
	ResolveKeepGraph      ResolveDirection = "graph"      // re-mirror structure to graph_refs
)
