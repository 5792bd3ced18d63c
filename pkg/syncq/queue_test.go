package syncq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeos/lattice/pkg/knowledge"
)

func newTestQueue(t *testing.T, opts QueueOptions) (*Queue, *knowledge.Store) {
	t.Helper()
	store, err := knowledge.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q, err := NewQueue(store.DB(), opts)
	require.NoError(t, err)
	return q, store
}

func TestEnqueueCoalescesWhilePending(t *testing.T) {
	q, _ := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "acme", "atom", "atom-1", OpUpdate, 1))
	require.NoError(t, q.Enqueue(ctx, "acme", "atom", "atom-1", OpUpdate, 5))
	require.NoError(t, q.Enqueue(ctx, "acme", "atom", "atom-1", OpUpdate, 2))

	items, err := q.Dequeue(ctx, "w1", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "atom-1", items[0].EntityID)
	// Highest priority wins across coalesced enqueues.
	assert.Equal(t, 5, items[0].Priority)
}

func TestEnqueueDoesNotCoalesceAcrossOperations(t *testing.T) {
	q, _ := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "acme", "atom", "atom-1", OpUpdate, 0))
	require.NoError(t, q.Enqueue(ctx, "acme", "atom", "atom-1", OpDelete, 0))

	items, err := q.Dequeue(ctx, "w1", 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestEnqueueWhileLeasedCreatesFreshDelivery(t *testing.T) {
	q, _ := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "acme", "atom", "atom-1", OpUpdate, 0))
	items, err := q.Dequeue(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, items, 1)

	// A write racing the in-progress sync must produce a new item.
	require.NoError(t, q.Enqueue(ctx, "acme", "atom", "atom-1", OpUpdate, 0))

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDequeueOrdering(t *testing.T) {
	q, _ := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "acme", "atom", "low", OpUpdate, 0))
	require.NoError(t, q.Enqueue(ctx, "acme", "atom", "high", OpUpdate, 9))
	require.NoError(t, q.Enqueue(ctx, "acme", "atom", "mid", OpUpdate, 5))

	items, err := q.Dequeue(ctx, "w1", 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "high", items[0].EntityID)
	assert.Equal(t, "mid", items[1].EntityID)
	assert.Equal(t, "low", items[2].EntityID)
}

func TestLeaseExclusivity(t *testing.T) {
	q, _ := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Enqueue(ctx, "acme", "atom", id, OpUpdate, 0))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			items, err := q.Dequeue(ctx, owner, 10)
			assert.NoError(t, err)
			mu.Lock()
			for _, it := range items {
				seen[it.ID]++
			}
			mu.Unlock()
		}("w" + string(rune('0'+w)))
	}
	wg.Wait()

	// Every item leased exactly once across concurrent workers.
	assert.Len(t, seen, 4)
	for id, count := range seen {
		assert.Equal(t, 1, count, "item %s leased %d times", id, count)
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	q, _ := newTestQueue(t, QueueOptions{LeaseDuration: 1 * time.Second})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "acme", "atom", "atom-1", OpUpdate, 0))

	items, err := q.Dequeue(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, items, 1)

	// Still leased: no redelivery.
	items, err = q.Dequeue(ctx, "w2", 1)
	require.NoError(t, err)
	assert.Empty(t, items)

	time.Sleep(1100 * time.Millisecond)

	items, err = q.Dequeue(ctx, "w2", 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "w2", items[0].LeaseOwner)

	// The original owner's ack now fails: its lease is gone.
	err = q.Ack(ctx, items[0].ID, "w1")
	assert.ErrorIs(t, err, ErrNotLeased)
}

func TestAckRemovesItem(t *testing.T) {
	q, _ := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "acme", "atom", "atom-1", OpUpdate, 0))
	items, err := q.Dequeue(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, q.Ack(ctx, items[0].ID, "w1"))

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRetryBackoffAndDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t, QueueOptions{MaxAttempts: 2})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "acme", "atom", "atom-1", OpUpdate, 0))

	items, err := q.Dequeue(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	itemID := items[0].ID

	// First failure: backed off, not yet redeliverable.
	require.NoError(t, q.Retry(ctx, itemID, "w1", errors.New("io timeout")))
	redelivered, err := q.Dequeue(ctx, "w1", 1)
	require.NoError(t, err)
	assert.Empty(t, redelivered)

	time.Sleep(1100 * time.Millisecond) // Backoff(1) = 1s

	redelivered, err = q.Dequeue(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, 1, redelivered[0].Attempts)
	assert.Contains(t, redelivered[0].LastError, "io timeout")

	// Second failure exhausts the budget: dead-letter, never redelivered.
	require.NoError(t, q.Retry(ctx, itemID, "w1", errors.New("still broken")))

	dead, err := q.DeadLetters(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, ItemDead, dead[0].Status)

	time.Sleep(50 * time.Millisecond)
	redelivered, err = q.Dequeue(ctx, "w1", 1)
	require.NoError(t, err)
	assert.Empty(t, redelivered)

	// Redrive brings it back.
	require.NoError(t, q.Redrive(ctx, itemID))
	redelivered, err = q.Dequeue(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, 0, redelivered[0].Attempts)
}

func TestBackoffSchedule(t *testing.T) {
	assert.Equal(t, 1*time.Second, Backoff(1))
	assert.Equal(t, 2*time.Second, Backoff(2))
	assert.Equal(t, 4*time.Second, Backoff(3))
	assert.Equal(t, 128*time.Second, Backoff(8))
	assert.Equal(t, BackoffCap, Backoff(10))
	assert.Equal(t, BackoffCap, Backoff(40))
}

func TestEnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	assert.ErrorIs(t, q.Enqueue(ctx, "acme", "atom", "a", Operation("compact"), 0), ErrValidation)
	assert.ErrorIs(t, q.Enqueue(ctx, "", "atom", "a", OpUpdate, 0), ErrValidation)
}

func TestQueueSurvivesReopen(t *testing.T) {
	// Queue durability rides on the SQLite database: a second Queue over the
	// same handle sees the same items.
	q, store := newTestQueue(t, QueueOptions{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "acme", "atom", "atom-1", OpUpdate, 0))

	q2, err := NewQueue(store.DB(), QueueOptions{})
	require.NoError(t, err)

	items, err := q2.Dequeue(ctx, "w1", 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
