package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheHitAndMiss(t *testing.T) {
	c := NewResultCache(10, 0)

	key := c.Key("acme", "query=quebec&limit=10")
	_, ok := c.Get(key)
	assert.False(t, ok)

	c.Put(key, "acme", "response-1")
	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "response-1", got)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCacheKeyIsDeterministic(t *testing.T) {
	c := NewResultCache(10, 0)
	assert.Equal(t, c.Key("acme", "q"), c.Key("acme", "q"))
	assert.NotEqual(t, c.Key("acme", "q"), c.Key("other", "q"))
	assert.NotEqual(t, c.Key("acme", "q1"), c.Key("acme", "q2"))
}

func TestCacheTTLExpiration(t *testing.T) {
	c := NewResultCache(10, 20*time.Millisecond)

	key := c.Key("acme", "q")
	c.Put(key, "acme", "response")

	_, ok := c.Get(key)
	assert.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCacheLRUEviction(t *testing.T) {
	c := NewResultCache(2, 0)

	k1 := c.Key("acme", "q1")
	k2 := c.Key("acme", "q2")
	k3 := c.Key("acme", "q3")

	c.Put(k1, "acme", "r1")
	c.Put(k2, "acme", "r2")

	// Touch k1 so k2 becomes the LRU victim.
	_, ok := c.Get(k1)
	require.True(t, ok)

	c.Put(k3, "acme", "r3")
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get(k2)
	assert.False(t, ok)
	_, ok = c.Get(k1)
	assert.True(t, ok)
}

func TestCacheInvalidateTenant(t *testing.T) {
	c := NewResultCache(10, 0)

	c.Put(c.Key("acme", "q1"), "acme", "r1")
	c.Put(c.Key("acme", "q2"), "acme", "r2")
	c.Put(c.Key("globex", "q1"), "globex", "r3")

	c.InvalidateTenant("acme")

	_, ok := c.Get(c.Key("acme", "q1"))
	assert.False(t, ok)
	_, ok = c.Get(c.Key("acme", "q2"))
	assert.False(t, ok)

	// Other tenants are untouched.
	got, ok := c.Get(c.Key("globex", "q1"))
	require.True(t, ok)
	assert.Equal(t, "r3", got)

	// Invalidating an unknown tenant is a no-op.
	c.InvalidateTenant("missing")
	assert.Equal(t, 1, c.Len())
}

func TestCacheDisabled(t *testing.T) {
	c := NewResultCache(10, 0)
	key := c.Key("acme", "q")
	c.Put(key, "acme", "r")

	c.SetEnabled(false)
	_, ok := c.Get(key)
	assert.False(t, ok)

	c.Put(key, "acme", "r")
	assert.Equal(t, 0, c.Len())
}

// Exercises readers racing the enabled toggle; run under -race.
func TestCacheConcurrentToggle(t *testing.T) {
	c := NewResultCache(10, 0)
	key := c.Key("acme", "q")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Get(key)
				c.Put(key, "acme", "r")
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 200; j++ {
			c.SetEnabled(j%2 == 0)
		}
	}()
	wg.Wait()

	c.SetEnabled(true)
	c.Put(key, "acme", "r")
	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "r", got)
}
