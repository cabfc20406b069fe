package sharedstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCacheSetGet(t *testing.T) {
	c := newLocalCache(50 * time.Millisecond)

	_, ok := c.get("missing")
	assert.False(t, ok)

	c.set("k", "v")
	v, ok := c.get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestLocalCacheExpiry(t *testing.T) {
	c := newLocalCache(10 * time.Millisecond)
	c.set("k", "v")

	time.Sleep(25 * time.Millisecond)

	_, ok := c.get("k")
	assert.False(t, ok, "entry should have expired")
}

func TestLocalCacheDelete(t *testing.T) {
	c := newLocalCache(time.Minute)
	c.set("k", "v")
	c.delete("k")

	_, ok := c.get("k")
	assert.False(t, ok)
}

func TestLocalCacheDisableClears(t *testing.T) {
	c := newLocalCache(time.Minute)
	c.set("k", "v")

	c.configure(false, 0)
	_, ok := c.get("k")
	assert.False(t, ok, "disabling the cache should evict all entries")

	c.set("k2", "v2")
	_, ok = c.get("k2")
	assert.False(t, ok, "writes while disabled must not populate the cache")

	c.configure(true, time.Minute)
	c.set("k3", "v3")
	v, ok := c.get("k3")
	require.True(t, ok)
	assert.Equal(t, "v3", v)
}

func TestLocalCacheSweep(t *testing.T) {
	c := newLocalCache(5 * time.Millisecond)
	c.set("a", "1")
	c.set("b", "2")
	time.Sleep(15 * time.Millisecond)

	c.sweep()

	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	assert.Zero(t, n)
}

func TestLocalCacheReconfigureTTL(t *testing.T) {
	c := newLocalCache(time.Millisecond)
	c.configure(true, time.Hour)

	c.set("k", "v")
	time.Sleep(5 * time.Millisecond)

	v, ok := c.get("k")
	require.True(t, ok, "new TTL should apply to subsequent writes")
	assert.Equal(t, "v", v)
}
