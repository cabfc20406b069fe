package sharedstate

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywave/gateway/errors"
)

// unreachableConfig points at a loopback address nothing is listening on, so
// every connection attempt fails fast (connection refused) without the 5s
// Ping timeout actually being hit, and the background reconnect timer is
// parked well past the test's lifetime.
func unreachableConfig() Config {
	return Config{
		Host:                 "127.0.0.1",
		Port:                 "1",
		CacheTTL:             time.Second,
		FailureThreshold:     2,
		ResetTimeout:         30 * time.Millisecond,
		ReconnectDelay:       time.Minute,
		MaxReconnectAttempts: 10,
	}
}

func TestClientBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	c := New(unreachableConfig())
	defer c.Close()

	ctx := context.Background()

	// FailureThreshold is 2: the first two calls reach the breaker-wrapped
	// closure and fail because no rdb is connected.
	_, _, err := c.Get(ctx, "k", true)
	require.Error(t, err)
	assert.Equal(t, errNotConnected, err)
	assert.Equal(t, gobreaker.StateClosed, c.breaker.State())

	_, _, err = c.Get(ctx, "k", true)
	require.Error(t, err)
	assert.Equal(t, errNotConnected, err)

	// The second failure satisfies ReadyToTrip; the breaker is now open and
	// further calls fail fast without ever invoking fn.
	assert.Equal(t, gobreaker.StateOpen, c.breaker.State())

	_, _, err = c.Get(ctx, "k", true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
}

func TestClientBreakerHalfOpensAfterResetTimeout(t *testing.T) {
	c := New(unreachableConfig())
	defer c.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _, _ = c.Get(ctx, "k", true)
	}
	require.Equal(t, gobreaker.StateOpen, c.breaker.State())

	time.Sleep(40 * time.Millisecond)

	// gobreaker reports StateOpen until the next Execute call observes the
	// elapsed timeout, at which point it transitions to half-open and lets
	// exactly one probe through (MaxRequests: 1). The probe still fails
	// (still no rdb), so the breaker reopens immediately afterward.
	_, _, err := c.Get(ctx, "k", true)
	require.Error(t, err)
	assert.Equal(t, errNotConnected, err)
	assert.Equal(t, gobreaker.StateOpen, c.breaker.State())

	_, _, err = c.Get(ctx, "k", true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
}

func TestClientSetPopulatesCacheEvenWhenDisconnected(t *testing.T) {
	c := New(unreachableConfig())
	defer c.Close()

	ctx := context.Background()
	_ = c.Set(ctx, "k", "v", time.Minute)

	v, ok := c.cache.get("k")
	require.True(t, ok, "Set must populate the local cache regardless of store reachability")
	assert.Equal(t, "v", v)
}

func TestClientGetServesFromCacheWithoutReachingBreaker(t *testing.T) {
	c := New(unreachableConfig())
	defer c.Close()

	ctx := context.Background()
	c.cache.set("k", "cached")

	v, ok, err := c.Get(ctx, "k", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cached", v)
	assert.Equal(t, gobreaker.StateClosed, c.breaker.State(), "a cache hit must not count toward the breaker")
}

func TestClientHealthCheckReportsUnhealthyWhenNotConnected(t *testing.T) {
	c := New(unreachableConfig())
	defer c.Close()

	health := c.HealthCheck(context.Background())
	assert.Equal(t, HealthUnhealthy, health.Status)
	assert.NotEmpty(t, health.Error)
}
