// Package sharedstate wraps a remote key-value and pub/sub store (Redis)
// with a read-through local cache, a circuit breaker, and jittered
// exponential reconnect. It is the substrate every domain handler uses to
// share presence, chat history, typing state, and note content across a
// fleet of gateway instances.
package sharedstate

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/relaywave/gateway/errors"
	"go.uber.org/zap"

	"github.com/relaywave/gateway/logger"
)

// Config configures a Client.
type Config struct {
	Host string
	Port string
	// CacheTTL is the default per-entry local cache lifetime.
	CacheTTL time.Duration
	// FailureThreshold is the number of consecutive failures before the
	// breaker opens.
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays open before probing again.
	ResetTimeout time.Duration
	// ReconnectDelay is the base delay for the exponential reconnect backoff.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts bounds the exponential backoff before the client
	// gives up for a full cool-down window.
	MaxReconnectAttempts int
}

// DefaultConfig returns the defaults named in the shared-state design: a
// 5-failure threshold, 30s open window, and 10 reconnect attempts before a
// cool-down (one minute, then a further five before the next attempt).
func DefaultConfig(host, port string) Config {
	return Config{
		Host:                 host,
		Port:                 port,
		CacheTTL:             30 * time.Second,
		FailureThreshold:     5,
		ResetTimeout:         30 * time.Second,
		ReconnectDelay:       1 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// Health describes the outcome of a HealthCheck call.
type Health struct {
	Status       string        `json:"status"` // healthy | degraded | unhealthy
	ResponseTime time.Duration `json:"responseTime"`
	Error        string        `json:"error,omitempty"`
}

const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// degradedThreshold is the round-trip time above which a successful PING is
// reported as degraded rather than healthy.
const degradedThreshold = 100 * time.Millisecond

// Client is a process-singleton wrapper around a redis.Client providing the
// narrow operation set domain handlers are allowed to use: set, get,
// delete, mget, mset, increment, expire, keys, publish, subscribe, and
// healthCheck.
type Client struct {
	cfg Config
	log *zap.SugaredLogger

	mu        sync.RWMutex
	rdb       *redis.Client
	connected bool

	breaker *gobreaker.CircuitBreaker

	cache *localCache

	reconnectAttempt int32
	stopCh           chan struct{}
	stopOnce         sync.Once

	hits   atomic.Int64
	misses atomic.Int64
}

// New constructs a Client and performs the initial connection attempt in the
// background; the client is usable immediately (operations fail over to the
// circuit breaker until the first successful connect).
func New(cfg Config) *Client {
	c := &Client{
		cfg:    cfg,
		log:    logger.ComponentLogger("sharedstate"),
		cache:  newLocalCache(cfg.CacheTTL),
		stopCh: make(chan struct{}),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sharedstate",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Infow("circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})

	c.initialize()
	go c.cache.runSweeper(c.stopCh)
	return c
}

func (c *Client) initialize() {
	opts := &redis.Options{Addr: c.cfg.Host + ":" + c.cfg.Port}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		c.log.Warnw("shared-state connect failed", "error", err.Error())
		_ = rdb.Close()
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	c.rdb = rdb
	c.connected = true
	c.mu.Unlock()
	atomic.StoreInt32(&c.reconnectAttempt, 0)
	c.log.Infow("shared-state connected", "host", c.cfg.Host, "port", c.cfg.Port)
}

// scheduleReconnect schedules initialize() after
// reconnectDelay * 1.5^(attempt-1) plus 30% jitter. After
// MaxReconnectAttempts it resets the counter, waits one minute, and then
// schedules initialize() five minutes after that.
func (c *Client) scheduleReconnect() {
	attempt := atomic.AddInt32(&c.reconnectAttempt, 1)

	if int(attempt) > c.cfg.MaxReconnectAttempts {
		c.log.Warnw("exhausted reconnect attempts, cooling down", "attempts", attempt)
		atomic.StoreInt32(&c.reconnectAttempt, 0)
		time.AfterFunc(1*time.Minute, func() {
			time.AfterFunc(5*time.Minute, c.initialize)
		})
		return
	}

	backoff := float64(c.cfg.ReconnectDelay) * pow15(int(attempt-1))
	jitter := backoff * 0.3 * (rand.Float64()*2 - 1)
	delay := time.Duration(backoff + jitter)
	if delay < 0 {
		delay = c.cfg.ReconnectDelay
	}

	time.AfterFunc(delay, c.initialize)
}

func pow15(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 1.5
	}
	return v
}

// Close stops background loops and closes the underlying connection.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

func (c *Client) client() (*redis.Client, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rdb, c.connected
}

// errNotConnected is returned by the breaker-wrapped call itself when no
// rdb is available, so the absence of a connection still counts toward
// gobreaker's ConsecutiveFailures instead of being filtered out upstream
// of the breaker.
var errNotConnected = errors.New("shared-state: not connected")

// execute always runs fn through the circuit breaker — connectivity is not
// checked ahead of time, so a string of transient failures can actually
// accumulate in gobreaker's ConsecutiveFailures counter and trip the
// breaker open, per the component design. connected is updated for
// HealthCheck/informational purposes only; it never gates whether a call
// reaches the breaker.
func (c *Client) execute(ctx context.Context, fn func(rdb *redis.Client) (interface{}, error)) (interface{}, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		rdb, _ := c.client()
		if rdb == nil {
			return nil, errNotConnected
		}
		return fn(rdb)
	})
	if err != nil {
		switch err {
		case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
			return nil, errors.Wrap(err, "shared-state: circuit breaker open")
		case redis.Nil, errNotConnected:
			// redis.Nil is a normal "not found", handled by callers; a
			// reconnect is already in flight for errNotConnected.
		default:
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			go c.scheduleReconnect()
		}
		return nil, err
	}
	return result, nil
}

// Set stores value under key with the given ttl (0 = no expiry). The local
// cache is updated regardless of store success so reads stay consistent
// with the writer's own view.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.cache.set(key, value)
	_, err := c.execute(ctx, func(rdb *redis.Client) (interface{}, error) {
		return nil, rdb.Set(ctx, key, value, ttl).Err()
	})
	return err
}

// SetJSON marshals v and stores it as a JSON string.
func (c *Client) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "shared-state: marshal")
	}
	return c.Set(ctx, key, string(raw), ttl)
}

// Get returns the value for key, a local cache hit taking precedence unless
// bypassCache is set.
func (c *Client) Get(ctx context.Context, key string, bypassCache bool) (string, bool, error) {
	if !bypassCache {
		if v, ok := c.cache.get(key); ok {
			c.hits.Add(1)
			return v, true, nil
		}
	}
	c.misses.Add(1)

	result, err := c.execute(ctx, func(rdb *redis.Client) (interface{}, error) {
		return rdb.Get(ctx, key).Result()
	})
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, err
	}
	value := result.(string)
	c.cache.set(key, value)
	return value, true, nil
}

// GetJSON fetches key and unmarshals it into v. If the stored value fails to
// parse as JSON it is treated as raw text and ErrNotJSON is returned
// alongside ok=true so callers can fall back.
func (c *Client) GetJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	raw, ok, err := c.Get(ctx, key, false)
	if err != nil || !ok {
		return ok, err
	}
	if jerr := json.Unmarshal([]byte(raw), v); jerr != nil {
		return true, errors.Wrap(jerr, "shared-state: value is not valid JSON")
	}
	return true, nil
}

// Delete removes key from both the cache and the store.
func (c *Client) Delete(ctx context.Context, key string) error {
	c.cache.delete(key)
	_, err := c.execute(ctx, func(rdb *redis.Client) (interface{}, error) {
		return nil, rdb.Del(ctx, key).Err()
	})
	return err
}

// MGet returns a map of the requested keys to their values; missing keys are
// simply absent from the result.
func (c *Client) MGet(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	result, err := c.execute(ctx, func(rdb *redis.Client) (interface{}, error) {
		return rdb.MGet(ctx, keys...).Result()
	})
	if err != nil {
		return nil, err
	}
	values := result.([]interface{})
	out := make(map[string]string, len(keys))
	for i, v := range values {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[keys[i]] = s
		c.cache.set(keys[i], s)
	}
	return out, nil
}

// MSet writes every key-value pair with a shared ttl.
func (c *Client) MSet(ctx context.Context, kvs map[string]string, ttl time.Duration) error {
	for k, v := range kvs {
		c.cache.set(k, v)
	}
	_, err := c.execute(ctx, func(rdb *redis.Client) (interface{}, error) {
		pipe := rdb.Pipeline()
		for k, v := range kvs {
			if ttl > 0 {
				pipe.Set(ctx, k, v, ttl)
			} else {
				pipe.Set(ctx, k, v, 0)
			}
		}
		_, perr := pipe.Exec(ctx)
		return nil, perr
	})
	return err
}

// Increment adds delta to the integer stored at key (creating it at delta if
// absent) and returns the new value.
func (c *Client) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	c.cache.delete(key)
	result, err := c.execute(ctx, func(rdb *redis.Client) (interface{}, error) {
		return rdb.IncrBy(ctx, key, delta).Result()
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// Expire sets a new ttl on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := c.execute(ctx, func(rdb *redis.Client) (interface{}, error) {
		return nil, rdb.Expire(ctx, key, ttl).Err()
	})
	return err
}

// Keys returns all store keys matching pattern. This is an O(N) scan and is
// reserved for low-frequency operations (e.g. enumerating collections).
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	result, err := c.execute(ctx, func(rdb *redis.Client) (interface{}, error) {
		return rdb.Keys(ctx, pattern).Result()
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

// Publish sends payload to channel.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	_, err := c.execute(ctx, func(rdb *redis.Client) (interface{}, error) {
		return nil, rdb.Publish(ctx, channel, payload).Err()
	})
	return err
}

// Subscribe returns a channel of messages published to channel and an
// unsubscribe function. The caller must invoke the cancel function to
// release the subscription.
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	rdb, connected := c.client()
	if !connected {
		return nil, nil, errors.New("shared-state: not connected")
	}
	sub := rdb.Subscribe(ctx, channel)
	out := make(chan string, 16)
	done := make(chan struct{})
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
					c.log.Warnw("subscriber channel full, dropping message", "channel", channel)
				}
			}
		}
	}()
	cancel := func() {
		close(done)
		_ = sub.Close()
		close(out)
	}
	return out, cancel, nil
}

// HealthCheck performs a PING and classifies round-trip latency.
func (c *Client) HealthCheck(ctx context.Context) Health {
	rdb, connected := c.client()
	if !connected || rdb == nil {
		return Health{Status: HealthUnhealthy, Error: "not connected"}
	}
	if c.breaker.State() == gobreaker.StateOpen {
		return Health{Status: HealthUnhealthy, Error: "circuit breaker open"}
	}

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	elapsed := time.Since(start)
	if err != nil {
		return Health{Status: HealthUnhealthy, ResponseTime: elapsed, Error: err.Error()}
	}
	if elapsed >= degradedThreshold {
		return Health{Status: HealthDegraded, ResponseTime: elapsed}
	}
	return Health{Status: HealthHealthy, ResponseTime: elapsed}
}

// CacheStats reports cumulative hit/miss counters for metrics reporting.
func (c *Client) CacheStats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// ConfigureCache enables/disables the local cache and adjusts its TTL at
// runtime, backing the admin cache-config endpoint. Disabling clears all
// entries.
func (c *Client) ConfigureCache(enabled bool, ttl time.Duration) {
	c.cache.configure(enabled, ttl)
}

// CacheConfig returns the cache's current enabled state and TTL.
func (c *Client) CacheConfig() (enabled bool, ttl time.Duration) {
	return c.cache.config()
}
