// Package cache implements the verdict cache: a TTL-bounded memo of recent
// verdicts per (principal, resource) key with single-flight coordination.
//
// Single-flight is the central concurrency invariant of the engine: for a
// given key, at most one caller performs the upstream computation; all
// concurrent callers for the same key wait for that computation and observe
// the same verdict. This prevents duplicate challenges (and duplicate
// upstream accounting) when one logical attempt arrives via concurrent
// duplicate requests.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/TroyNeubauer/duo-enforcer/pkg/verdict"
)

const (
	// DefaultMaxEntries is the default bound on the cache table size.
	DefaultMaxEntries = 10_000

	// DefaultCleanupInterval is the default cadence of the background sweep.
	DefaultCleanupInterval = 30 * time.Second
)

// TTLs configures per-outcome cache lifetimes.
type TTLs struct {
	// Allow covers rapid repeated checks for one session.
	Allow time.Duration

	// Deny briefly blunts retry storms. Zero disables negative caching.
	Deny time.Duration

	// Pending bounds how long a challenge-pending verdict may linger if one
	// is ever stored directly; in-flight computations are tracked
	// separately and removed on terminal transition.
	Pending time.Duration
}

// DefaultTTLs returns the default verdict lifetimes.
func DefaultTTLs() TTLs {
	return TTLs{
		Allow:   30 * time.Second,
		Deny:    5 * time.Second,
		Pending: 60 * time.Second,
	}
}

// Key builds the cache key for a principal/resource pair. The NUL separator
// cannot appear in either component, so distinct pairs never collide.
func Key(principal, resource string) string {
	return principal + "\x00" + resource
}

type entry struct {
	v verdict.Verdict
}

// flight tracks one in-progress computation. Waiters block on done and then
// read v/err, which are written exactly once before done is closed.
type flight struct {
	done chan struct{}
	v    verdict.Verdict
	err  error
}

// Cache is a synchronized verdict table with single-flight computation.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	flights map[string]*flight

	ttls       TTLs
	maxEntries int
	logger     *slog.Logger
	now        func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTLs sets the per-outcome verdict lifetimes.
func WithTTLs(ttls TTLs) Option {
	return func(c *Cache) {
		c.ttls = ttls
	}
}

// WithMaxEntries bounds the number of cached verdicts.
func WithMaxEntries(max int) Option {
	return func(c *Cache) {
		c.maxEntries = max
	}
}

// WithCleanupInterval sets the background sweep cadence. Pass 0 to disable
// the background sweep; expired entries are still swept lazily on access.
func WithCleanupInterval(interval time.Duration) Option {
	return func(c *Cache) {
		c.cleanupInterval = interval
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// withClock replaces the cache's time source. Test hook.
func withClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a verdict cache and starts its background sweep unless
// disabled. Call Close to stop the sweep.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:         make(map[string]*entry),
		flights:         make(map[string]*flight),
		ttls:            DefaultTTLs(),
		maxEntries:      DefaultMaxEntries,
		logger:          slog.Default(),
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.cleanupInterval > 0 {
		go c.cleanupLoop()
	} else {
		close(c.cleanupDone)
	}
	return c
}

// Close stops the background sweep. The cache remains usable afterwards.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
	})
	<-c.cleanupDone
	return nil
}

func (c *Cache) cleanupLoop() {
	defer close(c.cleanupDone)
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCleanup:
			return
		case <-ticker.C:
			c.sweepLocked()
		}
	}
}

func (c *Cache) sweepLocked() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if e.v.Expired(now) {
			delete(c.entries, k)
		}
	}
}

// Get returns the cached verdict for key if present and unexpired.
func (c *Cache) Get(key string) (verdict.Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return verdict.Verdict{}, false
	}
	if e.v.Expired(c.now()) {
		delete(c.entries, key)
		return verdict.Verdict{}, false
	}
	return e.v, true
}

// GetOrCompute returns the cached verdict for key, or runs compute under
// single-flight. The second return value reports whether the verdict came
// from the cache or another caller's in-flight computation rather than this
// caller's own compute.
//
// A waiter whose context is cancelled returns the context error without
// cancelling the leader: the leader runs to its own deadline and its result
// remains available for other waiters.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (verdict.Verdict, error)) (verdict.Verdict, bool, error) {
	c.mu.Lock()

	if e, ok := c.entries[key]; ok {
		if !e.v.Expired(c.now()) {
			c.mu.Unlock()
			return e.v, true, nil
		}
		delete(c.entries, key)
	}

	if f, ok := c.flights[key]; ok {
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return verdict.Verdict{}, false, ctx.Err()
		case <-f.done:
			return f.v, true, f.err
		}
	}

	f := &flight{done: make(chan struct{})}
	c.flights[key] = f
	c.mu.Unlock()

	v, err := compute(ctx)

	c.mu.Lock()
	delete(c.flights, key)
	if err == nil {
		c.putLocked(key, v)
	}
	c.mu.Unlock()

	f.v, f.err = v, err
	close(f.done)
	return v, false, err
}

// Put records a verdict with its outcome's TTL. Error verdicts and
// outcomes with a zero TTL are not cached.
func (c *Cache) Put(key string, v verdict.Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, v)
}

func (c *Cache) putLocked(key string, v verdict.Verdict) {
	var ttl time.Duration
	switch v.Outcome {
	case verdict.Allow:
		ttl = c.ttls.Allow
	case verdict.Deny:
		ttl = c.ttls.Deny
	case verdict.ChallengePending:
		ttl = c.ttls.Pending
	default:
		return
	}
	if ttl <= 0 {
		return
	}

	now := c.now()
	v.ExpiresAt = now.Add(ttl)

	if len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = &entry{v: v}
}

// evictLocked frees space: expired entries first, then the oldest entry by
// expiry. Must be called with mu held.
func (c *Cache) evictLocked(now time.Time) {
	var oldestKey string
	var oldestExpiry time.Time
	for k, e := range c.entries {
		if e.v.Expired(now) {
			delete(c.entries, k)
			return
		}
		if oldestKey == "" || e.v.ExpiresAt.Before(oldestExpiry) {
			oldestKey, oldestExpiry = k, e.v.ExpiresAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Invalidate removes every cached verdict for the principal, across all
// resources. Called on lockout state changes so stale ALLOW verdicts cannot
// outlive a lockout.
func (c *Cache) Invalidate(principal string) {
	prefix := principal + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
}

// Remove deletes a single cache entry.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len reports the number of cached verdicts, including expired entries not
// yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
