package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is the freshness window used when a read does not set one.
const DefaultTTL = 5 * time.Minute

// ErrTypeMismatch indicates that a shared fetch produced a value of another type
// than the caller expected for the same key.
var ErrTypeMismatch = errors.New("cache: value type mismatch")

// ErrNoFetcher indicates an untyped refetch for a key that was never read.
var ErrNoFetcher = errors.New("cache: no fetcher recorded for key")

// Fetcher loads the authoritative value for one key. It must be idempotent.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Option mutates cache construction configuration.
type Option func(*Cache)

// WithClock overrides the clock used for storedAt and freshness checks.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithDefaultTTL sets the freshness window applied when a read omits WithTTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl >= 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithLogger configures the cache logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// ReadOption tunes one read.
type ReadOption func(*readConfig)

type readConfig struct {
	ttl     time.Duration
	enabled bool
}

// WithTTL sets the freshness window for one read. Zero means always stale; the
// fetched value is still stored.
func WithTTL(ttl time.Duration) ReadOption {
	return func(cfg *readConfig) {
		if ttl >= 0 {
			cfg.ttl = ttl
		}
	}
}

// WithEnabled toggles caching for one read. A disabled read always fetches and never stores.
func WithEnabled(enabled bool) ReadOption {
	return func(cfg *readConfig) {
		cfg.enabled = enabled
	}
}

// Cache is the concurrency-safe response cache.
type Cache struct {
	clock      func() time.Time
	defaultTTL time.Duration
	logger     *slog.Logger
	flights    singleflight.Group

	mu          sync.Mutex
	seq         uint64
	entries     map[string]*entry
	generations map[string]uint64
	loaders     map[string]loader
	waiters     map[string]int

	hits     atomic.Int64
	misses   atomic.Int64
	fetches  atomic.Int64
	shared   atomic.Int64
	bypassed atomic.Int64
	evicted  atomic.Int64
}

type loader struct {
	fetch func(context.Context) (any, error)
	ttl   time.Duration
}

type entry struct {
	value      any
	storedAt   time.Time
	ttl        time.Duration
	generation uint64
}

// New creates an empty cache.
func New(options ...Option) *Cache {
	c := &Cache{
		clock:       time.Now,
		defaultTTL:  DefaultTTL,
		logger:      slog.Default(),
		entries:     make(map[string]*entry),
		generations: make(map[string]uint64),
		loaders:     make(map[string]loader),
		waiters:     make(map[string]int),
	}
	for _, option := range options {
		option(c)
	}

	return c
}

// Get returns the cached value for key when it is younger than the TTL, and
// otherwise fetches, stores and returns a fresh one. Fetch errors are returned
// as-is and never cached.
func Get[T any](ctx context.Context, c *Cache, key string, fetch Fetcher[T], options ...ReadOption) (T, error) {
	var zero T
	if fetch == nil {
		return zero, fmt.Errorf("cache get %s: nil fetcher", key)
	}

	cfg := readConfig{ttl: c.defaultTTL, enabled: true}
	for _, option := range options {
		option(&cfg)
	}

	if !cfg.enabled {
		c.bypassed.Add(1)
		return fetch(ctx)
	}

	if value, ok := lookup[T](c, key, cfg.ttl); ok {
		c.hits.Add(1)
		return value, nil
	}
	c.misses.Add(1)

	return load(ctx, c, key, fetch, cfg.ttl, false)
}

// Refetch fetches key bypassing freshness and overwrites the entry. Reads that
// start while it is in flight share its result; fetches started before it are
// discarded when they land.
func Refetch[T any](ctx context.Context, c *Cache, key string, fetch Fetcher[T], options ...ReadOption) (T, error) {
	var zero T
	if fetch == nil {
		return zero, fmt.Errorf("cache refetch %s: nil fetcher", key)
	}

	cfg := readConfig{ttl: c.defaultTTL, enabled: true}
	for _, option := range options {
		option(&cfg)
	}

	return load(ctx, c, key, fetch, cfg.ttl, true)
}

// Refetch re-runs the fetcher most recently used for key, bypassing freshness.
// Invalidating or sweeping key forgets its fetcher.
func (c *Cache) Refetch(ctx context.Context, key string) error {
	c.mu.Lock()
	latest, known := c.loaders[key]
	c.mu.Unlock()
	if !known {
		return fmt.Errorf("cache refetch %s: %w", key, ErrNoFetcher)
	}

	_, err := c.do(ctx, key, latest.fetch, latest.ttl, true)
	return err
}

// Peek returns the stored value for key without a freshness check or fetch.
func Peek[T any](c *Cache, key string) (value T, storedAt time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored, exists := c.entries[key]
	if !exists {
		return value, time.Time{}, false
	}
	typed, matches := stored.value.(T)
	if !matches {
		return value, time.Time{}, false
	}

	return typed, stored.storedAt, true
}

// Invalidate removes key so the next read is a guaranteed miss.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.invalidateLocked(key)
}

// InvalidateByPrefix removes every key starting with prefix.
func (c *Cache) InvalidateByPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.generations {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, exists := c.entries[key]; exists {
			removed++
		}
		c.invalidateLocked(key)
	}

	return removed
}

// InvalidateAll removes every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.generations {
		c.invalidateLocked(key)
	}
}

// Sweep evicts entries whose TTL has elapsed and returns how many were
// removed. Bookkeeping for keys with no entry and no waiting reader is
// dropped too.
func (c *Cache) Sweep() int {
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, stored := range c.entries {
		if fresh(stored, stored.ttl, now) {
			continue
		}
		delete(c.entries, key)
		removed++
	}
	c.evicted.Add(int64(removed))

	for key := range c.generations {
		if _, stored := c.entries[key]; stored || c.waiters[key] > 0 {
			continue
		}
		delete(c.generations, key)
		delete(c.loaders, key)
	}

	return removed
}

// Run sweeps expired entries every interval until ctx is canceled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("run cache janitor: interval must be > 0")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				c.logger.DebugContext(ctx, "cache sweep evicted expired entries", "count", removed)
			}
		}
	}
}

// Len returns the number of stored entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits     int64
	Misses   int64
	Fetches  int64
	Shared   int64
	Bypassed int64
	Evicted  int64
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Fetches:  c.fetches.Load(),
		Shared:   c.shared.Load(),
		Bypassed: c.bypassed.Load(),
		Evicted:  c.evicted.Load(),
	}
}

// invalidateLocked drops key. With readers still waiting it opens a new
// generation so their fetch cannot land; otherwise the key is forgotten.
func (c *Cache) invalidateLocked(key string) {
	delete(c.entries, key)
	delete(c.loaders, key)
	if c.waiters[key] == 0 {
		delete(c.generations, key)
		return
	}
	c.seq++
	c.generations[key] = c.seq
}

// generation returns the generation a new fetch for key belongs to. A forced
// fetch opens a new generation so it is neither joined to nor overwritten by
// anything started earlier.
func (c *Cache) generation(key string, force bool, latest loader) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loaders[key] = latest
	c.waiters[key]++

	current, known := c.generations[key]
	if force || !known {
		c.seq++
		current = c.seq
		c.generations[key] = current
	}

	return current
}

// release undoes the waiter count taken by generation.
func (c *Cache) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.waiters[key] <= 1 {
		delete(c.waiters, key)
		return
	}
	c.waiters[key]--
}

// store installs value unless a newer generation was opened meanwhile.
func (c *Cache) store(key string, generation uint64, value any, ttl time.Duration) bool {
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generations[key] != generation {
		return false
	}
	c.entries[key] = &entry{
		value:      value,
		storedAt:   now,
		ttl:        ttl,
		generation: generation,
	}

	return true
}

func lookup[T any](c *Cache, key string, ttl time.Duration) (T, bool) {
	var zero T
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	stored, exists := c.entries[key]
	if !exists || !fresh(stored, ttl, now) {
		return zero, false
	}
	typed, matches := stored.value.(T)
	if !matches {
		return zero, false
	}

	return typed, true
}

func fresh(stored *entry, ttl time.Duration, now time.Time) bool {
	return now.Sub(stored.storedAt) < ttl
}

// do runs or joins the fetch for key in its current generation and remembers
// fetch as the key's loader.
func (c *Cache) do(
	ctx context.Context,
	key string,
	fetch func(context.Context) (any, error),
	ttl time.Duration,
	force bool,
) (any, error) {
	generation := c.generation(key, force, loader{fetch: fetch, ttl: ttl})
	flightKey := key + "\x00" + strconv.FormatUint(generation, 10)

	// The shared fetch must outlive any single waiter's cancellation.
	fetchCtx := context.WithoutCancel(ctx)
	results := c.flights.DoChan(flightKey, func() (any, error) {
		c.fetches.Add(1)
		value, err := fetchSafely(fetchCtx, key, fetch)
		if err != nil {
			return nil, err
		}
		if !c.store(key, generation, value, ttl) {
			c.logger.DebugContext(fetchCtx, "cache discarded superseded fetch", "key", key)
		}

		return value, nil
	})

	defer c.release(key)

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("cache get %s: %w", key, ctx.Err())
	case result := <-results:
		if result.Shared {
			c.shared.Add(1)
		}

		return result.Val, result.Err
	}
}

func load[T any](
	ctx context.Context,
	c *Cache,
	key string,
	fetch Fetcher[T],
	ttl time.Duration,
	force bool,
) (T, error) {
	var zero T
	value, err := c.do(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}, ttl, force)
	if err != nil {
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("cache get %s: %w: got %T", key, ErrTypeMismatch, value)
	}

	return typed, nil
}

// fetchSafely runs fetch and converts a panic into an error.
func fetchSafely(ctx context.Context, key string, fetch func(context.Context) (any, error)) (value any, err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = fmt.Errorf("cache fetch %s: panic recovered: %v", key, recovered)
	}()

	return fetch(ctx)
}
