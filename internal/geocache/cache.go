// Package geocache implements the two-tier IP geolocation cache: a
// bounded, concurrent-safe hot LRU in front of a cold external
// lookup, with non-blocking reads and an asynchronous backfill worker.
package geocache

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ocx/backend/internal/metrics"
)

// Entry is an immutable geo snapshot for one IP. Refreshes replace an Entry
// wholesale; nothing ever mutates one in place.
type Entry struct {
	IP string
	Country string
	Region string
	City string
	Lat float64
	Lon float64
	TZ string
	SourceOfTruth time.Time
}

// stale reports whether the entry is old enough to warrant an opportunistic
// refresh on next read (TTL is advisory, 30 days default).
func (e *Entry) stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.SourceOfTruth) > ttl
}

// ColdStore performs the external (on-disk / warehouse) geo lookup used to
// backfill the hot cache on a miss.
type ColdStore interface {
	Lookup(ctx context.Context, ip string) (*Entry, error)
}

// Config controls cache sizing and refresh behaviour.
type Config struct {
	// HotCapacity bounds the in-memory LRU (default 50_000).
	HotCapacity int
	// BackfillQueueSize bounds the async backfill queue (default 2_000).
	// Overflow policy is drop-oldest, matching the handoff-channel
	// overflow policy used for the SQL-writer feed elsewhere in the
	// pipeline.
	BackfillQueueSize int
	// StaleAfter is the advisory TTL (default 30 days).
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.HotCapacity <= 0 {
		c.HotCapacity = 50_000
	}
	if c.BackfillQueueSize <= 0 {
		c.BackfillQueueSize = 2_000
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * 24 * time.Hour
	}
	return c
}

// Cache is the two-tier geo cache. Get never blocks the caller: a miss
// enqueues a backfill request and returns immediately.
type Cache struct {
	cfg Config
	cold ColdStore
	hot atomic.Pointer[lru.Cache[string, *Entry]]
	queue *dropOldestQueue

	logger *log.Logger
	metrics *metrics.Metrics
}

// New creates a Cache backed by cold for misses.
func New(cfg Config, cold ColdStore) *Cache {
	cfg = cfg.withDefaults()
	hot, err := lru.New[string, *Entry](cfg.HotCapacity)
	if err != nil {
		// Only size<=0 returns an error from lru.New, and withDefaults
		// already guarantees a positive size.
		panic(err)
	}

	c := &Cache{
		cfg: cfg,
		cold: cold,
		queue: newDropOldestQueue(cfg.BackfillQueueSize),
		logger: log.New(log.Writer(), "[GEOCACHE] ", log.LstdFlags),
	}
	c.hot.Store(hot)
	return c
}

// WithMetrics attaches Prometheus instrumentation: every lookup after this
// call records GeoCacheHits by outcome, and every Clear records
// GeoCacheClears. Returns c for chaining at construction.
func (c *Cache) WithMetrics(m *metrics.Metrics) *Cache {
	c.metrics = m
	return c
}

// Get returns the cached entry for ip, or (nil, false) on a miss. On miss,
// ip is enqueued onto the backfill queue (drop-oldest on overflow) so a
// background worker can populate the cache; Get itself never blocks.
func (c *Cache) Get(ip string, now time.Time) (*Entry, bool) {
	hot := c.hot.Load()
	entry, ok := hot.Get(ip)
	if !ok {
		c.metrics.IncGeoCacheLookup("miss")
		c.enqueueBackfill(ip)
		return nil, false
	}

	if entry.stale(now, c.cfg.StaleAfter) {
		c.metrics.IncGeoCacheLookup("stale")
		c.enqueueBackfill(ip)
		return entry, true
	}
	c.metrics.IncGeoCacheLookup("hit")
	return entry, true
}

func (c *Cache) enqueueBackfill(ip string) {
	c.queue.push(ip)
}

// Clear invalidates the entire cache. Atomic with respect to concurrent
// readers: a new, empty LRU is built and swapped in with a single pointer
// store, so readers either see the old (pre-clear) cache or the new empty
// one, never a partially-cleared one.
func (c *Cache) Clear() {
	fresh, _ := lru.New[string, *Entry](c.cfg.HotCapacity)
	c.hot.Store(fresh)
	c.metrics.IncGeoCacheClear()
	c.logger.Printf("geo cache cleared")
}

// put installs an entry into the hot tier. Called only by the backfill
// worker.
func (c *Cache) put(entry *Entry) {
	c.hot.Load().Add(entry.IP, entry)
}

// RunBackfillWorker drains the backfill queue until ctx is cancelled,
// performing the cold lookup and populating the hot cache for each IP. This
// is the single background worker serving every hot-cache miss.
func (c *Cache) RunBackfillWorker(ctx context.Context) {
	for {
		ip, ok := c.queue.pop(ctx)
		if !ok {
			return
		}

		entry, err := c.cold.Lookup(ctx, ip)
		if err != nil {
			c.logger.Printf("backfill lookup failed for %s: %v", ip, err)
			continue
		}
		if entry == nil {
			continue
		}
		entry.IP = ip
		c.put(entry)
	}
}
