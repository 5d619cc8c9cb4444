// Package cache deduplicates identical non-conversational completions. It
// pairs a TTL+LRU response cache with a single-flight group so that any
// number of concurrent identical requests cost exactly one CLI turn.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alexander-akhmetov/ccgateway/internal/debug"
)

// Config bounds the cache.
type Config struct {
	// TTL is the entry lifetime. The boundary is exclusive: an entry read at
	// exactly inserted_at+TTL is already expired.
	TTL time.Duration

	// MaxEntries caps the cache; inserting past it evicts the LRU entry.
	MaxEntries int
}

// Stats is the cache half of GET /stats.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

type entry struct {
	key     string
	body    []byte
	expires time.Time
}

// Cache is safe for concurrent use. All map/list access happens under mu;
// producers run outside it, coalesced per fingerprint by the single-flight
// group.
type Cache struct {
	cfg   Config
	now   func() time.Time
	group singleflight.Group

	mu        sync.Mutex
	entries   map[string]*list.Element
	order     *list.List // front = most recently used
	hits      int64
	misses    int64
	evictions int64
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100
	}
	return &Cache{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// GetOrCompute returns the cached body for fingerprint, or runs produce to
// fill it. Concurrent callers for one fingerprint share a single produce
// call and all receive its outcome. Errors are never cached: the next call
// computes afresh.
func (c *Cache) GetOrCompute(fingerprint string, produce func() ([]byte, error)) ([]byte, error) {
	if body, ok := c.get(fingerprint); ok {
		return body, nil
	}

	v, err, shared := c.group.Do(fingerprint, func() (any, error) {
		// A just-published entry may have landed between our miss and the
		// group slot; serving it keeps duplicate work at zero.
		if body, ok := c.get(fingerprint); ok {
			return body, nil
		}
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()

		body, err := produce()
		if err != nil {
			return nil, err
		}
		c.insert(fingerprint, body)
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		debug.Logf("cache: coalesced duplicate request fingerprint=%.16s", fingerprint)
	}
	return clone(v.([]byte)), nil
}

// get returns an unexpired entry, promoting it to most recently used.
// Expired entries are removed on sight.
func (c *Cache) get(fingerprint string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if !c.now().Before(e.expires) {
		c.removeLocked(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return clone(e.body), true
}

func (c *Cache) insert(fingerprint string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[fingerprint]; ok {
		c.order.Remove(el)
		delete(c.entries, fingerprint)
	}
	for len(c.entries) >= c.cfg.MaxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
	}
	el := c.order.PushFront(&entry{
		key:     fingerprint,
		body:    clone(body),
		expires: c.now().Add(c.cfg.TTL),
	})
	c.entries[fingerprint] = el
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.entries, e.key)
}

// Invalidate drops one entry.
func (c *Cache) Invalidate(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[fingerprint]; ok {
		c.removeLocked(el)
	}
}

// Sweep removes every expired entry; the lazy check in get already protects
// readers, the sweep just bounds memory between reads.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if e := el.Value.(*entry); !now.Before(e.expires) {
			c.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

// StartSweeper runs Sweep on a ticker until ctx ends.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep(c.now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stats snapshots the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
