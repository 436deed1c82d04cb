package guarantee

import (
	"sync"

	"loopline/internal/domain"
	"loopline/internal/registry"
)

type cacheKey struct {
	loopID           string
	loopRevision     int64
	registryRevision int64
}

type cacheEntry struct {
	gm  domain.GuaranteeMap
	err error
}

// Cache memoizes Aggregate for one Config. Entries for older revisions of a
// loop are dropped when a newer one is stored.
type Cache struct {
	cfg     Config
	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
}

func NewCache(cfg Config) *Cache {
	return &Cache{cfg: cfg, entries: map[cacheKey]cacheEntry{}}
}

func (c *Cache) Config() Config { return c.cfg }

// Get returns the aggregation for (loop.ID, loop.Revision, snap.Revision()),
// computing it on a miss. Aggregation errors are cached too.
func (c *Cache) Get(loop domain.Loop, snap *registry.Snapshot) (domain.GuaranteeMap, error) {
	key := cacheKey{loopID: loop.ID, loopRevision: loop.Revision, registryRevision: snap.Revision()}
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return e.gm, e.err
	}
	c.mu.Unlock()

	gm, err := Aggregate(loop, snap, c.cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.loopID == key.loopID && k != key {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{gm: gm, err: err}
	return gm, err
}

// Forget drops every entry for a loop.
func (c *Cache) Forget(loopID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.loopID == loopID {
			delete(c.entries, k)
		}
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
