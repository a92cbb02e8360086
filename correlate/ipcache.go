package correlate

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"otwatch/models"
)

// minIPCacheSize is the floor on the IP→device cache; the uniqueness
// invariant depends on lookups staying cheap at plant scale.
const minIPCacheSize = 100_000

// ipCache is the bounded IP→device-id map with LRU eviction. All
// writes happen on the correlation actor; reads are safe anywhere.
type ipCache struct {
	lru *lru.Cache[string, string]
}

func newIPCache(size int) (*ipCache, error) {
	if size < minIPCacheSize {
		size = minIPCacheSize
	}
	c, err := lru.New[string, string](size)
	if err != nil {
		return nil, models.E(models.KindInternal, "correlate.ipcache", err)
	}
	return &ipCache{lru: c}, nil
}

func (c *ipCache) get(ip string) (string, bool) { return c.lru.Get(ip) }

func (c *ipCache) put(ip, deviceID string) { c.lru.Add(ip, deviceID) }

// repoint atomically redirects every entry for oldID to newID. Called
// during device merges so no cache entry ever dangles.
func (c *ipCache) repoint(oldID, newID string) {
	for _, ip := range c.lru.Keys() {
		if id, ok := c.lru.Peek(ip); ok && id == oldID {
			c.lru.Add(ip, newID)
		}
	}
}

func (c *ipCache) len() int { return c.lru.Len() }
