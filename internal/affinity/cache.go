// Package affinity implements a bounded, TTL-expiring map from client IP
// to assigned worker index, used only by the master to keep repeat
// clients pinned to the same worker process.
package affinity

import (
	"container/list"
	"time"
)

// Capacity and TTL bound how many IPs the cache remembers and for how long.
const (
	Capacity = 100
	TTL      = 30 * time.Second
)

type entry struct {
	ip        string
	worker    int
	expiresAt time.Time
	elem      *list.Element
}

// Cache is a bounded, insertion-ordered TTL map. It is not safe for
// concurrent use; only the master's single-threaded accept loop touches it.
type Cache struct {
	entries map[string]*entry
	order   *list.List // front = oldest insertion, back = newest
	now     func() time.Time
}

// New constructs an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]*entry, Capacity),
		order:   list.New(),
		now:     time.Now,
	}
}

// Get returns the worker index cached for ip, or (0, false) if absent or
// expired. An expired entry is evicted on lookup.
func (c *Cache) Get(ip string) (int, bool) {
	e, ok := c.entries[ip]
	if !ok {
		return 0, false
	}
	if c.now().After(e.expiresAt) {
		c.remove(e)
		return 0, false
	}
	return e.worker, true
}

// Put inserts or refreshes the mapping for ip, evicting the oldest
// insertion if the cache is at capacity and ip is a new key.
func (c *Cache) Put(ip string, worker int) {
	if e, ok := c.entries[ip]; ok {
		e.worker = worker
		e.expiresAt = c.now().Add(TTL)
		c.order.MoveToBack(e.elem)
		return
	}

	if len(c.entries) >= Capacity {
		oldest := c.order.Front()
		if oldest != nil {
			c.remove(oldest.Value.(*entry))
		}
	}

	e := &entry{ip: ip, worker: worker, expiresAt: c.now().Add(TTL)}
	e.elem = c.order.PushBack(e)
	c.entries[ip] = e
}

func (c *Cache) remove(e *entry) {
	delete(c.entries, e.ip)
	c.order.Remove(e.elem)
}

// Len reports the number of live (not-yet-lazily-evicted) entries.
func (c *Cache) Len() int {
	return len(c.entries)
}
