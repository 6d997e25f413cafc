package listener

import (
	"sync"
	"time"
)

type watchCacheEntry struct {
	watches   []*WatchedInvoice
	expiresAt time.Time
}

// watchCache keeps the derived watch entries of an invoice so the worker
// doesn't hit the database on every re-check. Entries live for at least
// ttlFloor, or until the invoice itself expires when that is later.
type watchCache struct {
	ttlFloor time.Duration
	mu       sync.Mutex
	entries  map[string]*watchCacheEntry
}

func newWatchCache(ttlFloor time.Duration) *watchCache {
	return &watchCache{
		ttlFloor: ttlFloor,
		entries:  map[string]*watchCacheEntry{},
	}
}

func (c *watchCache) Get(invoiceId string) ([]*WatchedInvoice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[invoiceId]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, invoiceId)
		return nil, false
	}
	return entry.watches, true
}

func (c *watchCache) Set(invoiceId string, watches []*WatchedInvoice, invoiceExpiresAt time.Time) {
	ttl := c.ttlFloor
	if untilExpiry := time.Until(invoiceExpiresAt); untilExpiry > ttl {
		ttl = untilExpiry
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[invoiceId] = &watchCacheEntry{
		watches:   watches,
		expiresAt: time.Now().Add(ttl),
	}
}

func (c *watchCache) Invalidate(invoiceId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, invoiceId)
}

func (c *watchCache) DeleteExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for invoiceId, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, invoiceId)
		}
	}
}

func (c *watchCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
