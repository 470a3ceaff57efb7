package gateway

import (
	"container/list"
	"sync"
	"time"
)

// sessionEntry is what a cached Mcp-Session-Id maps to: enough to know
// the session was authenticated without repeating the credential
// check.
type sessionEntry struct {
	id        string
	expiresAt time.Time
}

// sessionCache is a bounded (limit), TTL-expiring LRU of
// authenticated sessions. Eviction happens both on TTL expiry (lazy,
// checked on lookup) and on insert past capacity (LRU).
type sessionCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	limit      int
	order      *list.List
	entries    map[string]*list.Element
}

func newSessionCache(ttl time.Duration, limit int) *sessionCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if limit <= 0 {
		limit = 1000
	}
	return &sessionCache{
		ttl:     ttl,
		limit:   limit,
		order:   list.New(),
		entries: map[string]*list.Element{},
	}
}

// Put records sessionID as authenticated, evicting the least-recently
// used entry if the cache is at capacity.
func (c *sessionCache) Put(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[sessionID]; ok {
		c.order.MoveToFront(el)
		el.Value.(*sessionEntry).expiresAt = time.Now().Add(c.ttl)
		return
	}

	el := c.order.PushFront(&sessionEntry{id: sessionID, expiresAt: time.Now().Add(c.ttl)})
	c.entries[sessionID] = el

	if c.order.Len() > c.limit {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*sessionEntry).id)
		}
	}
}

// Has reports whether sessionID is cached and unexpired, moving it to
// the front (most-recently-used) on a hit and evicting it lazily if
// its TTL has elapsed.
func (c *sessionCache) Has(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[sessionID]
	if !ok {
		return false
	}
	entry := el.Value.(*sessionEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, sessionID)
		return false
	}
	c.order.MoveToFront(el)
	return true
}

// Evict removes sessionID unconditionally — used when the downstream
// handler reports a stale session (a 401)
func (c *sessionCache) Evict(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[sessionID]; ok {
		c.order.Remove(el)
		delete(c.entries, sessionID)
	}
}

// Size reports the current entry count, surfaced as an operator
// diagnostic.
func (c *sessionCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
