// Package cache holds derived byte payloads (rendered notebooks, prepared
// downloads) keyed by entity identity and generation. The underlying store
// is shared with an uncontrolled writer, so the cache is advisory only: an
// entry whose generation no longer matches disk is unreachable, not
// stale-but-returnable. Parsed records live in the tree snapshot and are
// never cached here, so eviction can never break tree well-formedness.
package cache

import (
	"container/list"
	"sync"

	"github.com/google/uuid"
)

// DefaultBudget bounds cached payload bytes on the memory-constrained
// device.
const DefaultBudget = 32 << 20

// Cache is a byte-budgeted LRU of generation-stamped payloads.
type Cache struct {
	mu     sync.Mutex
	budget int64
	used   int64
	order  *list.List // front = most recently used
	byID   map[uuid.UUID]*list.Element
}

type entry struct {
	id   uuid.UUID
	gen  uint64
	data []byte
}

// New creates a cache bounded to budget bytes. A budget <= 0 uses
// DefaultBudget.
func New(budget int64) *Cache {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Cache{
		budget: budget,
		order:  list.New(),
		byID:   make(map[uuid.UUID]*list.Element),
	}
}

// Get returns the cached payload if its stored generation matches gen.
// A mismatch drops the entry: data that no longer matches disk must never
// be served.
func (c *Cache) Get(id uuid.UUID, gen uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if e.gen != gen {
		c.removeLocked(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return e.data, true
}

// Put stores a payload under the generation observed when it was produced.
// Payloads larger than the whole budget are not cached at all.
func (c *Cache) Put(id uuid.UUID, gen uint64, data []byte) {
	size := int64(len(data))
	if size > c.budget {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.byID[id]; ok {
		c.removeLocked(el)
	}
	for c.used+size > c.budget {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
	el := c.order.PushFront(&entry{id: id, gen: gen, data: data})
	c.byID[id] = el
	c.used += size
}

// Invalidate drops any entry for id, regardless of generation. Called by
// the change watcher bridge when the on-disk generation advances.
func (c *Cache) Invalidate(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.byID[id]; ok {
		c.removeLocked(el)
	}
}

// Used returns the cached byte total.
func (c *Cache) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.byID, e.id)
	c.used -= int64(len(e.data))
}
