package exchange

import (
	"sync"

	"github.com/dyluth/sapling/pkg/tree"
)

// Cache maps node identity to the last value exchanged for it.
//
// On the sending side a Cache answers "what does the peer hold for this id"; on
// the receiving side it answers "what did I last reconstruct". Entries are never
// evicted implicitly: a value is replaced only when the same id is exchanged again,
// and dropped only through Release. A Cache belongs to exactly one session and
// direction; sharing one between peers resolves references against the wrong
// peer's state.
//
// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[tree.ID]tree.Node
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[tree.ID]tree.Node)}
}

// Get returns the cached value for id.
func (c *Cache) Get(id tree.ID) (tree.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.entries[id]
	return n, ok
}

// Put records n under its identity, replacing any previous value.
func (c *Cache) Put(n tree.Node) {
	if n == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[n.Identity()] = n
}

// Release drops the entries for ids and returns how many were present.
func (c *Cache) Release(ids ...tree.ID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	released := 0
	for _, id := range ids {
		if _, ok := c.entries[id]; ok {
			delete(c.entries, id)
			released++
		}
	}
	return released
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stage opens a write overlay for one exchange.
func (c *Cache) Stage() *Stage {
	return &Stage{
		base:    c,
		pending: make(map[tree.ID]tree.Node),
	}
}

// Stage is the per-exchange view of a Cache. Reads see staged writes first, so a
// node recorded earlier in the walk is visible to everything after it. Nothing
// reaches the underlying Cache until Commit; Discard throws the exchange away.
//
// Stage is safe for concurrent use: a pull-back request may read it while the
// exchange that owns it is still writing.
type Stage struct {
	base    *Cache
	mu      sync.RWMutex
	pending map[tree.ID]tree.Node
	closed  bool
}

// Get returns the staged value for id, falling back to the underlying cache.
func (s *Stage) Get(id tree.ID) (tree.Node, bool) {
	s.mu.RLock()
	n, ok := s.pending[id]
	s.mu.RUnlock()
	if ok {
		return n, true
	}
	return s.base.Get(id)
}

// Put stages n under its identity.
func (s *Stage) Put(n tree.Node) {
	if n == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending[n.Identity()] = n
}

// Len returns the number of staged entries.
func (s *Stage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// Commit publishes every staged entry to the underlying cache and closes the stage.
// It returns the number of entries written.
func (s *Stage) Commit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	s.closed = true

	s.base.mu.Lock()
	defer s.base.mu.Unlock()
	for id, n := range s.pending {
		s.base.entries[id] = n
	}
	written := len(s.pending)
	s.pending = nil
	return written
}

// Discard drops every staged entry and closes the stage.
func (s *Stage) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pending = nil
}
