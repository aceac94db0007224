package peer

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultCandidateCap = 512
	DefaultCandidateTTL = 30 * time.Minute
)

// CandidatePool holds addresses learned from configuration or peer exchange
// that have not been greeted yet. Entries expire unless re-added.
type CandidatePool struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	now   func() time.Time
	hot   map[string]*list.Element
	order *list.List
}

type candidateEntry struct {
	addr      string
	pinned    bool
	expiresAt time.Time
}

func NewCandidatePool(capacity int, ttl time.Duration) *CandidatePool {
	if capacity <= 0 {
		capacity = DefaultCandidateCap
	}
	if ttl <= 0 {
		ttl = DefaultCandidateTTL
	}
	return &CandidatePool{
		cap:   capacity,
		ttl:   ttl,
		now:   time.Now,
		hot:   make(map[string]*list.Element),
		order: list.New(),
	}
}

// Pin adds addr without expiry. Bootstrap peers are pinned.
func (c *CandidatePool) Pin(addr string) {
	c.add(addr, true)
}

func (c *CandidatePool) Add(addr string) {
	c.add(addr, false)
}

func (c *CandidatePool) add(addr string, pinned bool) {
	if addr == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	if el, ok := c.hot[addr]; ok {
		ent := el.Value.(*candidateEntry)
		ent.expiresAt = c.now().Add(c.ttl)
		ent.pinned = ent.pinned || pinned
		c.order.MoveToFront(el)
		return
	}
	if len(c.hot) >= c.cap && !c.evictLocked() {
		return
	}
	ent := &candidateEntry{addr: addr, pinned: pinned, expiresAt: c.now().Add(c.ttl)}
	c.hot[addr] = c.order.PushFront(ent)
}

func (c *CandidatePool) Remove(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.hot[addr]; ok && !el.Value.(*candidateEntry).pinned {
		delete(c.hot, addr)
		c.order.Remove(el)
	}
}

func (c *CandidatePool) Has(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	_, ok := c.hot[addr]
	return ok
}

// List returns candidates, most recently added first.
func (c *CandidatePool) List() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	out := make([]string, 0, len(c.hot))
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*candidateEntry).addr)
	}
	return out
}

func (c *CandidatePool) pruneLocked() {
	now := c.now()
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*candidateEntry)
		if !ent.pinned && !ent.expiresAt.After(now) {
			delete(c.hot, ent.addr)
			c.order.Remove(el)
		}
		el = prev
	}
}

// evictLocked drops the oldest unpinned entry.
func (c *CandidatePool) evictLocked() bool {
	for el := c.order.Back(); el != nil; el = el.Prev() {
		ent := el.Value.(*candidateEntry)
		if ent.pinned {
			continue
		}
		delete(c.hot, ent.addr)
		c.order.Remove(el)
		return true
	}
	return false
}
