package node

import (
	"container/list"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	DefaultSeenTTL = 2 * time.Minute
	DefaultSeenMax = 2048
)

type seenEntry struct {
	key [32]byte
	ts  time.Time
}

// SeenCache remembers envelope hashes for a while so an envelope delivered
// twice (resubscribe overlap, relay loops) is handled once.
type SeenCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	items   map[[32]byte]*list.Element
	order   *list.List
}

// NewSeenCache uses ttl and maxSize when positive, then the
// TROLLBOX_SEEN_CACHE_TTL_SEC and TROLLBOX_SEEN_CACHE_MAX overrides, then
// the defaults.
func NewSeenCache(ttl time.Duration, maxSize int) *SeenCache {
	if ttl <= 0 {
		ttl = DefaultSeenTTL
		if raw := os.Getenv("TROLLBOX_SEEN_CACHE_TTL_SEC"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 {
				ttl = time.Duration(v) * time.Second
			}
		}
	}
	if maxSize <= 0 {
		maxSize = DefaultSeenMax
		if raw := os.Getenv("TROLLBOX_SEEN_CACHE_MAX"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 {
				maxSize = v
			}
		}
	}
	return &SeenCache{
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		items:   make(map[[32]byte]*list.Element),
		order:   list.New(),
	}
}

func (c *SeenCache) Seen(key [32]byte) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(c.now())
	_, ok := c.items[key]
	return ok
}

// Add records key and reports whether it was new.
func (c *SeenCache) Add(key [32]byte) bool {
	if c == nil {
		return true
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(now)
	if el, ok := c.items[key]; ok {
		el.Value.(*seenEntry).ts = now
		c.order.MoveToFront(el)
		return false
	}
	c.items[key] = c.order.PushFront(&seenEntry{key: key, ts: now})
	for c.order.Len() > c.maxSize {
		back := c.order.Back()
		delete(c.items, back.Value.(*seenEntry).key)
		c.order.Remove(back)
	}
	return true
}

func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *SeenCache) pruneExpiredLocked(now time.Time) {
	cutoff := now.Add(-c.ttl)
	for {
		back := c.order.Back()
		if back == nil {
			return
		}
		ent := back.Value.(*seenEntry)
		if ent.ts.After(cutoff) {
			return
		}
		delete(c.items, ent.key)
		c.order.Remove(back)
	}
}
