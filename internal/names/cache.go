package names

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"trollbox/internal/debuglog"
	"trollbox/internal/kv"
)

const (
	CacheKey   = "ens_cache"
	DefaultTTL = 24 * time.Hour
)

// Entry records one lookup outcome. A nil Name is a cached absence.
type Entry struct {
	Name      *string `json:"name"`
	Timestamp int64   `json:"timestamp"`
}

// Cache maps lower-cased addresses to lookup outcomes and persists the whole
// map as a single blob after every write. Storage failures are logged and
// the cache keeps working in memory.
type Cache struct {
	mu      sync.Mutex
	store   kv.Store
	ttl     time.Duration
	now     func() time.Time
	entries map[string]Entry
}

type CacheOptions struct {
	TTL time.Duration
	Now func() time.Time
}

// NewCache loads the persisted blob once. store may be nil for a purely
// in-memory cache.
func NewCache(ctx context.Context, store kv.Store, opts CacheOptions) *Cache {
	c := &Cache{
		store:   store,
		ttl:     opts.TTL,
		now:     opts.Now,
		entries: make(map[string]Entry),
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.load(ctx)
	return c
}

func cacheKey(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func (c *Cache) load(ctx context.Context) {
	if c.store == nil {
		return
	}
	raw, err := c.store.Get(ctx, CacheKey)
	if errors.Is(err, kv.ErrNotFound) {
		return
	}
	if err != nil {
		debuglog.Warnf("names: load cache failed: %v", err)
		return
	}
	loaded := make(map[string]Entry)
	if err := json.Unmarshal(raw, &loaded); err != nil {
		debuglog.Warnf("names: decode cache failed: %v", err)
		return
	}
	for addr, ent := range loaded {
		c.entries[cacheKey(addr)] = ent
	}
}

func (c *Cache) saveLocked(ctx context.Context) {
	if c.store == nil {
		return
	}
	raw, err := json.Marshal(c.entries)
	if err != nil {
		debuglog.Warnf("names: encode cache failed: %v", err)
		return
	}
	if err := c.store.Set(ctx, CacheKey, raw); err != nil {
		debuglog.Warnf("names: save cache failed: %v", err)
	}
}

// IsFresh reports whether addr has an entry younger than the TTL.
func (c *Cache) IsFresh(addr string) bool {
	_, ok := c.Fresh(addr)
	return ok
}

// Fresh returns the entry for addr if it is younger than the TTL.
func (c *Cache) Fresh(addr string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[cacheKey(addr)]
	if !ok {
		return Entry{}, false
	}
	age := c.now().UnixMilli() - ent.Timestamp
	if age >= c.ttl.Milliseconds() {
		return Entry{}, false
	}
	return ent, true
}

// Put records a lookup outcome stamped with the current time and persists
// the cache. An empty name records an absence.
func (c *Cache) Put(ctx context.Context, addr string, name string) Entry {
	ent := Entry{Timestamp: c.now().UnixMilli()}
	if name != "" {
		n := name
		ent.Name = &n
	}
	c.mu.Lock()
	c.entries[cacheKey(addr)] = ent
	c.saveLocked(ctx)
	c.mu.Unlock()
	return ent
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
