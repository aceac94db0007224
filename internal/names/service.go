package names

import (
	"context"
	"time"

	"trollbox/internal/debuglog"
)

const DefaultLookupTimeout = 10 * time.Second

// Service answers display-name questions, consulting the cache before the
// network. Every outcome, including a failed lookup, is cached.
type Service struct {
	cache   *Cache
	lookup  Lookup
	timeout time.Duration
}

func NewService(cache *Cache, lookup Lookup, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	return &Service{cache: cache, lookup: lookup, timeout: timeout}
}

func (s *Service) Cache() *Cache { return s.cache }

// Resolve returns the primary name for addr, if any. A fresh cache entry
// short-circuits the lookup.
func (s *Service) Resolve(ctx context.Context, addr string) (string, bool) {
	if ent, ok := s.cache.Fresh(addr); ok {
		debuglog.Debugf("names: cache hit addr=%s", addr)
		if ent.Name == nil {
			return "", false
		}
		return *ent.Name, true
	}
	if s.lookup == nil {
		return "", false
	}
	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	name, found, err := s.lookup.LookupAddress(lctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			// caller gave up; nothing was learned about addr
			return "", false
		}
		debuglog.Warnf("names: resolve %s failed: %v", addr, err)
		s.cache.Put(ctx, addr, "")
		return "", false
	}
	if !found {
		name = ""
	}
	s.cache.Put(ctx, addr, name)
	return name, name != ""
}

// DisplayName returns the resolved name or formatter(addr).
func (s *Service) DisplayName(ctx context.Context, addr string, formatter func(string) string) string {
	if name, ok := s.Resolve(ctx, addr); ok {
		return name
	}
	if formatter == nil {
		formatter = FormatAddress
	}
	return formatter(addr)
}
