// Package peer tracks the service nodes a light client knows about and the
// protocols each one offers.
package peer

import (
	"fmt"
	"net"
	"slices"
	"sync"
	"time"
)

const (
	DefaultBookCap = 256
	DefaultBookTTL = 30 * time.Minute
	// MaxFailures removes a peer from selection until it is greeted again.
	MaxFailures = 3
)

// Info is what a hello exchange taught us about a service node.
type Info struct {
	Addr         string
	NodeID       string
	ClusterID    uint32
	Shards       []uint32
	Capabilities []string
	LastSeen     time.Time
	Failures     int
}

func (i Info) Supports(protocol string) bool {
	return slices.Contains(i.Capabilities, protocol)
}

// Book is a bounded, TTL-limited table of greeted peers keyed by address.
type Book struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	now   func() time.Time
	peers map[string]*Info
}

func NewBook(capacity int, ttl time.Duration) *Book {
	if capacity <= 0 {
		capacity = DefaultBookCap
	}
	if ttl <= 0 {
		ttl = DefaultBookTTL
	}
	return &Book{cap: capacity, ttl: ttl, now: time.Now, peers: make(map[string]*Info)}
}

// Upsert records a successful greeting and resets the failure count.
func (b *Book) Upsert(info Info) {
	if info.Addr == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	info.LastSeen = b.now()
	info.Failures = 0
	info.Capabilities = slices.Clone(info.Capabilities)
	info.Shards = slices.Clone(info.Shards)
	if _, ok := b.peers[info.Addr]; !ok && len(b.peers) >= b.cap {
		b.evictLocked()
	}
	b.peers[info.Addr] = &info
}

// MarkFailure counts a failed request against addr and returns the new
// count.
func (b *Book) MarkFailure(addr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[addr]
	if !ok {
		return 0
	}
	p.Failures++
	return p.Failures
}

func (b *Book) MarkSuccess(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.peers[addr]; ok {
		p.Failures = 0
		p.LastSeen = b.now()
	}
}

func (b *Book) Remove(addr string) {
	b.mu.Lock()
	delete(b.peers, addr)
	b.mu.Unlock()
}

func (b *Book) Get(addr string) (Info, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[addr]
	if !ok {
		return Info{}, false
	}
	return *p, true
}

func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	return len(b.peers)
}

// Has reports whether some usable peer offers protocol.
func (b *Book) Has(protocol string) bool {
	return len(b.Select(protocol, 1)) > 0
}

// Select returns up to n usable peers offering protocol, fewest failures
// first, then most recently seen, preferring distinct subnets.
func (b *Book) Select(protocol string, n int, exclude ...string) []Info {
	b.mu.Lock()
	b.pruneLocked()
	cands := make([]Info, 0, len(b.peers))
	for _, p := range b.peers {
		if p.Failures >= MaxFailures || !p.Supports(protocol) || slices.Contains(exclude, p.Addr) {
			continue
		}
		cands = append(cands, *p)
	}
	b.mu.Unlock()
	sortInfos(cands)
	if n <= 0 || n >= len(cands) {
		return cands
	}
	out := make([]Info, 0, n)
	used := make(map[string]bool)
	var rest []Info
	for _, p := range cands {
		key := SubnetKeyForAddr(p.Addr)
		if key != "" && used[key] {
			rest = append(rest, p)
			continue
		}
		used[key] = key != ""
		out = append(out, p)
		if len(out) == n {
			return out
		}
	}
	for _, p := range rest {
		out = append(out, p)
		if len(out) == n {
			break
		}
	}
	return out
}

func (b *Book) List() []Info {
	b.mu.Lock()
	b.pruneLocked()
	out := make([]Info, 0, len(b.peers))
	for _, p := range b.peers {
		out = append(out, *p)
	}
	b.mu.Unlock()
	sortInfos(out)
	return out
}

func sortInfos(infos []Info) {
	slices.SortFunc(infos, func(a, b Info) int {
		if a.Failures != b.Failures {
			return a.Failures - b.Failures
		}
		if c := b.LastSeen.Compare(a.LastSeen); c != 0 {
			return c
		}
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		}
		return 0
	})
}

func (b *Book) pruneLocked() {
	cutoff := b.now().Add(-b.ttl)
	for addr, p := range b.peers {
		if p.LastSeen.Before(cutoff) {
			delete(b.peers, addr)
		}
	}
}

// evictLocked drops the worst peer: most failures, then least recently seen.
func (b *Book) evictLocked() {
	var worst *Info
	for _, p := range b.peers {
		if worst == nil || p.Failures > worst.Failures ||
			(p.Failures == worst.Failures && p.LastSeen.Before(worst.LastSeen)) {
			worst = p
		}
	}
	if worst != nil {
		delete(b.peers, worst.Addr)
	}
}

// SubnetKeyForAddr returns the /24 of an IPv4 host:port, or "" for anything
// else.
func SubnetKeyForAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	v4 := ip.To4()
	if v4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d", v4[0], v4[1], v4[2])
}
