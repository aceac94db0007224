package daemon

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultPushRPS   = 20
	defaultPushBurst = 40
	limiterIdleTTL   = 10 * time.Minute
	limiterMaxHosts  = 4096
)

type hostBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// hostLimiter is a token bucket per remote host for lightpush.
type hostLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	now     func() time.Time
	buckets map[string]*hostBucket
}

// newHostLimiter applies TROLLBOX_PUSH_RPS and TROLLBOX_PUSH_BURST when the
// configured values are unset. A negative rps disables limiting.
func newHostLimiter(rps float64, burst int) *hostLimiter {
	if rps == 0 {
		rps = defaultPushRPS
		if v, ok := envInt("TROLLBOX_PUSH_RPS"); ok && v > 0 {
			rps = float64(v)
		}
	}
	if burst <= 0 {
		burst = defaultPushBurst
		if v, ok := envInt("TROLLBOX_PUSH_BURST"); ok && v > 0 {
			burst = v
		}
	}
	return &hostLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*hostBucket),
	}
}

func (l *hostLimiter) Allow(host string) bool {
	if l == nil || host == "" || l.rps < 0 {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[host]
	if !ok {
		if len(l.buckets) >= limiterMaxHosts {
			l.pruneLocked(now)
		}
		b = &hostBucket{lim: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[host] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (l *hostLimiter) pruneLocked(now time.Time) {
	for host, b := range l.buckets {
		if now.Sub(b.seen) > limiterIdleTTL {
			delete(l.buckets, host)
		}
	}
	// Still full: drop the stalest host.
	if len(l.buckets) >= limiterMaxHosts {
		var oldest string
		var oldestAt time.Time
		for host, b := range l.buckets {
			if oldest == "" || b.seen.Before(oldestAt) {
				oldest, oldestAt = host, b.seen
			}
		}
		delete(l.buckets, oldest)
	}
}
