package network

import (
	"context"
	"crypto/tls"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"trollbox/internal/debuglog"
)

const (
	clientMaxRetries  = 3
	clientBackoffBase = 100 * time.Millisecond
	clientBackoffMax  = 1 * time.Second
	clientConnIdle    = 30 * time.Second
	clientTimeout     = 8 * time.Second
)

type pooledConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

type addrFailure struct {
	count int
	last  time.Time
}

type clientPool struct {
	mu        sync.Mutex
	conns     map[string]*pooledConn
	failures  map[string]*addrFailure
	idleAfter time.Duration
}

func newClientPool(idleAfter time.Duration) *clientPool {
	if idleAfter <= 0 {
		idleAfter = clientConnIdle
	}
	return &clientPool{
		conns:     make(map[string]*pooledConn),
		failures:  make(map[string]*addrFailure),
		idleAfter: idleAfter,
	}
}

func (p *clientPool) get(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config) (*quic.Conn, error) {
	if addr == "" {
		return nil, errors.New("missing addr")
	}
	now := time.Now()
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= p.idleAfter {
			ent.lastUsed = now
			conn := ent.conn
			p.mu.Unlock()
			return conn, nil
		}
		delete(p.conns, addr)
		conn := ent.conn
		p.mu.Unlock()
		_ = conn.CloseWithError(0, "stale")
	} else {
		p.mu.Unlock()
	}
	debuglog.Debugf("quic dial to %s", addr)
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	debuglog.Debugf("quic conn established to %s", addr)
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok && ent.conn.Context().Err() == nil {
		// lost a dial race; keep the pooled one
		ent.lastUsed = now
		existing := ent.conn
		p.mu.Unlock()
		_ = conn.CloseWithError(0, "duplicate")
		return existing, nil
	}
	p.conns[addr] = &pooledConn{conn: conn, lastUsed: now}
	p.mu.Unlock()
	return conn, nil
}

func (p *clientPool) touch(addr string, conn *quic.Conn) {
	if p == nil || addr == "" || conn == nil {
		return
	}
	now := time.Now()
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok && ent.conn == conn {
		ent.lastUsed = now
	}
	p.mu.Unlock()
}

func (p *clientPool) drop(addr string, conn *quic.Conn, reason string) {
	if p == nil || addr == "" || conn == nil {
		return
	}
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok && ent.conn == conn {
		delete(p.conns, addr)
	}
	p.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

func (p *clientPool) closeAll() {
	if p == nil {
		return
	}
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()
	for _, ent := range conns {
		_ = ent.conn.CloseWithError(0, "client closed")
	}
}

func (p *clientPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *clientPool) recordFailure(addr string) int {
	if p == nil || addr == "" {
		return 0
	}
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	ent := p.failures[addr]
	if ent == nil {
		ent = &addrFailure{}
		p.failures[addr] = ent
	}
	ent.count++
	ent.last = now
	return ent.count
}

func (p *clientPool) resetFailures(addr string) {
	if p == nil || addr == "" {
		return
	}
	p.mu.Lock()
	delete(p.failures, addr)
	p.mu.Unlock()
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), requestTimeout())
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, requestTimeout())
}

// requestTimeout honors TROLLBOX_DIAL_TIMEOUT_MS.
func requestTimeout() time.Duration {
	raw := strings.TrimSpace(os.Getenv("TROLLBOX_DIAL_TIMEOUT_MS"))
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return clientTimeout
}
