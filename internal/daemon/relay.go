package daemon

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"trollbox/internal/debuglog"
	"trollbox/internal/network"
	"trollbox/internal/proto"
)

const (
	relayProbeTick   = 5 * time.Second
	relayBackoffBase = 500 * time.Millisecond
	relayBackoffMax  = time.Minute
	relayJitter      = 250 * time.Millisecond
	relayTimeout     = 5 * time.Second
)

type relayState struct {
	failures int
	nextTry  time.Time
	up       bool
}

// relayMan tracks the configured relay peers, probes them with hello and
// forwards accepted pushes to those not backing off.
type relayMan struct {
	peers     []string
	clusterID uint32
	client    relayClient
	now       func() time.Time

	mu    sync.Mutex
	state map[string]*relayState
}

type relayClient interface {
	Exchange(ctx context.Context, addr string, req []byte) ([]byte, error)
	Close()
}

func newRelayMan(peers []string, clusterID uint32, opts network.ClientOptions) (*relayMan, error) {
	m := &relayMan{
		peers:     slices.Clone(peers),
		clusterID: clusterID,
		now:       time.Now,
		state:     make(map[string]*relayState, len(peers)),
	}
	for _, p := range peers {
		m.state[p] = &relayState{}
	}
	if len(peers) == 0 {
		return m, nil
	}
	c, err := network.NewClient(opts)
	if err != nil {
		return nil, err
	}
	m.client = c
	return m, nil
}

func (m *relayMan) run(ctx context.Context) {
	if m == nil || m.client == nil {
		return
	}
	m.probe(ctx)
	ticker := time.NewTicker(relayTickDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *relayMan) probe(ctx context.Context) {
	now := m.now()
	var wg sync.WaitGroup
	for _, addr := range m.peers {
		if !m.shouldTry(addr, now) {
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if err := m.hello(ctx, addr); err != nil {
				m.markFailure(addr)
				debuglog.RateLimitedf("relay-probe-"+addr, 30*time.Second, "relay: probe %s: %v", addr, err)
				return
			}
			m.markSuccess(addr)
		}(addr)
	}
	wg.Wait()
}

func (m *relayMan) hello(ctx context.Context, addr string) error {
	req, err := proto.EncodeHelloMsg(proto.HelloMsg{ClusterID: m.clusterID})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, relayTimeout)
	defer cancel()
	raw, err := m.client.Exchange(ctx, addr, req)
	if err != nil {
		return err
	}
	resp, err := proto.DecodeHelloResp(raw)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	if resp.ClusterID != m.clusterID {
		return fmt.Errorf("cluster mismatch: peer %d, want %d", resp.ClusterID, m.clusterID)
	}
	if !resp.HasCapability(proto.ProtocolLightPush) {
		return errors.New("peer does not offer lightpush")
	}
	return nil
}

// forward pushes env to every relay peer except from. It returns the number
// of peers that accepted it.
func (m *relayMan) forward(ctx context.Context, env proto.Envelope, from string) int {
	if m == nil || m.client == nil {
		return 0
	}
	req, err := proto.EncodePushMsg(proto.PushMsg{Envelope: env})
	if err != nil {
		return 0
	}
	now := m.now()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for _, addr := range m.peers {
		if addr == from || !m.shouldTry(addr, now) {
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			ok, err := m.push(ctx, addr, req)
			if err != nil {
				m.markFailure(addr)
				debuglog.RateLimitedf("relay-push-"+addr, 10*time.Second, "relay: push to %s: %v", addr, err)
				return
			}
			m.markSuccess(addr)
			if ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(addr)
	}
	wg.Wait()
	return accepted
}

func (m *relayMan) push(ctx context.Context, addr string, req []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, relayTimeout)
	defer cancel()
	raw, err := m.client.Exchange(ctx, addr, req)
	if err != nil {
		return false, err
	}
	resp, err := proto.DecodePushResp(raw)
	if err != nil {
		return false, err
	}
	if resp.Error != "" && !resp.Duplicate {
		return false, errors.New(resp.Error)
	}
	return resp.Accepted, nil
}

func (m *relayMan) shouldTry(addr string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[addr]
	if !ok {
		return false
	}
	return !now.Before(st.nextTry)
}

func (m *relayMan) markSuccess(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.state[addr]; ok {
		st.failures = 0
		st.nextTry = time.Time{}
		st.up = true
	}
}

func (m *relayMan) markFailure(addr string) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[addr]
	if !ok {
		return
	}
	st.up = false
	st.nextTry = now.Add(nextBackoff(st.failures))
	st.failures++
}

func nextBackoff(failures int) time.Duration {
	shift := min(max(failures, 0), 30)
	raw := relayBackoffBase*time.Duration(1<<shift) + rand.N(relayJitter)
	return min(raw, relayBackoffMax)
}

// healthy lists relay peers whose last probe or push succeeded.
func (m *relayMan) healthy() []string {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, addr := range m.peers {
		if st := m.state[addr]; st != nil && st.up {
			out = append(out, addr)
		}
	}
	return out
}

type RelayStatus struct {
	Addr     string `json:"addr"`
	Up       bool   `json:"up"`
	Failures int    `json:"failures"`
}

func (m *relayMan) status() []RelayStatus {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RelayStatus, 0, len(m.peers))
	for _, addr := range m.peers {
		st := m.state[addr]
		out = append(out, RelayStatus{Addr: addr, Up: st.up, Failures: st.failures})
	}
	return out
}

func (m *relayMan) close() {
	if m != nil && m.client != nil {
		m.client.Close()
	}
}

func relayTickDuration() time.Duration {
	if v, ok := envInt("TROLLBOX_RELAY_TICK_MS"); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return relayProbeTick
}
