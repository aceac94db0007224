// Package node is the light client: it greets service nodes, then uses them
// for lightpush publishing, filter subscriptions and store queries.
package node

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"trollbox/internal/debuglog"
	"trollbox/internal/dispatch"
	"trollbox/internal/network"
	"trollbox/internal/peer"
	"trollbox/internal/proto"
)

const (
	DefaultClusterID     = 42
	DefaultNumPeersToUse = 3
	DefaultDialInterval  = time.Second
	DefaultResubscribe   = time.Second

	subscribeAckTimeout = 10 * time.Second
	maxQueryPages       = 64
)

var ErrNoPeers = errors.New("no suitable peers")

type Options struct {
	BootstrapPeers []string
	ClusterID      uint32
	Shards         []uint32
	NumPeersToUse  int
	DialInterval   time.Duration
	Resubscribe    time.Duration
	Client         network.ClientOptions
	// Transport overrides the QUIC transport built from Client.
	Transport Transport
}

// LightNode implements dispatch.Network against trollbox service nodes.
type LightNode struct {
	opts       Options
	transport  Transport
	book       *peer.Book
	candidates *peer.CandidatePool
	seen       *SeenCache

	mu      sync.Mutex
	started bool
	stopped bool
	subs    map[*subscription]struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

var _ dispatch.Network = (*LightNode)(nil)

func NewLightNode(opts Options) (*LightNode, error) {
	if opts.ClusterID == 0 {
		opts.ClusterID = DefaultClusterID
	}
	if len(opts.Shards) == 0 {
		opts.Shards = []uint32{0}
	}
	if opts.NumPeersToUse <= 0 {
		opts.NumPeersToUse = DefaultNumPeersToUse
	}
	if opts.DialInterval <= 0 {
		opts.DialInterval = DefaultDialInterval
	}
	if opts.Resubscribe <= 0 {
		opts.Resubscribe = DefaultResubscribe
	}
	t := opts.Transport
	if t == nil {
		var err error
		t, err = NewQUICTransport(opts.Client)
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &LightNode{
		opts:       opts,
		transport:  t,
		book:       peer.NewBook(0, 0),
		candidates: peer.NewCandidatePool(0, 0),
		seen:       NewSeenCache(0, 0),
		subs:       make(map[*subscription]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, addr := range opts.BootstrapPeers {
		n.candidates.Pin(addr)
	}
	return n, nil
}

// Factory adapts opts into a dispatcher network factory.
func Factory(opts Options) dispatch.NetworkFactory {
	return func(ctx context.Context) (dispatch.Network, error) {
		return NewLightNode(opts)
	}
}

func (n *LightNode) Book() *peer.Book { return n.book }

// Start greets every known candidate once. Unreachable peers are retried by
// WaitForPeers.
func (n *LightNode) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return errors.New("node stopped")
	}
	if n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = true
	n.mu.Unlock()
	if len(n.candidates.List()) == 0 {
		return errors.New("no bootstrap peers configured")
	}
	n.greetAll(ctx)
	debuglog.Logf("node: started cluster=%d shards=%v peers=%d", n.opts.ClusterID, n.opts.Shards, n.book.Len())
	return nil
}

func (n *LightNode) greetAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, addr := range n.candidates.List() {
		if p, ok := n.book.Get(addr); ok && p.Failures < peer.MaxFailures {
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if err := n.greet(ctx, addr); err != nil {
				debuglog.RateLimitedf("greet-"+addr, 10*time.Second, "node: hello %s failed: %v", addr, err)
			}
		}(addr)
	}
	wg.Wait()
}

func (n *LightNode) greet(ctx context.Context, addr string) error {
	req, err := proto.EncodeHelloMsg(proto.HelloMsg{ClusterID: n.opts.ClusterID, Shards: n.opts.Shards})
	if err != nil {
		return err
	}
	raw, err := n.transport.Exchange(ctx, addr, req)
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
	if resp.ClusterID != n.opts.ClusterID {
		return fmt.Errorf("cluster mismatch: peer %d, want %d", resp.ClusterID, n.opts.ClusterID)
	}
	if !shardsOverlap(resp.Shards, n.opts.Shards) {
		return fmt.Errorf("no shard overlap with %v", resp.Shards)
	}
	n.book.Upsert(peer.Info{
		Addr:         addr,
		NodeID:       resp.NodeID,
		ClusterID:    resp.ClusterID,
		Shards:       resp.Shards,
		Capabilities: resp.Capabilities,
	})
	for _, p := range resp.Peers {
		n.candidates.Add(p)
	}
	debuglog.Debugf("node: greeted %s caps=%v", addr, resp.Capabilities)
	return nil
}

func shardsOverlap(a, b []uint32) bool {
	if len(a) == 0 {
		return true
	}
	for _, s := range a {
		if slices.Contains(b, s) {
			return true
		}
	}
	return false
}

func (n *LightNode) missing(protocols []string) []string {
	var out []string
	for _, p := range protocols {
		if !n.book.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// WaitForPeers returns once every protocol has a usable peer, re-greeting
// candidates on each tick until ctx ends.
func (n *LightNode) WaitForPeers(ctx context.Context, protocols ...string) error {
	if len(protocols) == 0 {
		protocols = proto.AllProtocols
	}
	ticker := time.NewTicker(n.opts.DialInterval)
	defer ticker.Stop()
	for {
		missing := n.missing(protocols)
		if len(missing) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w for %v: %v", ErrNoPeers, missing, ctx.Err())
		case <-n.ctx.Done():
			return errors.New("node stopped")
		case <-ticker.C:
			n.greetAll(ctx)
		}
	}
}

// Publish lightpushes env to up to NumPeersToUse peers. It succeeds when any
// peer accepts.
func (n *LightNode) Publish(ctx context.Context, env proto.Envelope) error {
	peers := n.book.Select(proto.ProtocolLightPush, n.opts.NumPeersToUse)
	if len(peers) == 0 {
		return ErrNoPeers
	}
	req, err := proto.EncodePushMsg(proto.PushMsg{Envelope: env})
	if err != nil {
		return err
	}
	type result struct {
		addr string
		err  error
	}
	results := make(chan result, len(peers))
	for _, p := range peers {
		go func(addr string) {
			results <- result{addr: addr, err: n.push(ctx, addr, req)}
		}(p.Addr)
	}
	var errs []error
	accepted := 0
	for range peers {
		r := <-results
		if r.err != nil {
			n.book.MarkFailure(r.addr)
			errs = append(errs, fmt.Errorf("%s: %w", r.addr, r.err))
			continue
		}
		n.book.MarkSuccess(r.addr)
		accepted++
	}
	if accepted == 0 {
		return fmt.Errorf("lightpush failed: %w", errors.Join(errs...))
	}
	return nil
}

func (n *LightNode) push(ctx context.Context, addr string, req []byte) error {
	raw, err := n.transport.Exchange(ctx, addr, req)
	if err != nil {
		return err
	}
	resp, err := proto.DecodePushResp(raw)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	if !resp.Accepted && !resp.Duplicate {
		return errors.New("push rejected")
	}
	return nil
}

// Query pages through a store peer's history for topic. since zero means
// everything retained. Peers are tried in order until one answers.
func (n *LightNode) Query(ctx context.Context, topic string, since time.Time) ([]proto.Envelope, error) {
	peers := n.book.Select(proto.ProtocolStore, n.opts.NumPeersToUse)
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}
	var errs []error
	for _, p := range peers {
		envs, err := n.queryPeer(ctx, p.Addr, topic, since)
		if err == nil {
			n.book.MarkSuccess(p.Addr)
			return envs, nil
		}
		n.book.MarkFailure(p.Addr)
		errs = append(errs, fmt.Errorf("%s: %w", p.Addr, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("store query failed: %w", errors.Join(errs...))
}

func (n *LightNode) queryPeer(ctx context.Context, addr, topic string, since time.Time) ([]proto.Envelope, error) {
	q := proto.QueryMsg{ContentTopic: topic, PageSize: proto.MaxPageSize}
	if !since.IsZero() {
		q.StartTime = since.UnixMilli()
	}
	var out []proto.Envelope
	for page := 0; page < maxQueryPages; page++ {
		q.RequestID = proto.NewRequestID()
		req, err := proto.EncodeQueryMsg(q)
		if err != nil {
			return nil, err
		}
		raw, err := n.transport.Exchange(ctx, addr, req)
		if err != nil {
			return nil, err
		}
		resp, err := proto.DecodeQueryResp(raw)
		if err != nil {
			return nil, err
		}
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		if resp.RequestID != q.RequestID {
			return nil, fmt.Errorf("request id mismatch")
		}
		out = append(out, resp.Envelopes...)
		if resp.Cursor == "" {
			return out, nil
		}
		q.Cursor = resp.Cursor
	}
	debuglog.Warnf("node: query %s stopped after %d pages", addr, maxQueryPages)
	return out, nil
}

// Stop cancels every subscription and closes the transport.
func (n *LightNode) Stop() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	subs := make([]*subscription, 0, len(n.subs))
	for s := range n.subs {
		subs = append(subs, s)
	}
	n.mu.Unlock()
	n.cancel()
	for _, s := range subs {
		s.stop()
	}
	n.transport.Close()
	return nil
}
