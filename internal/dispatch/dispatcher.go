// Package dispatch is the chat-facing facade over the light node: one
// encrypted content topic, a handler registry and a single-flight connect.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"trollbox/internal/crypto"
	"trollbox/internal/debuglog"
	"trollbox/internal/metrics"
	"trollbox/internal/proto"
)

const DefaultPeerWaitTimeout = 30 * time.Second

var (
	ErrClosed       = errors.New("dispatcher closed")
	ErrNotConnected = errors.New("dispatcher not connected")
	ErrNoNetwork    = errors.New("dispatcher has no network factory")
)

// Network is the light-client surface the dispatcher drives.
type Network interface {
	Start(ctx context.Context) error
	WaitForPeers(ctx context.Context, protocols ...string) error
	Publish(ctx context.Context, env proto.Envelope) error
	Subscribe(ctx context.Context, contentTopic string, fn func(proto.Envelope)) (func(), error)
	Query(ctx context.Context, contentTopic string, since time.Time) ([]proto.Envelope, error)
	Stop() error
}

type NetworkFactory func(ctx context.Context) (Network, error)

type Handler func(proto.ChatMessage)

type Options struct {
	AppID     string
	Secret    string
	Origin    string
	Ephemeral bool

	NewNetwork      NetworkFactory
	PeerWaitTimeout time.Duration
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

type keyEntry struct {
	key []byte
}

type connectCall struct {
	done chan struct{}
	err  error
}

type Dispatcher struct {
	opts Options

	mu          sync.Mutex
	net         Network
	topic       string
	keys        []keyEntry
	defaultKey  []byte
	unsubscribe func()
	connected   bool
	closed      bool
	inflight    *connectCall
	lifetime    context.Context
	cancel      context.CancelFunc

	handlersMu sync.RWMutex
	handlers   map[uint64]Handler
	nextID     uint64

	status *statusTracker
}

func New(opts Options) *Dispatcher {
	if opts.PeerWaitTimeout <= 0 {
		opts.PeerWaitTimeout = DefaultPeerWaitTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	lifetime, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		opts:     opts,
		handlers: make(map[uint64]Handler),
		status:   newStatusTracker(),
		lifetime: lifetime,
		cancel:   cancel,
	}
}

// ContentTopic is the channel this dispatcher binds to.
func (d *Dispatcher) ContentTopic() string {
	return crypto.DeriveContentTopic(d.opts.AppID, d.opts.Origin)
}

// RegisterKey adds a decryption key. A default key is also used to seal
// outbound messages.
func (d *Dispatcher) RegisterKey(key []byte, isDefault bool) error {
	if len(key) != crypto.XKeySize {
		return fmt.Errorf("bad key size: need %d", crypto.XKeySize)
	}
	k := append([]byte(nil), key...)
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.keys {
		if bytes.Equal(e.key, k) {
			if isDefault {
				d.defaultKey = k
				d.keys = append(d.keys[:i], d.keys[i+1:]...)
				d.keys = append([]keyEntry{{key: k}}, d.keys...)
			}
			return nil
		}
	}
	if isDefault {
		d.defaultKey = k
		d.keys = append([]keyEntry{{key: k}}, d.keys...)
		return nil
	}
	d.keys = append(d.keys, keyEntry{key: k})
	return nil
}

// Connect brings the dispatcher up once. Concurrent callers share the
// in-flight attempt; after a failure the next call starts a fresh attempt.
func (d *Dispatcher) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.connected {
		d.mu.Unlock()
		return nil
	}
	if call := d.inflight; call != nil {
		d.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &connectCall{done: make(chan struct{})}
	d.inflight = call
	d.mu.Unlock()

	d.status.set(StatusConnecting)
	go func() {
		err := d.initialize(d.lifetime)
		d.mu.Lock()
		d.inflight = nil
		if err == nil && d.closed {
			err = ErrClosed
		}
		d.mu.Unlock()
		if err != nil {
			debuglog.Warnf("dispatch: connect failed: %v", err)
			d.status.set(StatusDisconnected)
		} else {
			d.status.set(StatusConnected)
		}
		call.err = err
		close(call.done)
	}()

	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) initialize(ctx context.Context) error {
	if d.opts.NewNetwork == nil {
		return ErrNoNetwork
	}
	net, err := d.opts.NewNetwork(ctx)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	fail := func(err error) error {
		_ = net.Stop()
		return err
	}
	if err := net.Start(ctx); err != nil {
		return fail(fmt.Errorf("start node: %w", err))
	}
	topic := crypto.DeriveContentTopic(d.opts.AppID, d.opts.Origin)
	key := crypto.DeriveSymmetricKey(d.opts.Secret, d.opts.Origin)
	debuglog.Debugf("dispatch: content topic %s", topic)

	wctx, cancel := context.WithTimeout(ctx, d.opts.PeerWaitTimeout)
	err = net.WaitForPeers(wctx, proto.AllProtocols...)
	cancel()
	if err != nil {
		return fail(fmt.Errorf("wait for peers: %w", err))
	}
	if err := d.RegisterKey(key, true); err != nil {
		return fail(err)
	}
	unsub, err := net.Subscribe(ctx, topic, func(env proto.Envelope) { d.handleEnvelope(env) })
	if err != nil {
		return fail(fmt.Errorf("subscribe: %w", err))
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		unsub()
		return fail(ErrClosed)
	}
	d.net = net
	d.topic = topic
	d.unsubscribe = unsub
	d.connected = true
	d.mu.Unlock()

	if !d.opts.Ephemeral {
		d.backfill(ctx, net, topic)
	}
	debuglog.Logf("dispatch: connected topic=%s ephemeral=%v", topic, d.opts.Ephemeral)
	return nil
}

// backfill delivers stored history through the live handler path. A failed
// query leaves the live subscription in place.
func (d *Dispatcher) backfill(ctx context.Context, net Network, topic string) {
	envs, err := net.Query(ctx, topic, time.Time{})
	if err != nil {
		debuglog.Warnf("dispatch: history query failed: %v", err)
		return
	}
	n := 0
	for _, env := range envs {
		if d.handleEnvelope(env) {
			n++
		}
	}
	d.opts.Metrics.AddBackfilled(n)
	debuglog.Debugf("dispatch: backfilled %d of %d envelopes", n, len(envs))
}

func (d *Dispatcher) snapshotKeys() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, 0, len(d.keys))
	for _, k := range d.keys {
		out = append(out, k.key)
	}
	return out
}

// handleEnvelope opens, decodes and fans out one envelope. It reports
// whether handlers were invoked.
func (d *Dispatcher) handleEnvelope(env proto.Envelope) bool {
	sealed, err := env.Sealed()
	if err != nil {
		d.opts.Metrics.IncDropDecode()
		debuglog.RateLimitedf("dispatch-b64", 5*time.Second, "dispatch: bad envelope payload: %v", err)
		return false
	}
	aad := crypto.BuildAAD(proto.MessageTypeTrollbox, env.ContentTopic)
	var plain []byte
	for _, key := range d.snapshotKeys() {
		if pt, err := crypto.OpenPacked(key, sealed, aad); err == nil {
			plain = pt
			break
		}
	}
	if plain == nil {
		d.opts.Metrics.IncDropDecrypt()
		debuglog.RateLimitedf("dispatch-decrypt", 5*time.Second, "dispatch: envelope did not open with any key")
		return false
	}
	payload, err := proto.DecodeDispatchPayload(plain)
	if err != nil {
		d.opts.Metrics.IncDropDecode()
		return false
	}
	if payload.Type != proto.MessageTypeTrollbox {
		debuglog.Debugf("dispatch: ignoring message type %s", payload.Type)
		return false
	}
	msg, err := proto.DecodeChatMessage(payload.Payload)
	if err != nil {
		d.opts.Metrics.IncDropDecode()
		debuglog.RateLimitedf("dispatch-decode", 5*time.Second, "dispatch: bad chat message: %v", err)
		return false
	}
	d.opts.Metrics.IncReceived()
	d.fanout(msg)
	return true
}

func (d *Dispatcher) fanout(msg proto.ChatMessage) {
	d.handlersMu.RLock()
	ids := make([]uint64, 0, len(d.handlers))
	for id := range d.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, d.handlers[id])
	}
	d.handlersMu.RUnlock()
	for _, h := range hs {
		h(msg)
	}
}

// OnMessage registers h for every inbound message. The returned func
// removes exactly this registration and is safe to call more than once.
func (d *Dispatcher) OnMessage(h Handler) func() {
	if h == nil {
		return func() {}
	}
	d.handlersMu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[id] = h
	d.handlersMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.handlersMu.Lock()
			delete(d.handlers, id)
			d.handlersMu.Unlock()
		})
	}
}

func (d *Dispatcher) HandlerCount() int {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	return len(d.handlers)
}

// SendMessage connects if needed, seals msg under the channel key and
// publishes it. Failures are logged and returned; there is no retry.
func (d *Dispatcher) SendMessage(ctx context.Context, msg proto.ChatMessage) error {
	err := d.send(ctx, msg)
	if err != nil {
		d.opts.Metrics.IncPublishFailed()
		debuglog.Warnf("dispatch: send %s failed: %v", msg.ID, err)
		return err
	}
	d.opts.Metrics.IncPublished()
	return nil
}

func (d *Dispatcher) send(ctx context.Context, msg proto.ChatMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := d.Connect(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	net, topic, key := d.net, d.topic, d.defaultKey
	d.mu.Unlock()
	if net == nil || key == nil {
		return ErrNotConnected
	}
	now := d.opts.Now()
	plain, err := proto.EncodeDispatchPayload(proto.MessageTypeTrollbox, msg, now.UnixMilli())
	if err != nil {
		return err
	}
	sealed, err := crypto.SealPacked(key, plain, crypto.BuildAAD(proto.MessageTypeTrollbox, topic))
	if err != nil {
		return err
	}
	return net.Publish(ctx, proto.NewEnvelope(topic, sealed, now))
}

// Status returns the current connection state.
func (d *Dispatcher) Status() Status {
	return d.status.get()
}

// OnStatus registers fn for state transitions.
func (d *Dispatcher) OnStatus(fn func(Status)) func() {
	return d.status.subscribe(fn)
}

// Close tears down the subscription and the node.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	net, unsub := d.net, d.unsubscribe
	d.net = nil
	d.unsubscribe = nil
	d.connected = false
	d.mu.Unlock()
	d.cancel()
	if unsub != nil {
		unsub()
	}
	var err error
	if net != nil {
		err = net.Stop()
	}
	d.status.set(StatusDisconnected)
	return err
}
