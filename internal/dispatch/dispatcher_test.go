package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trollbox/internal/crypto"
	"trollbox/internal/proto"
)

// memBus is a shared in-process topic bus standing in for the service nodes.
type memBus struct {
	mu      sync.Mutex
	history []proto.Envelope
	subs    map[int]func(proto.Envelope)
	next    int
}

func newMemBus() *memBus {
	return &memBus{subs: make(map[int]func(proto.Envelope))}
}

func (b *memBus) publish(env proto.Envelope) {
	b.mu.Lock()
	b.history = append(b.history, env)
	subs := make([]func(proto.Envelope), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()
	for _, fn := range subs {
		fn(env)
	}
}

type fakeNet struct {
	bus       *memBus
	waitErr   error
	queryErr  error
	started   atomic.Int32
	stopped   atomic.Int32
	queries   atomic.Int32
	published atomic.Int32
	block     chan struct{}
}

func (n *fakeNet) Start(ctx context.Context) error {
	n.started.Add(1)
	return nil
}

func (n *fakeNet) WaitForPeers(ctx context.Context, protocols ...string) error {
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return n.waitErr
}

func (n *fakeNet) Publish(ctx context.Context, env proto.Envelope) error {
	n.published.Add(1)
	n.bus.publish(env)
	return nil
}

func (n *fakeNet) Subscribe(ctx context.Context, topic string, fn func(proto.Envelope)) (func(), error) {
	n.bus.mu.Lock()
	n.bus.next++
	id := n.bus.next
	n.bus.subs[id] = func(env proto.Envelope) {
		if env.ContentTopic == topic {
			fn(env)
		}
	}
	n.bus.mu.Unlock()
	return func() {
		n.bus.mu.Lock()
		delete(n.bus.subs, id)
		n.bus.mu.Unlock()
	}, nil
}

func (n *fakeNet) Query(ctx context.Context, topic string, since time.Time) ([]proto.Envelope, error) {
	n.queries.Add(1)
	if n.queryErr != nil {
		return nil, n.queryErr
	}
	n.bus.mu.Lock()
	defer n.bus.mu.Unlock()
	var out []proto.Envelope
	for _, env := range n.bus.history {
		if env.ContentTopic == topic {
			out = append(out, env)
		}
	}
	return out, nil
}

func (n *fakeNet) Stop() error {
	n.stopped.Add(1)
	return nil
}

func factoryFor(n *fakeNet, created *atomic.Int32) NetworkFactory {
	return func(ctx context.Context) (Network, error) {
		if created != nil {
			created.Add(1)
		}
		return n, nil
	}
}

func testMessage(id string) proto.ChatMessage {
	return proto.ChatMessage{ID: id, Text: "hello", Timestamp: 1700000000000, Author: "alice"}
}

func TestConnectIsSingleFlight(t *testing.T) {
	bus := newMemBus()
	n := &fakeNet{bus: bus, block: make(chan struct{})}
	var created atomic.Int32
	d := New(Options{AppID: "app", NewNetwork: factoryFor(n, &created)})
	defer d.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- d.Connect(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(n.block)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	if created.Load() != 1 || n.started.Load() != 1 {
		t.Fatalf("expected one node, created=%d started=%d", created.Load(), n.started.Load())
	}
	if d.Status() != StatusConnected {
		t.Fatalf("expected connected, got %s", d.Status())
	}
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if created.Load() != 1 {
		t.Fatalf("connected dispatcher created another node")
	}
}

func TestConnectFailureAllowsRetry(t *testing.T) {
	bus := newMemBus()
	n := &fakeNet{bus: bus, waitErr: errors.New("no peers")}
	var created atomic.Int32
	d := New(Options{AppID: "app", NewNetwork: factoryFor(n, &created)})
	defer d.Close()

	if err := d.Connect(context.Background()); err == nil {
		t.Fatalf("expected connect failure")
	}
	if d.Status() != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", d.Status())
	}
	if n.stopped.Load() != 1 {
		t.Fatalf("failed node was not stopped")
	}
	n.waitErr = nil
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if created.Load() != 2 {
		t.Fatalf("expected a fresh attempt, created=%d", created.Load())
	}
}

func TestConnectCallerCancelDoesNotAbortInit(t *testing.T) {
	bus := newMemBus()
	n := &fakeNet{bus: bus, block: make(chan struct{})}
	d := New(Options{AppID: "app", NewNetwork: factoryFor(n, nil)})
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.Connect(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	close(n.block)
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestSendRoundTripAndBackfill(t *testing.T) {
	bus := newMemBus()
	sender := New(Options{AppID: "app", NewNetwork: factoryFor(&fakeNet{bus: bus}, nil), Ephemeral: true})
	defer sender.Close()

	live := New(Options{AppID: "app", NewNetwork: factoryFor(&fakeNet{bus: bus}, nil), Ephemeral: true})
	defer live.Close()
	got := make(chan proto.ChatMessage, 4)
	live.OnMessage(func(m proto.ChatMessage) { got <- m })
	if err := live.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := sender.SendMessage(context.Background(), testMessage("1-abc")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case m := <-got:
		if m.ID != "1-abc" || m.Text != "hello" {
			t.Fatalf("unexpected message: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatalf("message not delivered")
	}

	lateNet := &fakeNet{bus: bus}
	late := New(Options{AppID: "app", NewNetwork: factoryFor(lateNet, nil)})
	defer late.Close()
	var backfilled atomic.Int32
	late.OnMessage(func(m proto.ChatMessage) { backfilled.Add(1) })
	if err := late.Connect(context.Background()); err != nil {
		t.Fatalf("connect late: %v", err)
	}
	if lateNet.queries.Load() != 1 || backfilled.Load() != 1 {
		t.Fatalf("expected one backfilled message, queries=%d got=%d", lateNet.queries.Load(), backfilled.Load())
	}
}

func TestEphemeralSkipsHistory(t *testing.T) {
	n := &fakeNet{bus: newMemBus()}
	d := New(Options{AppID: "app", Ephemeral: true, NewNetwork: factoryFor(n, nil)})
	defer d.Close()
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if n.queries.Load() != 0 {
		t.Fatalf("ephemeral dispatcher queried history")
	}
}

func TestQueryFailureKeepsSubscription(t *testing.T) {
	n := &fakeNet{bus: newMemBus(), queryErr: errors.New("store down")}
	d := New(Options{AppID: "app", NewNetwork: factoryFor(n, nil)})
	defer d.Close()
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if d.Status() != StatusConnected {
		t.Fatalf("expected connected, got %s", d.Status())
	}
}

func TestWrongKeyIsDropped(t *testing.T) {
	bus := newMemBus()
	d := New(Options{AppID: "app", Secret: "right", NewNetwork: factoryFor(&fakeNet{bus: bus}, nil), Ephemeral: true})
	defer d.Close()
	var calls atomic.Int32
	d.OnMessage(func(proto.ChatMessage) { calls.Add(1) })
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	topic := d.ContentTopic()
	plain, err := proto.EncodeDispatchPayload(proto.MessageTypeTrollbox, testMessage("x"), 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	wrong := crypto.DeriveSymmetricKey("wrong", "")
	sealed, err := crypto.SealPacked(wrong, plain, crypto.BuildAAD(proto.MessageTypeTrollbox, topic))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	bus.publish(proto.NewEnvelope(topic, sealed, time.Now()))
	if calls.Load() != 0 {
		t.Fatalf("wrong-key envelope reached handlers")
	}
	if snap := d.opts.Metrics.Snapshot(); snap.Dispatch.DropDecrypt != 1 {
		t.Fatalf("expected drop_decrypt=1, got %d", snap.Dispatch.DropDecrypt)
	}

	if err := d.RegisterKey(wrong, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	bus.publish(proto.NewEnvelope(topic, sealed, time.Now()))
	if calls.Load() != 1 {
		t.Fatalf("secondary key did not open envelope")
	}
}

func TestUnregisterHandler(t *testing.T) {
	d := New(Options{AppID: "app"})
	var a, b atomic.Int32
	offA := d.OnMessage(func(proto.ChatMessage) { a.Add(1) })
	d.OnMessage(func(proto.ChatMessage) { b.Add(1) })
	if d.HandlerCount() != 2 {
		t.Fatalf("expected 2 handlers, got %d", d.HandlerCount())
	}
	d.fanout(testMessage("1"))
	offA()
	offA()
	d.fanout(testMessage("2"))
	if a.Load() != 1 || b.Load() != 2 {
		t.Fatalf("unexpected handler calls a=%d b=%d", a.Load(), b.Load())
	}
	if d.HandlerCount() != 1 {
		t.Fatalf("expected 1 handler, got %d", d.HandlerCount())
	}
}

func TestRegisterKeyRejectsBadSize(t *testing.T) {
	d := New(Options{})
	if err := d.RegisterKey([]byte("short"), true); err == nil {
		t.Fatalf("expected key size error")
	}
}

func TestSendRejectsInvalidMessage(t *testing.T) {
	n := &fakeNet{bus: newMemBus()}
	d := New(Options{AppID: "app", Ephemeral: true, NewNetwork: factoryFor(n, nil)})
	defer d.Close()
	if err := d.SendMessage(context.Background(), proto.ChatMessage{Text: "no id"}); err == nil {
		t.Fatalf("expected validation error")
	}
	if n.published.Load() != 0 {
		t.Fatalf("invalid message was published")
	}
	if snap := d.opts.Metrics.Snapshot(); snap.Dispatch.PublishFailed != 1 {
		t.Fatalf("expected publish_failed=1, got %d", snap.Dispatch.PublishFailed)
	}
}

func TestStatusTransitionsAndClose(t *testing.T) {
	n := &fakeNet{bus: newMemBus()}
	d := New(Options{AppID: "app", Ephemeral: true, NewNetwork: factoryFor(n, nil)})
	if d.Status() != StatusConnecting {
		t.Fatalf("expected initial connecting, got %s", d.Status())
	}
	var mu sync.Mutex
	var seen []Status
	d.OnStatus(func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	if err := d.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n.stopped.Load() != 1 {
		t.Fatalf("node not stopped on close")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != StatusConnected || seen[1] != StatusDisconnected {
		t.Fatalf("unexpected transitions: %v", seen)
	}
	if err := d.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
