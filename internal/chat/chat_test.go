package chat

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"trollbox/internal/dispatch"
	"trollbox/internal/kv"
	"trollbox/internal/names"
	"trollbox/internal/proto"
	"trollbox/internal/wallet"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func msgAt(id string, ts int64) Message {
	return Message{ChatMessage: proto.ChatMessage{ID: id, Text: id, Timestamp: ts, Author: "a"}}
}

func ids(msgs []Message) string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return strings.Join(out, ",")
}

func TestTimelineOrderAndDuplicates(t *testing.T) {
	tl := NewTimeline(nil)
	tl.Receive(msgAt("c", 30))
	tl.Receive(msgAt("a", 10))
	tl.Receive(msgAt("b1", 20))
	tl.Receive(msgAt("b2", 20))
	if tl.Receive(msgAt("a", 99)) {
		t.Fatalf("duplicate id accepted")
	}
	if got := ids(tl.Messages()); got != "a,b1,b2,c" {
		t.Fatalf("unexpected order: %s", got)
	}
}

func TestTimelineUnreadWatermark(t *testing.T) {
	now := time.UnixMilli(1000)
	tl := NewTimeline(func() time.Time { return now })
	tl.Receive(msgAt("recent", 1500))
	if !tl.Unread() {
		t.Fatalf("expected unread while closed")
	}
	tl.SetOpen(true)
	if tl.Unread() || tl.LastSeen() != 1000 {
		t.Fatalf("open should clear unread and advance watermark, unread=%v seen=%d", tl.Unread(), tl.LastSeen())
	}
	tl.Receive(msgAt("while-open", 2000))
	if tl.Unread() {
		t.Fatalf("message while open marked unread")
	}
	tl.SetOpen(false)
	tl.Receive(msgAt("stale", 900))
	if tl.Unread() {
		t.Fatalf("message older than watermark marked unread")
	}
	tl.Receive(msgAt("new", 3000))
	if !tl.Unread() {
		t.Fatalf("expected unread for message past watermark")
	}
	tl.MarkSeen()
	if tl.Unread() {
		t.Fatalf("mark seen did not clear unread")
	}
}

func TestHistoryBeforeStartupIsNotUnread(t *testing.T) {
	tl := NewTimeline(func() time.Time { return time.UnixMilli(10000) })
	if tl.LastSeen() != 10000 {
		t.Fatalf("expected watermark at startup, got %d", tl.LastSeen())
	}
	tl.SetOpen(false)
	tl.Receive(msgAt("backfilled", 5000))
	if tl.Unread() {
		t.Fatalf("history older than startup marked unread")
	}
	tl.Receive(msgAt("live", 12000))
	if !tl.Unread() {
		t.Fatalf("expected unread for message after startup")
	}
}

func TestAppendLocalAdvancesWatermark(t *testing.T) {
	tl := NewTimeline(func() time.Time { return time.UnixMilli(0) })
	tl.AppendLocal(msgAt("mine", 4000))
	if tl.LastSeen() != 4000 {
		t.Fatalf("expected watermark 4000, got %d", tl.LastSeen())
	}
	tl.Receive(msgAt("mine", 4000))
	if tl.Len() != 1 {
		t.Fatalf("echo of local message duplicated")
	}
	if !tl.Messages()[0].Local {
		t.Fatalf("local flag lost")
	}
}

func TestNewMessageIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^1700000000123-[0-9a-z]{9}$`)
	id := NewMessageID(time.UnixMilli(1700000000123))
	if !re.MatchString(id) {
		t.Fatalf("unexpected id format: %s", id)
	}
	if NewMessageID(time.UnixMilli(1)) == NewMessageID(time.UnixMilli(1)) {
		t.Fatalf("ids should differ")
	}
}

func TestPrefsDefaultsAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := NewPrefs(kv.NewMemory())
	if p.Username(ctx) != "" || p.Open(ctx) {
		t.Fatalf("unexpected defaults")
	}
	if d := p.Dimensions(ctx); d != DefaultDimensions {
		t.Fatalf("unexpected default dimensions: %+v", d)
	}
	if err := p.SetUsername(ctx, "troll"); err != nil {
		t.Fatalf("set username: %v", err)
	}
	if err := p.SetOpen(ctx, true); err != nil {
		t.Fatalf("set open: %v", err)
	}
	if err := p.SetDimensions(ctx, Dimensions{Width: 400, Height: 500}); err != nil {
		t.Fatalf("set dimensions: %v", err)
	}
	if p.Username(ctx) != "troll" || !p.Open(ctx) || p.Dimensions(ctx).Width != 400 {
		t.Fatalf("prefs not persisted")
	}
	if err := p.SetDimensions(ctx, Dimensions{}); err == nil {
		t.Fatalf("expected error for zero dimensions")
	}
}

type fakeDispatcher struct {
	mu       sync.Mutex
	handlers []dispatch.Handler
	sent     []proto.ChatMessage
	sendErr  error
	connErr  error
	connects int
}

func (f *fakeDispatcher) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connErr
}

func (f *fakeDispatcher) OnMessage(h dispatch.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
	return func() {}
}

func (f *fakeDispatcher) SendMessage(_ context.Context, msg proto.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.sendErr
}

func (f *fakeDispatcher) Status() dispatch.Status { return dispatch.StatusConnected }
func (f *fakeDispatcher) Close() error            { return nil }

func (f *fakeDispatcher) deliver(msg proto.ChatMessage) {
	f.mu.Lock()
	hs := append([]dispatch.Handler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range hs {
		h(msg)
	}
}

type staticLookup map[string]string

func (s staticLookup) LookupAddress(_ context.Context, addr string) (string, bool, error) {
	name, ok := s[strings.ToLower(addr)]
	return name, ok, nil
}

func TestSendValidation(t *testing.T) {
	d := &fakeDispatcher{}
	c := NewClient(Options{Dispatcher: d, Prefs: NewPrefs(kv.NewMemory())})
	if _, err := c.Send(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := c.Send(context.Background(), "hi"); !errors.Is(err, ErrUsernameRequired) {
		t.Fatalf("expected ErrUsernameRequired, got %v", err)
	}
	if len(d.sent) != 0 || c.Timeline().Len() != 0 {
		t.Fatalf("rejected message leaked")
	}
}

func TestSendKeepsLocalCopyOnFailure(t *testing.T) {
	ctx := context.Background()
	d := &fakeDispatcher{sendErr: errors.New("no peers")}
	c := NewClient(Options{Dispatcher: d, Prefs: NewPrefs(kv.NewMemory()), Now: func() time.Time { return time.UnixMilli(5000) }})
	if err := c.SetUsername(ctx, "bob"); err != nil {
		t.Fatalf("set username: %v", err)
	}
	msg, err := c.Send(ctx, " hello ")
	if err == nil {
		t.Fatalf("expected send error")
	}
	if msg.Text != "hello" || msg.Author != "bob" || msg.Timestamp != 5000 {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if c.Timeline().Len() != 1 || c.Timeline().LastSeen() != 5000 {
		t.Fatalf("local copy missing")
	}
	if msg.Signature != "" || msg.WalletAddress != "" {
		t.Fatalf("unsigned send carried wallet fields")
	}
}

func TestStartRestoresPrefsAndReceives(t *testing.T) {
	ctx := context.Background()
	prefs := NewPrefs(kv.NewMemory())
	_ = prefs.SetUsername(ctx, "carol")
	_ = prefs.SetOpen(ctx, true)

	lookup := staticLookup{"0x1234567890123456789012345678901234567890": "vitalik.eth"}
	svc := names.NewService(names.NewCache(ctx, nil, names.CacheOptions{}), lookup, time.Second)
	d := &fakeDispatcher{}
	c := NewClient(Options{Dispatcher: d, Names: svc, Prefs: prefs})
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if len(d.handlers) != 1 {
		t.Fatalf("expected one handler, got %d", len(d.handlers))
	}
	if c.Username() != "carol" || !c.Timeline().IsOpen() {
		t.Fatalf("prefs not restored")
	}

	d.deliver(proto.ChatMessage{ID: "1", Text: "gm", Timestamp: 1, Author: "x", WalletAddress: "0x1234567890123456789012345678901234567890"})
	d.deliver(proto.ChatMessage{ID: "2", Text: "gm", Timestamp: 2, Author: "y", WalletAddress: "0xabcdef0000000000000000000000000000001234"})
	d.deliver(proto.ChatMessage{ID: "3", Text: "gm", Timestamp: 3, Author: "z"})
	c.lookups.Wait()
	msgs := c.Timeline().Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].DisplayName != "vitalik.eth" || msgs[1].DisplayName != "0xabcd...1234" || msgs[2].DisplayName != "z" {
		t.Fatalf("unexpected display names: %q %q %q", msgs[0].DisplayName, msgs[1].DisplayName, msgs[2].DisplayName)
	}
}

func TestOnMessageSkipsDuplicates(t *testing.T) {
	d := &fakeDispatcher{}
	var seen []string
	c := NewClient(Options{Dispatcher: d, OnMessage: func(m Message) { seen = append(seen, m.ID) }})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	d.deliver(proto.ChatMessage{ID: "a", Text: "hi", Timestamp: 1, Author: "x"})
	d.deliver(proto.ChatMessage{ID: "a", Text: "hi", Timestamp: 1, Author: "x"})
	d.deliver(proto.ChatMessage{ID: "b", Text: "yo", Timestamp: 2, Author: "y"})
	if strings.Join(seen, ",") != "a,b" {
		t.Fatalf("unexpected callbacks: %v", seen)
	}
}

func TestStartReturnsConnectError(t *testing.T) {
	d := &fakeDispatcher{connErr: errors.New("boom")}
	c := NewClient(Options{Dispatcher: d})
	if err := c.Start(context.Background()); err == nil {
		t.Fatalf("expected connect error")
	}
}

func TestWalletSignedSend(t *testing.T) {
	ctx := context.Background()
	p, err := wallet.NewKeyProvider(testKeyHex)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	d := &fakeDispatcher{}
	c := NewClient(Options{Dispatcher: d, Prefs: NewPrefs(kv.NewMemory())})
	info, err := c.ConnectWallet(ctx, p)
	if err != nil {
		t.Fatalf("connect wallet: %v", err)
	}
	if c.Username() != names.FormatAddress(info.Address) {
		t.Fatalf("username not set from wallet: %q", c.Username())
	}
	if _, err := c.Send(ctx, "signed hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := d.sent[0]
	if sent.WalletAddress != info.Address || sent.Signature == "" {
		t.Fatalf("message not signed: %+v", sent)
	}
	if !Verified(sent) {
		t.Fatalf("signature did not verify")
	}
	sent.Text = "tampered"
	if Verified(sent) {
		t.Fatalf("tampered message verified")
	}

	c.DisconnectWallet()
	if _, ok := c.Wallet(); ok {
		t.Fatalf("wallet still connected")
	}
	if c.Username() == "" {
		t.Fatalf("username cleared on disconnect")
	}
}

func TestConnectWalletWithoutProvider(t *testing.T) {
	c := NewClient(Options{Dispatcher: &fakeDispatcher{}})
	if _, err := c.ConnectWallet(context.Background(), nil); !errors.Is(err, wallet.ErrNoWallet) {
		t.Fatalf("expected ErrNoWallet, got %v", err)
	}
}

type blockingLookup struct {
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (b *blockingLookup) LookupAddress(ctx context.Context, _ string) (string, bool, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	select {
	case <-b.release:
		return "slow.eth", true, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func (b *blockingLookup) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestSlowLookupDoesNotBlockDelivery(t *testing.T) {
	ctx := context.Background()
	lookup := &blockingLookup{release: make(chan struct{})}
	svc := names.NewService(names.NewCache(ctx, nil, names.CacheOptions{}), lookup, 5*time.Second)
	d := &fakeDispatcher{}
	got := make(chan Message, 4)
	c := NewClient(Options{Dispatcher: d, Names: svc, OnMessage: func(m Message) { got <- m }})
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	signed := proto.ChatMessage{ID: "s", Text: "gm", Timestamp: 1, Author: "x", WalletAddress: "0x1234567890123456789012345678901234567890"}
	done := make(chan struct{})
	go func() {
		d.deliver(signed)
		d.deliver(signed)
		d.deliver(proto.ChatMessage{ID: "p", Text: "hi", Timestamp: 2, Author: "y"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("delivery blocked on name lookup")
	}
	select {
	case m := <-got:
		if m.ID != "p" {
			t.Fatalf("expected unsigned message first, got %s", m.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("unsigned message not delivered")
	}

	close(lookup.release)
	c.lookups.Wait()
	m := <-got
	if m.ID != "s" || m.DisplayName != "slow.eth" {
		t.Fatalf("unexpected resolved message: %+v", m)
	}
	d.deliver(signed)
	if n := lookup.count(); n != 1 {
		t.Fatalf("expected one lookup, got %d", n)
	}
	if c.Timeline().Len() != 2 {
		t.Fatalf("expected 2 messages, got %d", c.Timeline().Len())
	}
}
