package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"trollbox/internal/debuglog"
	"trollbox/internal/dispatch"
	"trollbox/internal/names"
	"trollbox/internal/proto"
	"trollbox/internal/wallet"
)

var (
	ErrEmptyMessage     = errors.New("message is empty")
	ErrUsernameRequired = errors.New("username required")
)

// Dispatcher is the part of *dispatch.Dispatcher the client uses.
type Dispatcher interface {
	Connect(ctx context.Context) error
	OnMessage(h dispatch.Handler) func()
	SendMessage(ctx context.Context, msg proto.ChatMessage) error
	Status() dispatch.Status
	Close() error
}

type Options struct {
	Dispatcher Dispatcher
	Names      *names.Service
	Wallet     *wallet.Session
	Prefs      *Prefs
	Now        func() time.Time
	// OnMessage, if set, sees each new inbound message after it is added
	// to the timeline.
	OnMessage func(Message)
}

type Client struct {
	opts     Options
	timeline *Timeline

	mu        sync.Mutex
	username  string
	started   bool
	unsub     func()
	resolving map[string]struct{}
	lookups   sync.WaitGroup
}

func NewClient(opts Options) *Client {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Wallet == nil {
		opts.Wallet = wallet.NewSession()
	}
	return &Client{opts: opts, timeline: NewTimeline(opts.Now), resolving: make(map[string]struct{})}
}

func (c *Client) Timeline() *Timeline { return c.timeline }

// Start restores preferences, registers the inbound handler and connects.
// A connect failure is returned; the handler stays registered so a later
// Start or Send can retry.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.started = true
		c.username = c.opts.Prefs.Username(ctx)
		c.unsub = c.opts.Dispatcher.OnMessage(c.receive)
	}
	c.mu.Unlock()
	c.timeline.SetOpen(c.opts.Prefs.Open(ctx))
	if err := c.opts.Dispatcher.Connect(ctx); err != nil {
		debuglog.Warnf("chat: connect failed: %v", err)
		return err
	}
	return nil
}

// receive runs on the subscription goroutine. Messages whose author name
// is not cached are resolved on their own goroutine so a slow lookup never
// stalls the stream.
func (c *Client) receive(msg proto.ChatMessage) {
	if c.timeline.Has(msg.ID) {
		debuglog.Debugf("chat: duplicate message %s", msg.ID)
		return
	}
	m := Message{ChatMessage: msg, DisplayName: msg.Author}
	if msg.WalletAddress == "" {
		c.add(m)
		return
	}
	if c.opts.Names == nil || c.opts.Names.Cache().IsFresh(msg.WalletAddress) {
		m.DisplayName = c.displayName(context.Background(), msg.WalletAddress)
		c.add(m)
		return
	}
	c.mu.Lock()
	if _, busy := c.resolving[msg.ID]; busy {
		c.mu.Unlock()
		return
	}
	c.resolving[msg.ID] = struct{}{}
	c.lookups.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.lookups.Done()
		m.DisplayName = c.displayName(context.Background(), msg.WalletAddress)
		c.add(m)
		c.mu.Lock()
		delete(c.resolving, msg.ID)
		c.mu.Unlock()
	}()
}

func (c *Client) add(m Message) {
	if !c.timeline.Receive(m) {
		debuglog.Debugf("chat: duplicate message %s", m.ID)
		return
	}
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(m)
	}
}

func (c *Client) displayName(ctx context.Context, addr string) string {
	if c.opts.Names == nil {
		return names.FormatAddress(addr)
	}
	return c.opts.Names.DisplayName(ctx, addr, names.FormatAddress)
}

// Send appends text to the local timeline and publishes it. The message is
// kept locally even when publishing fails.
func (c *Client) Send(ctx context.Context, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	username := c.Username()
	if username == "" {
		return Message{}, ErrUsernameRequired
	}
	now := c.opts.Now()
	msg := proto.ChatMessage{
		ID:        NewMessageID(now),
		Text:      text,
		Timestamp: now.UnixMilli(),
		Author:    username,
	}
	if info, ok := c.opts.Wallet.Info(); ok {
		sig, err := c.opts.Wallet.SignMessage(ctx, wallet.SigningPayload(msg.Text, msg.Timestamp, msg.ID))
		if err != nil {
			return Message{}, err
		}
		msg.WalletAddress = info.Address
		msg.Signature = sig
	}
	local := Message{ChatMessage: msg, DisplayName: username}
	c.timeline.AppendLocal(local)
	if err := c.opts.Dispatcher.SendMessage(ctx, msg); err != nil {
		return local, err
	}
	return local, nil
}

// ConnectWallet attaches a wallet and adopts its display name as the
// username.
func (c *Client) ConnectWallet(ctx context.Context, p wallet.Provider) (wallet.Info, error) {
	info, err := c.opts.Wallet.Connect(ctx, p)
	if err != nil {
		return wallet.Info{}, err
	}
	if err := c.SetUsername(ctx, c.displayName(ctx, info.Address)); err != nil {
		debuglog.Warnf("chat: save username: %v", err)
	}
	return info, nil
}

// DisconnectWallet forgets the wallet. The username is kept.
func (c *Client) DisconnectWallet() {
	c.opts.Wallet.Disconnect()
}

func (c *Client) Wallet() (wallet.Info, bool) {
	return c.opts.Wallet.Info()
}

func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Client) SetUsername(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	c.mu.Lock()
	c.username = name
	c.mu.Unlock()
	return c.opts.Prefs.SetUsername(ctx, name)
}

// SetOpen toggles the chat surface and remembers the choice.
func (c *Client) SetOpen(ctx context.Context, open bool) error {
	c.timeline.SetOpen(open)
	return c.opts.Prefs.SetOpen(ctx, open)
}

// Verified reports whether msg carries a valid signature from its wallet
// address.
func Verified(msg proto.ChatMessage) bool {
	if msg.WalletAddress == "" || msg.Signature == "" {
		return false
	}
	return wallet.Verify(msg.WalletAddress, wallet.SigningPayload(msg.Text, msg.Timestamp, msg.ID), msg.Signature)
}

func (c *Client) Status() dispatch.Status {
	return c.opts.Dispatcher.Status()
}

func (c *Client) Close() error {
	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	c.lookups.Wait()
	return c.opts.Dispatcher.Close()
}
