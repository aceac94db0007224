// Package chat is the client side of the trollbox: the ordered message
// timeline, persisted preferences and the Client that ties the dispatcher,
// name service and wallet together.
package chat

import (
	"slices"
	"sync"
	"time"

	"trollbox/internal/proto"
)

// Message is a timeline entry: the wire message plus the name shown for its
// author.
type Message struct {
	proto.ChatMessage
	DisplayName string `json:"displayName,omitempty"`
	Local       bool   `json:"-"`
}

// Timeline keeps messages ordered by timestamp and tracks the unread
// watermark. Messages with equal timestamps keep arrival order.
type Timeline struct {
	mu       sync.Mutex
	now      func() time.Time
	msgs     []Message
	ids      map[string]struct{}
	open     bool
	lastSeen int64
	unread   bool
}

// NewTimeline starts the unread watermark at now, so history older than
// startup is never unread.
func NewTimeline(now func() time.Time) *Timeline {
	if now == nil {
		now = time.Now
	}
	return &Timeline{now: now, ids: make(map[string]struct{}), lastSeen: now().UnixMilli()}
}

// Has reports whether a message with id is already in the timeline.
func (t *Timeline) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ids[id]
	return ok
}

// Receive merges a remote message. It reports false for a duplicate id.
func (t *Timeline) Receive(msg Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.insertLocked(msg) {
		return false
	}
	if msg.Timestamp > t.lastSeen && !t.open {
		t.unread = true
	}
	return true
}

// AppendLocal records a message the user just sent, before the network has
// confirmed it.
func (t *Timeline) AppendLocal(msg Message) bool {
	msg.Local = true
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.insertLocked(msg) {
		return false
	}
	t.lastSeen = msg.Timestamp
	return true
}

func (t *Timeline) insertLocked(msg Message) bool {
	if _, dup := t.ids[msg.ID]; dup {
		return false
	}
	t.ids[msg.ID] = struct{}{}
	t.msgs = append(t.msgs, msg)
	slices.SortStableFunc(t.msgs, func(a, b Message) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})
	return true
}

// SetOpen records whether the chat surface is visible. Opening it marks
// everything seen.
func (t *Timeline) SetOpen(open bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = open
	if open {
		t.markSeenLocked()
	}
}

func (t *Timeline) MarkSeen() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markSeenLocked()
}

func (t *Timeline) markSeenLocked() {
	t.lastSeen = t.now().UnixMilli()
	t.unread = false
}

func (t *Timeline) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.msgs)
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

func (t *Timeline) Unread() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unread
}

// LastSeen is the watermark in unix milliseconds.
func (t *Timeline) LastSeen() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen
}
