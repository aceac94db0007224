package dispatch

import "sync"

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

type statusTracker struct {
	mu     sync.Mutex
	status Status
	subs   map[uint64]func(Status)
	nextID uint64
}

func newStatusTracker() *statusTracker {
	return &statusTracker{status: StatusConnecting, subs: make(map[uint64]func(Status))}
}

func (t *statusTracker) get() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// set records s and notifies subscribers when it differs from the current
// state.
func (t *statusTracker) set(s Status) {
	t.mu.Lock()
	if t.status == s {
		t.mu.Unlock()
		return
	}
	t.status = s
	subs := make([]func(Status), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func (t *statusTracker) subscribe(fn func(Status)) func() {
	if fn == nil {
		return func() {}
	}
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}
