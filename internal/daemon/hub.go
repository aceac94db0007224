package daemon

import (
	"sync"

	"trollbox/internal/proto"
)

const subscriberBuffer = 64

type subscriber struct {
	topics map[string]struct{}
	ch     chan proto.Envelope
	// lost counts envelopes dropped because ch was full.
	lost int
}

// hub fans accepted envelopes out to filter subscribers.
type hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

func (h *hub) add(topics []string) (*subscriber, bool) {
	s := &subscriber{
		topics: make(map[string]struct{}, len(topics)),
		ch:     make(chan proto.Envelope, subscriberBuffer),
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	h.subs[s] = struct{}{}
	return s, true
}

func (h *hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

// publish returns how many subscribers got env and how many were too slow.
func (h *hub) publish(env proto.Envelope) (delivered, dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if _, ok := s.topics[env.ContentTopic]; !ok {
			continue
		}
		select {
		case s.ch <- env:
			delivered++
		default:
			s.lost++
			dropped++
		}
	}
	return delivered, dropped
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
	}
}
