package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trollbox/internal/debuglog"
	"trollbox/internal/proto"
)

type subscription struct {
	node  *LightNode
	topic string
	fn    func(proto.Envelope)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	stream FrameStream
	addr   string
}

// Subscribe opens a filter stream for topic and delivers envelopes to fn on
// a dedicated goroutine. When the stream drops it moves to the next filter
// peer. The first stream must open for Subscribe to succeed.
func (n *LightNode) Subscribe(ctx context.Context, topic string, fn func(proto.Envelope)) (func(), error) {
	if fn == nil {
		return nil, errors.New("nil envelope handler")
	}
	sctx, cancel := context.WithCancel(n.ctx)
	s := &subscription{
		node:   n,
		topic:  topic,
		fn:     fn,
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if err := s.open(ctx, ""); err != nil {
		cancel()
		return nil, err
	}
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		s.stop()
		return nil, errors.New("node stopped")
	}
	n.subs[s] = struct{}{}
	n.mu.Unlock()
	go s.run()
	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, s)
			n.mu.Unlock()
			s.stop()
		})
	}, nil
}

// open subscribes on the best filter peer other than skip.
func (s *subscription) open(ctx context.Context, skip string) error {
	n := s.node
	var exclude []string
	if skip != "" {
		exclude = append(exclude, skip)
	}
	peers := n.book.Select(proto.ProtocolFilter, 0, exclude...)
	if len(peers) == 0 && skip != "" {
		peers = n.book.Select(proto.ProtocolFilter, 0)
	}
	if len(peers) == 0 {
		return ErrNoPeers
	}
	req, err := proto.EncodeSubscribeMsg(proto.SubscribeMsg{ContentTopics: []string{s.topic}})
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range peers {
		st, err := n.transport.OpenStream(ctx, p.Addr, req)
		if err == nil {
			err = awaitSubscribeAck(st)
			if err != nil {
				st.Close()
			}
		}
		if err != nil {
			n.book.MarkFailure(p.Addr)
			errs = append(errs, fmt.Errorf("%s: %w", p.Addr, err))
			continue
		}
		n.book.MarkSuccess(p.Addr)
		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			st.Close()
			return s.ctx.Err()
		}
		s.stream, s.addr = st, p.Addr
		s.mu.Unlock()
		debuglog.Debugf("node: subscribed %s via %s", s.topic, p.Addr)
		return nil
	}
	return fmt.Errorf("subscribe failed: %w", errors.Join(errs...))
}

func awaitSubscribeAck(st FrameStream) error {
	raw, err := st.Next(subscribeAckTimeout)
	if err != nil {
		return err
	}
	resp, err := proto.DecodeSubscribeResp(raw)
	if err != nil {
		return err
	}
	if !resp.OK {
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return errors.New("subscription refused")
	}
	return nil
}

func (s *subscription) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		st, addr := s.stream, s.addr
		s.mu.Unlock()
		err := s.read(st)
		if s.ctx.Err() != nil {
			return
		}
		debuglog.Warnf("node: filter stream from %s dropped: %v", addr, err)
		s.node.book.MarkFailure(addr)
		st.Close()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.node.opts.Resubscribe):
			}
			err := s.open(s.ctx, addr)
			if err == nil {
				break
			}
			debuglog.RateLimitedf("resub-"+s.topic, 10*time.Second, "node: resubscribe failed: %v", err)
			s.node.greetAll(s.ctx)
		}
	}
}

func (s *subscription) read(st FrameStream) error {
	for {
		raw, err := st.Next(0)
		if err != nil {
			return err
		}
		env, err := proto.DecodeEnvelope(raw)
		if err != nil {
			debuglog.RateLimitedf("bad-envelope", 10*time.Second, "node: bad envelope frame: %v", err)
			continue
		}
		if env.ContentTopic != s.topic {
			continue
		}
		if !s.node.seen.Add(env.Hash()) {
			continue
		}
		s.fn(env)
	}
}

func (s *subscription) stop() {
	s.cancel()
	s.mu.Lock()
	st := s.stream
	s.mu.Unlock()
	if st != nil {
		st.Close()
	}
}
