package daemon

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"trollbox/internal/debuglog"
	"trollbox/internal/metrics"
	"trollbox/internal/network"
	"trollbox/internal/proto"
	"trollbox/internal/store"
)

// handle is the QUIC request entry point; it dispatches on the frame type.
func (r *Runner) handle(ctx context.Context, remote string, req []byte, w network.FrameWriter) error {
	msgType, ok := proto.TypeOf(req)
	if !ok {
		r.Metrics.IncDropByReason("bad_type")
		return fmt.Errorf("missing message type")
	}
	r.Metrics.IncRecvByType(msgType)
	switch msgType {
	case proto.MsgTypeHello:
		return r.handleHello(req, w)
	case proto.MsgTypePush:
		return r.handlePush(ctx, remote, req, w)
	case proto.MsgTypeSubscribe:
		return r.handleSubscribe(ctx, req, w)
	case proto.MsgTypeQuery:
		return r.handleQuery(req, w)
	default:
		r.Metrics.IncDropByReason("unknown_type")
		return fmt.Errorf("unsupported message type: %s", msgType)
	}
}

func (r *Runner) handleHello(req []byte, w network.FrameWriter) error {
	resp := proto.HelloResp{
		NodeID:       r.NodeIDHex(),
		ClusterID:    r.clusterID,
		Shards:       r.shards,
		Capabilities: r.capabilities(),
		Peers:        r.relay.healthy(),
	}
	if _, err := proto.DecodeHelloMsg(req); err != nil {
		resp = proto.HelloResp{Error: err.Error()}
	}
	data, err := proto.EncodeHelloResp(resp)
	if err != nil {
		return err
	}
	return w.WriteFrame(data)
}

func (r *Runner) handlePush(ctx context.Context, remote string, req []byte, w network.FrameWriter) error {
	resp := r.acceptPush(ctx, remote, req)
	data, err := proto.EncodePushResp(resp)
	if err != nil {
		return err
	}
	return w.WriteFrame(data)
}

// acceptPush admits one pushed envelope: rate limit, dedup, persist, fan
// out to subscribers, then relay in the background.
func (r *Runner) acceptPush(ctx context.Context, remote string, req []byte) proto.PushResp {
	if !r.limiter.Allow(remoteHost(remote)) {
		r.Metrics.IncPushDropRate()
		r.Metrics.IncDropByReason("rate_limited")
		return proto.PushResp{Error: "rate limited"}
	}
	msg, err := proto.DecodePushMsg(req)
	if err != nil {
		r.Metrics.IncPushDropInvalid()
		r.Metrics.IncDropByReason("invalid_push")
		return proto.PushResp{Error: err.Error()}
	}
	env := msg.Envelope
	hash := env.Hash()
	if !r.seen.Add(hash) {
		r.Metrics.IncPushDropDuplicate()
		return proto.PushResp{Duplicate: true}
	}
	stored, err := r.Store.Append(env)
	if err != nil {
		debuglog.Warnf("daemon: store append: %v", err)
	} else if stored {
		r.Metrics.IncStored()
	} else {
		r.Metrics.IncPushDropDuplicate()
		return proto.PushResp{Duplicate: true}
	}
	r.Metrics.IncPushAccepted()
	r.Metrics.Recent().Add(metrics.EnvelopeHeader{
		Hash:         hex.EncodeToString(hash[:]),
		ContentTopic: env.ContentTopic,
		Timestamp:    env.Timestamp,
		Hops:         env.Hops,
	})
	delivered, lagged := r.hub.publish(env)
	for i := 0; i < delivered; i++ {
		r.Metrics.IncDelivered()
	}
	for i := 0; i < lagged; i++ {
		r.Metrics.IncDropByReason("slow_subscriber")
	}
	r.relayAsync(ctx, env, remote)
	return proto.PushResp{Accepted: true}
}

func (r *Runner) relayAsync(ctx context.Context, env proto.Envelope, remote string) {
	next := env.Hops + 1
	if next > r.cfg.MaxHops || r.relay == nil || r.relay.client == nil {
		return
	}
	env.Hops = next
	// The request ctx ends with the stream; relaying outlives it.
	rctx := context.WithoutCancel(ctx)
	from := remote
	go func() {
		n := r.relay.forward(rctx, env, from)
		for i := 0; i < n; i++ {
			r.Metrics.IncRelayed()
		}
	}()
}

func (r *Runner) handleSubscribe(ctx context.Context, req []byte, w network.FrameWriter) error {
	msg, err := proto.DecodeSubscribeMsg(req)
	if err != nil {
		return writeSubscribeResp(w, proto.SubscribeResp{Error: err.Error()})
	}
	sub, ok := r.hub.add(msg.ContentTopics)
	if !ok {
		return writeSubscribeResp(w, proto.SubscribeResp{Error: "node shutting down"})
	}
	defer r.hub.remove(sub)
	r.Metrics.SubscriberOpened()
	defer r.Metrics.SubscriberClosed()
	if err := writeSubscribeResp(w, proto.SubscribeResp{OK: true}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.ch:
			if !ok {
				return nil
			}
			data, err := proto.EncodeEnvelope(env)
			if err != nil {
				return err
			}
			if err := w.WriteFrame(data); err != nil {
				return err
			}
		}
	}
}

func writeSubscribeResp(w network.FrameWriter, resp proto.SubscribeResp) error {
	data, err := proto.EncodeSubscribeResp(resp)
	if err != nil {
		return err
	}
	return w.WriteFrame(data)
}

func (r *Runner) handleQuery(req []byte, w network.FrameWriter) error {
	resp := r.query(req)
	data, err := proto.EncodeQueryResp(resp)
	if err != nil {
		return err
	}
	return w.WriteFrame(data)
}

func (r *Runner) query(req []byte) proto.QueryResp {
	msg, err := proto.DecodeQueryMsg(req)
	if err != nil {
		return proto.QueryResp{Error: err.Error()}
	}
	r.Metrics.IncQueries()
	page, err := r.Store.Query(store.Query{
		ContentTopic: msg.ContentTopic,
		Start:        msg.StartTime,
		End:          msg.EndTime,
		Limit:        msg.EffectivePageSize(),
		Cursor:       msg.Cursor,
	})
	if err != nil {
		return proto.QueryResp{RequestID: msg.RequestID, Error: err.Error()}
	}
	return proto.QueryResp{RequestID: msg.RequestID, Envelopes: page.Envelopes, Cursor: page.Cursor}
}

func remoteHost(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

func (r *Runner) uptime() time.Duration {
	if r.started.IsZero() {
		return 0
	}
	return time.Since(r.started).Truncate(time.Second)
}
