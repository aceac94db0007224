package network

import (
	"context"
	"crypto/tls"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"trollbox/internal/debuglog"
	"trollbox/internal/proto"
)

type ClientOptions struct {
	Insecure     bool
	DevTLS       bool
	DevTLSCAPath string
	// DisablePool dials a fresh connection per request.
	DisablePool bool
}

// Client performs framed request/response exchanges and opens long-lived
// subscription streams against service nodes. Connections are pooled per
// address.
type Client struct {
	opts     ClientOptions
	tlsConf  *tls.Config
	quicConf *quic.Config
	pool     *clientPool
}

func NewClient(opts ClientOptions) (*Client, error) {
	tlsConf, err := clientTLSConfig(opts.Insecure, opts.DevTLS, opts.DevTLSCAPath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(os.Getenv("TROLLBOX_DISABLE_CLIENT_POOL")) == "1" {
		opts.DisablePool = true
	}
	return &Client{
		opts:     opts,
		tlsConf:  tlsConf,
		quicConf: quicConfig(),
		pool:     newClientPool(clientConnIdle),
	}, nil
}

func (c *Client) dial(ctx context.Context, addr string) (*quic.Conn, error) {
	if c.opts.DisablePool {
		debuglog.Debugf("quic dial to %s", addr)
		return quic.DialAddr(ctx, addr, c.tlsConf, c.quicConf)
	}
	return c.pool.get(ctx, addr, c.tlsConf, c.quicConf)
}

func (c *Client) release(addr string, conn *quic.Conn, ok bool, reason string) {
	switch {
	case c.opts.DisablePool:
		_ = conn.CloseWithError(0, reason)
	case ok:
		c.pool.touch(addr, conn)
	default:
		c.pool.drop(addr, conn, reason)
	}
}

// exchangeOnce writes req on a fresh stream and reads one response frame.
func (c *Client) exchangeOnce(ctx context.Context, addr string, req []byte) ([]byte, error) {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		c.release(addr, conn, false, "open stream failed")
		return nil, err
	}
	if err := writeFrameWithTimeout(stream, streamRWTimeout, req); err != nil {
		stream.CancelRead(0)
		_ = stream.Close()
		c.release(addr, conn, false, "write failed")
		return nil, err
	}
	// half-close: the responder sees EOF after the request
	if err := stream.Close(); err != nil {
		debuglog.Debugf("quic close write to %s: %v", addr, err)
	}
	resp, err := readFrameWithTimeout(stream, streamRWTimeout)
	if err != nil {
		stream.CancelRead(0)
		c.release(addr, conn, false, "read failed")
		return nil, err
	}
	c.release(addr, conn, true, "client done")
	return resp, nil
}

// ExchangeOnce sends req to addr and returns the single response frame. It
// does not retry.
func (c *Client) ExchangeOnce(ctx context.Context, addr string, req []byte) ([]byte, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	return c.exchangeOnce(ctx, addr, req)
}

// Exchange is ExchangeOnce with bounded exponential backoff between
// attempts.
func (c *Client) Exchange(ctx context.Context, addr string, req []byte) ([]byte, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	var lastErr error
	for attempt := 0; attempt <= clientMaxRetries; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ctx.Err()
		}
		resp, err := c.exchangeOnce(ctx, addr, req)
		if err == nil {
			c.pool.resetFailures(addr)
			return resp, nil
		}
		lastErr = err
		debuglog.Debugf("quic exchange with %s attempt %d failed: %v", addr, attempt+1, err)
		if !backoffRetry(ctx, c.pool.recordFailure(addr)) {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("exchange failed")
	}
	return nil, lastErr
}

// Stream is the client end of a long-lived subscription.
type Stream struct {
	addr   string
	conn   *quic.Conn
	st     *quic.Stream
	client *Client
	once   sync.Once
}

// OpenStream writes req and leaves the stream open for response frames.
func (c *Client) OpenStream(ctx context.Context, addr string, req []byte) (*Stream, error) {
	dctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	conn, err := c.dial(dctx, addr)
	if err != nil {
		c.pool.recordFailure(addr)
		return nil, err
	}
	st, err := conn.OpenStreamSync(dctx)
	if err != nil {
		c.release(addr, conn, false, "open stream failed")
		return nil, err
	}
	if err := writeFrameWithTimeout(st, streamRWTimeout, req); err != nil {
		st.CancelRead(0)
		_ = st.Close()
		c.release(addr, conn, false, "write failed")
		return nil, err
	}
	_ = st.Close()
	c.pool.resetFailures(addr)
	return &Stream{addr: addr, conn: conn, st: st, client: c}, nil
}

func (s *Stream) Addr() string { return s.addr }

// Next blocks for the next frame. timeout <= 0 waits indefinitely.
func (s *Stream) Next(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		_ = s.st.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = s.st.SetReadDeadline(time.Time{})
	}
	return proto.ReadFrameWithTypeCap(s.st, proto.SoftMaxFrameSize, proto.MaxSizeForType)
}

// Close abandons the stream; the responder observes it as a cancelled
// write side.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.st.CancelRead(0)
		if s.client.opts.DisablePool {
			_ = s.conn.CloseWithError(0, "stream closed")
		}
	})
}

func (c *Client) Close() {
	c.pool.closeAll()
}

func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	d := clientBackoffBase
	if failures > 1 {
		d = d * time.Duration(1<<uint(failures-1))
	}
	if d > clientBackoffMax {
		d = clientBackoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
